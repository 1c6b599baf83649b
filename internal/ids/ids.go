// Package ids produces stable, content-addressed identifiers for spans,
// chunks, queries, and bundles. All hashes are SHA-256 truncated to 16 hex
// characters, matching the content-addressable chunk ID scheme already used
// by internal/chunk (BUG-052's content-hash approach generalized to the
// rest of the retrieval pipeline).
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// hashLen is the truncation length for all IDs produced by this package.
const hashLen = 16

// nullSentinel is encoded for missing/empty optional fields so that two
// inputs differing only in "field present vs absent" never collide.
const nullSentinel = "\x00null\x00"

// hash computes a truncated SHA-256 hex digest over the canonicalized input.
func hash(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		if p == "" {
			p = nullSentinel
		}
		h.Write([]byte(p))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:hashLen]
}

// canonicalJSON marshals v with sorted map keys so identical inputs
// always produce identical bytes regardless of map iteration order.
func canonicalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return nullSentinel
	}
	return string(b)
}

// SpanIdentity carries the fields that determine a span's identity. Two
// spans with identical SpanIdentity values always produce the same ID,
// independent of when or how many times they are reindexed.
type SpanIdentity struct {
	Repo       string
	Path       string
	ByteStart  int
	ByteEnd    int
	Kind       string
	Name       string
	Signature  string
	Doc        string
	ParentIDs  []string
}

// SpanID computes the stable content-addressed span identifier: a hash
// over (repo, path, byte_start, byte_end, kind, name,
// signature, doc_hash, parents_hash), with missing fields encoded as a
// distinct null sentinel so they never collide with an empty string.
func SpanID(s SpanIdentity) string {
	docHash := nullSentinel
	if s.Doc != "" {
		docHash = hash(s.Doc)
	}

	parents := append([]string(nil), s.ParentIDs...)
	sort.Strings(parents)
	parentsHash := nullSentinel
	if len(parents) > 0 {
		parentsHash = hash(parents...)
	}

	return hash(
		s.Repo,
		s.Path,
		fmt.Sprintf("%d", s.ByteStart),
		fmt.Sprintf("%d", s.ByteEnd),
		s.Kind,
		s.Name,
		s.Signature,
		docHash,
		parentsHash,
	)
}

// ChunkID computes the stable chunk identifier: a hash over
// (span_id, byte_start, byte_end, content_hash).
func ChunkID(spanID string, byteStart, byteEnd int, content string) string {
	contentHash := hash(content)
	return hash(spanID, fmt.Sprintf("%d", byteStart), fmt.Sprintf("%d", byteEnd), contentHash)
}

// QueryFingerprintInput carries the fields that determine a query's
// identity for caching and learning purposes.
type QueryFingerprintInput struct {
	QueryText          string
	Intent             string
	Limit              int
	IncludedSourceTypes []string
	Repo               string
	Scope              string
	GraphEnabled       bool
}

// normalizeQueryText lowercases and trims a query string so that cosmetic
// differences in whitespace or case never change the fingerprint.
func normalizeQueryText(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// QueryFingerprint computes a deterministic hash over the canonicalized
// fingerprint tuple, used both as a cache key and as the primary
// learning signature consumed by the outcome bridge.
func QueryFingerprint(in QueryFingerprintInput) string {
	sourceTypes := append([]string(nil), in.IncludedSourceTypes...)
	sort.Strings(sourceTypes)

	canon := struct {
		QueryText    string   `json:"query_text"`
		Intent       string   `json:"intent"`
		Limit        int      `json:"limit"`
		SourceTypes  []string `json:"source_types"`
		Repo         string   `json:"repo"`
		Scope        string   `json:"scope"`
		GraphEnabled bool     `json:"graph_enabled"`
	}{
		QueryText:    normalizeQueryText(in.QueryText),
		Intent:       in.Intent,
		Limit:        in.Limit,
		SourceTypes:  sourceTypes,
		Repo:         in.Repo,
		Scope:        in.Scope,
		GraphEnabled: in.GraphEnabled,
	}
	return hash(canonicalJSON(canon))
}

// BundleSignatureInput carries the content-bearing fields of a bundle used
// to compute its signature. Two bundles with the same signature are
// interchangeable for cache purposes.
type BundleSignatureInput struct {
	QueryText        string
	SourceTypes      []string
	SourceItemCounts []int
	TotalTokens      int
	AssembledAt      time.Time
}

// BundleSignature computes a hash over
// {query_text, sorted(source_types), sorted(source_item_counts),
// total_tokens, assembled_at_day}. Day-granularity on the timestamp means
// bundles assembled at different times of the same day, with identical
// content, share a signature.
func BundleSignature(in BundleSignatureInput) string {
	sourceTypes := append([]string(nil), in.SourceTypes...)
	sort.Strings(sourceTypes)

	counts := append([]int(nil), in.SourceItemCounts...)
	sort.Ints(counts)

	canon := struct {
		QueryText        string   `json:"query_text"`
		SourceTypes      []string `json:"source_types"`
		SourceItemCounts []int    `json:"source_item_counts"`
		TotalTokens      int      `json:"total_tokens"`
		AssembledAtDay   string   `json:"assembled_at_day"`
	}{
		QueryText:        normalizeQueryText(in.QueryText),
		SourceTypes:      sourceTypes,
		SourceItemCounts: counts,
		TotalTokens:      in.TotalTokens,
		AssembledAtDay:   in.AssembledAt.UTC().Format("2006-01-02"),
	}
	return hash(canonicalJSON(canon))
}

// CacheKey computes a namespaced cache key in the "{version}:{scope}:{hash}"
// format. version allows forced global invalidation by
// bumping a constant; scope is the cache namespace ("search", "bundle",
// "index", "metadata").
func CacheKey(version, scope string, payload any) string {
	return fmt.Sprintf("%s:%s:%s", version, scope, hash(canonicalJSON(payload)))
}
