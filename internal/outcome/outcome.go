// Package outcome implements the outcome/learning bridge: callers report
// whether a bundle satisfied a session, the bridge records the signal
// asynchronously off a bounded drop-oldest queue, and promotes
// high-confidence satisfied signals into a learning cache that hybrid
// retrieval consults before doing real work. The background-drain
// goroutine is a single worker loop with an explicit Start/Stop
// lifecycle.
package outcome

import (
	"context"
	"sync"
	"time"

	"github.com/codeintel/corpusindex/internal/cache"
)

// Signal is a single outcome report for an assembled bundle.
type Signal struct {
	SessionID        string
	Query            string
	Intent           string
	BundleSignature  string
	Satisfied        bool
	TimeToFixMs      int64
	TopClickID       string
	TokenUsage       int
	Confidence       float64
	ReportedAt       time.Time
}

// LearningEntry is what gets stored in the cache fabric's metadata
// namespace on a high-confidence satisfied signal.
type LearningEntry struct {
	BundleSignature string
	Satisfaction    bool
	RecordedAt      time.Time
}

// learningTTL is the long TTL applied to learning cache entries; the
// metadata namespace's own default TTL (1 hour) is too short for
// cross-session reuse, so learning entries are stored with an explicit
// signature-scoped key and re-set on every promotion to keep them warm.
const learningTTL = 24 * time.Hour

// confidenceFloor is the minimum signal confidence required before a
// satisfied signal gets promoted into the learning cache.
const confidenceFloor = 0.7

// queueCapacity bounds the async signal queue; overflow drops the
// oldest queued signal.
const queueCapacity = 256

// Logger is the minimal logging surface the bridge needs; satisfied by
// *slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Error(msg string, args ...any) {}

// Bridge is the outcome/learning bridge. It never blocks the caller of
// Record, and failures to persist a signal are logged, never returned.
type Bridge struct {
	fabric *cache.Fabric
	log    Logger

	mu      sync.Mutex
	queue   []Signal
	notify  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// New creates a bridge backed by fabric's metadata namespace for the
// learning cache.
func New(fabric *cache.Fabric, log Logger) *Bridge {
	if log == nil {
		log = noopLogger{}
	}
	return &Bridge{
		fabric: fabric,
		log:    log,
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the background drain loop. Calling Start more than once
// is a no-op.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	go b.drain(ctx)
}

// Stop signals the drain loop to exit and waits for it.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	close(b.stopCh)
	<-b.doneCh
}

// Record enqueues a signal for asynchronous processing, dropping the
// oldest queued signal if the queue is full. Record never blocks.
func (b *Bridge) Record(s Signal) {
	if s.ReportedAt.IsZero() {
		s.ReportedAt = time.Now()
	}
	b.mu.Lock()
	if len(b.queue) >= queueCapacity {
		b.queue = b.queue[1:]
	}
	b.queue = append(b.queue, s)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Bridge) drain(ctx context.Context) {
	defer close(b.doneCh)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			b.drainOnce()
			return
		case <-ctx.Done():
			return
		case <-b.notify:
			b.drainOnce()
		case <-ticker.C:
			b.drainOnce()
		}
	}
}

func (b *Bridge) drainOnce() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		s := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		if err := b.process(s); err != nil {
			b.log.Error("outcome signal processing failed", "error", err, "session_id", s.SessionID)
		}
	}
}

func (b *Bridge) process(s Signal) error {
	if !s.Satisfied || s.Confidence < confidenceFloor {
		return nil
	}
	entry := LearningEntry{
		BundleSignature: s.BundleSignature,
		Satisfaction:    s.Satisfied,
		RecordedAt:      s.ReportedAt,
	}
	key := learningKey(s.Query, s.Intent)
	b.fabric.Set(cache.NamespaceMetadata, key, entry, cache.SetOptions{Signature: s.BundleSignature})
	return nil
}

func learningKey(queryFingerprint, intent string) string {
	return "learning:" + intent + ":" + queryFingerprint
}

// Consult looks up a cached bundle signature for (queryFingerprint,
// intent). It returns ok=false if there is no entry, or if isFetchable
// reports the cached bundle is no longer retrievable, in which case the
// stale hit is ignored rather than surfaced.
func (b *Bridge) Consult(queryFingerprint, intent string, isFetchable func(bundleSignature string) bool) (LearningEntry, bool) {
	key := learningKey(queryFingerprint, intent)
	result, err := b.fabric.Get(cache.NamespaceMetadata, key, func() (any, cache.SetOptions, error) {
		return nil, cache.SetOptions{}, nil
	})
	if err != nil || result.Value == nil {
		return LearningEntry{}, false
	}
	entry, ok := result.Value.(LearningEntry)
	if !ok {
		return LearningEntry{}, false
	}
	if isFetchable != nil && !isFetchable(entry.BundleSignature) {
		return LearningEntry{}, false
	}
	return entry, true
}
