// Package breaker implements the CLOSED/OPEN/HALF_OPEN circuit breaker
// gating calls to the payment provider. State lives in the keyed store
// rather than in process memory: workers are ephemeral and horizontally
// scaled, so an in-process breaker would reset on every restart and
// each instance would have to rediscover an outage on its own.
package breaker

import (
	"errors"
	"fmt"
	"time"

	"ordersaga/infrastructure/store"
)

const tableName = "circuit_breakers"

type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// OpenError is returned instead of calling fn when the circuit is OPEN
// and the cooldown has not yet elapsed.
type OpenError struct {
	Name     string
	ResetsAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q is OPEN, resets at %s", e.Name, e.ResetsAt.Format(time.RFC3339))
}

// FailureClassifier decides whether an error returned by the wrapped call
// should count against the failure threshold. The default counts every
// non-nil error; callers override it to keep business-level outcomes
// (a declined card) from tripping a breaker meant for outages.
type FailureClassifier func(error) bool

func defaultClassifier(err error) bool { return err != nil }

// Breaker gates calls to a single named dependency.
type Breaker struct {
	name             string
	store            store.Store
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	classify         FailureClassifier
}

// New builds a Breaker backed by s. classify may be nil, in which case
// every non-nil error counts as a failure.
func New(s store.Store, name string, failureThreshold, successThreshold int, timeout time.Duration, classify FailureClassifier) *Breaker {
	if classify == nil {
		classify = defaultClassifier
	}
	return &Breaker{
		name:             name,
		store:            s,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		classify:         classify,
	}
}

type record struct {
	state        State
	failureCount int64
	successCount int64
	resetsAt     time.Time
	version      int64
	rowExists    bool
}

func (b *Breaker) read() (record, error) {
	item, err := b.store.Get(tableName, store.SimpleKey(b.name))
	if errors.Is(err, store.ErrNotFound) {
		return record{state: Closed}, nil
	}
	if err != nil {
		return record{}, fmt.Errorf("breaker: read %q: %w", b.name, err)
	}
	return recordFromItem(item), nil
}

func recordFromItem(item store.Item) record {
	r := record{
		state:        State(fmt.Sprint(item.Attrs["state"])),
		failureCount: toInt64(item.Attrs["failure_count"]),
		successCount: toInt64(item.Attrs["success_count"]),
		version:      item.Version,
		rowExists:    true,
	}
	if raw, ok := item.Attrs["resets_at"].(string); ok && raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			r.resetsAt = t
		}
	}
	return r
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func (r record) attrs() map[string]any {
	return map[string]any{
		"state":         string(r.state),
		"failure_count": r.failureCount,
		"success_count": r.successCount,
		"resets_at":     r.resetsAt.Format(time.RFC3339Nano),
	}
}

func (b *Breaker) write(r record) error {
	key := store.SimpleKey(b.name)
	if !r.rowExists {
		return b.store.PutIfAbsent(tableName, key, r.attrs())
	}
	_, err := b.store.PutIfVersion(tableName, key, r.attrs(), r.version)
	return err
}

// Call runs fn through the breaker with a read-modify-write retry loop
// against optimistic-lock conflicts (another instance updating the same
// breaker concurrently). fn's error is always returned to the caller,
// whether or not the classifier counted it as a failure; only the
// counter bookkeeping depends on the classification.
func (b *Breaker) Call(fn func() error) error {
	for {
		r, err := b.read()
		if err != nil {
			return err
		}

		if r.state == Open {
			if time.Now().Before(r.resetsAt) {
				return &OpenError{Name: b.name, ResetsAt: r.resetsAt}
			}
			r.state = HalfOpen
			r.successCount = 0
			if err := b.write(r); err != nil {
				if errors.Is(err, store.ErrPreconditionFailed) {
					continue
				}
				return fmt.Errorf("breaker: transition to half-open: %w", err)
			}
			r, err = b.read()
			if err != nil {
				return err
			}
		}

		callErr := fn()

		// A version conflict here means another instance recorded an
		// outcome first. Counters are monotone and thresholds soft, so
		// the lost update is dropped rather than re-invoking fn.
		if b.classify(callErr) {
			if err := b.recordFailure(r); err != nil {
				return err
			}
			return callErr
		}

		if err := b.recordSuccess(r); err != nil {
			return err
		}
		return callErr
	}
}

func (b *Breaker) recordSuccess(r record) error {
	switch r.state {
	case HalfOpen:
		r.successCount++
		if r.successCount >= int64(b.successThreshold) {
			r.state = Closed
			r.failureCount = 0
			r.successCount = 0
		}
	case Closed:
		r.failureCount = 0
	}

	if err := b.write(r); err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			return nil
		}
		return fmt.Errorf("breaker: record success: %w", err)
	}
	return nil
}

func (b *Breaker) recordFailure(r record) error {
	// A failed probe reopens immediately; only CLOSED failures
	// accumulate toward the threshold.
	if r.state == HalfOpen {
		r.state = Open
		r.resetsAt = time.Now().Add(b.timeout)
		r.successCount = 0
	} else {
		r.failureCount++
		if r.failureCount >= int64(b.failureThreshold) && r.state != Open {
			r.state = Open
			r.resetsAt = time.Now().Add(b.timeout)
			r.successCount = 0
		}
	}

	if err := b.write(r); err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			return nil
		}
		return fmt.Errorf("breaker: record failure: %w", err)
	}
	return nil
}

// Reset forces the breaker CLOSED with zeroed counters.
func (b *Breaker) Reset() error {
	return b.forceState(Closed, 0)
}

// ForceOpen forces the breaker OPEN for the given duration, for
// failover drills.
func (b *Breaker) ForceOpen(d time.Duration) error {
	return b.forceState(Open, d)
}

func (b *Breaker) forceState(s State, timeout time.Duration) error {
	for {
		r, err := b.read()
		if err != nil {
			return err
		}
		r.state = s
		r.failureCount = 0
		r.successCount = 0
		if s == Open {
			r.resetsAt = time.Now().Add(timeout)
		}
		if err := b.write(r); err != nil {
			if errors.Is(err, store.ErrPreconditionFailed) {
				continue
			}
			return fmt.Errorf("breaker: force state: %w", err)
		}
		return nil
	}
}

// Name returns the breaker's identity, used by the administrative
// interface to address a specific breaker by name.
func (b *Breaker) Name() string { return b.name }
