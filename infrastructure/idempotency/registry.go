// Package idempotency implements the claim/execute/complete-or-delete
// contract that wraps every step executor: at-most-once execution per
// key, with the same-key retry
// returning the exact result of the first execution. A key is either
// IN_FLIGHT, COMPLETE, or absent; a failed execution deletes its claim
// so the caller can retry with the same key.
package idempotency

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ordersaga/infrastructure/store"
)

const tableName = "idempotency"

// Status mirrors the three states a claimed key can be in.
type Status string

const (
	StatusInFlight Status = "IN_FLIGHT"
	StatusComplete Status = "COMPLETE"
)

// ErrInProgress is returned when another invocation holds the claim for
// this key right now.
var ErrInProgress = errors.New("idempotency: request already in progress")

// ErrCorrupt is returned when a record exists in neither IN_FLIGHT nor
// COMPLETE state — a state this registry never writes itself, so seeing
// it means another writer touched the table.
var ErrCorrupt = errors.New("idempotency: record in unexpected state")

// Registry wraps a Store with the claim/execute/complete protocol.
type Registry struct {
	store store.Store
	ttl   time.Duration
}

// New builds a Registry. ttl bounds how long a claimed key is held
// before the backing row is treated as absent again. An executor that
// crashes mid-flight leaves same-key retries failing with ErrInProgress
// until the ttl frees the claim — accepted recovery latency, made
// explicit through Config.IdempotencyTTL.
func New(s store.Store, ttl time.Duration) *Registry {
	return &Registry{store: s, ttl: ttl}
}

// Execute runs fn exactly once for a given key. A second call with the
// same key before fn returns gets ErrInProgress. A second call after fn
// already completed successfully gets the first call's result, decoded
// into out, without running fn again. If fn returns an error, the claim
// is released so the same key can be retried.
//
// out must be a pointer; the cached result is canonically JSON-encoded
// (Go's json.Marshal sorts map keys and preserves struct field order, so
// two calls that would produce equal results produce byte-equal cached
// encodings without a custom canonicalizer).
func (r *Registry) Execute(key string, out any, fn func() (any, error)) error {
	claimKey := store.SimpleKey(key)

	err := r.store.PutIfAbsent(tableName, claimKey, map[string]any{
		"status":     string(StatusInFlight),
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err == nil {
		// The claim itself carries the ttl so an executor that dies
		// between here and completion cannot hold the key forever.
		if expErr := r.store.SetExpiry(tableName, claimKey, time.Now().Add(r.ttl)); expErr != nil {
			_ = r.store.Delete(tableName, claimKey)
			return fmt.Errorf("idempotency: set claim expiry for %q: %w", key, expErr)
		}
		return r.runAndComplete(claimKey, out, fn)
	}
	if !errors.Is(err, store.ErrPreconditionFailed) {
		return fmt.Errorf("idempotency: claim %q: %w", key, err)
	}

	// Key already claimed by someone — inspect it.
	existing, getErr := r.store.Get(tableName, claimKey)
	if errors.Is(getErr, store.ErrNotFound) {
		// Raced with a delete-on-failure between PutIfAbsent and Get;
		// the caller can retry immediately.
		return ErrInProgress
	}
	if getErr != nil {
		return fmt.Errorf("idempotency: inspect %q: %w", key, getErr)
	}

	switch Status(fmt.Sprint(existing.Attrs["status"])) {
	case StatusComplete:
		raw, _ := existing.Attrs["result"].(string)
		if raw == "" {
			return json.Unmarshal([]byte("null"), out)
		}
		return json.Unmarshal([]byte(raw), out)
	case StatusInFlight:
		return ErrInProgress
	default:
		_ = r.store.Delete(tableName, claimKey)
		return ErrCorrupt
	}
}

func (r *Registry) runAndComplete(claimKey store.Key, out any, fn func() (any, error)) error {
	result, err := fn()
	if err != nil {
		if delErr := r.store.Delete(tableName, claimKey); delErr != nil {
			return fmt.Errorf("idempotency: step failed (%v) and cleanup failed: %w", err, delErr)
		}
		return err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		_ = r.store.Delete(tableName, claimKey)
		return fmt.Errorf("idempotency: encode result: %w", err)
	}

	_, err = r.store.PutIfVersion(tableName, claimKey, map[string]any{
		"status": string(StatusComplete),
		"result": string(raw),
	}, 1)
	if err != nil {
		return fmt.Errorf("idempotency: mark complete: %w", err)
	}

	if err := r.store.SetExpiry(tableName, claimKey, time.Now().Add(r.ttl)); err != nil {
		return fmt.Errorf("idempotency: set expiry: %w", err)
	}

	return json.Unmarshal(raw, out)
}
