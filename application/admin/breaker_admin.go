// Package admin exposes operator controls over shared infrastructure,
// currently limited to forcing a named circuit breaker OPEN or CLOSED
// for drills and failovers.
package admin

import (
	"fmt"
	"time"

	"ordersaga/infrastructure/breaker"
)

// BreakerAdmin looks up breakers by name so an HTTP handler or CLI
// command can act on one without holding a reference to it directly.
type BreakerAdmin struct {
	breakers map[string]*breaker.Breaker
}

func NewBreakerAdmin(breakers ...*breaker.Breaker) *BreakerAdmin {
	byName := make(map[string]*breaker.Breaker, len(breakers))
	for _, b := range breakers {
		byName[b.Name()] = b
	}
	return &BreakerAdmin{breakers: byName}
}

// ErrUnknownBreaker is returned when the name does not match any
// breaker registered with this admin.
type ErrUnknownBreaker struct{ Name string }

func (e *ErrUnknownBreaker) Error() string {
	return fmt.Sprintf("admin: no breaker named %q", e.Name)
}

func (a *BreakerAdmin) Close(name string) error {
	b, ok := a.breakers[name]
	if !ok {
		return &ErrUnknownBreaker{Name: name}
	}
	return b.Reset()
}

func (a *BreakerAdmin) Open(name string, d time.Duration) error {
	b, ok := a.breakers[name]
	if !ok {
		return &ErrUnknownBreaker{Name: name}
	}
	return b.ForceOpen(d)
}

// Names lists every breaker this admin can address.
func (a *BreakerAdmin) Names() []string {
	names := make([]string, 0, len(a.breakers))
	for name := range a.breakers {
		names = append(names, name)
	}
	return names
}
