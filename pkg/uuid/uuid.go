// Package uuid pins the module's identifier format in one place: every
// generated ID (reservation, payment, event) is a UUIDv4 string.
package uuid

import "github.com/google/uuid"

// New returns a fresh UUIDv4 string.
func New() string {
	return uuid.New().String()
}
