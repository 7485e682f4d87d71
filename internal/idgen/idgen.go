// Package idgen provides ID generation for settlement records.
//
// Services take a Generator so tests can substitute a Sequence and get
// stable, readable identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Generator produces prefixed identifiers ("ord_", "txn_", "esc_", ...).
type Generator interface {
	New(prefix string) string
}

// Random generates cryptographically random IDs.
type Random struct{}

// New returns prefix + 24 hex chars (12 random bytes).
func (Random) New(prefix string) string {
	return WithPrefix(prefix)
}

// WithPrefix generates a random ID with a prefix (e.g. "txn_", "esc_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Sequence generates deterministic IDs: prefix + zero-padded counter.
type Sequence struct {
	mu sync.Mutex
	n  int
}

// New returns the next sequential ID for prefix.
func (s *Sequence) New(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s%04d", prefix, s.n)
}

// idempotencyNamespace scopes derived keys to this service.
var idempotencyNamespace = uuid.MustParse("6f1c2a8e-3b7d-5e41-9a0c-d2b84f6e7a15")

// IdempotencyKey derives a stable key from a record ID and an operation
// name. The same inputs always produce the same key, so a retried gateway
// call after a timeout is recognized by the provider as a duplicate.
func IdempotencyKey(recordID, operation string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(recordID+":"+operation)).String()
}
