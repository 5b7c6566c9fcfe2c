// Package ident generates the opaque, prefixed identifiers used for
// challenges, receipts, sessions and agents.
package ident

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Prefixes for each entity kind. An id looks like "ch_6f1a...".
const (
	PrefixChallenge = "ch"
	PrefixReceipt   = "rcpt"
	PrefixSession   = "sess"
	PrefixAgent     = "agt"
)

// Generator produces unique identifiers.
type Generator interface {
	NewID(prefix string) string
}

// UUID generates ids from random UUIDs.
type UUID struct{}

func (UUID) NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Seq generates predictable sequential ids for tests.
type Seq struct {
	n atomic.Int64
}

func (s *Seq) NewID(prefix string) string {
	return fmt.Sprintf("%s_%04d", prefix, s.n.Add(1))
}
