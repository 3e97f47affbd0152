// Package seqstore persists FIX sequence numbers per venue. Sessions load on
// logon and persist after every message in both directions, so a restart
// resumes exactly where the venue expects.
package seqstore

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("seqstore: store is closed")

// Store is the durable sequence contract. Both numbers are the NEXT expected
// values (inbound) and next to assign (outbound), not the last seen. A venue
// never written before loads as 1,1. Persist must be atomic per venue: a
// crash mid-write may lose the latest update but never tears the pair.
type Store interface {
	Load(ctx context.Context, venue string) (inbound, outbound uint64, err error)
	Persist(ctx context.Context, venue string, inbound, outbound uint64) error

	// Reset drops the venue's sequences back to 1,1. Used when a session
	// logs on with ResetSeqNumFlag.
	Reset(ctx context.Context, venue string) error

	Close() error
}
