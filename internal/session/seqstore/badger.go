package seqstore

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// BadgerStore persists sequences in an embedded BadgerDB. One key per venue,
// value is both counters big-endian; the single-key Set gives atomicity.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a Badger database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // disable internal logging
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(venue string) []byte {
	return []byte("seq/" + venue)
}

func (s *BadgerStore) Load(ctx context.Context, venue string) (uint64, uint64, error) {
	var in, out uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(venue))
		if err == badger.ErrKeyNotFound {
			in, out = 1, 1
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			if len(v) != 16 {
				return fmt.Errorf("corrupt sequence record for %s: %d bytes", venue, len(v))
			}
			in = binary.BigEndian.Uint64(v[:8])
			out = binary.BigEndian.Uint64(v[8:])
			return nil
		})
	})
	if err != nil {
		return 0, 0, fmt.Errorf("loading sequences for %s: %w", venue, err)
	}
	return in, out, nil
}

func (s *BadgerStore) Persist(ctx context.Context, venue string, inbound, outbound uint64) error {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], inbound)
	binary.BigEndian.PutUint64(buf[8:], outbound)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(venue), buf[:])
	})
	if err != nil {
		return fmt.Errorf("persisting sequences for %s: %w", venue, err)
	}
	return nil
}

func (s *BadgerStore) Reset(ctx context.Context, venue string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(venue))
	})
	if err != nil {
		return fmt.Errorf("resetting sequences for %s: %w", venue, err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
