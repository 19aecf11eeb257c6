package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/instantswap/pkg/core"
	"github.com/uhyunpark/instantswap/pkg/ledger"
	"github.com/uhyunpark/instantswap/pkg/settlement"
)

// PebbleStore is the durable ledger and receipt store of a venue
type PebbleStore struct {
	db *pebble.DB

	// serializes the get-then-set in MarkConsumed
	markMu sync.Mutex

	now func() time.Time
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db, now: time.Now}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// ============================================================================
// Ledger
// ============================================================================

func (s *PebbleStore) IsConsumed(key core.OrderKey) (bool, error) {
	return s.has(consumedKey(key))
}

// MarkConsumed records key as used. The write is synced before returning so a
// consumed order survives a crash between mark and transfer.
func (s *PebbleStore) MarkConsumed(key core.OrderKey) error {
	k := consumedKey(key)

	s.markMu.Lock()
	defer s.markMu.Unlock()

	exists, err := s.has(k)
	if err != nil {
		return err
	}
	if exists {
		return ledger.ErrAlreadyConsumed
	}

	data, err := encodeJSON(&ConsumedRecord{
		Maker:      key.Maker,
		Nonce:      key.NonceBig().String(),
		ConsumedAt: s.now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal consumed record: %w", err)
	}
	if err := s.db.Set(k, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to mark consumed: %w", err)
	}
	return nil
}

// LoadConsumed returns the record for key, nil if the key is unconsumed
func (s *PebbleStore) LoadConsumed(key core.OrderKey) (*ConsumedRecord, error) {
	var rec ConsumedRecord
	found, err := s.load(consumedKey(key), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// ConsumedBy lists every consumed nonce of maker in ascending nonce order
func (s *PebbleStore) ConsumedBy(maker common.Address) ([]*ConsumedRecord, error) {
	var records []*ConsumedRecord
	err := s.scan(consumedPrefix(maker), func(val []byte) error {
		var rec ConsumedRecord
		if err := decodeJSON(val, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal consumed record: %w", err)
		}
		records = append(records, &rec)
		return nil
	})
	return records, err
}

// ============================================================================
// Receipts
// ============================================================================

// SaveReceipt persists a receipt to Pebble
func (s *PebbleStore) SaveReceipt(r *core.Receipt) error {
	data, err := encodeJSON(r)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt: %w", err)
	}
	if err := s.db.Set(receiptKey(r.Key), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save receipt: %w", err)
	}
	return nil
}

// LoadReceipt loads a receipt from Pebble
// Returns nil if no receipt exists
func (s *PebbleStore) LoadReceipt(key core.OrderKey) (*core.Receipt, error) {
	var r core.Receipt
	found, err := s.load(receiptKey(key), &r)
	if err != nil || !found {
		return nil, err
	}
	return &r, nil
}

// LoadReceipts loads all receipts of a maker ordered by nonce
func (s *PebbleStore) LoadReceipts(maker common.Address) ([]*core.Receipt, error) {
	var receipts []*core.Receipt
	err := s.scan(receiptPrefix(maker), func(val []byte) error {
		var r core.Receipt
		if err := decodeJSON(val, &r); err != nil {
			return fmt.Errorf("failed to unmarshal receipt: %w", err)
		}
		receipts = append(receipts, &r)
		return nil
	})
	return receipts, err
}

// ============================================================================
// helpers
// ============================================================================

func (s *PebbleStore) has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	closer.Close()
	return true, nil
}

func (s *PebbleStore) load(key []byte, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()

	if err := decodeJSON(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (s *PebbleStore) scan(prefix []byte, fn func(val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

var (
	_ ledger.Ledger           = (*PebbleStore)(nil)
	_ settlement.ReceiptStore = (*PebbleStore)(nil)
)
