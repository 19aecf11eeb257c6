package storage

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/instantswap/pkg/core"
	"github.com/uhyunpark/instantswap/pkg/settlement"
)

// InMemoryReceiptStore keeps receipts for venues that run on an in-memory ledger
type InMemoryReceiptStore struct {
	mu       sync.Mutex
	receipts map[core.OrderKey]*core.Receipt
}

func NewInMemoryReceiptStore() *InMemoryReceiptStore {
	return &InMemoryReceiptStore{receipts: make(map[core.OrderKey]*core.Receipt)}
}

func (s *InMemoryReceiptStore) SaveReceipt(r *core.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[r.Key] = r
	return nil
}

// LoadReceipt returns nil if no receipt exists for key
func (s *InMemoryReceiptStore) LoadReceipt(key core.OrderKey) (*core.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receipts[key], nil
}

// LoadReceipts returns a maker's receipts ordered by nonce
func (s *InMemoryReceiptStore) LoadReceipts(maker common.Address) ([]*core.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.Receipt
	for k, r := range s.receipts {
		if k.Maker == maker {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.NonceBig().Cmp(out[j].Key.NonceBig()) < 0
	})
	return out, nil
}

var _ settlement.ReceiptStore = (*InMemoryReceiptStore)(nil)
