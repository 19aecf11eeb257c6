package ledger

import (
	"errors"
	"sync"

	"github.com/uhyunpark/instantswap/pkg/core"
)

// ErrAlreadyConsumed is returned by MarkConsumed when the key was marked before
var ErrAlreadyConsumed = errors.New("order already consumed")

// Ledger records which (maker, nonce) pairs have been used.
// Entries are never removed: a consumed order stays consumed forever.
type Ledger interface {
	IsConsumed(key core.OrderKey) (bool, error)
	// MarkConsumed atomically checks and marks key.
	// Exactly one of any number of concurrent calls for the same key returns nil.
	MarkConsumed(key core.OrderKey) error
}

// Memory is a process-local Ledger
type Memory struct {
	mu       sync.Mutex
	consumed map[core.OrderKey]struct{}
}

// NewMemory creates an empty in-memory ledger
func NewMemory() *Memory {
	return &Memory{consumed: make(map[core.OrderKey]struct{})}
}

func (m *Memory) IsConsumed(key core.OrderKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.consumed[key]
	return ok, nil
}

func (m *Memory) MarkConsumed(key core.OrderKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.consumed[key]; ok {
		return ErrAlreadyConsumed
	}
	m.consumed[key] = struct{}{}
	return nil
}

// Len returns the number of consumed keys
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.consumed)
}

var _ Ledger = (*Memory)(nil)
