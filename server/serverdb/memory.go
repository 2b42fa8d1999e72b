package serverdb

import (
	"context"
	"strings"
	"sync"
)

// MemoryDB is an in-process Ledger.
type MemoryDB struct {
	mu      sync.RWMutex
	entries []*LedgerEntry
	closed  bool
}

var _ Ledger = (*MemoryDB)(nil)

func NewMemoryDB() *MemoryDB { return &MemoryDB{} }

func (m *MemoryDB) Append(ctx context.Context, e *LedgerEntry) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := e.validate(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	rec := *e
	rec.Seq = uint64(len(m.entries) + 1)
	m.entries = append(m.entries, &rec)
	return rec.Seq, nil
}

// Entries returns copies so callers cannot mutate the record.
func (m *MemoryDB) Entries(ctx context.Context) ([]*LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*LedgerEntry, 0, len(m.entries))
	for _, e := range m.entries {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryDB) FetchByTxid(ctx context.Context, txid string) ([]*LedgerEntry, error) {
	all, err := m.Entries(ctx)
	if err != nil {
		return nil, err
	}
	var out []*LedgerEntry
	for _, e := range all {
		if strings.EqualFold(e.CommitTxid, txid) || strings.EqualFold(e.SpellTxid, txid) {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil, ErrEntryNotFound
	}
	return out, nil
}

func (m *MemoryDB) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *MemoryDB) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
