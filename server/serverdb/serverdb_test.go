package serverdb

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func txid(n int) string {
	return fmt.Sprintf("%064x", n)
}

func entry(n int, kind string) *LedgerEntry {
	return &LedgerEntry{
		OperationID: fmt.Sprintf("op-%d", n),
		Kind:        kind,
		Brand:       "Acme",
		Amount:      uint64(n * 1000),
		CommitTxid:  txid(2 * n),
		SpellTxid:   txid(2*n + 1),
		Timestamp:   time.Date(2026, 3, 1, 12, n, 0, 0, time.UTC),
	}
}

func ledgers(t *testing.T) map[string]Ledger {
	t.Helper()
	bolt, err := NewBoltDB(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })
	return map[string]Ledger{"bolt": bolt, "memory": NewMemoryDB()}
}

func TestAppendInsertionOrder(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			kinds := []string{"mint", "transfer", "redeem", "burn", "transfer"}
			for i, k := range kinds {
				seq, err := l.Append(ctx, entry(i+1, k))
				require.NoError(t, err)
				assert.Equal(t, uint64(i+1), seq)
			}
			got, err := l.Entries(ctx)
			require.NoError(t, err)
			require.Len(t, got, len(kinds))
			for i, e := range got {
				assert.Equal(t, uint64(i+1), e.Seq)
				assert.Equal(t, kinds[i], e.Kind)
				assert.Equal(t, txid(2*(i+1)+1), e.SpellTxid)
			}
			n, err := l.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, len(kinds), n)
		})
	}
}

func TestDuplicatesKept(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			e := entry(1, "transfer")
			_, err := l.Append(ctx, e)
			require.NoError(t, err)
			_, err = l.Append(ctx, e)
			require.NoError(t, err)

			got, err := l.FetchByTxid(ctx, e.SpellTxid)
			require.NoError(t, err)
			assert.Len(t, got, 2)
		})
	}
}

func TestFetchByTxid(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			for i := 1; i <= 3; i++ {
				_, err := l.Append(ctx, entry(i, "mint"))
				require.NoError(t, err)
			}
			got, err := l.FetchByTxid(ctx, txid(4))
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "op-2", got[0].OperationID)

			got, err = l.FetchByTxid(ctx, strings.ToUpper(txid(7)))
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "op-3", got[0].OperationID)

			_, err = l.FetchByTxid(ctx, txid(99))
			assert.ErrorIs(t, err, ErrEntryNotFound)
		})
	}
}

func TestAppendInvalid(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			_, err := l.Append(ctx, nil)
			assert.ErrorIs(t, err, ErrInvalidEntry)
			_, err = l.Append(ctx, &LedgerEntry{Kind: "burn"})
			assert.ErrorIs(t, err, ErrInvalidEntry)
			_, err = l.Append(ctx, &LedgerEntry{SpellTxid: txid(1)})
			assert.ErrorIs(t, err, ErrInvalidEntry)
			n, err := l.Len(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			const workers, each = 8, 10
			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < each; i++ {
						_, err := l.Append(ctx, entry(w*each+i, "transfer"))
						assert.NoError(t, err)
					}
				}(w)
			}
			wg.Wait()

			got, err := l.Entries(ctx)
			require.NoError(t, err)
			require.Len(t, got, workers*each)
			seen := make(map[uint64]bool)
			for i, e := range got {
				assert.Equal(t, uint64(i+1), e.Seq)
				seen[e.Seq] = true
			}
			assert.Len(t, seen, workers*each)
		})
	}
}

func TestBoltReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := NewBoltDB(path)
	require.NoError(t, err)
	_, err = db.Append(ctx, entry(1, "mint"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = NewBoltDB(path)
	require.NoError(t, err)
	defer db.Close()
	seq, err := db.Append(ctx, entry(2, "burn"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	got, err := db.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "mint", got[0].Kind)
	assert.True(t, got[0].Timestamp.Equal(entry(1, "mint").Timestamp))
}

func TestMemoryEntriesAreCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryDB()
	_, err := m.Append(ctx, entry(1, "mint"))
	require.NoError(t, err)
	got, err := m.Entries(ctx)
	require.NoError(t, err)
	got[0].Amount = 1
	got, err = m.Entries(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), got[0].Amount)

	require.NoError(t, m.Close())
	_, err = m.Append(ctx, entry(2, "mint"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewBoltDBRequiresPath(t *testing.T) {
	_, err := NewBoltDB("  ")
	assert.Error(t, err)
}
