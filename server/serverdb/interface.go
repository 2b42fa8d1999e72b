package serverdb

import (
	"context"
	"errors"
	"time"
)

var (
	ErrMainBucketNotFound  = errors.New("main bucket not found")
	ErrIndexBucketNotFound = errors.New("txid index bucket not found")
	ErrEntryNotFound       = errors.New("ledger entry not found")
	ErrInvalidEntry        = errors.New("invalid ledger entry")
	ErrClosed              = errors.New("ledger closed")
)

// LedgerEntry records one completed operation. Entries are never
// mutated or deleted.
type LedgerEntry struct {
	Seq         uint64    `json:"seq"`
	OperationID string    `json:"operation_id,omitempty"`
	Kind        string    `json:"kind"`
	Brand       string    `json:"brand"`
	Amount      uint64    `json:"amount"`
	CommitTxid  string    `json:"commit_txid"`
	SpellTxid   string    `json:"spell_txid"`
	BlockHeight int64     `json:"block_height,omitempty"`
	Recipient   string    `json:"recipient,omitempty"`
	CharmUTXO   string    `json:"charm_utxo,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e *LedgerEntry) validate() error {
	switch {
	case e == nil:
		return ErrInvalidEntry
	case e.Kind == "":
		return errors.Join(ErrInvalidEntry, errors.New("kind is required"))
	case e.SpellTxid == "":
		return errors.Join(ErrInvalidEntry, errors.New("spell txid is required"))
	}
	return nil
}

// Ledger is the append-only record of completed operations. Appends are
// serialized; reads return entries in insertion order.
type Ledger interface {
	// Append stores e and returns its sequence number. Seq in e is ignored.
	Append(ctx context.Context, e *LedgerEntry) (uint64, error)
	Entries(ctx context.Context) ([]*LedgerEntry, error)
	// FetchByTxid returns the entries whose commit or spell txid is txid.
	FetchByTxid(ctx context.Context, txid string) ([]*LedgerEntry, error)
	Len(ctx context.Context) (int, error)
	Close() error
}
