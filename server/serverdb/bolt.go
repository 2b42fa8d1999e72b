package serverdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

var (
	ledgerBucket = []byte("ledger")
	txidBucket   = []byte("by_txid")
)

// BoltDB is a Ledger stored in a bbolt file. Entries are keyed by the
// bucket sequence; by_txid maps txid||seq to nothing.
type BoltDB struct {
	db *bbolt.DB
}

var _ Ledger = (*BoltDB)(nil)

// NewBoltDB opens or creates the ledger at path.
func NewBoltDB(path string) (*BoltDB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{ledgerBucket, txidBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltDB{db: db}, nil
}

func (b *BoltDB) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func indexKey(txid string, seq uint64) []byte {
	return append([]byte(strings.ToLower(txid)), seqKey(seq)...)
}

// Append stores e. bbolt allows a single writer, which serializes appends.
func (b *BoltDB) Append(ctx context.Context, e *LedgerEntry) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := e.validate(); err != nil {
		return 0, err
	}
	var seq uint64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(ledgerBucket)
		if bkt == nil {
			return ErrMainBucketNotFound
		}
		idx := tx.Bucket(txidBucket)
		if idx == nil {
			return ErrIndexBucketNotFound
		}
		var err error
		if seq, err = bkt.NextSequence(); err != nil {
			return err
		}
		rec := *e
		rec.Seq = seq
		payload, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		if err := bkt.Put(seqKey(seq), payload); err != nil {
			return err
		}
		for _, txid := range []string{rec.CommitTxid, rec.SpellTxid} {
			if txid == "" {
				continue
			}
			if err := idx.Put(indexKey(txid, seq), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("append ledger entry: %w", err)
	}
	return seq, nil
}

func decodeEntry(v []byte) (*LedgerEntry, error) {
	var e LedgerEntry
	if err := json.Unmarshal(v, &e); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return &e, nil
}

func (b *BoltDB) Entries(ctx context.Context) ([]*LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*LedgerEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(ledgerBucket)
		if bkt == nil {
			return ErrMainBucketNotFound
		}
		return bkt.ForEach(func(_, v []byte) error {
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

func (b *BoltDB) FetchByTxid(ctx context.Context, txid string) ([]*LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(strings.ToLower(txid))
	var out []*LedgerEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(ledgerBucket)
		if bkt == nil {
			return ErrMainBucketNotFound
		}
		idx := tx.Bucket(txidBucket)
		if idx == nil {
			return ErrIndexBucketNotFound
		}
		c := idx.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if len(k) != len(prefix)+8 {
				continue
			}
			v := bkt.Get(k[len(prefix):])
			if v == nil {
				return fmt.Errorf("%w: index points at missing seq", ErrEntryNotFound)
			}
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrEntryNotFound
	}
	return out, nil
}

func (b *BoltDB) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := b.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(ledgerBucket)
		if bkt == nil {
			return ErrMainBucketNotFound
		}
		n = bkt.Stats().KeyN
		return nil
	})
	return n, err
}
