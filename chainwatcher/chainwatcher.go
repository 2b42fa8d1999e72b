// Package chainwatcher follows operations through their lifecycle and
// polls the network until their spell transaction confirms.
package chainwatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/gathogajanice/charmcards"
	"github.com/gathogajanice/charmcards/explorer"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultMaxWait  = 30 * time.Minute
)

// StatusSource answers transaction status queries.
type StatusSource interface {
	TxStatus(ctx context.Context, txid string) (*explorer.TxStatus, error)
}

// TxUpdate is the result of one poll for a txid.
type TxUpdate struct {
	Txid        string
	Seen        bool
	Confirmed   bool
	BlockHeight int64
	BlockHash   string
	Err         error
	At          time.Time
}

// Watcher polls the status of every subscribed txid on a fixed interval
// and pushes a TxUpdate to its subscribers each tick. A txid is dropped
// from the watch set as soon as it confirms.
type Watcher struct {
	log      slog.Logger
	src      StatusSource
	interval time.Duration

	// OnPoll, when set, is called with "confirmed", "unconfirmed",
	// "unknown" or "error" after each status query.
	OnPoll func(result string)

	mu   sync.RWMutex
	subs map[string]map[chan TxUpdate]struct{} // txid -> set(chan)

	kick chan struct{}
	quit chan struct{}
	once sync.Once
}

// NewWatcher returns a watcher polling src every interval.
func NewWatcher(log slog.Logger, src StatusSource, interval time.Duration) *Watcher {
	if log == nil {
		log = slog.Disabled
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Watcher{
		log:      log,
		src:      src,
		interval: interval,
		subs:     make(map[string]map[chan TxUpdate]struct{}),
		kick:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
}

func (w *Watcher) Stop() { w.once.Do(func() { close(w.quit) }) }

func (w *Watcher) Run(ctx context.Context) error {
	w.log.Infof("watcher: started (interval %v)", w.interval)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	defer w.log.Infof("watcher: stopped")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.quit:
			return nil
		case <-w.kick:
			w.pollOnce(ctx)
		case <-t.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Watcher) pollOnce(ctx context.Context) {
	w.mu.RLock()
	keys := make([]string, 0, len(w.subs))
	for k := range w.subs {
		keys = append(keys, k)
	}
	w.mu.RUnlock()

	for _, txid := range keys {
		if !w.Watching(txid) {
			continue
		}
		u := TxUpdate{Txid: txid, At: time.Now()}
		st, err := w.src.TxStatus(ctx, txid)
		switch {
		case errors.Is(err, explorer.ErrTxNotFound):
			w.polled("unknown")
		case err != nil:
			w.polled("error")
			u.Err = err
			w.log.Debugf("watcher: status %s: %v", txid, err)
		default:
			u.Seen = true
			u.Confirmed = st.Confirmed
			u.BlockHeight = st.BlockHeight
			u.BlockHash = st.BlockHash
			if st.Confirmed {
				w.polled("confirmed")
			} else {
				w.polled("unconfirmed")
			}
		}
		w.broadcastUpdate(txid, u)
	}
}

func (w *Watcher) polled(result string) {
	if w.OnPoll != nil {
		w.OnPoll(result)
	}
}

// Subscribe adds a listener for txid and returns the channel and an
// unsubscribe func. The first poll happens right away.
func (w *Watcher) Subscribe(txid string) (<-chan TxUpdate, func()) {
	k := strings.ToLower(txid)
	ch := make(chan TxUpdate, 8)

	w.mu.Lock()
	if _, ok := w.subs[k]; !ok {
		w.subs[k] = make(map[chan TxUpdate]struct{})
	}
	w.subs[k][ch] = struct{}{}
	n := len(w.subs[k])
	w.mu.Unlock()
	w.log.Debugf("watcher: subscribed tx=%s (subs=%d)", k, n)

	select {
	case w.kick <- struct{}{}:
	default:
	}

	unsub := func() {
		w.mu.Lock()
		if set, ok := w.subs[k]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(w.subs, k)
			}
		}
		w.mu.Unlock()
		// Do not close(ch): the producer may still try to send; let receiver stop by context.
	}
	return ch, unsub
}

// Watching reports whether txid is in the watch set.
func (w *Watcher) Watching(txid string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.subs[strings.ToLower(txid)]
	return ok
}

// broadcastUpdate snapshots subscribers for txid, then best-effort sends.
// A confirmation is final: the txid leaves the watch set and the update
// displaces a stale one if a channel is full.
func (w *Watcher) broadcastUpdate(txid string, u TxUpdate) {
	w.mu.Lock()
	set := w.subs[txid]
	chs := make([]chan TxUpdate, 0, len(set))
	for ch := range set {
		chs = append(chs, ch)
	}
	if u.Confirmed {
		delete(w.subs, txid)
	}
	w.mu.Unlock()

	for _, ch := range chs {
		select {
		case ch <- u:
			continue
		default:
		}
		if !u.Confirmed {
			// Drop if receiver is slow.
			continue
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
		}
	}
}

// Track waits for op's spell transaction to confirm and moves op to
// success. If maxWait passes first, op stays confirming, is marked
// pending and a ConfirmationTimeout error is returned. Cancelling ctx
// stops tracking the same way with a Canceled error.
func (w *Watcher) Track(ctx context.Context, op *Operation, maxWait time.Duration) error {
	txid := op.SpellTxid()
	if txid == "" {
		return charmcards.Errorf(charmcards.KindValidation, "confirm", "operation %s has no spell txid", op.ID)
	}
	ch, unsub := w.Subscribe(txid)
	defer unsub()

	var timeout <-chan time.Time
	if maxWait > 0 {
		t := time.NewTimer(maxWait)
		defer t.Stop()
		timeout = t.C
	}

	start := time.Now()
	for {
		select {
		case u := <-ch:
			if !u.Confirmed {
				continue
			}
			w.log.Infof("watcher: %s confirmed at height %d after %v", txid, u.BlockHeight,
				time.Since(start).Round(time.Second))
			return op.Confirm(u.BlockHeight)
		case <-timeout:
			err := charmcards.Errorf(charmcards.KindConfirmationTimeout, "confirm",
				"%s not confirmed after %v", txid, maxWait)
			w.log.Warnf("watcher: %v; still pending", err)
			op.MarkPending(err)
			return err
		case <-ctx.Done():
			err := charmcards.NewError(charmcards.KindCanceled, "confirm", ctx.Err())
			op.MarkPending(err)
			return err
		}
	}
}
