package chainwatcher

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/gathogajanice/charmcards"
)

// State is a step of an operation's lifecycle.
type State string

const (
	StateIdle            State = "idle"
	StateCreatingSpell   State = "creating-spell"
	StateGeneratingProof State = "generating-proof"
	StateSigning         State = "signing"
	StateBroadcasting    State = "broadcasting"
	StateConfirming      State = "confirming"
	StateSuccess         State = "success"
	StateError           State = "error"
)

// next lists the forward transition out of each state.
var next = map[State]State{
	StateIdle:            StateCreatingSpell,
	StateCreatingSpell:   StateGeneratingProof,
	StateGeneratingProof: StateSigning,
	StateSigning:         StateBroadcasting,
	StateBroadcasting:    StateConfirming,
	StateConfirming:      StateSuccess,
}

// ErrInvalidTransition is returned for a transition the state machine
// does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// Update is a snapshot of an operation, published on every transition.
type Update struct {
	OpID        string    `json:"id"`
	Kind        string    `json:"kind"`
	State       State     `json:"state"`
	CommitTxid  string    `json:"commit_txid,omitempty"`
	SpellTxid   string    `json:"spell_txid,omitempty"`
	BlockHeight int64     `json:"block_height,omitempty"`
	Pending     bool      `json:"pending"`
	Deferred    bool      `json:"deferred,omitempty"`
	Err         error     `json:"-"`
	At          time.Time `json:"at"`
}

// ErrorKind returns the kind name of the update's error, or "".
func (u Update) ErrorKind() string {
	if u.Err == nil {
		return ""
	}
	return charmcards.KindOf(u.Err).String()
}

// Operation tracks one pipeline run. It is safe for concurrent use.
type Operation struct {
	ID   string
	Kind string

	log slog.Logger

	mu          sync.RWMutex
	state       State
	commitTxid  string
	spellTxid   string
	blockHeight int64
	pending     bool
	deferred    bool
	err         error
	at          time.Time
	subs        map[chan Update]struct{}
}

// NewOperation returns an idle operation.
func NewOperation(id, kind string, log slog.Logger) *Operation {
	if log == nil {
		log = slog.Disabled
	}
	return &Operation{
		ID:    id,
		Kind:  kind,
		log:   log,
		state: StateIdle,
		at:    time.Now(),
		subs:  make(map[chan Update]struct{}),
	}
}

// snapshot must be called with o.mu held.
func (o *Operation) snapshot() Update {
	return Update{
		OpID:        o.ID,
		Kind:        o.Kind,
		State:       o.state,
		CommitTxid:  o.commitTxid,
		SpellTxid:   o.spellTxid,
		BlockHeight: o.blockHeight,
		Pending:     o.pending,
		Deferred:    o.deferred,
		Err:         o.err,
		At:          o.at,
	}
}

// Snapshot returns the current state.
func (o *Operation) Snapshot() Update {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshot()
}

// State returns the current state.
func (o *Operation) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// SpellTxid returns the spell txid once broadcast.
func (o *Operation) SpellTxid() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.spellTxid
}

// change applies fn under the lock and publishes the result.
func (o *Operation) change(fn func() error) error {
	o.mu.Lock()
	if err := fn(); err != nil {
		o.mu.Unlock()
		return err
	}
	o.at = time.Now()
	u := o.snapshot()
	chs := make([]chan Update, 0, len(o.subs))
	for ch := range o.subs {
		chs = append(chs, ch)
	}
	o.mu.Unlock()

	o.log.Debugf("operation %s: %s", o.ID, u.State)
	for _, ch := range chs {
		select {
		case ch <- u:
		default:
			// Drop if receiver is slow.
		}
	}
	return nil
}

// Advance moves to the next state, which must be to.
func (o *Operation) Advance(to State) error {
	return o.change(func() error {
		if next[o.state] != to {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.state, to)
		}
		o.state = to
		return nil
	})
}

// SetBroadcast records the broadcast txids and moves to confirming.
func (o *Operation) SetBroadcast(commitTxid, spellTxid string) error {
	return o.change(func() error {
		if o.state != StateBroadcasting {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.state, StateConfirming)
		}
		o.commitTxid, o.spellTxid = commitTxid, spellTxid
		o.state = StateConfirming
		o.deferred = false
		o.err = nil
		return nil
	})
}

// Confirm moves a confirming operation to success.
func (o *Operation) Confirm(blockHeight int64) error {
	return o.change(func() error {
		if o.state != StateConfirming {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.state, StateSuccess)
		}
		o.state = StateSuccess
		o.blockHeight = blockHeight
		o.pending = false
		o.err = nil
		return nil
	})
}

// Fail moves the operation to error. Idle and finished operations cannot
// fail. A commit txid carried by err is kept.
func (o *Operation) Fail(err error) error {
	return o.change(func() error {
		switch o.state {
		case StateIdle, StateSuccess, StateError:
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.state, StateError)
		}
		var e *charmcards.Error
		if errors.As(err, &e) && e.CommitTxid != "" {
			o.commitTxid = e.CommitTxid
		}
		o.state = StateError
		o.deferred = false
		o.err = err
		return nil
	})
}

// Defer records that broadcasting is waiting on the node. The operation
// stays broadcasting until SetBroadcast or Fail.
func (o *Operation) Defer(err error) error {
	return o.change(func() error {
		if o.state != StateBroadcasting {
			return fmt.Errorf("%w: %s cannot defer", ErrInvalidTransition, o.state)
		}
		o.deferred = true
		o.err = err
		return nil
	})
}

// MarkPending records that confirmation tracking stopped before the
// outcome was known. The operation stays confirming.
func (o *Operation) MarkPending(err error) error {
	return o.change(func() error {
		if o.state != StateConfirming {
			return fmt.Errorf("%w: %s is not confirming", ErrInvalidTransition, o.state)
		}
		o.pending = true
		o.err = err
		return nil
	})
}

// Done reports whether the operation reached success or error.
func (o *Operation) Done() bool {
	s := o.State()
	return s == StateSuccess || s == StateError
}

// Subscribe returns a channel receiving every subsequent update plus an
// unsubscribe func. The current state is sent first.
func (o *Operation) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 16)
	o.mu.Lock()
	o.subs[ch] = struct{}{}
	ch <- o.snapshot()
	o.mu.Unlock()

	unsub := func() {
		o.mu.Lock()
		delete(o.subs, ch)
		o.mu.Unlock()
	}
	return ch, unsub
}
