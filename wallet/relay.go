package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil/psbt"
)

// ErrNoPendingRequest is returned when a relay has nothing waiting for a
// signature.
var ErrNoPendingRequest = errors.New("no pending sign request")

type relayReply struct {
	pkts []*psbt.Packet
	err  error
}

// Relay is a PsbtSigner for wallets that live on the other side of an API.
// SignPsbts publishes the packets and blocks until Submit or Reject is
// called, or ctx is done. Only one request is pending at a time.
type Relay struct {
	mu      sync.Mutex
	pending []string
	reply   chan relayReply
	notify  chan struct{}
}

// NewRelay returns an idle relay.
func NewRelay() *Relay {
	return &Relay{notify: make(chan struct{}, 1)}
}

// SignPsbts implements PsbtSigner.
func (r *Relay) SignPsbts(ctx context.Context, pkts []*psbt.Packet) ([]*psbt.Packet, error) {
	encoded := make([]string, len(pkts))
	for i, pkt := range pkts {
		b64, err := pkt.B64Encode()
		if err != nil {
			return nil, fmt.Errorf("encode psbt %d: %w", i, err)
		}
		encoded[i] = b64
	}

	reply := make(chan relayReply, 1)
	r.mu.Lock()
	if r.reply != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("a sign request is already pending")
	}
	r.pending, r.reply = encoded, reply
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}

	defer func() {
		r.mu.Lock()
		if r.reply == reply {
			r.pending, r.reply = nil, nil
		}
		r.mu.Unlock()
	}()

	select {
	case rep := <-reply:
		if rep.err != nil {
			return nil, rep.err
		}
		if len(rep.pkts) != len(pkts) {
			return nil, fmt.Errorf("got %d signed psbts, want %d", len(rep.pkts), len(pkts))
		}
		return rep.pkts, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the base64 PSBTs awaiting signatures.
func (r *Relay) Pending() ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reply == nil {
		return nil, false
	}
	return append([]string(nil), r.pending...), true
}

// Requests is signalled each time a new request becomes pending.
func (r *Relay) Requests() <-chan struct{} {
	return r.notify
}

// Submit answers the pending request with signed base64 PSBTs, in the
// order they were published.
func (r *Relay) Submit(signed []string) error {
	pkts := make([]*psbt.Packet, len(signed))
	for i, b64 := range signed {
		pkt, err := psbt.NewFromRawBytes(strings.NewReader(strings.TrimSpace(b64)), true)
		if err != nil {
			return fmt.Errorf("psbt %d: %w", i, err)
		}
		pkts[i] = pkt
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reply == nil {
		return ErrNoPendingRequest
	}
	if len(pkts) != len(r.pending) {
		return fmt.Errorf("got %d psbts, want %d", len(pkts), len(r.pending))
	}
	r.reply <- relayReply{pkts: pkts}
	r.pending, r.reply = nil, nil
	return nil
}

// Reject declines the pending request.
func (r *Relay) Reject(reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reply == nil {
		return ErrNoPendingRequest
	}
	err := ErrUserRejected
	if reason = strings.TrimSpace(reason); reason != "" {
		err = fmt.Errorf("%w: %s", ErrUserRejected, reason)
	}
	r.reply <- relayReply{err: err}
	r.pending, r.reply = nil, nil
	return nil
}
