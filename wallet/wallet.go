// Package wallet adapts an unsigned commit/spell transaction pair to the
// signing capability of whichever wallet is connected.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/slog"
	"github.com/gathogajanice/charmcards"
	"github.com/gathogajanice/charmcards/prover"
)

// ErrUserRejected is returned by wallets when the user declines to sign.
var ErrUserRejected = errors.New("user rejected signing")

const opSign = "sign"

// PsbtSigner signs a batch of PSBTs and returns them with signatures
// added. Packets are returned in the order given.
type PsbtSigner interface {
	SignPsbts(ctx context.Context, pkts []*psbt.Packet) ([]*psbt.Packet, error)
}

// RawTx is a transaction to sign together with the outputs it spends.
type RawTx struct {
	Tx       *wire.MsgTx
	PrevOuts map[wire.OutPoint]*wire.TxOut
}

// RawTxSigner signs raw transactions directly.
type RawTxSigner interface {
	SignRawTransactions(ctx context.Context, txs []RawTx) ([]*wire.MsgTx, error)
}

// SignAndBroadcaster signs and publishes the pair itself, returning the
// txids of the commit and spell transactions.
type SignAndBroadcaster interface {
	SignAndBroadcast(ctx context.Context, pkts []*psbt.Packet) (commitTxid, spellTxid string, err error)
}

// Capability is the signing interface selected at connect time.
type Capability int

const (
	CapNone Capability = iota
	CapPsbt
	CapRawTx
	CapSignAndBroadcast
)

func (c Capability) String() string {
	switch c {
	case CapPsbt:
		return "psbt"
	case CapRawTx:
		return "rawtx"
	case CapSignAndBroadcast:
		return "sign-and-broadcast"
	}
	return "none"
}

// Signed is the wallet's output. When Broadcast is set the wallet already
// published both transactions and only the txids are filled in.
type Signed struct {
	CommitTx   string `json:"commit_tx,omitempty"`
	SpellTx    string `json:"spell_tx,omitempty"`
	CommitTxid string `json:"commit_txid"`
	SpellTxid  string `json:"spell_txid"`
	Broadcast  bool   `json:"broadcast"`
}

// Signer signs proof results with one connected wallet.
type Signer struct {
	cap Capability
	net charmcards.Network
	log slog.Logger

	psbt      PsbtSigner
	raw       RawTxSigner
	broadcast SignAndBroadcaster
}

// Connect inspects w once and binds the most capable interface it
// implements, preferring PSBT over raw signing over sign-and-broadcast.
func Connect(w interface{}, net charmcards.Network, log slog.Logger) (*Signer, error) {
	if log == nil {
		log = slog.Disabled
	}
	s := &Signer{net: net, log: log}
	switch v := w.(type) {
	case PsbtSigner:
		s.cap, s.psbt = CapPsbt, v
	case RawTxSigner:
		s.cap, s.raw = CapRawTx, v
	case SignAndBroadcaster:
		s.cap, s.broadcast = CapSignAndBroadcast, v
	default:
		return nil, charmcards.Errorf(charmcards.KindWalletUnavailable, "connect wallet",
			"no compatible wallet connected")
	}
	log.Debugf("wallet: connected with %s capability", s.cap)
	return s, nil
}

// Capability returns the interface selected by Connect.
func (s *Signer) Capability() Capability {
	if s == nil {
		return CapNone
	}
	return s.cap
}

// Sign signs both transactions of proof. inputs lists the UTXOs the pair
// spends from the user's wallet (funding and charm UTXOs); outputs of
// the commit transaction are attached automatically for the spell
// transaction. Cancelling ctx stops waiting on the wallet.
func (s *Signer) Sign(ctx context.Context, proof *prover.Result, inputs []charmcards.UTXO) (*Signed, error) {
	if s == nil || s.cap == CapNone {
		return nil, charmcards.Errorf(charmcards.KindWalletUnavailable, opSign, "no wallet connected")
	}
	if proof == nil {
		return nil, charmcards.Errorf(charmcards.KindSigningFailed, opSign, "no proof to sign")
	}
	commit, spellTx, err := proof.Decode()
	if err != nil {
		return nil, charmcards.NewError(charmcards.KindSigningFailed, opSign, err)
	}
	prevOuts, err := s.prevOuts(inputs)
	if err != nil {
		return nil, charmcards.NewError(charmcards.KindValidation, opSign, err)
	}
	commitHash := commit.TxHash()
	for i, out := range commit.TxOut {
		prevOuts[wire.OutPoint{Hash: commitHash, Index: uint32(i)}] = out
	}
	wantCommit, wantSpell := commitHash.String(), spellTx.TxHash().String()

	type reply struct {
		signed *Signed
		err    error
	}
	done := make(chan reply, 1)
	go func() {
		signed, err := s.sign(ctx, commit, spellTx, prevOuts)
		done <- reply{signed, err}
	}()

	var r reply
	select {
	case r = <-done:
	case <-ctx.Done():
		return nil, charmcards.NewError(charmcards.KindCanceled, opSign, ctx.Err())
	}
	if r.err != nil {
		return nil, classify(r.err)
	}
	if r.signed.CommitTxid != wantCommit {
		return nil, charmcards.Errorf(charmcards.KindSigningFailed, opSign,
			"signed commit txid %s differs from unsigned %s", r.signed.CommitTxid, wantCommit)
	}
	if r.signed.SpellTxid != wantSpell {
		return nil, charmcards.Errorf(charmcards.KindSigningFailed, opSign,
			"signed spell txid %s differs from unsigned %s", r.signed.SpellTxid, wantSpell)
	}
	s.log.Infof("wallet: signed commit %s and spell %s (%s)", wantCommit, wantSpell, s.cap)
	return r.signed, nil
}

func classify(err error) error {
	var e *charmcards.Error
	switch {
	case errors.As(err, &e):
		return err
	case errors.Is(err, ErrUserRejected):
		return charmcards.NewError(charmcards.KindUserRejected, opSign, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return charmcards.NewError(charmcards.KindCanceled, opSign, err)
	}
	return charmcards.NewError(charmcards.KindSigningFailed, opSign, err)
}

func (s *Signer) prevOuts(inputs []charmcards.UTXO) (map[wire.OutPoint]*wire.TxOut, error) {
	m := make(map[wire.OutPoint]*wire.TxOut, len(inputs)+2)
	for _, u := range inputs {
		id, err := charmcards.ParseUtxoID(u.ID())
		if err != nil {
			return nil, err
		}
		addr, err := btcutil.DecodeAddress(u.Address, s.net.Params())
		if err != nil {
			return nil, fmt.Errorf("%w: utxo %s: %v", charmcards.ErrInvalidAddress, u.ID(), err)
		}
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("utxo %s: %w", u.ID(), err)
		}
		m[id.OutPoint()] = wire.NewTxOut(int64(u.Value), pkScript)
	}
	return m, nil
}

func (s *Signer) sign(ctx context.Context, commit, spellTx *wire.MsgTx,
	prevOuts map[wire.OutPoint]*wire.TxOut) (*Signed, error) {

	switch s.cap {
	case CapRawTx:
		for _, tx := range []*wire.MsgTx{commit, spellTx} {
			for i, in := range tx.TxIn {
				if prevOuts[in.PreviousOutPoint] == nil {
					return nil, charmcards.Errorf(charmcards.KindSigningFailed, opSign,
						"tx %s input %d spends unknown output %v", tx.TxHash(), i, in.PreviousOutPoint)
				}
			}
		}
		txs, err := s.raw.SignRawTransactions(ctx, []RawTx{
			{Tx: commit.Copy(), PrevOuts: prevOuts},
			{Tx: spellTx.Copy(), PrevOuts: prevOuts},
		})
		if err != nil {
			return nil, err
		}
		if len(txs) != 2 {
			return nil, fmt.Errorf("wallet returned %d transactions, want 2", len(txs))
		}
		return encodeSigned(txs[0], txs[1])
	}

	pkts := make([]*psbt.Packet, 2)
	for i, tx := range []*wire.MsgTx{commit, spellTx} {
		pkt, err := ToPacket(tx, prevOuts)
		if err != nil {
			return nil, charmcards.NewError(charmcards.KindSigningFailed, opSign, err)
		}
		pkts[i] = pkt
	}

	if s.cap == CapSignAndBroadcast {
		commitTxid, spellTxid, err := s.broadcast.SignAndBroadcast(ctx, pkts)
		if err != nil {
			return nil, err
		}
		return &Signed{CommitTxid: commitTxid, SpellTxid: spellTxid, Broadcast: true}, nil
	}

	signed, err := s.psbt.SignPsbts(ctx, pkts)
	if err != nil {
		return nil, err
	}
	if len(signed) != 2 {
		return nil, fmt.Errorf("wallet returned %d psbts, want 2", len(signed))
	}
	txs := make([]*wire.MsgTx, 2)
	for i, pkt := range signed {
		tx, err := Finalize(pkt)
		if err != nil {
			return nil, err
		}
		txs[i] = tx
	}
	return encodeSigned(txs[0], txs[1])
}

func encodeSigned(commit, spellTx *wire.MsgTx) (*Signed, error) {
	commitHex, err := charmcards.EncodeTx(commit)
	if err != nil {
		return nil, err
	}
	spellHex, err := charmcards.EncodeTx(spellTx)
	if err != nil {
		return nil, err
	}
	return &Signed{
		CommitTx:   commitHex,
		SpellTx:    spellHex,
		CommitTxid: commit.TxHash().String(),
		SpellTxid:  spellTx.TxHash().String(),
	}, nil
}
