// Package prover talks to the external Prover API, which turns a spell
// into an unsigned commit/spell transaction pair.
package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/decred/slog"
	"github.com/gathogajanice/charmcards"
	"github.com/gathogajanice/charmcards/spell"
)

const (
	// DefaultTimeout bounds a proof request when the caller sets none.
	DefaultTimeout = 5 * time.Minute

	maxResponseBytes = 8 << 20
	opProve          = "prove"
)

// Request is the body posted to the prover.
type Request struct {
	Spell *spell.Spell `json:"spell"`

	PrevTxs          []string `json:"prev_txs,omitempty"`
	FundingUTXO      string   `json:"funding_utxo,omitempty"`
	FundingUTXOValue uint64   `json:"funding_utxo_value,omitempty"`
	ChangeAddress    string   `json:"change_address,omitempty"`
	FeeRate          float64  `json:"fee_rate,omitempty"`
}

// Result is the unsigned transaction pair, hex encoded. SpellTx spends an
// output of CommitTx.
type Result struct {
	CommitTx string `json:"commit_tx"`
	SpellTx  string `json:"spell_tx"`
}

type response struct {
	Proof *Result `json:"proof"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Config configures a Client.
type Config struct {
	BaseURL string
	// Timeout bounds each Prove call. Zero means DefaultTimeout.
	Timeout    time.Duration
	HTTPClient *http.Client
	Log        slog.Logger
}

// Client is a Prover API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	log     slog.Logger
}

// New returns a client for the prover at cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("prover url is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{baseURL: base, timeout: timeout, http: hc, log: log}, nil
}

// Prove posts req to the endpoint for op and returns the unsigned pair.
// Non-2xx answers are ProofGenerationFailed; running out of time is
// ProofTimeout. Calling Prove twice with the same request is safe.
func (c *Client) Prove(ctx context.Context, op spell.Op, req *Request) (*Result, error) {
	if req == nil || req.Spell == nil {
		return nil, charmcards.Errorf(charmcards.KindValidation, opProve, "%w: no spell", charmcards.ErrInvalidSpell)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, charmcards.NewError(charmcards.KindValidation, opProve, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := c.baseURL + "/" + string(op)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, charmcards.NewError(charmcards.KindProofGenerationFailed, opProve, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	c.log.Debugf("prover: POST %s (%d bytes)", url, len(body))
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := serverMessage(payload)
		c.log.Warnf("prover: %s returned %d after %v: %s", op, resp.StatusCode,
			time.Since(start).Round(time.Millisecond), msg)
		return nil, charmcards.Errorf(charmcards.KindProofGenerationFailed, opProve,
			"prover returned %d: %s", resp.StatusCode, msg)
	}

	var r response
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, charmcards.Errorf(charmcards.KindProofGenerationFailed, opProve,
			"decode prover response: %v", err)
	}
	if r.Proof == nil {
		return nil, charmcards.Errorf(charmcards.KindProofGenerationFailed, opProve,
			"prover response has no proof")
	}
	if _, _, err := r.Proof.Decode(); err != nil {
		return nil, charmcards.NewError(charmcards.KindProofGenerationFailed, opProve, err)
	}
	c.log.Infof("prover: %s proof ready in %v", op, time.Since(start).Round(time.Millisecond))
	return r.Proof, nil
}

func (c *Client) transportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return charmcards.Errorf(charmcards.KindProofTimeout, opProve,
			"no proof after %v: %v", c.timeout, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return charmcards.NewError(charmcards.KindCanceled, opProve, err)
	}
	return charmcards.NewError(charmcards.KindProofGenerationFailed, opProve, err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// serverMessage extracts the prover's error text, falling back to a
// generic message.
func serverMessage(payload []byte) string {
	var eb errorBody
	if err := json.Unmarshal(payload, &eb); err == nil {
		if m := strings.TrimSpace(eb.Error); m != "" {
			return m
		}
		if m := strings.TrimSpace(eb.Message); m != "" {
			return m
		}
	}
	return "proof generation failed"
}

// Decode parses both transactions and checks that the spell transaction
// spends an output of the commit transaction.
func (r *Result) Decode() (commit, spellTx *wire.MsgTx, err error) {
	if strings.TrimSpace(r.CommitTx) == "" || strings.TrimSpace(r.SpellTx) == "" {
		return nil, nil, fmt.Errorf("proof is missing a transaction")
	}
	commit, err = charmcards.DecodeTx(r.CommitTx)
	if err != nil {
		return nil, nil, fmt.Errorf("commit tx: %w", err)
	}
	spellTx, err = charmcards.DecodeTx(r.SpellTx)
	if err != nil {
		return nil, nil, fmt.Errorf("spell tx: %w", err)
	}
	commitHash := commit.TxHash()
	for _, in := range spellTx.TxIn {
		if in.PreviousOutPoint.Hash == commitHash {
			return commit, spellTx, nil
		}
	}
	return nil, nil, fmt.Errorf("spell tx %s does not spend commit tx %s", spellTx.TxHash(), commitHash)
}
