// Package explorer is a small client for Esplora-compatible block
// explorers (mempool.space, blockstream.info and self-hosted electrs).
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/slog"
)

const (
	// DefaultTimeout bounds each explorer request.
	DefaultTimeout = 15 * time.Second

	maxBodyBytes = 1 << 20
)

// ErrTxNotFound is returned when the explorer does not know a txid.
var ErrTxNotFound = errors.New("transaction not found")

// RejectError is a broadcast the explorer refused. Message is the
// explorer's response body, typically the node's reject reason.
type RejectError struct {
	StatusCode int
	Message    string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("explorer rejected transaction (%d): %s", e.StatusCode, e.Message)
}

// TxStatus is the status of a transaction as reported by GET
// /tx/{txid}/status.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// Client is an Esplora API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	log     slog.Logger
}

// New returns a client rooted at baseURL, e.g.
// "https://mempool.space/testnet4/api".
func New(baseURL string, hc *http.Client, log slog.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("explorer url is required")
	}
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	if log == nil {
		log = slog.Disabled
	}
	return &Client{baseURL: base, http: hc, log: log}, nil
}

// URL returns the configured base URL.
func (c *Client) URL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, b, nil
}

// TxStatus queries the confirmation status of txid. ErrTxNotFound is
// returned for a txid the explorer has never seen.
func (c *Client) TxStatus(ctx context.Context, txid string) (*TxStatus, error) {
	if _, err := chainhash.NewHashFromStr(txid); err != nil {
		return nil, fmt.Errorf("bad txid %q: %w", txid, err)
	}
	code, body, err := c.do(ctx, http.MethodGet, "/tx/"+txid+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("tx status %s: %w", txid, err)
	}
	switch {
	case code == http.StatusNotFound:
		return nil, ErrTxNotFound
	case code != http.StatusOK:
		return nil, fmt.Errorf("tx status %s: explorer returned %d: %s", txid, code,
			strings.TrimSpace(string(body)))
	}
	var st TxStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("decode tx status %s: %w", txid, err)
	}
	return &st, nil
}

// TxKnown reports whether the explorer has seen txid, in the mempool or
// in a block.
func (c *Client) TxKnown(ctx context.Context, txid string) (bool, error) {
	_, err := c.TxStatus(ctx, txid)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrTxNotFound):
		return false, nil
	}
	return false, err
}

// Broadcast submits a raw transaction and returns its txid. A 4xx answer
// is returned as *RejectError; anything else is a transport failure whose
// outcome is unknown.
func (c *Client) Broadcast(ctx context.Context, rawHex string) (string, error) {
	code, body, err := c.do(ctx, http.MethodPost, "/tx", strings.NewReader(strings.TrimSpace(rawHex)))
	if err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	msg := strings.TrimSpace(string(body))
	if code >= 400 && code < 500 {
		c.log.Debugf("explorer: broadcast rejected (%d): %s", code, msg)
		return "", &RejectError{StatusCode: code, Message: msg}
	}
	if code != http.StatusOK {
		return "", fmt.Errorf("broadcast: explorer returned %d: %s", code, msg)
	}
	if _, err := chainhash.NewHashFromStr(msg); err != nil {
		return "", fmt.Errorf("broadcast: explorer returned %q instead of a txid", msg)
	}
	return msg, nil
}
