package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/gathogajanice/charmcards/explorer"
)

// JSON-RPC error codes returned by bitcoind.
const (
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInvalidParam   = -8
	rpcNoSuchTx       = -5
	rpcAlreadyInChain = -27
	rpcInWarmup       = -28
)

// RPCConfig locates a Bitcoin Core compatible node. A zero URL disables
// node broadcasting.
type RPCConfig struct {
	URL  string `toml:"url" env:"URL"`
	User string `toml:"user" env:"USER"`
	Pass string `toml:"pass" env:"PASS"`
}

// Enabled reports whether a node endpoint is configured.
func (c RPCConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

// ChainInfo is the subset of getblockchaininfo used by the probe.
type ChainInfo struct {
	Chain                string  `json:"chain"`
	Blocks               int64   `json:"blocks"`
	Headers              int64   `json:"headers"`
	BestBlockHash        string  `json:"bestblockhash"`
	VerificationProgress float64 `json:"verificationprogress"`
	InitialBlockDownload bool    `json:"initialblockdownload"`
}

// PackageTxResult is one entry of submitpackage's tx-results.
type PackageTxResult struct {
	Txid  string `json:"txid"`
	Error string `json:"error,omitempty"`
}

// PackageResult is the submitpackage response. tx-results is keyed by
// wtxid.
type PackageResult struct {
	PackageMsg string                     `json:"package_msg"`
	TxResults  map[string]PackageTxResult `json:"tx-results"`
}

// byTxid returns the entry for txid.
func (r *PackageResult) byTxid(txid string) (PackageTxResult, bool) {
	for wtxid, res := range r.TxResults {
		if res.Txid == txid || (res.Txid == "" && wtxid == txid) {
			return res, true
		}
	}
	return PackageTxResult{}, false
}

// NodeRPC is the node surface the coordinator needs.
type NodeRPC interface {
	GetBlockchainInfo(ctx context.Context) (*ChainInfo, error)
	SubmitPackage(ctx context.Context, rawTxs []string) (*PackageResult, error)
	SendRawTransaction(ctx context.Context, rawTx string) (string, error)
	TxKnown(ctx context.Context, txid string) (bool, error)
}

// RPCNode is a NodeRPC over a btcd rpcclient in HTTP POST mode.
type RPCNode struct {
	client *rpcclient.Client
	host   string
}

// connConfig translates cfg into an rpcclient configuration. The URL path,
// if any, is kept so wallet endpoints ("/wallet/name") work.
func connConfig(cfg RPCConfig) (*rpcclient.ConnConfig, error) {
	raw := strings.TrimSpace(cfg.URL)
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse rpc url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("rpc url %q has no host", cfg.URL)
	}
	user, pass := cfg.User, cfg.Pass
	if user == "" && u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}
	var tls bool
	switch u.Scheme {
	case "http":
	case "https":
		tls = true
	default:
		return nil, fmt.Errorf("rpc url scheme %q not supported", u.Scheme)
	}
	return &rpcclient.ConnConfig{
		Host:         u.Host + strings.TrimRight(u.Path, "/"),
		User:         user,
		Pass:         pass,
		HTTPPostMode: true,
		DisableTLS:   !tls,
	}, nil
}

// DialNode creates a client for cfg. HTTP POST mode opens no connection
// until the first call.
func DialNode(cfg RPCConfig) (*RPCNode, error) {
	cc, err := connConfig(cfg)
	if err != nil {
		return nil, err
	}
	c, err := rpcclient.New(cc, nil)
	if err != nil {
		return nil, fmt.Errorf("create rpc client for %s: %w", cc.Host, err)
	}
	return &RPCNode{client: c, host: cc.Host}, nil
}

// Host returns the node address without credentials.
func (n *RPCNode) Host() string { return n.host }

// Close releases the client.
func (n *RPCNode) Close() {
	n.client.Shutdown()
}

// call issues a raw request, returning early when ctx is done. The
// rpcclient API has no context support.
func (n *RPCNode) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	raw := make([]json.RawMessage, len(params))
	for i, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal param %d: %w", method, i, err)
		}
		raw[i] = b
	}
	type reply struct {
		res json.RawMessage
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		res, err := n.client.RawRequest(method, raw)
		ch <- reply{res, err}
	}()
	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *RPCNode) GetBlockchainInfo(ctx context.Context) (*ChainInfo, error) {
	res, err := n.call(ctx, "getblockchaininfo")
	if err != nil {
		return nil, err
	}
	var info ChainInfo
	if err := json.Unmarshal(res, &info); err != nil {
		return nil, fmt.Errorf("decode getblockchaininfo: %w", err)
	}
	return &info, nil
}

func (n *RPCNode) SubmitPackage(ctx context.Context, rawTxs []string) (*PackageResult, error) {
	res, err := n.call(ctx, "submitpackage", rawTxs)
	if err != nil {
		return nil, err
	}
	var pr PackageResult
	if err := json.Unmarshal(res, &pr); err != nil {
		return nil, fmt.Errorf("decode submitpackage: %w", err)
	}
	return &pr, nil
}

func (n *RPCNode) SendRawTransaction(ctx context.Context, rawTx string) (string, error) {
	res, err := n.call(ctx, "sendrawtransaction", rawTx)
	if err != nil {
		return "", err
	}
	var txid string
	if err := json.Unmarshal(res, &txid); err != nil {
		return "", fmt.Errorf("decode sendrawtransaction: %w", err)
	}
	return txid, nil
}

// TxKnown checks the mempool, then the chain. Without -txindex the chain
// lookup misses confirmed transactions; resubmitting one is then answered
// as already in the chain.
func (n *RPCNode) TxKnown(ctx context.Context, txid string) (bool, error) {
	_, err := n.call(ctx, "getmempoolentry", txid)
	if err == nil {
		return true, nil
	}
	if rpcCode(err) != rpcNoSuchTx && rpcCode(err) != rpcInvalidParam {
		return false, err
	}
	_, err = n.call(ctx, "getrawtransaction", txid)
	switch {
	case err == nil:
		return true, nil
	case rpcCode(err) == rpcNoSuchTx:
		return false, nil
	}
	return false, err
}

// TxStatus reports a transaction's confirmation state from the node so
// confirmations can be tracked without an explorer. Confirmed
// transactions need -txindex or a wallet that knows them.
func (n *RPCNode) TxStatus(ctx context.Context, txid string) (*explorer.TxStatus, error) {
	res, err := n.call(ctx, "getrawtransaction", txid, true)
	if rpcCode(err) == rpcNoSuchTx {
		return nil, explorer.ErrTxNotFound
	}
	if err != nil {
		return nil, err
	}
	var tx btcjson.TxRawResult
	if err := json.Unmarshal(res, &tx); err != nil {
		return nil, fmt.Errorf("decode getrawtransaction: %w", err)
	}
	if tx.Confirmations == 0 || tx.BlockHash == "" {
		return &explorer.TxStatus{}, nil
	}

	res, err = n.call(ctx, "getblockheader", tx.BlockHash, true)
	if err != nil {
		return nil, err
	}
	var hdr btcjson.GetBlockHeaderVerboseResult
	if err := json.Unmarshal(res, &hdr); err != nil {
		return nil, fmt.Errorf("decode getblockheader: %w", err)
	}
	return &explorer.TxStatus{
		Confirmed:   true,
		BlockHeight: int64(hdr.Height),
		BlockHash:   tx.BlockHash,
		BlockTime:   tx.Blocktime,
	}, nil
}

// rpcCode returns the JSON-RPC error code of err, or 0 for transport
// failures.
func rpcCode(err error) int {
	var re *btcjson.RPCError
	if errors.As(err, &re) {
		return int(re.Code)
	}
	return 0
}

func rpcMessage(err error) string {
	var re *btcjson.RPCError
	if errors.As(err, &re) {
		return re.Message
	}
	return err.Error()
}
