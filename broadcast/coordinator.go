// Package broadcast submits signed commit/spell pairs to the Bitcoin
// network: atomically through submitpackage when the node supports it,
// otherwise one transaction at a time with the commit first.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/gathogajanice/charmcards"
	"github.com/gathogajanice/charmcards/explorer"
)

const (
	// DefaultTimeout bounds one Broadcast call, retries included.
	DefaultTimeout = 2 * time.Minute
	// DefaultAttempts is the number of submissions made after ambiguous
	// failures before giving up.
	DefaultAttempts = 4
)

// Explorer is the fallback route used when no node is usable.
type Explorer interface {
	Broadcast(ctx context.Context, rawHex string) (string, error)
	TxKnown(ctx context.Context, txid string) (bool, error)
}

// Result holds the txids of a broadcast pair. Both are always set.
type Result struct {
	CommitTxid string `json:"commit_txid"`
	SpellTxid  string `json:"spell_txid"`
}

// Config configures a Coordinator. Node and Explorer are both optional;
// with neither, every broadcast fails with NodeUnreachable.
type Config struct {
	Node     NodeRPC
	Explorer Explorer
	Network  charmcards.Network

	ProbeTimeout time.Duration
	Timeout      time.Duration
	Attempts     int
	// Retry spaces resubmissions; zero fields take DefaultRetryPolicy.
	Retry RetryPolicy

	// OnAttempt, when set, is called after every submission with the
	// method used and its outcome.
	OnAttempt func(method, outcome string)

	Log slog.Logger
}

// Coordinator owns the broadcast routes and the cached node status.
type Coordinator struct {
	node         NodeRPC
	explorer     Explorer
	net          charmcards.Network
	probeTimeout time.Duration
	timeout      time.Duration
	attempts     int
	retry        RetryPolicy
	onAttempt    func(method, outcome string)
	log          slog.Logger

	mu     sync.RWMutex
	status Status
	rngMu  sync.Mutex
	rng    *rand.Rand
}

// New returns a coordinator. Call Probe or Run before the first
// broadcast to classify the node; Broadcast probes on its own otherwise.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		node:         cfg.Node,
		explorer:     cfg.Explorer,
		net:          cfg.Network,
		probeTimeout: cfg.ProbeTimeout,
		timeout:      cfg.Timeout,
		attempts:     cfg.Attempts,
		retry:        cfg.Retry.withDefaults(),
		onAttempt:    cfg.OnAttempt,
		log:          cfg.Log,
		status:       Status{State: StateUnknown},
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if c.probeTimeout <= 0 {
		c.probeTimeout = DefaultProbeTimeout
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.attempts <= 0 {
		c.attempts = DefaultAttempts
	}
	if c.log == nil {
		c.log = slog.Disabled
	}
	return c
}

type outcome int

const (
	outcomeAccepted outcome = iota
	outcomeRejected
	outcomeAmbiguous
	outcomeUnsupported
)

func (o outcome) String() string {
	switch o {
	case outcomeAccepted:
		return "accepted"
	case outcomeRejected:
		return "rejected"
	case outcomeUnsupported:
		return "unsupported"
	}
	return "ambiguous"
}

// isAlreadyKnown matches reject reasons meaning the transaction is
// already in the mempool or the chain.
func isAlreadyKnown(reason string) bool {
	r := strings.ToLower(reason)
	return strings.Contains(r, "already in") ||
		strings.Contains(r, "txn-already-known") ||
		strings.Contains(r, "txn-already-in-mempool") ||
		strings.Contains(r, "already known")
}

// isTransient matches reject reasons caused by mempool conditions rather
// than by the transaction itself.
func isTransient(reason string) bool {
	r := strings.ToLower(reason)
	for _, s := range []string{"fee", "mempool full", "too-long-mempool-chain", "mempool-chain", "too many unconfirmed"} {
		if strings.Contains(r, s) {
			return true
		}
	}
	return false
}

func classifyNodeErr(err error) (outcome, string) {
	switch code := rpcCode(err); code {
	case 0:
		return outcomeAmbiguous, err.Error()
	case rpcAlreadyInChain:
		return outcomeAccepted, rpcMessage(err)
	case rpcMethodNotFound, rpcInvalidParams, rpcInWarmup:
		return outcomeUnsupported, rpcMessage(err)
	default:
		msg := rpcMessage(err)
		if isAlreadyKnown(msg) {
			return outcomeAccepted, msg
		}
		return outcomeRejected, msg
	}
}

func classifyExplorerErr(err error) (outcome, string) {
	var rej *explorer.RejectError
	if !errors.As(err, &rej) {
		return outcomeAmbiguous, err.Error()
	}
	if isAlreadyKnown(rej.Message) {
		return outcomeAccepted, rej.Message
	}
	return outcomeRejected, rej.Message
}

// route is one way of submitting single transactions.
type route struct {
	method   string
	send     func(ctx context.Context, raw string) (string, error)
	known    func(ctx context.Context, txid string) (bool, error)
	classify func(err error) (outcome, string)
}

func (c *Coordinator) nodeRoute() route {
	return route{
		method:   "sendrawtransaction",
		send:     c.node.SendRawTransaction,
		known:    c.node.TxKnown,
		classify: classifyNodeErr,
	}
}

func (c *Coordinator) explorerRoute() route {
	return route{
		method:   "explorer",
		send:     c.explorer.Broadcast,
		known:    c.explorer.TxKnown,
		classify: classifyExplorerErr,
	}
}

func (c *Coordinator) record(method string, o outcome) {
	if c.onAttempt != nil {
		c.onAttempt(method, o.String())
	}
}

// rejected builds a BroadcastRejected error. subject, when set, names the
// transaction and is kept out of the transient check.
func rejected(op, subject, reason string) *charmcards.Error {
	msg := reason
	if subject != "" {
		msg = subject + ": " + reason
	}
	return &charmcards.Error{
		Kind:      charmcards.KindBroadcastRejected,
		Op:        op,
		Err:       errors.New(msg),
		Transient: isTransient(reason),
	}
}

func canceled(op string, err error) error {
	return charmcards.NewError(charmcards.KindCanceled, op, err)
}

// Broadcast publishes the signed pair. The result is returned only when
// both transactions were accepted. A spell rejected after its commit was
// accepted is a BroadcastRejected error carrying CommitTxid.
func (c *Coordinator) Broadcast(ctx context.Context, commitHex, spellHex string) (*Result, error) {
	commit, err := charmcards.DecodeTx(commitHex)
	if err != nil {
		return nil, charmcards.NewError(charmcards.KindValidation, "broadcast", fmt.Errorf("commit tx: %w", err))
	}
	spellTx, err := charmcards.DecodeTx(spellHex)
	if err != nil {
		return nil, charmcards.NewError(charmcards.KindValidation, "broadcast", fmt.Errorf("spell tx: %w", err))
	}
	commitHash := commit.TxHash()
	spends := false
	for _, in := range spellTx.TxIn {
		if in.PreviousOutPoint.Hash == commitHash {
			spends = true
			break
		}
	}
	if !spends {
		return nil, charmcards.Errorf(charmcards.KindValidation, "broadcast",
			"spell tx %s does not spend commit tx %s", spellTx.TxHash(), commitHash)
	}
	commitTxid, spellTxid := commitHash.String(), spellTx.TxHash().String()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	st := c.Status()
	if c.node != nil && st.State == StateUnknown {
		st = c.Probe(ctx)
	}
	nodeUsable := c.node != nil && st.State == StateConnected

	switch {
	case nodeUsable:
		res, fallback, err := c.submitPackage(ctx, commitHex, spellHex, commitTxid, spellTxid)
		if !fallback {
			return res, err
		}
		c.log.Infof("broadcast: submitpackage unavailable, sending %s and %s one at a time",
			commitTxid, spellTxid)
		return c.sequential(ctx, c.nodeRoute(), commitHex, spellHex, commitTxid, spellTxid)
	case c.explorer != nil:
		if c.node != nil {
			c.log.Infof("broadcast: node %s, using explorer", st.State)
		}
		return c.sequential(ctx, c.explorerRoute(), commitHex, spellHex, commitTxid, spellTxid)
	case c.node != nil:
		return nil, statusError(st)
	}
	return nil, charmcards.Errorf(charmcards.KindNodeUnreachable, "broadcast", "no node or explorer configured")
}

// submitPackage sends the pair atomically. fallback is set when the node
// cannot take packages and nothing was accepted.
func (c *Coordinator) submitPackage(ctx context.Context, commitHex, spellHex, commitTxid,
	spellTxid string) (res *Result, fallback bool, err error) {

	const op = "submitpackage"
	var lastErr error
	tried := 0
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			if err := c.pause(ctx, attempt-1); errors.Is(err, errNoTimeLeft) {
				break
			} else if err != nil {
				return nil, false, canceled(op, err)
			}
			commitKnown, err1 := c.node.TxKnown(ctx, commitTxid)
			spellKnown, err2 := c.node.TxKnown(ctx, spellTxid)
			if err1 == nil && err2 == nil && commitKnown && spellKnown {
				c.log.Infof("broadcast: package %s/%s already known after retry", commitTxid, spellTxid)
				return &Result{CommitTxid: commitTxid, SpellTxid: spellTxid}, false, nil
			}
		}

		tried++
		pr, err := c.node.SubmitPackage(ctx, []string{commitHex, spellHex})
		if err != nil {
			o, reason := classifyNodeErr(err)
			c.record(op, o)
			switch o {
			case outcomeUnsupported:
				return nil, true, nil
			case outcomeRejected:
				c.log.Warnf("broadcast: package rejected: %s", reason)
				return nil, false, rejected(op, "package", reason)
			case outcomeAccepted:
				return &Result{CommitTxid: commitTxid, SpellTxid: spellTxid}, false, nil
			}
			if ctx.Err() != nil {
				return nil, false, canceled(op, ctx.Err())
			}
			c.log.Debugf("broadcast: submitpackage attempt %d failed: %v", attempt, err)
			lastErr = err
			continue
		}
		res, err := packageOutcome(pr, commitTxid, spellTxid)
		if err != nil {
			c.record(op, outcomeRejected)
			c.log.Warnf("broadcast: %v", err)
			return nil, false, err
		}
		c.record(op, outcomeAccepted)
		c.log.Infof("broadcast: package accepted, commit %s spell %s", commitTxid, spellTxid)
		return res, false, nil
	}
	return nil, false, charmcards.Errorf(charmcards.KindNodeUnreachable, op,
		"no answer after %d attempts: %v", tried, lastErr)
}

func packageOutcome(pr *PackageResult, commitTxid, spellTxid string) (*Result, error) {
	const op = "submitpackage"
	txErr := func(txid string) (string, bool) {
		res, ok := pr.byTxid(txid)
		if !ok {
			msg := pr.PackageMsg
			if msg == "" || msg == "success" {
				msg = "no result for transaction"
			}
			return msg, false
		}
		if res.Error == "" || isAlreadyKnown(res.Error) {
			return "", true
		}
		return res.Error, false
	}

	if reason, ok := txErr(commitTxid); !ok {
		return nil, rejected(op, "commit "+commitTxid, reason)
	}
	if reason, ok := txErr(spellTxid); !ok {
		e := rejected(op, "spell "+spellTxid, reason)
		e.CommitTxid = commitTxid
		return nil, e
	}
	return &Result{CommitTxid: commitTxid, SpellTxid: spellTxid}, nil
}

// sequential sends commit, then spell once commit is accepted.
func (c *Coordinator) sequential(ctx context.Context, r route, commitHex, spellHex, commitTxid,
	spellTxid string) (*Result, error) {

	if err := c.submit(ctx, r, commitHex, commitTxid); err != nil {
		return nil, err
	}
	if err := c.submit(ctx, r, spellHex, spellTxid); err != nil {
		var e *charmcards.Error
		if errors.As(err, &e) {
			e.CommitTxid = commitTxid
		}
		c.log.Warnf("broadcast: commit %s accepted but spell %s failed: %v", commitTxid, spellTxid, err)
		return nil, err
	}
	c.log.Infof("broadcast: commit %s and spell %s accepted via %s", commitTxid, spellTxid, r.method)
	return &Result{CommitTxid: commitTxid, SpellTxid: spellTxid}, nil
}

// submit sends one transaction, retrying ambiguous failures after
// checking whether the transaction already made it.
func (c *Coordinator) submit(ctx context.Context, r route, raw, txid string) error {
	var lastErr error
	tried := 0
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			if err := c.pause(ctx, attempt-1); errors.Is(err, errNoTimeLeft) {
				break
			} else if err != nil {
				return canceled(r.method, err)
			}
			if known, err := r.known(ctx, txid); err == nil && known {
				c.log.Debugf("broadcast: %s already known after retry", txid)
				return nil
			}
		}
		tried++
		_, err := r.send(ctx, raw)
		if err == nil {
			c.record(r.method, outcomeAccepted)
			return nil
		}
		o, reason := r.classify(err)
		if o == outcomeUnsupported {
			// A node that refuses the call outright cannot take this tx.
			o = outcomeRejected
		}
		c.record(r.method, o)
		switch o {
		case outcomeAccepted:
			return nil
		case outcomeRejected:
			return rejected(r.method, txid, reason)
		}
		if ctx.Err() != nil {
			return canceled(r.method, ctx.Err())
		}
		c.log.Debugf("broadcast: %s attempt %d for %s failed: %v", r.method, attempt, txid, err)
		lastErr = err
	}
	return charmcards.Errorf(charmcards.KindNodeUnreachable, r.method,
		"%s: no answer after %d attempts: %v", txid, tried, lastErr)
}
