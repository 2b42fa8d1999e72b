package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/gathogajanice/charmcards"
)

// DefaultProbeTimeout bounds the startup connectivity probe.
const DefaultProbeTimeout = 10 * time.Second

// NodeState is the cached result of the connectivity probe.
type NodeState string

const (
	StateUnknown     NodeState = "unknown"
	StateConnected   NodeState = "connected"
	StateSyncing     NodeState = "syncing"
	StateUnreachable NodeState = "unreachable"
	StateDisabled    NodeState = "disabled"
)

// Status is what the probe last saw.
type Status struct {
	State     NodeState `json:"state"`
	Chain     string    `json:"chain,omitempty"`
	Blocks    int64     `json:"blocks,omitempty"`
	Headers   int64     `json:"headers,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// classifyChain maps getblockchaininfo to a state. A node is syncing when
// it has no headers yet, reports initial block download, or is behind its
// own header chain.
func classifyChain(info *ChainInfo, want charmcards.Network) Status {
	st := Status{
		Chain:   info.Chain,
		Blocks:  info.Blocks,
		Headers: info.Headers,
	}
	switch {
	case want != "" && info.Chain != want.ChainName():
		st.State = StateUnreachable
		st.Detail = fmt.Sprintf("node is on chain %q, want %q", info.Chain, want.ChainName())
	case info.Headers == 0:
		st.State = StateSyncing
		st.Detail = "no headers yet"
	case info.InitialBlockDownload:
		st.State = StateSyncing
		st.Detail = fmt.Sprintf("initial block download at %d/%d", info.Blocks, info.Headers)
	case info.Blocks < info.Headers:
		st.State = StateSyncing
		st.Detail = fmt.Sprintf("%d blocks behind headers", info.Headers-info.Blocks)
	default:
		st.State = StateConnected
	}
	return st
}

// Probe queries the node once and caches the result.
func (c *Coordinator) Probe(ctx context.Context) Status {
	var st Status
	if c.node == nil {
		st = Status{State: StateDisabled, Detail: "no rpc endpoint configured"}
	} else {
		ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
		info, err := c.node.GetBlockchainInfo(ctx)
		cancel()
		switch {
		case err == nil:
			st = classifyChain(info, c.net)
		case rpcCode(err) == rpcInWarmup:
			st = Status{State: StateSyncing, Detail: rpcMessage(err)}
		default:
			st = Status{State: StateUnreachable, Detail: err.Error()}
		}
	}
	st.CheckedAt = time.Now()

	c.mu.Lock()
	prev := c.status.State
	c.status = st
	c.mu.Unlock()

	if prev != st.State {
		switch st.State {
		case StateConnected:
			c.log.Infof("node: connected to %s chain at height %d", st.Chain, st.Blocks)
		case StateDisabled:
			c.log.Infof("node: %s", st.Detail)
		default:
			c.log.Warnf("node: %s (%s)", st.State, st.Detail)
		}
	}
	return st
}

// Status returns the cached probe result.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Run probes once and then every interval until ctx is done. A
// non-positive interval probes only once.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	c.Probe(ctx)
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			c.Probe(ctx)
		}
	}
}

// statusError turns a non-connected status into the error a broadcast
// reports without touching the node.
func statusError(st Status) error {
	if st.State == StateSyncing {
		return charmcards.Errorf(charmcards.KindNodeSyncing, "broadcast", "node is syncing: %s", st.Detail)
	}
	return charmcards.Errorf(charmcards.KindNodeUnreachable, "broadcast", "node %s: %s", st.State, st.Detail)
}
