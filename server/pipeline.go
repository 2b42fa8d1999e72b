package server

import (
	"context"
	"time"

	"github.com/gathogajanice/charmcards"
	"github.com/gathogajanice/charmcards/broadcast"
	"github.com/gathogajanice/charmcards/chainwatcher"
	"github.com/gathogajanice/charmcards/server/serverdb"
	"github.com/gathogajanice/charmcards/spell"
	"github.com/gathogajanice/charmcards/wallet"
)

// run drives op through build, prove, sign and broadcast. On success it
// hands op to the tracker and returns; the charm is released either way.
func (s *Server) run(ctx context.Context, op *operation, signer *wallet.Signer) error {
	defer s.release(op)
	kind := string(op.req.Op)

	fail := func(err error) error {
		if ferr := op.Fail(err); ferr != nil {
			s.log.Errorf("Operation %s: %v", op.ID, ferr)
		}
		RecordOperation(kind, outcomeError)
		s.log.Warnf("Operation %s (%s) failed in %s: %v", op.ID, kind, op.State(), err)
		return err
	}
	stage := func(to chainwatcher.State) error {
		if err := op.Advance(to); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return charmcards.NewError(charmcards.KindCanceled, string(to), err)
		}
		return nil
	}

	if err := stage(chainwatcher.StateCreatingSpell); err != nil {
		return fail(err)
	}
	start := time.Now()
	sp, err := spell.Build(op.req.Request)
	if err != nil {
		return fail(err)
	}
	ObserveStage(string(chainwatcher.StateCreatingSpell), time.Since(start))

	if err := stage(chainwatcher.StateGeneratingProof); err != nil {
		return fail(err)
	}
	start = time.Now()
	proof, err := s.prover.Prove(ctx, op.req.Op, op.req.proverRequest(sp))
	if err != nil {
		return fail(err)
	}
	ObserveStage(string(chainwatcher.StateGeneratingProof), time.Since(start))

	if err := stage(chainwatcher.StateSigning); err != nil {
		return fail(err)
	}
	start = time.Now()
	signed, err := signer.Sign(ctx, proof, op.req.inputs())
	if err != nil {
		return fail(err)
	}
	ObserveStage(string(chainwatcher.StateSigning), time.Since(start))

	if err := stage(chainwatcher.StateBroadcasting); err != nil {
		return fail(err)
	}
	start = time.Now()
	res := &broadcast.Result{CommitTxid: signed.CommitTxid, SpellTxid: signed.SpellTxid}
	if !signed.Broadcast {
		res, err = s.broadcast(ctx, op, signed)
		if err != nil {
			return fail(err)
		}
	}
	ObserveStage(string(chainwatcher.StateBroadcasting), time.Since(start))

	if err := op.SetBroadcast(res.CommitTxid, res.SpellTxid); err != nil {
		return fail(err)
	}
	s.log.Infof("Operation %s (%s) broadcast commit %s spell %s", op.ID, kind,
		res.CommitTxid, res.SpellTxid)

	trackCtx, ok := s.beginTracking(ctx, op)
	if !ok {
		// Canceled while broadcasting: the pair is out but nobody watches.
		perr := charmcards.NewError(charmcards.KindCanceled, "track", ctx.Err())
		if err := op.MarkPending(perr); err != nil {
			s.log.Errorf("Operation %s: %v", op.ID, err)
		}
		RecordOperation(kind, outcomePending)
		s.log.Infof("Operation %s canceled during broadcast; not tracking confirmation", op.ID)
		return nil
	}
	s.track(trackCtx, op, sp)
	return nil
}

// broadcast submits the signed pair. Cancellation no longer applies once
// a transaction may be out, so submissions ignore ctx. While the node is
// syncing nothing is sent: the operation is marked deferred and the
// broadcast is retried until the node is ready, maxWait passes or ctx is
// canceled.
func (s *Server) broadcast(ctx context.Context, op *operation, signed *wallet.Signed) (*broadcast.Result, error) {
	deadline := time.Now().Add(s.maxWait)
	deferred := false
	for {
		res, err := s.bcast.Broadcast(context.WithoutCancel(ctx), signed.CommitTx, signed.SpellTx)
		if charmcards.KindOf(err) != charmcards.KindNodeSyncing {
			return res, err
		}
		if time.Now().Add(s.deferInterval).After(deadline) {
			return nil, err
		}
		if !deferred {
			deferred = true
			if derr := op.Defer(err); derr != nil {
				return nil, derr
			}
			RecordOperation(string(op.req.Op), outcomeDeferred)
			s.log.Infof("Operation %s: node syncing, broadcast deferred", op.ID)
		}
		t := time.NewTimer(s.deferInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, charmcards.NewError(charmcards.KindCanceled, "broadcast", ctx.Err())
		case <-t.C:
		}
	}
}

// beginTracking registers op as the tracked operation of its charm. It
// reports false when opCtx was canceled first. Cancel fires under the same
// lock, so a cancel is seen either here or through op.untrack.
func (s *Server) beginTracking(opCtx context.Context, op *operation) (context.Context, bool) {
	s.Lock()
	defer s.Unlock()
	if opCtx.Err() != nil {
		return nil, false
	}
	ctx, cancel := context.WithCancel(s.ctx)
	op.untrack = cancel
	s.pollers[op.req.charmKey()] = op
	return ctx, true
}

func (s *Server) endTracking(op *operation) {
	key := op.req.charmKey()
	s.Lock()
	if op.untrack != nil {
		op.untrack()
	}
	if s.pollers[key] == op {
		delete(s.pollers, key)
	}
	s.Unlock()
}

// track follows op in the background and appends it to the ledger once
// it confirms.
func (s *Server) track(ctx context.Context, op *operation, sp *spell.Spell) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.endTracking(op)

		kind := string(op.req.Op)
		err := s.tracker.Track(ctx, op.Operation, s.maxWait)
		switch {
		case err == nil:
		case charmcards.KindOf(err) == charmcards.KindCanceled,
			charmcards.IsPending(err):
			RecordOperation(kind, outcomePending)
			s.log.Infof("Operation %s still pending: %v", op.ID, err)
			return
		default:
			RecordOperation(kind, outcomeError)
			s.log.Errorf("Operation %s: tracking failed: %v", op.ID, err)
			return
		}

		entry := ledgerEntry(op, sp)
		seq, err := s.db.Append(s.ctx, entry)
		if err != nil {
			// The transaction confirmed; only the local record is missing.
			s.log.Errorf("Operation %s confirmed but ledger append failed: %v", op.ID, err)
		} else {
			s.log.Infof("Operation %s confirmed at height %d (ledger #%d)", op.ID, entry.BlockHeight, seq)
		}
		RecordOperation(kind, outcomeSuccess)
	}()
}

// ledgerEntry describes a confirmed operation.
func ledgerEntry(op *operation, sp *spell.Spell) *serverdb.LedgerEntry {
	snap := op.Snapshot()
	req := op.req
	e := &serverdb.LedgerEntry{
		OperationID: op.ID,
		Kind:        string(req.Op),
		Brand:       req.Card.Brand,
		CommitTxid:  snap.CommitTxid,
		SpellTxid:   snap.SpellTxid,
		BlockHeight: snap.BlockHeight,
		CharmUTXO:   req.UTXO.ID(),
		Timestamp:   snap.At,
	}
	if card, ok := sp.NFT(); ok && e.Brand == "" {
		e.Brand = card.Brand
	}
	switch req.Op {
	case spell.OpMint:
		e.Amount = req.Card.InitialAmount
		e.Recipient = req.OwnerAddress
	case spell.OpTransfer:
		e.Amount = req.Amount
		if e.Amount == 0 {
			e.Amount = req.Balance
		}
		e.Recipient = req.Recipient
	case spell.OpRedeem:
		e.Amount = req.Amount
	case spell.OpBurn:
		e.Amount = req.Balance
	}
	return e
}
