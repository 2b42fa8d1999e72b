package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/gathogajanice/charmcards"
	"github.com/gathogajanice/charmcards/broadcast"
	"github.com/gathogajanice/charmcards/chainwatcher"
	"github.com/gathogajanice/charmcards/prover"
	"github.com/gathogajanice/charmcards/server/serverdb"
	"github.com/gathogajanice/charmcards/spell"
	"github.com/gathogajanice/charmcards/wallet"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	name    = "charmcardsd"
	version = "v0.1.0"

	DefaultDeferInterval = 30 * time.Second
)

// ErrOperationInFlight is returned when an operation is already running
// stages up to broadcast for the same charm.
var ErrOperationInFlight = errors.New("an operation is already in flight for this charm")

// ErrUnknownOperation is returned for an operation id the server never
// started.
var ErrUnknownOperation = errors.New("unknown operation")

// Prover generates the unsigned transaction pair for a spell.
type Prover interface {
	Prove(ctx context.Context, op spell.Op, req *prover.Request) (*prover.Result, error)
}

// Broadcaster submits a signed pair and reports node health.
type Broadcaster interface {
	Broadcast(ctx context.Context, commitHex, spellHex string) (*broadcast.Result, error)
	Status() broadcast.Status
}

// Tracker follows an operation until its spell transaction confirms.
type Tracker interface {
	Track(ctx context.Context, op *chainwatcher.Operation, maxWait time.Duration) error
}

type ServerConfig struct {
	Network charmcards.Network

	Prover      Prover
	Broadcaster Broadcaster
	Tracker     Tracker
	Ledger      serverdb.Ledger

	// MaxWait caps confirmation tracking. Zero means
	// chainwatcher.DefaultMaxWait.
	MaxWait time.Duration

	// DeferInterval spaces broadcast retries while the node syncs. Zero
	// means DefaultDeferInterval.
	DeferInterval time.Duration

	// HTTPAddr enables the HTTP API when set, e.g. "127.0.0.1:8650".
	HTTPAddr string

	// RecentLogs, when set, serves the most recent log lines at /v1/logs.
	RecentLogs func(n int) []string

	Log slog.Logger
}

// OperationRequest is a spell request plus what the prover and wallet
// need beyond the spell itself.
type OperationRequest struct {
	spell.Request

	// Funding pays the fees. It may be nil for mint, where UTXO already
	// is the funding output.
	Funding       *charmcards.UTXO `json:"funding,omitempty"`
	ChangeAddress string           `json:"change_address,omitempty"`
	FeeRate       float64          `json:"fee_rate,omitempty"`
	PrevTxs       []string         `json:"prev_txs,omitempty"`
}

// charmKey identifies the charm an operation spends.
func (r *OperationRequest) charmKey() string {
	return r.UTXO.ID()
}

// inputs lists the wallet UTXOs the transaction pair spends.
func (r *OperationRequest) inputs() []charmcards.UTXO {
	in := []charmcards.UTXO{r.UTXO}
	if r.Funding != nil && r.Funding.ID() != r.UTXO.ID() {
		in = append(in, *r.Funding)
	}
	return in
}

func (r *OperationRequest) proverRequest(sp *spell.Spell) *prover.Request {
	req := &prover.Request{
		Spell:         sp,
		PrevTxs:       r.PrevTxs,
		ChangeAddress: r.ChangeAddress,
		FeeRate:       r.FeeRate,
	}
	funding := r.UTXO
	if r.Funding != nil {
		funding = *r.Funding
	}
	req.FundingUTXO = funding.ID()
	req.FundingUTXOValue = funding.Value
	return req
}

// operation is a running or finished pipeline.
type operation struct {
	*chainwatcher.Operation

	req   OperationRequest
	relay *wallet.Relay

	// cancel aborts the pipeline; untrack stops confirmation tracking.
	// Both are guarded by the server lock.
	cancel  context.CancelFunc
	untrack context.CancelFunc
}

type Server struct {
	sync.RWMutex

	log     slog.Logger
	net     charmcards.Network
	prover  Prover
	bcast   Broadcaster
	tracker Tracker
	db      serverdb.Ledger
	maxWait time.Duration

	deferInterval time.Duration

	// ctx outlives requests; trackers and relayed operations derive
	// from it.
	ctx      context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup

	ops      map[string]*operation
	inFlight map[string]string     // charm utxo -> operation id
	pollers  map[string]*operation // charm utxo -> tracked operation

	recentLogs func(n int) []string

	httpAddr   string
	httpServer *http.Server
	router     *gin.Engine
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Prover == nil {
		return nil, fmt.Errorf("prover is nil")
	}
	if cfg.Broadcaster == nil {
		return nil, fmt.Errorf("broadcaster is nil")
	}
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("tracker is nil")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger is nil")
	}
	if _, err := charmcards.ParseNetwork(string(cfg.Network)); err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = chainwatcher.DefaultMaxWait
	}
	deferInterval := cfg.DeferInterval
	if deferInterval <= 0 {
		deferInterval = DefaultDeferInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		log:      log,
		net:      cfg.Network,
		prover:   cfg.Prover,
		bcast:    cfg.Broadcaster,
		tracker:  cfg.Tracker,
		db:       cfg.Ledger,
		maxWait:  maxWait,
		ctx:      ctx,
		shutdown: cancel,
		ops:      make(map[string]*operation),
		inFlight: make(map[string]string),
		pollers:  make(map[string]*operation),
		httpAddr: cfg.HTTPAddr,

		deferInterval: deferInterval,
		recentLogs:    cfg.RecentLogs,
	}
	s.router = s.newRouter()
	return s, nil
}

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler { return s.router }

// Operation returns the operation with id.
func (s *Server) Operation(id string) (*chainwatcher.Operation, error) {
	op, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return op.Operation, nil
}

func (s *Server) lookup(id string) (*operation, error) {
	s.RLock()
	defer s.RUnlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownOperation, id)
	}
	return op, nil
}

// reserve registers a new operation for req's charm. A charm whose
// previous operation is still being tracked has that tracker cancelled.
func (s *Server) reserve(req OperationRequest, relay *wallet.Relay, cancel context.CancelFunc) (*operation, error) {
	key := req.charmKey()
	s.Lock()
	defer s.Unlock()
	if id, ok := s.inFlight[key]; ok {
		return nil, fmt.Errorf("%w: %s (operation %s)", ErrOperationInFlight, key, id)
	}
	if prev, ok := s.pollers[key]; ok {
		s.log.Infof("Stopping confirmation tracking of %s for a new operation on %s", prev.ID, key)
		prev.untrack()
		delete(s.pollers, key)
	}
	id := uuid.NewString()
	op := &operation{
		Operation: chainwatcher.NewOperation(id, string(req.Op), s.log),
		req:       req,
		relay:     relay,
		cancel:    cancel,
	}
	s.ops[id] = op
	s.inFlight[key] = id
	return op, nil
}

func (s *Server) release(op *operation) {
	s.Lock()
	if s.inFlight[op.req.charmKey()] == op.ID {
		delete(s.inFlight, op.req.charmKey())
	}
	s.Unlock()
}

// Execute runs the pipeline for req with wallet w and returns once the
// transaction pair was broadcast or a stage failed. Confirmation
// tracking continues in the background; watch the returned operation
// for the outcome.
func (s *Server) Execute(ctx context.Context, req OperationRequest, w interface{}) (*chainwatcher.Operation, error) {
	req.Network = s.net
	signer, err := wallet.Connect(w, s.net, s.log)
	if err != nil {
		RecordOperation(string(req.Op), outcomeError)
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	op, err := s.reserve(req, nil, cancel)
	if err != nil {
		RecordOperation(string(req.Op), outcomeBusy)
		return nil, err
	}
	err = s.run(ctx, op, signer)
	return op.Operation, err
}

// Start runs the pipeline in the background for a wallet that signs
// through the API and returns the new operation.
func (s *Server) Start(req OperationRequest) (*chainwatcher.Operation, error) {
	req.Network = s.net
	relay := wallet.NewRelay()
	signer, err := wallet.Connect(relay, s.net, s.log)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(s.ctx)
	op, err := s.reserve(req, relay, cancel)
	if err != nil {
		cancel()
		RecordOperation(string(req.Op), outcomeBusy)
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if err := s.run(ctx, op, signer); err != nil {
			s.log.Debugf("Operation %s ended before broadcast: %v", op.ID, err)
		}
	}()
	return op.Operation, nil
}

// Cancel aborts an operation. Before broadcast the pipeline stops with
// a Canceled error; afterwards only confirmation tracking stops.
func (s *Server) Cancel(id string) error {
	op, err := s.lookup(id)
	if err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	if op.untrack != nil {
		op.untrack()
		return nil
	}
	if op.cancel != nil {
		op.cancel()
	}
	return nil
}

// Status returns the cached node status.
func (s *Server) Status() broadcast.Status {
	return s.bcast.Status()
}

// Ledger returns every recorded entry in insertion order.
func (s *Server) Ledger(ctx context.Context) ([]*serverdb.LedgerEntry, error) {
	return s.db.Entries(ctx)
}

// Run serves the HTTP API, when configured, until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if s.httpAddr == "" {
		<-ctx.Done()
		return nil
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Infof("Starting HTTP server on %s", s.httpAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	select {
	case <-ctx.Done():
		return nil
	case err, ok := <-errc:
		if !ok {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

// Shutdown stops the HTTP server and background tracking, then closes
// the ledger.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		s.log.Info("Shutting down HTTP server...")
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Errorf("Error shutting down HTTP server: %v", err)
		}
	}

	s.log.Info("Stopping operations...")
	s.shutdown()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warnf("Operations still running at shutdown: %v", ctx.Err())
	}

	s.log.Info("Closing ledger...")
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Error closing ledger: %v", err)
	}
	s.log.Info("Server shut down completed.")
	return nil
}
