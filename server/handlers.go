package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/decred/slog"
	"github.com/gathogajanice/charmcards"
	"github.com/gathogajanice/charmcards/chainwatcher"
	"github.com/gathogajanice/charmcards/wallet"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// operationView is the API form of an operation.
type operationView struct {
	chainwatcher.Update
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Retriable bool   `json:"retriable,omitempty"`
	Signing   bool   `json:"awaiting_signature,omitempty"`
}

func (s *Server) view(op *operation) operationView {
	u := op.Snapshot()
	v := operationView{Update: u, ErrorKind: u.ErrorKind()}
	if u.Err != nil {
		v.Error = u.Err.Error()
		v.Retriable = charmcards.IsRetriable(u.Err)
	}
	if op.relay != nil {
		_, v.Signing = op.relay.Pending()
	}
	return v
}

type signRequest struct {
	Psbts []string `json:"psbts" binding:"required"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// requestLogger logs one line per request, at warn or error level for
// failed requests.
func requestLogger(log slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		logf := log.Debugf
		if status >= 500 {
			logf = log.Errorf
		} else if status >= 400 {
			logf = log.Warnf
		}
		logf("HTTP %s %s %d %v %s", c.Request.Method, path, status,
			time.Since(start).Round(time.Millisecond), c.ClientIP())
	}
}

func (s *Server) newRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": name,
			"version": version,
			"network": s.net,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.GET("/node", s.handleNodeStatus)
	v1.POST("/operations", s.handleStartOperation)
	v1.GET("/operations/:id", s.handleGetOperation)
	v1.DELETE("/operations/:id", s.handleCancelOperation)
	v1.GET("/operations/:id/sign", s.handlePendingSignature)
	v1.POST("/operations/:id/sign", s.handleSubmitSignature)
	v1.POST("/operations/:id/reject", s.handleRejectSignature)
	v1.GET("/ledger", s.handleLedger)
	v1.GET("/logs", s.handleLogs)
	return r
}

// errorStatus maps an error to an HTTP status code.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownOperation):
		return http.StatusNotFound
	case errors.Is(err, ErrOperationInFlight), errors.Is(err, wallet.ErrNoPendingRequest):
		return http.StatusConflict
	}
	switch charmcards.KindOf(err) {
	case charmcards.KindValidation:
		return http.StatusBadRequest
	case charmcards.KindWalletUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func abort(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	if k := charmcards.KindOf(err); k != charmcards.KindUnknown {
		body["error_kind"] = k.String()
	}
	c.AbortWithStatusJSON(errorStatus(err), body)
}

func (s *Server) handleNodeStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Status())
}

func (s *Server) handleStartOperation(c *gin.Context) {
	var req OperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, charmcards.NewError(charmcards.KindValidation, "start operation", err))
		return
	}
	op, err := s.Start(req)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": op.ID, "state": op.State()})
}

func (s *Server) handleGetOperation(c *gin.Context) {
	op, err := s.lookup(c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, s.view(op))
}

func (s *Server) handleCancelOperation(c *gin.Context) {
	if err := s.Cancel(c.Param("id")); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePendingSignature(c *gin.Context) {
	op, err := s.lookup(c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	if op.relay == nil {
		abort(c, wallet.ErrNoPendingRequest)
		return
	}
	pkts, ok := op.relay.Pending()
	if !ok {
		abort(c, wallet.ErrNoPendingRequest)
		return
	}
	c.JSON(http.StatusOK, gin.H{"psbts": pkts})
}

func (s *Server) handleSubmitSignature(c *gin.Context) {
	op, err := s.lookup(c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	var req signRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, charmcards.NewError(charmcards.KindValidation, "submit signature", err))
		return
	}
	if op.relay == nil {
		abort(c, wallet.ErrNoPendingRequest)
		return
	}
	if err := op.relay.Submit(req.Psbts); err != nil {
		if !errors.Is(err, wallet.ErrNoPendingRequest) {
			err = charmcards.NewError(charmcards.KindValidation, "submit signature", err)
		}
		abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": op.ID})
}

func (s *Server) handleRejectSignature(c *gin.Context) {
	op, err := s.lookup(c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	var req rejectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, charmcards.NewError(charmcards.KindValidation, "reject signature", err))
			return
		}
	}
	if op.relay == nil {
		abort(c, wallet.ErrNoPendingRequest)
		return
	}
	if err := op.relay.Reject(req.Reason); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": op.ID})
}

func (s *Server) handleLedger(c *gin.Context) {
	entries, err := s.Ledger(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) handleLogs(c *gin.Context) {
	if s.recentLogs == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "log buffer not configured"})
		return
	}
	n := 100
	if q := c.Query("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "n must be a positive integer"})
			return
		}
		n = v
	}
	c.JSON(http.StatusOK, gin.H{"lines": s.recentLogs(n)})
}
