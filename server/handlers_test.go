package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/gathogajanice/charmcards/chainwatcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

// signPsbt signs every input of b64 that pays to pkScript and returns the
// updated packet.
func signPsbt(t *testing.T, b64 string, key *btcec.PrivateKey, pkScript []byte) string {
	t.Helper()
	pkt, err := psbt.NewFromRawBytes(strings.NewReader(b64), true)
	require.NoError(t, err)

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range pkt.Inputs {
		if in.WitnessUtxo != nil {
			fetcher.AddPrevOut(pkt.UnsignedTx.TxIn[i].PreviousOutPoint, in.WitnessUtxo)
		}
	}
	hashes := txscript.NewTxSigHashes(pkt.UnsignedTx, fetcher)
	u, err := psbt.NewUpdater(pkt)
	require.NoError(t, err)
	for i, in := range pkt.Inputs {
		if in.WitnessUtxo == nil || in.FinalScriptWitness != nil ||
			!bytes.Equal(in.WitnessUtxo.PkScript, pkScript) {
			continue
		}
		sig, err := txscript.RawTxInWitnessSignature(pkt.UnsignedTx, hashes, i,
			in.WitnessUtxo.Value, pkScript, txscript.SigHashAll, key)
		require.NoError(t, err)
		_, err = u.Sign(i, sig, key.PubKey().SerializeCompressed(), nil, nil)
		require.NoError(t, err)
	}
	out, err := pkt.B64Encode()
	require.NoError(t, err)
	return out
}

func startOperation(t *testing.T, env *testEnv) string {
	t.Helper()
	rr := doJSON(t, env.srv.Handler(), http.MethodPost, "/v1/operations", env.transfer(chainhash.Hash{0xbb}, 0))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var started struct {
		ID string `json:"id"`
	}
	decode(t, rr, &started)
	require.NotEmpty(t, started.ID)
	return started.ID
}

func pendingPsbts(t *testing.T, env *testEnv, id string) []string {
	t.Helper()
	var pkts []string
	require.Eventually(t, func() bool {
		rr := doJSON(t, env.srv.Handler(), http.MethodGet, "/v1/operations/"+id+"/sign", nil)
		if rr.Code != http.StatusOK {
			return false
		}
		var body struct {
			Psbts []string `json:"psbts"`
		}
		decode(t, rr, &body)
		pkts = body.Psbts
		return len(pkts) == 2
	}, 2*time.Second, 5*time.Millisecond)
	return pkts
}

func getOperation(t *testing.T, env *testEnv, id string) operationView {
	t.Helper()
	rr := doJSON(t, env.srv.Handler(), http.MethodGet, "/v1/operations/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var v operationView
	decode(t, rr, &v)
	return v
}

func TestHTTPSignFlow(t *testing.T) {
	env := newTestEnv(t)
	id := startOperation(t, env)

	view := getOperation(t, env, id)
	assert.Equal(t, "transfer", view.Kind)

	pkts := pendingPsbts(t, env, id)
	assert.True(t, getOperation(t, env, id).Signing)
	signed := make([]string, len(pkts))
	for i, p := range pkts {
		signed[i] = signPsbt(t, p, env.key, env.pkScript)
	}
	rr := doJSON(t, env.srv.Handler(), http.MethodPost, "/v1/operations/"+id+"/sign", signRequest{Psbts: signed})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	require.Eventually(t, func() bool {
		return getOperation(t, env, id).State == chainwatcher.StateConfirming
	}, 2*time.Second, 5*time.Millisecond)
	view = getOperation(t, env, id)
	assert.NotEmpty(t, view.CommitTxid)
	assert.NotEmpty(t, view.SpellTxid)
	assert.Equal(t, 1, env.bcast.count())

	env.tracker.confirm <- 77
	require.Eventually(t, func() bool {
		rr := doJSON(t, env.srv.Handler(), http.MethodGet, "/v1/ledger", nil)
		var body struct {
			Entries []struct {
				SpellTxid string `json:"spell_txid"`
			} `json:"entries"`
		}
		decode(t, rr, &body)
		return len(body.Entries) == 1 && body.Entries[0].SpellTxid == view.SpellTxid
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, chainwatcher.StateSuccess, getOperation(t, env, id).State)
}

func TestHTTPReject(t *testing.T) {
	env := newTestEnv(t)
	id := startOperation(t, env)
	pendingPsbts(t, env, id)

	rr := doJSON(t, env.srv.Handler(), http.MethodPost, "/v1/operations/"+id+"/reject",
		rejectRequest{Reason: "not today"})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	require.Eventually(t, func() bool {
		return getOperation(t, env, id).State == chainwatcher.StateError
	}, 2*time.Second, 5*time.Millisecond)
	view := getOperation(t, env, id)
	assert.Equal(t, "UserRejected", view.ErrorKind)
	assert.Contains(t, view.Error, "not today")
	assert.False(t, view.Retriable)
	assert.Zero(t, env.bcast.count())

	rr = doJSON(t, env.srv.Handler(), http.MethodPost, "/v1/operations/"+id+"/reject", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestHTTPSingleFlight(t *testing.T) {
	env := newTestEnv(t)
	id := startOperation(t, env)
	pendingPsbts(t, env, id)

	rr := doJSON(t, env.srv.Handler(), http.MethodPost, "/v1/operations", env.transfer(chainhash.Hash{0xbb}, 0))
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = doJSON(t, env.srv.Handler(), http.MethodDelete, "/v1/operations/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	require.Eventually(t, func() bool {
		return getOperation(t, env, id).ErrorKind == "Canceled"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHTTPValidation(t *testing.T) {
	env := newTestEnv(t)
	h := env.srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/operations", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/v1/operations/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/v1/operations/missing/sign", signRequest{Psbts: []string{"x"}})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHTTPInsufficientCharm(t *testing.T) {
	env := newTestEnv(t)
	rr := doJSON(t, env.srv.Handler(), http.MethodPost, "/v1/operations", env.transfer(chainhash.Hash{0xbb}, 6000))
	require.Equal(t, http.StatusAccepted, rr.Code)
	var started struct {
		ID string `json:"id"`
	}
	decode(t, rr, &started)

	require.Eventually(t, func() bool {
		return getOperation(t, env, started.ID).State == chainwatcher.StateError
	}, 2*time.Second, 5*time.Millisecond)
	view := getOperation(t, env, started.ID)
	assert.Equal(t, "ValidationError", view.ErrorKind)
	assert.Zero(t, env.prover.count())
}

func TestHTTPHealthAndNode(t *testing.T) {
	env := newTestEnv(t)
	h := env.srv.Handler()

	rr := doJSON(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var health map[string]string
	decode(t, rr, &health)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "testnet4", health["network"])

	rr = doJSON(t, h, http.MethodGet, "/v1/node", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var node map[string]interface{}
	decode(t, rr, &node)
	assert.Equal(t, "connected", node["state"])

	RecordOperation("mint", outcomeSuccess)
	rr = doJSON(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "charmcards_pipeline_operations_total")
}

func TestHTTPLogs(t *testing.T) {
	env := newTestEnv(t)
	rr := doJSON(t, env.srv.Handler(), http.MethodGet, "/v1/logs", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	var asked int
	env.srv.recentLogs = func(n int) []string {
		asked = n
		return []string{"line 1", "line 2"}
	}
	rr = doJSON(t, env.srv.Handler(), http.MethodGet, "/v1/logs?n=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Lines []string `json:"lines"`
	}
	decode(t, rr, &body)
	assert.Equal(t, []string{"line 1", "line 2"}, body.Lines)
	assert.Equal(t, 2, asked)

	rr = doJSON(t, env.srv.Handler(), http.MethodGet, "/v1/logs?n=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
