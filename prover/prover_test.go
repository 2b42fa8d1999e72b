package prover

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/gathogajanice/charmcards"
	"github.com/gathogajanice/charmcards/spell"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPair(t *testing.T) (commitHex, spellHex string) {
	t.Helper()
	commit := wire.NewMsgTx(2)
	commit.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{1}, 0), nil, nil))
	commit.AddTxOut(wire.NewTxOut(2000, []byte{0x51}))

	commitHash := commit.TxHash()
	spellTx := wire.NewMsgTx(2)
	spellTx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{2}, 1), nil, nil))
	spellTx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&commitHash, 0), nil, nil))
	spellTx.AddTxOut(wire.NewTxOut(1000, []byte{0x00, 0x14}))

	var err error
	commitHex, err = charmcards.EncodeTx(commit)
	require.NoError(t, err)
	spellHex, err = charmcards.EncodeTx(spellTx)
	require.NoError(t, err)
	return commitHex, spellHex
}

func testRequest() *Request {
	return &Request{
		Spell: &spell.Spell{
			Version: spell.ProtocolVersion,
			Apps:    map[string]string{spell.NFTTag: "n/abc/def"},
			Outs:    []spell.Output{{Address: "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", Sats: 1000}},
		},
		FundingUTXO:      "0101010101010101010101010101010101010101010101010101010101010101:0",
		FundingUTXOValue: 20000,
		FeeRate:          2,
	}
}

func newClient(t *testing.T, url string, timeout time.Duration) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: url + "/", Timeout: timeout})
	require.NoError(t, err)
	return c
}

func TestProve(t *testing.T) {
	commitHex, spellHex := testPair(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/transfer", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]json.RawMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body, "spell")
		assert.Contains(t, body, "funding_utxo")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"proof": map[string]string{"commit_tx": commitHex, "spell_tx": spellHex},
		})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, time.Second)
	res, err := c.Prove(context.Background(), spell.OpTransfer, testRequest())
	require.NoError(t, err)
	assert.Equal(t, commitHex, res.CommitTx)
	assert.Equal(t, spellHex, res.SpellTx)
}

func TestProveServerError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"error field", http.StatusBadRequest, `{"error":"spell is invalid: conservation"}`, "spell is invalid: conservation"},
		{"message field", http.StatusInternalServerError, `{"message":"circuit panicked"}`, "circuit panicked"},
		{"no body", http.StatusBadGateway, ``, "proof generation failed"},
		{"html body", http.StatusServiceUnavailable, `<html>down</html>`, "proof generation failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := newClient(t, srv.URL, time.Second)
			res, err := c.Prove(context.Background(), spell.OpMint, testRequest())
			assert.Nil(t, res)
			require.Error(t, err)
			assert.Equal(t, charmcards.KindProofGenerationFailed, charmcards.KindOf(err))
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.True(t, charmcards.IsRetriable(err))
		})
	}
}

func TestProveTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newClient(t, srv.URL, 50*time.Millisecond)
	_, err := c.Prove(context.Background(), spell.OpRedeem, testRequest())
	require.Error(t, err)
	assert.Equal(t, charmcards.KindProofTimeout, charmcards.KindOf(err))
}

func TestProveCanceled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer srv.CloseClientConnections()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	c := newClient(t, srv.URL, time.Minute)
	start := time.Now()
	_, err := c.Prove(ctx, spell.OpBurn, testRequest())
	require.Error(t, err)
	assert.Equal(t, charmcards.KindCanceled, charmcards.KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProveBadProof(t *testing.T) {
	commitHex, spellHex := testPair(t)
	unrelated := wire.NewMsgTx(2)
	unrelated.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{9}, 0), nil, nil))
	unrelated.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	unrelatedHex, err := charmcards.EncodeTx(unrelated)
	require.NoError(t, err)

	tests := []struct {
		name string
		body string
	}{
		{"missing proof", `{}`},
		{"missing spell tx", `{"proof":{"commit_tx":"` + commitHex + `"}}`},
		{"not hex", `{"proof":{"commit_tx":"zz","spell_tx":"` + spellHex + `"}}`},
		{"spell does not spend commit", `{"proof":{"commit_tx":"` + commitHex + `","spell_tx":"` + unrelatedHex + `"}}`},
		{"not json", `proof`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := newClient(t, srv.URL, time.Second)
			_, err := c.Prove(context.Background(), spell.OpTransfer, testRequest())
			assert.Equal(t, charmcards.KindProofGenerationFailed, charmcards.KindOf(err))
		})
	}
}

func TestProveIdempotent(t *testing.T) {
	commitHex, spellHex := testPair(t)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"proof": map[string]string{"commit_tx": commitHex, "spell_tx": spellHex},
		})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, time.Second)
	a, err := c.Prove(context.Background(), spell.OpTransfer, testRequest())
	require.NoError(t, err)
	b, err := c.Prove(context.Background(), spell.OpTransfer, testRequest())
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestProveNoSpell(t *testing.T) {
	c := newClient(t, "http://127.0.0.1:1", time.Second)
	_, err := c.Prove(context.Background(), spell.OpTransfer, &Request{})
	assert.ErrorIs(t, err, charmcards.ErrInvalidSpell)
	assert.Equal(t, charmcards.KindValidation, charmcards.KindOf(err))
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{BaseURL: "  "})
	assert.Error(t, err)
}
