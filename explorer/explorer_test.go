package explorer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	knownTxid   = "dc78b09d767c8565c4a58a95e7ad5ee22b28fc1685535056a395dc94929cdd5f"
	pendingTxid = "f54f6d40bd4ba808b188963ae5d72769ad5212dd1d29517ecc4063dd9f033faa"
	unknownTxid = "0000000000000000000000000000000000000000000000000000000000000001"
)

func esplora(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tx/"+knownTxid+"/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"confirmed":true,"block_height":1024,"block_hash":"00000000abc","block_time":1767225600}`))
	})
	mux.HandleFunc("/api/tx/"+pendingTxid+"/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"confirmed":false}`))
	})
	mux.HandleFunc("/api/tx/"+unknownTxid+"/status", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Transaction not found", http.StatusNotFound)
	})
	mux.HandleFunc("/api/tx", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		b, _ := io.ReadAll(r.Body)
		switch string(b) {
		case "00":
			http.Error(w, "sendrawtransaction RPC error: {\"code\":-26,\"message\":\"min relay fee not met\"}", http.StatusBadRequest)
		case "ff":
			http.Error(w, "upstream", http.StatusBadGateway)
		case "ee":
			w.Write([]byte("not a txid"))
		default:
			w.Write([]byte(knownTxid))
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T) *Client {
	srv := esplora(t)
	c, err := New(srv.URL+"/api/", nil, nil)
	require.NoError(t, err)
	return c
}

func TestTxStatus(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	st, err := c.TxStatus(ctx, knownTxid)
	require.NoError(t, err)
	assert.True(t, st.Confirmed)
	assert.Equal(t, int64(1024), st.BlockHeight)

	st, err = c.TxStatus(ctx, pendingTxid)
	require.NoError(t, err)
	assert.False(t, st.Confirmed)

	_, err = c.TxStatus(ctx, unknownTxid)
	assert.ErrorIs(t, err, ErrTxNotFound)

	_, err = c.TxStatus(ctx, "nothex")
	assert.Error(t, err)
}

func TestTxKnown(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	known, err := c.TxKnown(ctx, pendingTxid)
	require.NoError(t, err)
	assert.True(t, known)

	known, err = c.TxKnown(ctx, unknownTxid)
	require.NoError(t, err)
	assert.False(t, known)
}

func TestBroadcast(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	txid, err := c.Broadcast(ctx, "0200")
	require.NoError(t, err)
	assert.Equal(t, knownTxid, txid)

	_, err = c.Broadcast(ctx, "00")
	var rej *RejectError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, http.StatusBadRequest, rej.StatusCode)
	assert.Contains(t, rej.Message, "min relay fee not met")

	_, err = c.Broadcast(ctx, "ff")
	require.Error(t, err)
	assert.False(t, errors.As(err, &rej))

	_, err = c.Broadcast(ctx, "ee")
	assert.Error(t, err)
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New("", nil, nil)
	assert.Error(t, err)
}
