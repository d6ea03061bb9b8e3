package ledger

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/pawnx/errors"
	"github.com/teranos/pawnx/internal/httpclient"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGateway(srv.URL, 5*time.Second, 0, zap.NewNop().Sugar(),
		WithHTTPClient(httpclient.NewSaferClient(5*time.Second, httpclient.AllowPrivateNetworks())))
}

func TestGateway_MintSignsRequest(t *testing.T) {
	var (
		mu  sync.Mutex
		got *http.Request
		req struct {
			Metadata [][]byte `json:"metadata"`
		}
	)
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = r
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(Receipt{TxID: "0.0.1001@1", Status: "SUCCESS", Serials: []int64{11, 12}})
	})

	receipt, err := g.MintUnits(t.Context(), "0.0.5001", [][]byte{[]byte("a"), []byte("b")}, treasury)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12}, receipt.Serials)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/v1/tokens/0.0.5001/mint", got.URL.Path)
	assert.Equal(t, treasuryID, got.Header.Get(HeaderSignerAccount))
	key := got.Header.Get(HeaderIdempotencyKey)
	require.NotEmpty(t, key)
	assert.Equal(t, sign("treasury-key", http.MethodPost, got.URL.Path, key), got.Header.Get(HeaderSignature))
	assert.Len(t, req.Metadata, 2)
}

func TestGateway_TranslatesLedgerErrors(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"BUSY","message":"node busy"}`))
	})

	_, err := g.BurnUnits(t.Context(), "0.0.5001", []int64{1}, treasury)
	require.Error(t, err)
	assert.Equal(t, CodeBusy, CodeOf(err))
	assert.True(t, IsTransient(err))
}

func TestGateway_PlainStatusErrors(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	_, err := g.GetBalance(t.Context(), "0.0.200", paymentID)
	require.Error(t, err)
	assert.Empty(t, CodeOf(err))
	assert.True(t, IsTransient(err))
}

func TestGateway_Queries(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case "/v1/accounts/0.0.200/balances/0.0.5005":
			_, _ = w.Write([]byte(`{"balance": 42.5}`))
		case "/v1/tokens/0.0.5001/holders":
			_, _ = w.Write([]byte(`{"holders":[{"account":"0.0.200","balance":2,"serials":[3,1]}]}`))
		default:
			http.NotFound(w, r)
		}
	})

	bal, err := g.GetBalance(t.Context(), "0.0.200", paymentID)
	require.NoError(t, err)
	assert.InDelta(t, 42.5, bal, 1e-9)

	holders, err := g.GetHolders(t.Context(), "0.0.5001")
	require.NoError(t, err)
	require.Len(t, holders, 1)
	assert.Equal(t, []int64{3, 1}, holders[0].Serials)
}

func TestGateway_MissingKeyIsValidation(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent")
	})

	_, err := g.Freeze(t.Context(), "0.0.5001", "0.0.200", Credentials{AccountID: treasuryID})
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestStaticKeys(t *testing.T) {
	keys := NewStaticKeys(treasuryID, map[string]string{treasuryID: "op", "0.0.200": "k2"})

	op, err := keys.Operator(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "op", op.PrivateKey)

	_, err = keys.Credentials(t.Context(), "0.0.999")
	assert.True(t, errors.IsValidationError(err))

	keys.Set("0.0.999", "k9")
	c, err := keys.Credentials(t.Context(), "0.0.999")
	require.NoError(t, err)
	assert.Equal(t, "k9", c.PrivateKey)

	_, err = NewStaticKeys("", nil).Operator(t.Context())
	assert.True(t, errors.IsValidationError(err))
}
