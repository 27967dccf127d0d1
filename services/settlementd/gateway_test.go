package settlementd

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vaultdist/native/claims"
)

func newGatewayUnderTest(t *testing.T, handler http.Handler) *GatewayClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewGatewayClient(GatewayConfig{
		BaseURL:   server.URL,
		AuthToken: "gateway-token",
		Timeout:   Duration{2 * time.Second},
	})
}

func TestGatewayBuildRoundTrip(t *testing.T) {
	var got buildRequest
	client := newGatewayUnderTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/settlement/build", r.URL.Path)
		require.Equal(t, "Bearer gateway-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, buildResponse{
			Payload: base64.StdEncoding.EncodeToString([]byte("signed-tx")),
		})
	}))

	spec := BatchSpec{
		VaultID:  "vault-1",
		BatchRef: "0xabc",
		Claims: []*claims.Claim{{
			ID: "claim-1", Participant: "addr-1", Type: claims.TypeContributor,
			Tokens: big.NewInt(90), Currency: big.NewInt(10), SourceTxID: "tx-1",
		}},
	}
	raw, err := client.Build(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, []byte("signed-tx"), raw.Payload)
	require.Equal(t, "vault-1", got.VaultID)
	require.Len(t, got.Claims, 1)
	require.Equal(t, "90", got.Claims[0].Tokens)
}

func TestGatewayBuildSizeLimit(t *testing.T) {
	client := newGatewayUnderTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))
	_, err := client.Build(context.Background(), BatchSpec{VaultID: "vault-1"})
	require.ErrorIs(t, err, ErrSizeLimitExceeded)
}

func TestGatewaySubmitWrapsTransportFailures(t *testing.T) {
	client := newGatewayUnderTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	_, err := client.Submit(context.Background(), RawTransaction{Payload: []byte("tx")})
	require.ErrorIs(t, err, ErrTransport)

	// Connection refused wraps the same way.
	down := NewGatewayClient(GatewayConfig{BaseURL: "http://127.0.0.1:1", Timeout: Duration{200 * time.Millisecond}})
	_, err = down.Submit(context.Background(), RawTransaction{Payload: []byte("tx")})
	require.ErrorIs(t, err, ErrTransport)
}

func TestGatewaySubmitReturnsReference(t *testing.T) {
	client := newGatewayUnderTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/settlement/submit", r.URL.Path)
		writeJSON(w, http.StatusOK, submitResponse{TxRef: "ledger-tx-1"})
	}))
	ref, err := client.Submit(context.Background(), RawTransaction{Payload: []byte("tx")})
	require.NoError(t, err)
	require.Equal(t, "ledger-tx-1", ref)
}

func TestGatewayCheckStates(t *testing.T) {
	client := newGatewayUnderTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/outputs/tx-unspent":
			writeJSON(w, http.StatusOK, backingResponse{State: "unspent"})
		case "/v1/outputs/tx-spent":
			writeJSON(w, http.StatusOK, backingResponse{State: "spent", SpentBy: "batch-7"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	backing, err := client.Check(context.Background(), "tx-unspent")
	require.NoError(t, err)
	require.Equal(t, BackingUnspent, backing.State)

	backing, err = client.Check(context.Background(), "tx-spent")
	require.NoError(t, err)
	require.Equal(t, BackingSpent, backing.State)
	require.Equal(t, "batch-7", backing.SpentBy)

	backing, err = client.Check(context.Background(), "tx-unknown")
	require.NoError(t, err)
	require.Equal(t, BackingMissing, backing.State)
}
