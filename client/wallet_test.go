package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/ethwallet/service/wallet"
)

const (
	testAddress = "0x1111111111111111111111111111111111111111"
	testHash    = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
)

func testRecord() *wallet.TransactionRecord {
	return &wallet.TransactionRecord{
		Hash:     common.HexToHash(testHash),
		From:     common.HexToAddress(testAddress),
		To:       common.HexToAddress("0x2222222222222222222222222222222222222222"),
		ValueWei: big.NewInt(1e16),
		Nonce:    7,
		Kind:     wallet.KindPayment,
		Status:   wallet.StatusPending,
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestBalance_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/balance/"+testAddress, r.URL.Path)
		writeJSON(t, w, http.StatusOK, map[string]string{
			"address": testAddress,
			"balance": "1.5",
			"wei":     "1500000000000000000",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	bal, err := client.Balance(context.Background(), testAddress)
	require.NoError(t, err)
	assert.Equal(t, "1.5", bal.Balance)
	assert.Equal(t, "1500000000000000000", bal.Wei)
}

func TestSend_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/send", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "0x2222222222222222222222222222222222222222", body["to"])
		assert.Equal(t, "0.01", body["amountEther"])
		assert.NotContains(t, body, "gasLimit")

		writeJSON(t, w, http.StatusAccepted, map[string]any{"txHash": testHash, "record": testRecord()})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	res, err := client.Send(context.Background(), SendRequest{
		To:          "0x2222222222222222222222222222222222222222",
		AmountEther: "0.01",
	})
	require.NoError(t, err)
	assert.Equal(t, testHash, res.TxHash)
	require.NotNil(t, res.Record)
	assert.Equal(t, uint64(7), res.Record.Nonce)
	assert.Equal(t, 0, res.Record.ValueWei.Cmp(big.NewInt(1e16)))
}

func TestSend_ErrorCarriesKindAndRecord(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusGatewayTimeout, map[string]any{
			"error":  "broadcast outcome unknown",
			"kind":   "timeout",
			"txHash": testHash,
			"record": testRecord(),
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Send(context.Background(), SendRequest{To: testAddress, AmountEther: "1"})
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusGatewayTimeout, apiErr.StatusCode)
	assert.Equal(t, wallet.KindTimeout, apiErr.Kind)
	assert.Equal(t, testHash, apiErr.TxHash)
	require.NotNil(t, apiErr.Record)
	assert.Equal(t, wallet.KindTimeout, KindOf(err))
	assert.Contains(t, err.Error(), "broadcast outcome unknown")
}

func TestSend_NonJSONError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Send(context.Background(), SendRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "bad gateway")
	assert.Equal(t, wallet.Kind(""), KindOf(err))
}

func TestCancel(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		resolution string
	}{
		{"replacement broadcast", http.StatusAccepted, "replacement_broadcast"},
		{"already confirmed", http.StatusOK, "already_confirmed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "POST", r.Method)
				assert.Equal(t, "/cancel/"+testHash, r.URL.Path)
				writeJSON(t, w, tt.status, map[string]any{
					"txHash":     testHash,
					"resolution": tt.resolution,
					"record":     testRecord(),
				})
			}))
			defer server.Close()

			client := NewClient(server.URL, nil, nil)
			res, err := client.Cancel(context.Background(), testHash)
			require.NoError(t, err)
			assert.Equal(t, tt.resolution, res.Resolution)
		})
	}
}

func TestCancel_Conflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusConflict, map[string]any{
			"error": "replacement already in progress",
			"kind":  "replacement_conflict",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Cancel(context.Background(), testHash)
	require.Error(t, err)
	assert.Equal(t, wallet.KindReplacementConflict, KindOf(err))
}

func TestSpeedUp_SendsOverride(t *testing.T) {
	tests := []struct {
		name     string
		override *FeeOverride
		wantBody bool
	}{
		{"automatic bump", nil, false},
		{"explicit fees", &FeeOverride{MaxFeePerGasWei: "90000000000", MaxPriorityFeePerGasWei: "3000000000"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/speedup/"+testHash, r.URL.Path)
				if tt.wantBody {
					var body map[string]any
					require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
					assert.Equal(t, "90000000000", body["maxFeePerGasWei"])
				} else {
					assert.Equal(t, int64(0), r.ContentLength)
				}
				writeJSON(t, w, http.StatusAccepted, map[string]any{
					"txHash":     "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
					"resolution": "replacement_broadcast",
					"record":     testRecord(),
				})
			}))
			defer server.Close()

			client := NewClient(server.URL, nil, nil)
			res, err := client.SpeedUp(context.Background(), testHash, tt.override)
			require.NoError(t, err)
			assert.Equal(t, "replacement_broadcast", res.Resolution)
		})
	}
}

func TestStatus_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status/"+testHash, r.URL.Path)
		writeJSON(t, w, http.StatusNotFound, map[string]any{"error": "record not found", "kind": "not_found"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	rec, err := client.Status(context.Background(), testHash)
	require.Error(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, wallet.KindNotFound, KindOf(err))
}

func TestRecords_Limit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/records", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		writeJSON(t, w, http.StatusOK, map[string]any{
			"address": testAddress,
			"records": []*wallet.TransactionRecord{testRecord()},
			"limit":   5,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	list, err := client.Records(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 5, list.Limit)
	require.Len(t, list.Records, 1)
	assert.Equal(t, common.HexToHash(testHash), list.Records[0].Hash)
}

func TestSnapshot_Refresh(t *testing.T) {
	refreshedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/snapshot", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("refresh"))
		writeJSON(t, w, http.StatusOK, map[string]any{
			"address":      testAddress,
			"balance":      "2",
			"balance_wei":  "2000000000000000000",
			"tokens":       []any{},
			"refreshed_at": refreshedAt,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	snap, err := client.Snapshot(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "2", snap.Balance)
	assert.True(t, refreshedAt.Equal(snap.RefreshedAt))
}

func TestTransactionsAndTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/txs/" + testAddress:
			writeJSON(t, w, http.StatusOK, map[string]any{
				"address": testAddress,
				"transactions": []map[string]any{{
					"hash":          testHash,
					"value_wei":     1000,
					"confirmations": 12,
					"value_ether":   "0.000000000000001",
					"status":        "confirmed",
				}},
			})
		case "/tokens/" + testAddress:
			writeJSON(t, w, http.StatusOK, map[string]any{
				"address": testAddress,
				"tokens": []map[string]any{{
					"token_contract": "0x3333333333333333333333333333333333333333",
					"symbol":         "USDC",
					"decimals":       6,
					"net_raw":        2500000,
					"net_balance":    "2.5",
				}},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)

	txs, err := client.Transactions(context.Background(), testAddress)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, wallet.StatusConfirmed, txs[0].Status)
	assert.Equal(t, uint64(12), txs[0].Confirmations)

	tokens, err := client.Tokens(context.Background(), testAddress)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "USDC", tokens[0].Symbol)
	assert.Equal(t, "2.5", tokens[0].NetBalance.String())
}

func TestQR(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/qr/"+testAddress, r.URL.Path)
		assert.Equal(t, "128", r.URL.Query().Get("size"))
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	got, err := client.QR(context.Background(), testAddress, 128)
	require.NoError(t, err)
	assert.Equal(t, png, got)
}

func TestHealth(t *testing.T) {
	healthy := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		if !healthy {
			http.Error(w, "chain unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("OK"))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	require.NoError(t, client.Health(context.Background()))

	healthy = false
	err := client.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain unavailable")
}

func TestStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stream/records/"+testAddress, r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: connected\ndata: {\"account\":%q}\n\n", testAddress)
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprintf(w, "event: record\ndata: {\"hash\":%q,\"status\":\"pending\"}\n\n", testHash)
		fmt.Fprintf(w, "event: balance\ndata: {\"address\":%q}\n\n", testAddress)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)

	var got []Event
	err := client.Stream(context.Background(), testAddress, func(ev Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "record", got[0].Type)
	assert.Equal(t, "balance", got[1].Type)

	var rec struct {
		Hash   string `json:"hash"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(got[0].Data, &rec))
	assert.Equal(t, testHash, rec.Hash)
	assert.Equal(t, "pending", rec.Status)
}

func TestStream_HandlerErrorStops(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stream/records", r.URL.Path)
		for i := 0; i < 3; i++ {
			fmt.Fprint(w, "event: record\ndata: {}\n\n")
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	stop := fmt.Errorf("stop")
	calls := 0
	err := client.Stream(context.Background(), "", func(Event) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}
