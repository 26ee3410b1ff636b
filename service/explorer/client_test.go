package explorer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/ethwallet/service/wallet"
)

const address = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, APIKey: "key", ChainID: 11155111, RequestsPerSecond: 1000}, nil, nil)
}

func TestListTransactions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "account", q.Get("module"))
		assert.Equal(t, "txlist", q.Get("action"))
		assert.Equal(t, "desc", q.Get("sort"))
		assert.Equal(t, "11155111", q.Get("chainid"))
		assert.Equal(t, "key", q.Get("apikey"))
		assert.Equal(t, address, q.Get("address"))
		w.Write([]byte(`{"status":"1","message":"OK","result":[
			{"blockNumber":"100","timeStamp":"1700000000","hash":"0xabc","nonce":"4","from":"0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266","to":"0x70997970c51812dc3a010c7d01b50e0d17dc79c8","value":"10000000000000000","isError":"0","confirmations":"12"},
			{"blockNumber":"99","timeStamp":"1699999990","hash":"0xdef","nonce":"3","from":"0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266","to":"0x70997970c51812dc3a010c7d01b50e0d17dc79c8","value":"1","isError":"1","confirmations":"13"}
		]}`))
	})

	txs, err := c.ListTransactions(context.Background(), address)
	require.NoError(t, err)
	require.Len(t, txs, 2)

	assert.Equal(t, "0xabc", txs[0].Hash)
	assert.Equal(t, "10000000000000000", txs[0].ValueWei.String())
	assert.Equal(t, uint64(12), txs[0].Confirmations)
	assert.Equal(t, int64(1700000000), txs[0].Timestamp.Unix())
	assert.Equal(t, wallet.StatusConfirmed, txs[0].Status())
	assert.Equal(t, wallet.StatusFailed, txs[1].Status())
}

func TestListTransactions_NoTransactionsIsEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"0","message":"No transactions found","result":[]}`))
	})

	txs, err := c.ListTransactions(context.Background(), address)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestListTransactions_APIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"0","message":"NOTOK","result":"Invalid API Key"}`))
	})

	_, err := c.ListTransactions(context.Background(), address)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Invalid API Key", apiErr.Result)
	assert.ErrorIs(t, err, wallet.ErrExplorer)
}

func TestListTransactions_InvalidAddress(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })

	_, err := c.ListTransactions(context.Background(), "not-an-address")
	assert.ErrorIs(t, err, wallet.ErrInvalidAddress)
	assert.Equal(t, int32(0), calls.Load())
}

func TestListTokenTransfers(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tokentx", r.URL.Query().Get("action"))
		w.Write([]byte(`{"status":"1","message":"OK","result":[
			{"blockNumber":"5","hash":"0x01","logIndex":"7","from":"0x70997970c51812dc3a010c7d01b50e0d17dc79c8","to":"0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266","contractAddress":"0x1c7d4b196cb0c7b01d743fbc6116a902379c7238","value":"2500000","tokenName":"USD Coin","tokenSymbol":"USDC","tokenDecimal":"6"},
			{"blockNumber":"5","hash":"0x02","from":"a","to":"b","contractAddress":"c","value":"bogus","tokenDecimal":"6"}
		]}`))
	})

	events, err := c.ListTokenTransfers(context.Background(), address)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint8(6), events[0].Decimals)
	assert.Equal(t, uint64(7), events[0].LogIndex)
	assert.Equal(t, "USDC", events[0].TokenSymbol)
	assert.Equal(t, int64(2500000), events[0].RawValue.Int64())
}

func TestListTokenTransfers_PagesUntilShortPage(t *testing.T) {
	var pages []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "2", q.Get("offset"))
		pages = append(pages, q.Get("page"))
		switch q.Get("page") {
		case "1", "2":
			w.Write([]byte(`{"status":"1","message":"OK","result":[
				{"hash":"0x` + q.Get("page") + `a","logIndex":"0","from":"a","to":"b","contractAddress":"c","value":"1","tokenDecimal":"6"},
				{"hash":"0x` + q.Get("page") + `b","logIndex":"1","from":"a","to":"b","contractAddress":"c","value":"1","tokenDecimal":"6"}
			]}`))
		default:
			w.Write([]byte(`{"status":"0","message":"No transactions found","result":[]}`))
		}
	}))
	t.Cleanup(srv.Close)
	c := NewClient(Config{BaseURL: srv.URL, ChainID: 1, RequestsPerSecond: 1000, PageSize: 2}, nil, nil)

	events, err := c.ListTokenTransfers(context.Background(), address)

	require.NoError(t, err)
	assert.Len(t, events, 4)
	assert.Equal(t, []string{"1", "2", "3"}, pages)
}

func TestListTransactions_ResultWindowExceeded(t *testing.T) {
	const pageSize = MaxResultWindow / 2
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		entries := make([]string, pageSize)
		for i := range entries {
			entries[i] = fmt.Sprintf(`{"blockNumber":"1","timeStamp":"1","hash":"0x%x","nonce":"0","from":"a","to":"b","value":"1","isError":"0","confirmations":"1"}`, i)
		}
		fmt.Fprintf(w, `{"status":"1","message":"OK","result":[%s]}`, strings.Join(entries, ","))
	}))
	t.Cleanup(srv.Close)
	c := NewClient(Config{BaseURL: srv.URL, ChainID: 1, RequestsPerSecond: 1000, PageSize: pageSize}, nil, nil)

	_, err := c.ListTransactions(context.Background(), address)

	require.Error(t, err)
	assert.ErrorIs(t, err, wallet.ErrExplorer)
	assert.Contains(t, err.Error(), "exceeds")
	assert.Equal(t, int32(2), calls.Load())
}

func TestAPIError_RateLimited(t *testing.T) {
	tests := []struct {
		name string
		err  *APIError
		want bool
	}{
		{"per second limit", &APIError{Message: "NOTOK", Result: "Max calls per sec rate limit reached (5/sec)"}, true},
		{"daily limit", &APIError{Message: "NOTOK", Result: "Max daily rate limit reached"}, true},
		{"bad key", &APIError{Message: "NOTOK", Result: "Invalid API Key"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.RateLimited())
		})
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 10; i++ {
		_, err := c.ListTransactions(context.Background(), address)
		assert.ErrorIs(t, err, wallet.ErrExplorer)
	}
	// the breaker opened after five failures
	assert.Equal(t, int32(5), calls.Load())
}
