// Package explorer reads account history from an Etherscan v2 compatible API.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/ratelimit"

	"github.com/brojonat/ethwallet/service/metrics"
	"github.com/brojonat/ethwallet/service/wallet"
)

// DefaultBaseURL is the Etherscan v2 multichain endpoint.
const DefaultBaseURL = "https://api.etherscan.io/v2/api"

const noTransactionsFound = "No transactions found"

// MaxResultWindow is the largest page*offset the explorer serves.
const MaxResultWindow = 10000

// APIError is a status "0" answer from the explorer, e.g. a bad API key.
type APIError struct {
	Message string
	Result  string
}

func (e *APIError) Error() string {
	if e.Result == "" {
		return "explorer: " + e.Message
	}
	return fmt.Sprintf("explorer: %s: %s", e.Message, e.Result)
}

func (e *APIError) Unwrap() error { return wallet.ErrExplorer }

// RateLimited reports whether the explorer refused the call for exceeding
// its rate limit, e.g. "Max calls per sec rate limit reached (5/sec)".
func (e *APIError) RateLimited() bool {
	return strings.Contains(strings.ToLower(e.Message+" "+e.Result), "rate limit")
}

// Config configures the explorer client.
type Config struct {
	BaseURL           string
	APIKey            string
	ChainID           int64
	RequestsPerSecond int
	// PageSize bounds results per call and turns on paging until a short
	// page comes back; 0 leaves it to the explorer.
	PageSize   int
	HTTPClient *http.Client
}

// Client queries the explorer. Requests are paced by a rate limiter and go
// through a circuit breaker that opens when the explorer keeps failing.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter ratelimit.Limiter
	cb      *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewClient creates an explorer client.
func NewClient(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: ratelimit.New(cfg.RequestsPerSecond),
		metrics: m,
		logger:  logger,
	}
	c.cb = newCircuitBreaker(logger, m)
	return c
}

func newCircuitBreaker(logger *slog.Logger, m *metrics.Metrics) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "explorer",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.SetExplorerBreakerState(name, float64(to))
			switch {
			case to == gobreaker.StateOpen:
				logger.Warn("explorer seems down, stop allowing requests", "breaker", name)
			case from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen:
				logger.Info("checking explorer status", "breaker", name)
			case from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed:
				logger.Info("explorer seems ok, restart allowing requests", "breaker", name)
			}
		},
	})
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type txEntry struct {
	BlockNumber   string `json:"blockNumber"`
	TimeStamp     string `json:"timeStamp"`
	Hash          string `json:"hash"`
	Nonce         string `json:"nonce"`
	From          string `json:"from"`
	To            string `json:"to"`
	Value         string `json:"value"`
	IsError       string `json:"isError"`
	Confirmations string `json:"confirmations"`
}

type tokenTxEntry struct {
	BlockNumber     string `json:"blockNumber"`
	Hash            string `json:"hash"`
	LogIndex        string `json:"logIndex"`
	From            string `json:"from"`
	To              string `json:"to"`
	ContractAddress string `json:"contractAddress"`
	Value           string `json:"value"`
	TokenName       string `json:"tokenName"`
	TokenSymbol     string `json:"tokenSymbol"`
	TokenDecimal    string `json:"tokenDecimal"`
}

// ListTransactions returns the normal transactions of address, newest first.
func (c *Client) ListTransactions(ctx context.Context, address string) ([]wallet.ExplorerTransaction, error) {
	entries, err := listAll[txEntry](ctx, c, "txlist", address)
	if err != nil {
		return nil, err
	}

	txs := make([]wallet.ExplorerTransaction, 0, len(entries))
	for _, e := range entries {
		value, ok := new(big.Int).SetString(e.Value, 10)
		if !ok {
			c.logger.WarnContext(ctx, "skipping transaction with unparseable value", "hash", e.Hash, "value", e.Value)
			continue
		}
		ts, _ := strconv.ParseInt(e.TimeStamp, 10, 64)
		txs = append(txs, wallet.ExplorerTransaction{
			Hash:          e.Hash,
			From:          e.From,
			To:            e.To,
			ValueWei:      value,
			Nonce:         parseUint(e.Nonce),
			BlockNumber:   parseUint(e.BlockNumber),
			Timestamp:     time.Unix(ts, 0).UTC(),
			Confirmations: parseUint(e.Confirmations),
			IsError:       e.IsError != "" && e.IsError != "0",
		})
	}
	return txs, nil
}

// ListTokenTransfers returns the ERC-20 transfer events touching address.
// Events are returned as reported; callers dedupe with ledger.Dedupe.
func (c *Client) ListTokenTransfers(ctx context.Context, address string) ([]wallet.TransferEvent, error) {
	entries, err := listAll[tokenTxEntry](ctx, c, "tokentx", address)
	if err != nil {
		return nil, err
	}

	events := make([]wallet.TransferEvent, 0, len(entries))
	for _, e := range entries {
		value, ok := new(big.Int).SetString(e.Value, 10)
		if !ok {
			c.logger.WarnContext(ctx, "skipping transfer with unparseable value", "hash", e.Hash, "value", e.Value)
			continue
		}
		decimals, err := strconv.ParseUint(e.TokenDecimal, 10, 8)
		if err != nil {
			c.logger.WarnContext(ctx, "skipping transfer with unparseable decimals", "hash", e.Hash, "decimals", e.TokenDecimal)
			continue
		}
		events = append(events, wallet.TransferEvent{
			TokenContract: e.ContractAddress,
			From:          e.From,
			To:            e.To,
			RawValue:      value,
			Decimals:      uint8(decimals),
			TokenName:     e.TokenName,
			TokenSymbol:   e.TokenSymbol,
			TxHash:        e.Hash,
			LogIndex:      parseUint(e.LogIndex),
		})
	}
	return events, nil
}

// listAll fetches every page of action. Without a page size the explorer's
// single default page is returned.
func listAll[T any](ctx context.Context, c *Client, action, address string) ([]T, error) {
	var all []T
	for page := 1; ; page++ {
		var entries []T
		if err := c.call(ctx, action, address, page, &entries); err != nil {
			return nil, err
		}
		all = append(all, entries...)
		if c.cfg.PageSize <= 0 || len(entries) < c.cfg.PageSize {
			return all, nil
		}
		// page*offset may not exceed the result window; a longer log would be truncated
		if (page+1)*c.cfg.PageSize > MaxResultWindow {
			return nil, fmt.Errorf("%w: %s of %s exceeds %d results", wallet.ErrExplorer, action, address, MaxResultWindow)
		}
	}
}

func (c *Client) call(ctx context.Context, action, address string, page int, out any) error {
	if _, err := wallet.ParseAddress(address); err != nil {
		return err
	}

	params := url.Values{}
	params.Set("chainid", strconv.FormatInt(c.cfg.ChainID, 10))
	params.Set("module", "account")
	params.Set("action", action)
	params.Set("address", address)
	params.Set("startblock", "0")
	params.Set("endblock", "99999999")
	params.Set("sort", "desc")
	if c.cfg.PageSize > 0 {
		params.Set("page", strconv.Itoa(page))
		params.Set("offset", strconv.Itoa(c.cfg.PageSize))
	}
	if c.cfg.APIKey != "" {
		params.Set("apikey", c.cfg.APIKey)
	}
	reqURL := c.cfg.BaseURL + "?" + params.Encode()

	start := time.Now()
	body, err := c.cb.Execute(func() (interface{}, error) {
		c.limiter.Take()
		return c.fetch(ctx, reqURL)
	})
	duration := time.Since(start).Seconds()
	if err != nil {
		c.metrics.RecordExplorerCall(action, "error", duration)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %v", wallet.ErrExplorer, err)
		}
		return err
	}

	var env envelope
	if err := json.Unmarshal(body.([]byte), &env); err != nil {
		c.metrics.RecordExplorerCall(action, "error", duration)
		return fmt.Errorf("%w: decode response: %v", wallet.ErrExplorer, err)
	}

	if env.Status != "1" {
		if strings.HasPrefix(env.Message, noTransactionsFound) {
			c.metrics.RecordExplorerCall(action, "empty", duration)
			return nil
		}
		c.metrics.RecordExplorerCall(action, "api_error", duration)
		var result string
		_ = json.Unmarshal(env.Result, &result)
		return &APIError{Message: env.Message, Result: result}
	}

	if err := json.Unmarshal(env.Result, out); err != nil {
		c.metrics.RecordExplorerCall(action, "error", duration)
		return fmt.Errorf("%w: decode result: %v", wallet.ErrExplorer, err)
	}
	c.metrics.RecordExplorerCall(action, "success", duration)
	return nil
}

func (c *Client) fetch(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: explorer: %v", wallet.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", wallet.ErrExplorer, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", wallet.ErrExplorer, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", wallet.ErrExplorer, resp.StatusCode)
	}
	return body, nil
}

func parseUint(s string) uint64 {
	n, _ := strconv.ParseUint(s, 10, 64)
	return n
}
