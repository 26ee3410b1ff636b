package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/ethwallet/service/wallet"
)

// Balance is the native balance of an address.
type Balance struct {
	Address string `json:"address"`
	Balance string `json:"balance"` // ether
	Wei     string `json:"wei"`
}

// SendRequest describes a payment from the custodied account. Fee fields are
// decimal wei strings and may be left empty.
type SendRequest struct {
	To                      string `json:"to"`
	AmountEther             string `json:"amountEther"`
	GasLimit                uint64 `json:"gasLimit,omitempty"`
	MaxFeePerGasWei         string `json:"maxFeePerGasWei,omitempty"`
	MaxPriorityFeePerGasWei string `json:"maxPriorityFeePerGasWei,omitempty"`
}

// FeeOverride raises the fees of a speed up beyond the automatic bump.
type FeeOverride struct {
	GasLimit                uint64 `json:"gasLimit,omitempty"`
	MaxFeePerGasWei         string `json:"maxFeePerGasWei,omitempty"`
	MaxPriorityFeePerGasWei string `json:"maxPriorityFeePerGasWei,omitempty"`
}

// RecordResult is returned by the routes that broadcast.
type RecordResult struct {
	TxHash     string                    `json:"txHash"`
	Resolution string                    `json:"resolution,omitempty"`
	Record     *wallet.TransactionRecord `json:"record"`
}

// RecordList is one page of the account's records, newest first.
type RecordList struct {
	Address string                      `json:"address"`
	Records []*wallet.TransactionRecord `json:"records"`
	Limit   int                         `json:"limit"`
}

// Snapshot is the last ledger refresh of the account.
type Snapshot struct {
	Address     string                `json:"address"`
	Balance     string                `json:"balance"`
	BalanceWei  string                `json:"balance_wei"`
	Tokens      []wallet.TokenBalance `json:"tokens"`
	RefreshedAt time.Time             `json:"refreshed_at"`
}

// Transaction is one historical transaction as reported by the explorer.
type Transaction struct {
	wallet.ExplorerTransaction
	ValueEther string        `json:"value_ether"`
	Status     wallet.Status `json:"status"`
}

// Event is one Server-Sent Event from the record stream.
type Event struct {
	Type string
	Data json.RawMessage
}

// Error is a non-2xx response from the server.
type Error struct {
	StatusCode int
	Message    string
	Kind       wallet.Kind
	TxHash     string
	Record     *wallet.TransactionRecord
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("request failed (%d %s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

// KindOf returns the error kind reported by the server, or "" if err is not
// a server error.
func KindOf(err error) wallet.Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Client is the HTTP client for the ethwallet relay.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new relay client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Balance returns the native balance of any address.
func (c *Client) Balance(ctx context.Context, address string) (*Balance, error) {
	var out Balance
	if err := c.do(ctx, http.MethodGet, "/balance/"+url.PathEscape(address), nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// Send signs and broadcasts a payment. When the broadcast outcome is unknown
// the returned *Error carries the transaction hash and record.
func (c *Client) Send(ctx context.Context, req SendRequest) (*RecordResult, error) {
	var out RecordResult
	if err := c.do(ctx, http.MethodPost, "/send", req, &out, http.StatusAccepted); err != nil {
		return nil, err
	}
	c.logger.Debug("payment sent", "to", req.To, "amount", req.AmountEther, "tx_hash", out.TxHash)
	return &out, nil
}

// Cancel replaces a pending transaction with a zero value self transfer.
func (c *Client) Cancel(ctx context.Context, txHash string) (*RecordResult, error) {
	var out RecordResult
	if err := c.do(ctx, http.MethodPost, "/cancel/"+url.PathEscape(txHash), nil, &out, http.StatusOK, http.StatusAccepted); err != nil {
		return nil, err
	}
	c.logger.Debug("cancel requested", "tx_hash", txHash, "resolution", out.Resolution)
	return &out, nil
}

// SpeedUp rebroadcasts a pending transaction with higher fees. override may be nil.
func (c *Client) SpeedUp(ctx context.Context, txHash string, override *FeeOverride) (*RecordResult, error) {
	var body any
	if override != nil {
		body = override
	}
	var out RecordResult
	if err := c.do(ctx, http.MethodPost, "/speedup/"+url.PathEscape(txHash), body, &out, http.StatusOK, http.StatusAccepted); err != nil {
		return nil, err
	}
	c.logger.Debug("speed up requested", "tx_hash", txHash, "resolution", out.Resolution)
	return &out, nil
}

// Status returns the current record of a transaction sent by this relay.
func (c *Client) Status(ctx context.Context, txHash string) (*wallet.TransactionRecord, error) {
	var out RecordResult
	if err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(txHash), nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out.Record, nil
}

// Records lists the account's records. A limit of zero uses the server default.
func (c *Client) Records(ctx context.Context, limit int) (*RecordList, error) {
	path := "/records"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out RecordList
	if err := c.do(ctx, http.MethodGet, path, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// Snapshot returns the last ledger snapshot, refreshing it first if asked.
func (c *Client) Snapshot(ctx context.Context, refresh bool) (*Snapshot, error) {
	path := "/snapshot"
	if refresh {
		path += "?refresh=true"
	}
	var out Snapshot
	if err := c.do(ctx, http.MethodGet, path, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transactions returns the explorer's transaction history of an address.
func (c *Client) Transactions(ctx context.Context, address string) ([]Transaction, error) {
	var out struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := c.do(ctx, http.MethodGet, "/txs/"+url.PathEscape(address), nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// Tokens returns the net token balances of an address.
func (c *Client) Tokens(ctx context.Context, address string) ([]wallet.TokenBalance, error) {
	var out struct {
		Tokens []wallet.TokenBalance `json:"tokens"`
	}
	if err := c.do(ctx, http.MethodGet, "/tokens/"+url.PathEscape(address), nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out.Tokens, nil
}

// QR returns a PNG QR code of the address. A size of zero uses the server default.
func (c *Client) QR(ctx context.Context, address string, size int) ([]byte, error) {
	path := "/qr/" + url.PathEscape(address)
	if size > 0 {
		path += "?size=" + strconv.Itoa(size)
	}
	resp, err := c.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}
	png, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read QR code: %w", err)
	}
	return png, nil
}

// Health checks the server and its dependencies.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.send(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return nil
}

// Stream subscribes to record and balance events and calls fn for each one
// until ctx is cancelled, the server closes the stream, or fn returns an error.
// An empty address streams every account. The connected frame is skipped.
func (c *Client) Stream(ctx context.Context, address string, fn func(Event) error) error {
	path := "/stream/records"
	if address != "" {
		path += "/" + url.PathEscape(address)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// the stream outlives any client timeout
	hc := *c.httpClient
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var ev Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if ev.Type != "" && ev.Type != "connected" {
				if err := fn(ev); err != nil {
					return err
				}
			}
			ev = Event{}
		case strings.HasPrefix(line, ":"):
			// keepalive
		case strings.HasPrefix(line, "event:"):
			ev.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			ev.Data = append(ev.Data, strings.TrimSpace(strings.TrimPrefix(line, "data:"))...)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stream read failed: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, expected ...int) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range expected {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		return c.parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error  string                    `json:"error"`
		Kind   wallet.Kind               `json:"kind"`
		TxHash string                    `json:"txHash"`
		Record *wallet.TransactionRecord `json:"record"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	return &Error{
		StatusCode: resp.StatusCode,
		Message:    errResp.Error,
		Kind:       errResp.Kind,
		TxHash:     errResp.TxHash,
		Record:     errResp.Record,
	}
}
