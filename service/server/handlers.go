package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/skip2/go-qrcode"

	"github.com/brojonat/ethwallet/service/explorer"
	"github.com/brojonat/ethwallet/service/ledger"
	"github.com/brojonat/ethwallet/service/wallet"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	defaultRecordLimit = 50
	maxRecordLimit     = 500
	defaultQRSize      = 256
	minQRSize          = 64
	maxQRSize          = 1024
	healthTimeout      = 2 * time.Second
)

// Resolutions reported by the replacement routes.
const (
	resolutionBroadcast        = "replacement_broadcast"
	resolutionAlreadyConfirmed = "already_confirmed"
)

type balanceResponse struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Wei     string `json:"wei"`
}

type sendRequest struct {
	To                      string `json:"to"`
	AmountEther             string `json:"amountEther"`
	GasLimit                uint64 `json:"gasLimit,omitempty"`
	MaxFeePerGasWei         string `json:"maxFeePerGasWei,omitempty"`
	MaxPriorityFeePerGasWei string `json:"maxPriorityFeePerGasWei,omitempty"`
}

type speedUpRequest struct {
	GasLimit                uint64 `json:"gasLimit,omitempty"`
	MaxFeePerGasWei         string `json:"maxFeePerGasWei,omitempty"`
	MaxPriorityFeePerGasWei string `json:"maxPriorityFeePerGasWei,omitempty"`
}

type recordResponse struct {
	TxHash     string                    `json:"txHash"`
	Resolution string                    `json:"resolution,omitempty"`
	Record     *wallet.TransactionRecord `json:"record"`
}

type errorResponse struct {
	Error  string                    `json:"error"`
	Kind   wallet.Kind               `json:"kind,omitempty"`
	TxHash string                    `json:"txHash,omitempty"`
	Record *wallet.TransactionRecord `json:"record,omitempty"`
}

type explorerTxResponse struct {
	wallet.ExplorerTransaction
	ValueEther string        `json:"value_ether"`
	Status     wallet.Status `json:"status"`
}

type snapshotResponse struct {
	Address     string                `json:"address"`
	Balance     string                `json:"balance"`
	BalanceWei  string                `json:"balance_wei"`
	Tokens      []wallet.TokenBalance `json:"tokens"`
	RefreshedAt time.Time             `json:"refreshed_at"`
}

// handleBalance returns the native balance of any address, formatted as ether.
// GET /balance/{address}
func handleBalance(balances BalanceReader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, err := wallet.ParseAddress(r.PathValue("address"))
		if err != nil {
			writeWalletError(w, err, nil)
			return
		}

		wei, err := balances.BalanceAt(r.Context(), addr)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to get balance", "address", addr.Hex(), "error", err)
			writeWalletError(w, err, nil)
			return
		}

		writeJSON(w, balanceResponse{
			Address: addr.Hex(),
			Balance: wallet.FormatEther(wei),
			Wei:     wei.String(),
		}, http.StatusOK)
	})
}

// handleSend signs and broadcasts a payment from the custodied account.
// POST /send
func handleSend(wl Wallet, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if !decodeBody(w, r, &req, logger) {
			return
		}

		opts, err := feeOptions(req.GasLimit, req.MaxFeePerGasWei, req.MaxPriorityFeePerGasWei)
		if err != nil {
			writeWalletError(w, err, nil)
			return
		}
		intent, err := wallet.IntentFromEther(req.To, req.AmountEther, opts...)
		if err != nil {
			writeWalletError(w, err, nil)
			return
		}

		rec, err := wl.SendPayment(r.Context(), intent)
		if err != nil {
			logger.WarnContext(r.Context(), "send failed",
				"request_id", requestID(r.Context()),
				"to", req.To,
				"kind", wallet.KindOf(err),
				"error", err,
			)
			writeWalletError(w, err, rec)
			return
		}

		logger.InfoContext(r.Context(), "payment accepted",
			"request_id", requestID(r.Context()),
			"hash", rec.Hash.Hex(),
			"nonce", rec.Nonce,
		)
		writeJSON(w, recordResponse{TxHash: rec.Hash.Hex(), Record: rec}, http.StatusAccepted)
	})
}

// handleCancel replaces a pending payment with a zero-value self transfer.
// POST /cancel/{hash}
func handleCancel(wl Wallet, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash, err := parseHash(r.PathValue("hash"))
		if err != nil {
			writeWalletError(w, err, nil)
			return
		}
		rec, err := wl.CancelPayment(r.Context(), hash)
		writeReplacement(w, r, "cancel", hash, rec, err, logger)
	})
}

// handleSpeedUp rebroadcasts a pending payment with higher fees. The body is
// optional; without one the minimum bump is used.
// POST /speedup/{hash}
func handleSpeedUp(wl Wallet, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash, err := parseHash(r.PathValue("hash"))
		if err != nil {
			writeWalletError(w, err, nil)
			return
		}

		var fees *wallet.FeeParams
		if r.ContentLength != 0 {
			var req speedUpRequest
			if !decodeBody(w, r, &req, logger) {
				return
			}
			fees, err = feeParams(req)
			if err != nil {
				writeWalletError(w, err, nil)
				return
			}
		}

		rec, err := wl.SpeedUpPayment(r.Context(), hash, fees)
		writeReplacement(w, r, "speedup", hash, rec, err, logger)
	})
}

func writeReplacement(w http.ResponseWriter, r *http.Request, mode string, hash common.Hash, rec *wallet.TransactionRecord, err error, logger *slog.Logger) {
	switch {
	case errors.Is(err, wallet.ErrAlreadyConfirmed) && rec != nil:
		writeJSON(w, recordResponse{
			TxHash:     rec.Hash.Hex(),
			Resolution: resolutionAlreadyConfirmed,
			Record:     rec,
		}, http.StatusOK)
	case err != nil:
		logger.WarnContext(r.Context(), "replacement failed",
			"request_id", requestID(r.Context()),
			"mode", mode,
			"hash", hash.Hex(),
			"kind", wallet.KindOf(err),
			"error", err,
		)
		writeWalletError(w, err, rec)
	default:
		logger.InfoContext(r.Context(), "replacement broadcast",
			"mode", mode,
			"replaces", hash.Hex(),
			"hash", rec.Hash.Hex(),
		)
		writeJSON(w, recordResponse{
			TxHash:     rec.Hash.Hex(),
			Resolution: resolutionBroadcast,
			Record:     rec,
		}, http.StatusAccepted)
	}
}

// handleStatus returns the latest record for a hash.
// GET /status/{hash}
func handleStatus(wl Wallet, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash, err := parseHash(r.PathValue("hash"))
		if err != nil {
			writeWalletError(w, err, nil)
			return
		}
		rec, err := wl.CurrentStatus(r.Context(), hash)
		if err != nil {
			if !errors.Is(err, wallet.ErrRecordNotFound) {
				logger.ErrorContext(r.Context(), "failed to get status", "hash", hash.Hex(), "error", err)
			}
			writeWalletError(w, err, nil)
			return
		}
		writeJSON(w, recordResponse{TxHash: rec.Hash.Hex(), Record: rec}, http.StatusOK)
	})
}

// handleRecords lists the account's records, newest first.
// GET /records?limit={n}
func handleRecords(wl Wallet, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := defaultRecordLimit
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				writeWalletError(w, fmt.Errorf("%w: limit must be a positive integer", wallet.ErrInvalidIntent), nil)
				return
			}
			limit = min(n, maxRecordLimit)
		}

		records, err := wl.Records(r.Context(), limit)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list records", "error", err)
			writeWalletError(w, err, nil)
			return
		}
		if records == nil {
			records = []*wallet.TransactionRecord{}
		}

		writeJSON(w, map[string]any{
			"address": wl.Account().String(),
			"records": records,
			"limit":   limit,
		}, http.StatusOK)
	})
}

// handleSnapshot returns the last ledger snapshot, refreshing first when asked.
// GET /snapshot?refresh=true
func handleSnapshot(wl Wallet, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
		if refresh {
			if _, err := wl.Refresh(r.Context()); err != nil {
				logger.ErrorContext(r.Context(), "ledger refresh failed", "error", err)
				writeWalletError(w, err, nil)
				return
			}
		}

		snap, ok := wl.Snapshot()
		if !ok {
			writeWalletError(w, fmt.Errorf("%w: no snapshot yet, retry with refresh=true", wallet.ErrRecordNotFound), nil)
			return
		}

		balance := snap.BalanceWei
		if balance == nil {
			balance = new(big.Int)
		}
		writeJSON(w, snapshotResponse{
			Address:     snap.Address.Hex(),
			Balance:     wallet.FormatEther(balance),
			BalanceWei:  balance.String(),
			Tokens:      snap.Tokens,
			RefreshedAt: snap.RefreshedAt,
		}, http.StatusOK)
	})
}

// handleExplorerTransactions lists an address's history with a derived status.
// GET /txs/{address}
func handleExplorerTransactions(ex Explorer, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ex == nil {
			writeError(w, "explorer not configured", http.StatusServiceUnavailable)
			return
		}
		addr, err := wallet.ParseAddress(r.PathValue("address"))
		if err != nil {
			writeWalletError(w, err, nil)
			return
		}

		txs, err := ex.ListTransactions(r.Context(), addr.Hex())
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list explorer transactions", "address", addr.Hex(), "error", err)
			writeWalletError(w, err, nil)
			return
		}

		resp := make([]explorerTxResponse, len(txs))
		for i, tx := range txs {
			value := tx.ValueWei
			if value == nil {
				value = new(big.Int)
			}
			resp[i] = explorerTxResponse{
				ExplorerTransaction: tx,
				ValueEther:          wallet.FormatEther(value),
				Status:              tx.Status(),
			}
		}

		writeJSON(w, map[string]any{
			"address":      addr.Hex(),
			"transactions": resp,
		}, http.StatusOK)
	})
}

// handleTokens aggregates an address's token transfers into net balances.
// GET /tokens/{address}
func handleTokens(ex Explorer, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ex == nil {
			writeError(w, "explorer not configured", http.StatusServiceUnavailable)
			return
		}
		addr, err := wallet.ParseAddress(r.PathValue("address"))
		if err != nil {
			writeWalletError(w, err, nil)
			return
		}

		events, err := ex.ListTokenTransfers(r.Context(), addr.Hex())
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list token transfers", "address", addr.Hex(), "error", err)
			writeWalletError(w, err, nil)
			return
		}

		tokens := ledger.Aggregate(ledger.Dedupe(events), addr.Hex())
		writeJSON(w, map[string]any{
			"address": addr.Hex(),
			"tokens":  tokens,
		}, http.StatusOK)
	})
}

// handleQR renders an EIP-681 receive URI for address as a PNG.
// GET /qr/{address}?size={pixels}
func handleQR(logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, err := wallet.ParseAddress(r.PathValue("address"))
		if err != nil {
			writeWalletError(w, err, nil)
			return
		}

		size := defaultQRSize
		if s := r.URL.Query().Get("size"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < minQRSize || n > maxQRSize {
				writeError(w, fmt.Sprintf("size must be between %d and %d", minQRSize, maxQRSize), http.StatusBadRequest)
				return
			}
			size = n
		}

		png, err := qrcode.Encode("ethereum:"+addr.Hex(), qrcode.Medium, size)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to encode QR code", "address", addr.Hex(), "error", err)
			writeError(w, "failed to encode QR code", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.WriteHeader(http.StatusOK)
		w.Write(png)
	})
}

// handleHealth pings every registered dependency.
// GET /health
func handleHealth(checks map[string]Pinger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		for name, p := range checks {
			if err := p.Ping(ctx); err != nil {
				logger.WarnContext(ctx, "health check failed", "dependency", name, "error", err)
				http.Error(w, name+" unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

// decodeBody decodes a size-limited JSON body into v, writing the error
// response itself and returning false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, logger *slog.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		logger.DebugContext(r.Context(), "invalid request body", "error", err)
		if strings.Contains(err.Error(), "http: request body too large") {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: invalid transaction hash %q", wallet.ErrInvalidIntent, s)
	}
	return common.BytesToHash(b), nil
}

func parseWei(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() <= 0 || v.BitLen() > 256 {
		return nil, fmt.Errorf("%w: %s must be a positive 256-bit integer in wei", wallet.ErrInvalidAmount, field)
	}
	return v, nil
}

func feeOptions(gasLimit uint64, maxFee, tip string) ([]wallet.IntentOption, error) {
	var opts []wallet.IntentOption
	if gasLimit != 0 {
		opts = append(opts, wallet.WithGasLimit(gasLimit))
	}
	fee, err := parseWei("maxFeePerGasWei", maxFee)
	if err != nil {
		return nil, err
	}
	if fee != nil {
		opts = append(opts, wallet.WithMaxFeePerGas(fee))
	}
	priority, err := parseWei("maxPriorityFeePerGasWei", tip)
	if err != nil {
		return nil, err
	}
	if priority != nil {
		opts = append(opts, wallet.WithMaxPriorityFeePerGas(priority))
	}
	return opts, nil
}

func feeParams(req speedUpRequest) (*wallet.FeeParams, error) {
	fee, err := parseWei("maxFeePerGasWei", req.MaxFeePerGasWei)
	if err != nil {
		return nil, err
	}
	tip, err := parseWei("maxPriorityFeePerGasWei", req.MaxPriorityFeePerGasWei)
	if err != nil {
		return nil, err
	}
	if fee == nil && tip == nil && req.GasLimit == 0 {
		return nil, nil
	}
	return &wallet.FeeParams{
		GasLimit:             req.GasLimit,
		MaxFeePerGas:         fee,
		MaxPriorityFeePerGas: tip,
	}, nil
}

// statusForError maps an error to the HTTP status of its kind.
func statusForError(err error) int {
	var apiErr *explorer.APIError
	if errors.As(err, &apiErr) {
		return http.StatusBadRequest
	}
	switch wallet.KindOf(err) {
	case wallet.KindValidation:
		return http.StatusBadRequest
	case wallet.KindNotFound:
		return http.StatusNotFound
	case wallet.KindChainRejection:
		return http.StatusUnprocessableEntity
	case wallet.KindReplacementConflict:
		return http.StatusConflict
	case wallet.KindNetwork:
		return http.StatusBadGateway
	case wallet.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeWalletError writes err with its kind. rec, when present, is the
// record whose submission outcome is unknown; its hash lets the caller poll.
func writeWalletError(w http.ResponseWriter, err error, rec *wallet.TransactionRecord) {
	status := statusForError(err)
	resp := errorResponse{Error: err.Error(), Kind: wallet.KindOf(err)}
	if status == http.StatusInternalServerError {
		resp.Error = "internal server error"
	}
	if rec != nil {
		resp.TxHash = rec.Hash.Hex()
		resp.Record = rec
		// the transaction may still land; report it as pending rather than failed
		if status == http.StatusBadGateway {
			status = http.StatusGatewayTimeout
		}
	}
	writeJSON(w, resp, status)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, errorResponse{Error: message}, statusCode)
}
