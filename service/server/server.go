package server

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/ethwallet/service/lifecycle"
	"github.com/brojonat/ethwallet/service/metrics"
	natspkg "github.com/brojonat/ethwallet/service/nats"
	"github.com/brojonat/ethwallet/service/wallet"
)

// Wallet is the lifecycle of the custodied account.
type Wallet interface {
	Account() wallet.Account
	SendPayment(ctx context.Context, intent wallet.TransactionIntent) (*wallet.TransactionRecord, error)
	CancelPayment(ctx context.Context, hash common.Hash) (*wallet.TransactionRecord, error)
	SpeedUpPayment(ctx context.Context, hash common.Hash, fees *wallet.FeeParams) (*wallet.TransactionRecord, error)
	CurrentStatus(ctx context.Context, hash common.Hash) (*wallet.TransactionRecord, error)
	Records(ctx context.Context, limit int) ([]*wallet.TransactionRecord, error)
	Snapshot() (*lifecycle.Snapshot, bool)
	Refresh(ctx context.Context) (*lifecycle.Snapshot, error)
	Subscribe(buffer int) (<-chan lifecycle.Event, func())
}

// BalanceReader reads native balances of arbitrary addresses.
type BalanceReader interface {
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
}

// Explorer lists historical transactions and token transfers.
type Explorer interface {
	ListTransactions(ctx context.Context, address string) ([]wallet.ExplorerTransaction, error)
	ListTokenTransfers(ctx context.Context, address string) ([]wallet.TransferEvent, error)
}

// EventStream delivers cross-process wallet events, e.g. from NATS.
type EventStream interface {
	Stream(ctx context.Context, addr *common.Address) (<-chan natspkg.Message, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the server. Wallet and Balances are required;
// without Explorer the history routes answer 503, without Stream the SSE
// routes fall back to in-process events.
type Deps struct {
	Wallet        Wallet
	Balances      BalanceReader
	Explorer      Explorer
	Stream        EventStream
	Health        map[string]Pinger
	AllowedOrigin string
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Server represents the HTTP relay for the wallet service.
type Server struct {
	addr   string
	deps   Deps
	logger *slog.Logger
	server *http.Server
}

// New creates a new HTTP server with the given dependencies.
func New(addr string, deps Deps) *Server {
	if deps.AllowedOrigin == "" {
		deps.AllowedOrigin = "*"
	}
	return &Server{
		addr:   addr,
		deps:   deps,
		logger: deps.Logger,
	}
}

// Handler builds the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	d := s.deps

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(d.Metrics, name)(h))
	}

	route("GET /balance/{address}", "balance", handleBalance(d.Balances, s.logger))
	route("POST /send", "send", handleSend(d.Wallet, s.logger))
	route("POST /cancel/{hash}", "cancel", handleCancel(d.Wallet, s.logger))
	route("POST /speedup/{hash}", "speedup", handleSpeedUp(d.Wallet, s.logger))
	route("GET /status/{hash}", "status", handleStatus(d.Wallet, s.logger))
	route("GET /records", "records", handleRecords(d.Wallet, s.logger))
	route("GET /snapshot", "snapshot", handleSnapshot(d.Wallet, s.logger))
	route("GET /txs/{address}", "txs", handleExplorerTransactions(d.Explorer, s.logger))
	route("GET /tokens/{address}", "tokens", handleTokens(d.Explorer, s.logger))
	route("GET /qr/{address}", "qr", handleQR(s.logger))

	// streams are long lived and would skew the latency histogram
	mux.Handle("GET /stream/records/{address}", handleStreamRecords(d.Stream, d.Wallet, d.Metrics, s.logger))
	mux.Handle("GET /stream/records", handleStreamRecords(d.Stream, d.Wallet, d.Metrics, s.logger))

	mux.Handle("GET /health", handleHealth(d.Health, s.logger))
	if d.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return requestIDMiddleware(corsMiddleware(d.AllowedOrigin, mux))
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr, "account", s.deps.Wallet.Account().String())
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type requestIDKey struct{}

// requestIDMiddleware propagates X-Request-ID, minting one when absent.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// requestID returns the id assigned by requestIDMiddleware.
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
