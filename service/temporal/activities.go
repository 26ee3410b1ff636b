package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	temporalsdk "go.temporal.io/sdk/temporal"

	"github.com/brojonat/ethwallet/service/explorer"
	"github.com/brojonat/ethwallet/service/metrics"
	natspkg "github.com/brojonat/ethwallet/service/nats"
	"github.com/brojonat/ethwallet/service/wallet"
)

// LedgerRefreshInput contains the input parameters for refreshing one address.
type LedgerRefreshInput struct {
	Address string `json:"address"`
}

// LedgerRefreshResult summarizes one refresh.
type LedgerRefreshResult struct {
	Address       string                `json:"address"`
	TransferCount int                   `json:"transfer_count"`
	Tokens        []wallet.TokenBalance `json:"tokens"`
	BalanceWei    string                `json:"balance_wei,omitempty"`
	RefreshedAt   time.Time             `json:"refreshed_at"`
	Published     bool                  `json:"published"`
	Error         *string               `json:"error,omitempty"`
}

// FetchTokenTransfersInput contains parameters for the FetchTokenTransfers activity.
type FetchTokenTransfersInput struct {
	Address string `json:"address"`
}

// FetchTokenTransfersResult contains the raw transfer log of an address.
type FetchTokenTransfersResult struct {
	Transfers []wallet.TransferEvent `json:"transfers"`
}

// FetchBalanceInput contains parameters for the FetchBalance activity.
type FetchBalanceInput struct {
	Address string `json:"address"`
}

// FetchBalanceResult carries the native balance in wei as a decimal string.
type FetchBalanceResult struct {
	BalanceWei string `json:"balance_wei"`
}

// StoreTokenBalancesInput contains parameters for the StoreTokenBalances activity.
type StoreTokenBalancesInput struct {
	Address           string                `json:"address"`
	Tokens            []wallet.TokenBalance `json:"tokens"`
	RefreshedAt       time.Time             `json:"refreshed_at"`
	WorkflowStartedAt time.Time             `json:"workflow_started_at"`
}

// PublishBalanceInput contains parameters for the PublishBalance activity.
type PublishBalanceInput struct {
	Address     string                `json:"address"`
	BalanceWei  string                `json:"balance_wei,omitempty"`
	Tokens      []wallet.TokenBalance `json:"tokens"`
	RefreshedAt time.Time             `json:"refreshed_at"`
}

// TransferSource lists the token transfers of an address.
type TransferSource interface {
	ListTokenTransfers(ctx context.Context, address string) ([]wallet.TransferEvent, error)
}

// BalanceReader reads native balances.
type BalanceReader interface {
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
}

// LedgerStore persists aggregated balances.
type LedgerStore interface {
	ReplaceTokenBalances(ctx context.Context, addr common.Address, balances []wallet.TokenBalance, at time.Time) error
}

// PublisherInterface defines the NATS publishing operations needed by activities.
type PublisherInterface interface {
	PublishBalance(ctx context.Context, event *natspkg.BalanceEvent) error
}

// Activities holds the dependencies needed by Temporal activities.
// Balances, Store and Publisher may be nil; the matching steps are then skipped.
type Activities struct {
	transfers TransferSource
	balances  BalanceReader
	store     LedgerStore
	publisher PublisherInterface
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(
	transfers TransferSource,
	balances BalanceReader,
	store LedgerStore,
	publisher PublisherInterface,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		transfers: transfers,
		balances:  balances,
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// FetchTokenTransfers lists every token transfer touching the address.
// Explorer rejections such as a bad API key are not retried; rate limit
// answers are.
func (a *Activities) FetchTokenTransfers(ctx context.Context, input FetchTokenTransfersInput) (*FetchTokenTransfersResult, error) {
	defer a.observe("FetchTokenTransfers", input.Address)()

	events, err := a.transfers.ListTokenTransfers(ctx, input.Address)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to fetch token transfers",
			"address", input.Address,
			"error", err,
		)
		var apiErr *explorer.APIError
		if errors.As(err, &apiErr) && !apiErr.RateLimited() {
			return nil, temporalsdk.NewNonRetryableApplicationError(err.Error(), "ExplorerRejected", err)
		}
		return nil, fmt.Errorf("failed to fetch token transfers: %w", err)
	}

	a.logger.InfoContext(ctx, "fetched token transfers",
		"address", input.Address,
		"count", len(events),
	)
	return &FetchTokenTransfersResult{Transfers: events}, nil
}

// FetchBalance reads the native balance of the address.
func (a *Activities) FetchBalance(ctx context.Context, input FetchBalanceInput) (*FetchBalanceResult, error) {
	defer a.observe("FetchBalance", input.Address)()

	if a.balances == nil {
		return nil, temporalsdk.NewNonRetryableApplicationError("no chain client configured", "NotConfigured", nil)
	}
	addr, err := wallet.ParseAddress(input.Address)
	if err != nil {
		return nil, temporalsdk.NewNonRetryableApplicationError(err.Error(), "InvalidAddress", err)
	}

	wei, err := a.balances.BalanceAt(ctx, addr)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to fetch balance",
			"address", input.Address,
			"error", err,
		)
		return nil, fmt.Errorf("failed to fetch balance: %w", err)
	}
	return &FetchBalanceResult{BalanceWei: wei.String()}, nil
}

// StoreTokenBalances replaces the stored balances of the address.
func (a *Activities) StoreTokenBalances(ctx context.Context, input StoreTokenBalancesInput) error {
	defer a.observe("StoreTokenBalances", input.Address)()

	addr, err := wallet.ParseAddress(input.Address)
	if err != nil {
		return temporalsdk.NewNonRetryableApplicationError(err.Error(), "InvalidAddress", err)
	}

	if a.store != nil {
		if err := a.store.ReplaceTokenBalances(ctx, addr, input.Tokens, input.RefreshedAt); err != nil {
			a.logger.ErrorContext(ctx, "failed to store token balances",
				"address", input.Address,
				"error", err,
			)
			a.recordWorkflow(input, "error")
			return fmt.Errorf("failed to store token balances: %w", err)
		}
	}

	a.metrics.SetTokensHeld(addr.Hex(), len(input.Tokens))
	a.recordWorkflow(input, "success")

	a.logger.InfoContext(ctx, "stored token balances",
		"address", input.Address,
		"tokens", len(input.Tokens),
	)
	return nil
}

// PublishBalance publishes the refreshed ledger to NATS.
func (a *Activities) PublishBalance(ctx context.Context, input PublishBalanceInput) error {
	defer a.observe("PublishBalance", input.Address)()

	if a.publisher == nil {
		a.logger.DebugContext(ctx, "no publisher configured, skipping", "address", input.Address)
		return nil
	}

	event := &natspkg.BalanceEvent{
		Address:     input.Address,
		BalanceWei:  input.BalanceWei,
		Tokens:      input.Tokens,
		RefreshedAt: input.RefreshedAt,
		PublishedAt: time.Now().UTC(),
	}
	if wei, ok := new(big.Int).SetString(input.BalanceWei, 10); ok {
		event.BalanceEther = wallet.FormatEther(wei)
	}

	if err := a.publisher.PublishBalance(ctx, event); err != nil {
		a.logger.WarnContext(ctx, "failed to publish balance event",
			"address", input.Address,
			"error", err,
		)
		return fmt.Errorf("failed to publish balance: %w", err)
	}
	return nil
}

func (a *Activities) recordWorkflow(input StoreTokenBalancesInput, status string) {
	if input.WorkflowStartedAt.IsZero() {
		return
	}
	a.metrics.RecordWorkflowDuration(input.Address, status, time.Since(input.WorkflowStartedAt).Seconds())
}

func (a *Activities) observe(activity, address string) func() {
	return metrics.Timer(time.Now(), func(seconds float64) {
		a.metrics.RecordActivityDuration(activity, address, seconds)
	})
}
