package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/brojonat/ethwallet/service/ledger"
	"github.com/brojonat/ethwallet/service/wallet"
)

// LedgerRefreshWorkflowName is the registered name used by schedules.
const LedgerRefreshWorkflowName = "LedgerRefreshWorkflow"

var a *Activities // for type-safe activity invocation

// LedgerRefreshWorkflow rebuilds the token ledger of one address. It is
// triggered by a Temporal schedule at the configured interval.
//
// The workflow performs these steps:
// 1. Fetch the token transfer log from the explorer (FetchTokenTransfers)
// 2. Fetch the native balance (FetchBalance, best effort)
// 3. Dedupe and aggregate the transfers into net balances
// 4. Persist the balances (StoreTokenBalances)
// 5. Publish the snapshot to NATS (PublishBalance, best effort)
func LedgerRefreshWorkflow(ctx workflow.Context, input LedgerRefreshInput) (*LedgerRefreshResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("LedgerRefreshWorkflow started", "address", input.Address)

	startedAt := workflow.GetInfo(ctx).WorkflowStartTime
	result := &LedgerRefreshResult{
		Address:     input.Address,
		RefreshedAt: workflow.Now(ctx),
		Tokens:      []wallet.TokenBalance{},
	}
	fail := func(step string, err error) (*LedgerRefreshResult, error) {
		msg := fmt.Sprintf("%s: %v", step, err)
		result.Error = &msg
		return result, fmt.Errorf("%s: %w", step, err)
	}

	addr, err := wallet.ParseAddress(input.Address)
	if err != nil {
		return fail("invalid address", temporalsdk.NewNonRetryableApplicationError(err.Error(), "InvalidAddress", err))
	}
	result.Address = addr.Hex()

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 120 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})

	// Step 1: transfer log, required
	var transfers *FetchTokenTransfersResult
	err = workflow.ExecuteActivity(ctx, a.FetchTokenTransfers, FetchTokenTransfersInput{Address: result.Address}).Get(ctx, &transfers)
	if err != nil {
		logger.Error("failed to fetch token transfers", "address", result.Address, "error", err)
		return fail("failed to fetch token transfers", err)
	}

	// Step 2: native balance; the ledger is still useful without it
	var balance *FetchBalanceResult
	err = workflow.ExecuteActivity(ctx, a.FetchBalance, FetchBalanceInput{Address: result.Address}).Get(ctx, &balance)
	if err != nil {
		logger.Warn("failed to fetch balance, continuing without it", "address", result.Address, "error", err)
	} else if balance != nil {
		result.BalanceWei = balance.BalanceWei
	}

	// Step 3: pure and deterministic, so it runs in the workflow itself
	events := ledger.Dedupe(transfers.Transfers)
	result.TransferCount = len(events)
	result.Tokens = ledger.Aggregate(events, result.Address)

	logger.Info("aggregated token balances",
		"address", result.Address,
		"transfers", len(transfers.Transfers),
		"unique_transfers", result.TransferCount,
		"tokens", len(result.Tokens),
	)

	// Step 4: persist
	err = workflow.ExecuteActivity(ctx, a.StoreTokenBalances, StoreTokenBalancesInput{
		Address:           result.Address,
		Tokens:            result.Tokens,
		RefreshedAt:       result.RefreshedAt,
		WorkflowStartedAt: startedAt,
	}).Get(ctx, nil)
	if err != nil {
		logger.Error("failed to store token balances", "address", result.Address, "error", err)
		return fail("failed to store token balances", err)
	}

	// Step 5: publish; subscribers can always re-read the store
	err = workflow.ExecuteActivity(ctx, a.PublishBalance, PublishBalanceInput{
		Address:     result.Address,
		BalanceWei:  result.BalanceWei,
		Tokens:      result.Tokens,
		RefreshedAt: result.RefreshedAt,
	}).Get(ctx, nil)
	if err != nil {
		logger.Warn("failed to publish balance", "address", result.Address, "error", err)
	} else {
		result.Published = true
	}

	logger.Info("LedgerRefreshWorkflow completed successfully",
		"address", result.Address,
		"tokens", len(result.Tokens),
		"published", result.Published,
	)
	return result, nil
}
