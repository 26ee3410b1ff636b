package temporal

import (
	"context"
	"strings"
	"time"
)

// Scheduler manages Temporal schedules for ledger refreshes.
// Each address gets its own schedule that triggers the LedgerRefreshWorkflow.
type Scheduler interface {
	// UpsertLedgerSchedule creates the schedule for address, or updates its
	// interval when it already exists.
	UpsertLedgerSchedule(ctx context.Context, address string, interval time.Duration) error

	// DeleteLedgerSchedule deletes the schedule for address.
	DeleteLedgerSchedule(ctx context.Context, address string) error
}

// scheduleID returns the Temporal schedule ID for an address. Addresses are
// case-insensitive, so the ID uses the lowercase form.
func scheduleID(address string) string {
	return "ledger-refresh-" + strings.ToLower(address)
}
