package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/ethwallet/service/temporal"
	"github.com/brojonat/ethwallet/service/wallet"
)

// temporalClient connects with the global --temporal-* flags.
func temporalClient(c *cli.Context) (*temporal.Client, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		logger,
	)
}

// addressArg validates the single ADDRESS argument and returns its checksum form.
func addressArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("address is required")
	}
	addr, err := wallet.ParseAddress(c.Args().First())
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}

func createScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "create-schedule",
		Usage:     "Create or update the ledger refresh schedule of an address",
		ArgsUsage: "ADDRESS",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "interval",
				Value: 5 * time.Minute,
				Usage: "Refresh interval",
			},
		},
		Action: func(c *cli.Context) error {
			address, err := addressArg(c)
			if err != nil {
				return err
			}
			interval := c.Duration("interval")
			if interval < time.Minute {
				return fmt.Errorf("interval must be at least 1m")
			}

			tc, err := temporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			return upsertSchedule(c, tc, address, interval)
		},
	}
}

func upsertSchedule(c *cli.Context, sched temporal.Scheduler, address string, interval time.Duration) error {
	if err := sched.UpsertLedgerSchedule(c.Context, address, interval); err != nil {
		return err
	}
	return render(c, map[string]any{
		"address":  address,
		"interval": interval.String(),
	}, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Ledger schedule for %s runs every %s\n", address, interval)
	})
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete-schedule",
		Usage:     "Delete the ledger refresh schedule of an address",
		ArgsUsage: "ADDRESS",
		Action: func(c *cli.Context) error {
			address, err := addressArg(c)
			if err != nil {
				return err
			}

			tc, err := temporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			return deleteSchedule(c, tc, address)
		},
	}
}

func deleteSchedule(c *cli.Context, sched temporal.Scheduler, address string) error {
	if err := sched.DeleteLedgerSchedule(c.Context, address); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "✓ Ledger schedule for %s deleted\n", address)
	return nil
}

func runRefreshCommand() *cli.Command {
	return &cli.Command{
		Name:      "refresh",
		Usage:     "Run a one-off ledger refresh of an address and wait for it",
		ArgsUsage: "ADDRESS",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 5 * time.Minute,
				Usage: "How long to wait for the workflow",
			},
		},
		Action: func(c *cli.Context) error {
			address, err := addressArg(c)
			if err != nil {
				return err
			}

			tc, err := temporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			result, err := tc.RunLedgerRefresh(ctx, address)
			if err != nil {
				return err
			}
			return render(c, result, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Ledger of %s refreshed\n", result.Address)
				fmt.Fprintf(w, "  Transfers: %d\n", result.TransferCount)
				if result.BalanceWei != "" {
					fmt.Fprintf(w, "  Balance:   %s wei\n", result.BalanceWei)
				}
				fmt.Fprintf(w, "  Published: %t\n", result.Published)
				printTokens(w, result.Tokens)
			})
		},
	}
}
