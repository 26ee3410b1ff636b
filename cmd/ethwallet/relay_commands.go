package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/ethwallet/client"
	"github.com/brojonat/ethwallet/service/wallet"
)

func feeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Uint64Flag{Name: "gas-limit", Usage: "Gas limit (default: 21000)"},
		&cli.StringFlag{Name: "max-fee", Usage: "Max fee per gas in wei"},
		&cli.StringFlag{Name: "priority-fee", Usage: "Max priority fee per gas in wei"},
	}
}

func balanceCommand() *cli.Command {
	return &cli.Command{
		Name:      "balance",
		Usage:     "Show the native balance of an address",
		ArgsUsage: "ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("address is required")
			}
			bal, err := relayClient(c).Balance(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get balance: %w", err)
			}
			return render(c, bal, func(w io.Writer) {
				fmt.Fprintf(w, "%s ETH\n", bal.Balance)
				fmt.Fprintf(w, "  Address: %s\n", bal.Address)
				fmt.Fprintf(w, "  Wei:     %s\n", bal.Wei)
			})
		},
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send ether from the custodied account",
		ArgsUsage: "TO AMOUNT_ETH",
		Description: `Signs and broadcasts a payment through the relay.

Example:
  ethwallet send 0x70997970C51812dc3A010C7d01b50e0d17dc79C8 0.01`,
		Flags: feeFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("recipient and amount are required")
			}
			res, err := relayClient(c).Send(c.Context, client.SendRequest{
				To:                      c.Args().Get(0),
				AmountEther:             c.Args().Get(1),
				GasLimit:                c.Uint64("gas-limit"),
				MaxFeePerGasWei:         c.String("max-fee"),
				MaxPriorityFeePerGasWei: c.String("priority-fee"),
			})
			if err != nil {
				var apiErr *client.Error
				if errors.As(err, &apiErr) && apiErr.TxHash != "" {
					fmt.Fprintf(stderr(c), "⚠️  Outcome unknown; track with: ethwallet status %s\n", apiErr.TxHash)
				}
				return fmt.Errorf("send failed: %w", err)
			}
			return render(c, res, func(w io.Writer) { printResult(w, "Payment broadcast", res) })
		},
	}
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a pending transaction with a zero value self transfer",
		ArgsUsage: "TX_HASH",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("transaction hash is required")
			}
			res, err := relayClient(c).Cancel(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("cancel failed: %w", err)
			}
			return render(c, res, func(w io.Writer) { printResult(w, "Cancel", res) })
		},
	}
}

func speedUpCommand() *cli.Command {
	return &cli.Command{
		Name:      "speedup",
		Usage:     "Rebroadcast a pending transaction with higher fees",
		ArgsUsage: "TX_HASH",
		Description: `Without fee flags the relay bumps the fees by the minimum
replacement percentage. Explicit fees below that minimum are rejected.`,
		Flags: feeFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("transaction hash is required")
			}
			var override *client.FeeOverride
			if c.IsSet("gas-limit") || c.IsSet("max-fee") || c.IsSet("priority-fee") {
				override = &client.FeeOverride{
					GasLimit:                c.Uint64("gas-limit"),
					MaxFeePerGasWei:         c.String("max-fee"),
					MaxPriorityFeePerGasWei: c.String("priority-fee"),
				}
			}
			res, err := relayClient(c).SpeedUp(c.Context, c.Args().First(), override)
			if err != nil {
				return fmt.Errorf("speed up failed: %w", err)
			}
			return render(c, res, func(w io.Writer) { printResult(w, "Speed up", res) })
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the current status of a transaction sent by the relay",
		ArgsUsage: "TX_HASH",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("transaction hash is required")
			}
			rec, err := relayClient(c).Status(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			return render(c, rec, func(w io.Writer) { printRecord(w, rec) })
		},
	}
}

func recordsCommand() *cli.Command {
	return &cli.Command{
		Name:  "records",
		Usage: "List transactions sent by the relay, newest first",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum number of records"},
		},
		Action: func(c *cli.Context) error {
			list, err := relayClient(c).Records(c.Context, c.Int("limit"))
			if err != nil {
				return fmt.Errorf("failed to list records: %w", err)
			}
			return render(c, list, func(w io.Writer) {
				fmt.Fprintf(w, "Records of %s (%d)\n\n", list.Address, len(list.Records))
				for _, rec := range list.Records {
					printRecord(w, rec)
					fmt.Fprintln(w)
				}
			})
		},
	}
}

func snapshotCommand() *cli.Command {
	return &cli.Command{
		Name:  "snapshot",
		Usage: "Show the account's ledger snapshot",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "refresh", Aliases: []string{"r"}, Usage: "Refresh before reading"},
		},
		Action: func(c *cli.Context) error {
			snap, err := relayClient(c).Snapshot(c.Context, c.Bool("refresh"))
			if err != nil {
				return fmt.Errorf("failed to get snapshot: %w", err)
			}
			return render(c, snap, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %s ETH\n", snap.Address, snap.Balance)
				fmt.Fprintf(w, "  Refreshed: %s\n", snap.RefreshedAt.Format("2006-01-02 15:04:05 MST"))
				printTokens(w, snap.Tokens)
			})
		},
	}
}

func transactionsCommand() *cli.Command {
	return &cli.Command{
		Name:      "txs",
		Usage:     "Show the explorer's transaction history of an address",
		ArgsUsage: "ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("address is required")
			}
			txs, err := relayClient(c).Transactions(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}
			return render(c, txs, func(w io.Writer) {
				if len(txs) == 0 {
					fmt.Fprintln(w, "No transactions found")
					return
				}
				for _, tx := range txs {
					fmt.Fprintf(w, "%s  %-9s  %s ETH\n", tx.Hash, tx.Status, tx.ValueEther)
					fmt.Fprintf(w, "  %s -> %s  block %d  %s\n", tx.From, tx.To, tx.BlockNumber,
						tx.Timestamp.Format("2006-01-02 15:04:05 MST"))
				}
			})
		},
	}
}

func tokensCommand() *cli.Command {
	return &cli.Command{
		Name:      "tokens",
		Usage:     "Show net token balances of an address",
		ArgsUsage: "ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("address is required")
			}
			tokens, err := relayClient(c).Tokens(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to list tokens: %w", err)
			}
			return render(c, tokens, func(w io.Writer) { printTokens(w, tokens) })
		},
	}
}

func streamCommand() *cli.Command {
	return &cli.Command{
		Name:      "stream",
		Usage:     "Stream record and balance events via SSE (HTTP)",
		ArgsUsage: "[ADDRESS]",
		Action: func(c *cli.Context) error {
			address := c.Args().First()

			// Create context that cancels on interrupt
			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			go func() {
				select {
				case <-sigChan:
					cancel()
				case <-ctx.Done():
				}
			}()

			if !c.Bool("json") && c.String("jq") == "" {
				target := address
				if target == "" {
					target = "all accounts"
				}
				fmt.Fprintf(stderr(c), "📡 Streaming events for %s (Ctrl+C to stop)\n\n", target)
			}

			return relayClient(c).Stream(ctx, address, func(ev client.Event) error {
				var payload any
				if err := json.Unmarshal(ev.Data, &payload); err != nil {
					return fmt.Errorf("invalid %s event: %w", ev.Type, err)
				}
				return render(c, map[string]any{"type": ev.Type, "data": payload}, func(w io.Writer) {
					fmt.Fprintf(w, "[%s] %s\n", ev.Type, ev.Data)
				})
			})
		},
	}
}

func printResult(w io.Writer, action string, res *client.RecordResult) {
	switch res.Resolution {
	case "already_confirmed":
		fmt.Fprintf(w, "%s not needed: transaction already confirmed\n", action)
	default:
		fmt.Fprintf(w, "✓ %s: %s\n", action, res.TxHash)
	}
	if res.Record != nil {
		printRecord(w, res.Record)
	}
}

func printRecord(w io.Writer, rec *wallet.TransactionRecord) {
	value := "0"
	if rec.ValueWei != nil {
		value = wallet.FormatEther(rec.ValueWei)
	}
	fmt.Fprintf(w, "  Hash:    %s\n", rec.Hash.Hex())
	fmt.Fprintf(w, "  Status:  %s (%s)\n", rec.Status, rec.Kind)
	fmt.Fprintf(w, "  To:      %s\n", rec.To.Hex())
	fmt.Fprintf(w, "  Value:   %s ETH\n", value)
	fmt.Fprintf(w, "  Nonce:   %d\n", rec.Nonce)
	if rec.BlockNumber != nil {
		fmt.Fprintf(w, "  Block:   %d (%d confirmations)\n", *rec.BlockNumber, rec.Confirmations)
	}
	if rec.Replaces != nil {
		fmt.Fprintf(w, "  Replaces: %s\n", rec.Replaces.Hex())
	}
	if rec.SupersededBy != nil {
		fmt.Fprintf(w, "  Superseded by: %s\n", rec.SupersededBy.Hex())
	}
	if rec.Error != "" {
		fmt.Fprintf(w, "  Error:   %s\n", rec.Error)
	}
}

func printTokens(w io.Writer, tokens []wallet.TokenBalance) {
	if len(tokens) == 0 {
		fmt.Fprintln(w, "  No token balances")
		return
	}
	for _, t := range tokens {
		fmt.Fprintf(w, "  %-10s %s  (%s)\n", t.Symbol, t.NetBalance.String(), t.TokenContract)
	}
}
