package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	natspkg "github.com/brojonat/ethwallet/service/nats"
	"github.com/brojonat/ethwallet/service/wallet"
)

// subscribeCommand follows record and balance events published to JetStream.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to wallet events for an address",
		ArgsUsage: "[ADDRESS]",
		Description: `Subscribe to real-time wallet events published to NATS JetStream.

Events are published to wallet.records.{address} and wallet.balances.{address}.
Without an address every account is followed.

Example:
  ethwallet nats subscribe 0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266 --json`,
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Stop after this long (0 runs until interrupted)",
			},
		},
		Action: func(c *cli.Context) error {
			var filter *common.Address
			if s := c.Args().First(); s != "" {
				addr, err := wallet.ParseAddress(s)
				if err != nil {
					return err
				}
				filter = &addr
			}

			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()
			if timeout := c.Duration("timeout"); timeout > 0 {
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

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

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
			sub, err := natspkg.NewSubscriber(c.String("nats-url"), logger)
			if err != nil {
				return err
			}
			defer sub.Close()

			msgs, err := sub.Stream(ctx, filter)
			if err != nil {
				return fmt.Errorf("failed to subscribe: %w", err)
			}

			if !c.Bool("json") && c.String("jq") == "" {
				fmt.Fprintf(stderr(c), "📡 Subscribing to: %s\n\n", natspkg.FilterSubject(filter))
			}

			received := 0
			for msg := range msgs {
				received++
				if err := printMessage(c, msg); err != nil {
					fmt.Fprintf(stderr(c), "Error parsing event on %s: %v\n", msg.Subject, err)
				}
			}
			if !c.Bool("json") && c.String("jq") == "" {
				fmt.Fprintf(stderr(c), "\nReceived %d event(s)\n", received)
			}
			return nil
		},
	}
}

func printMessage(c *cli.Context, msg natspkg.Message) error {
	switch msg.Type {
	case "record":
		var event natspkg.RecordEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return err
		}
		return render(c, event, func(w io.Writer) {
			fmt.Fprintf(w, "📝 %s  %s (%s)\n", event.Hash, event.Status, event.Kind)
			fmt.Fprintf(w, "   %s -> %s  %s ETH  nonce %d\n", event.From, event.To, event.ValueEther, event.Nonce)
			if event.BlockNumber != nil {
				fmt.Fprintf(w, "   Block: %d (%d confirmations)\n", *event.BlockNumber, event.Confirmations)
			}
			fmt.Fprintf(w, "   Published: %s\n\n", event.PublishedAt.Format(time.RFC3339))
		})
	case "balance":
		var event natspkg.BalanceEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return err
		}
		return render(c, event, func(w io.Writer) {
			fmt.Fprintf(w, "💰 %s  %s ETH\n", event.Address, event.BalanceEther)
			printTokens(w, event.Tokens)
			fmt.Fprintf(w, "   Refreshed: %s\n\n", event.RefreshedAt.Format(time.RFC3339))
		})
	default:
		return fmt.Errorf("unknown event type %q", msg.Type)
	}
}
