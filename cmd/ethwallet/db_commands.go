package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/ethwallet/service/db"
	"github.com/brojonat/ethwallet/service/wallet"
)

// openStore connects to --database-url. The caller closes the pool.
func openStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}
	pool, err := pgxpool.New(c.Context, dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(c.Context); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db.NewStore(pool, nil), pool.Close, nil
}

func listRecordsCommand() *cli.Command {
	return &cli.Command{
		Name:  "records",
		Usage: "List stored transaction records",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "from", Usage: "Only records sent by this address"},
			&cli.StringFlag{Name: "status", Usage: "Filter by status (pending, confirmed, failed, superseded)"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 50, Usage: "Maximum number of records"},
		},
		Action: func(c *cli.Context) error {
			filter := wallet.RecordFilter{
				Status: wallet.Status(c.String("status")),
				Limit:  c.Int("limit"),
			}
			switch filter.Status {
			case "", wallet.StatusPending, wallet.StatusConfirmed, wallet.StatusFailed, wallet.StatusSuperseded:
			default:
				return fmt.Errorf("unknown status %q", filter.Status)
			}
			if s := c.String("from"); s != "" {
				addr, err := wallet.ParseAddress(s)
				if err != nil {
					return err
				}
				filter.From = &addr
			}

			store, closeFn, err := openStore(c)
			if err != nil {
				return err
			}
			defer closeFn()

			records, err := store.ListRecords(c.Context, filter)
			if err != nil {
				return fmt.Errorf("failed to list records: %w", err)
			}
			if records == nil {
				records = []*wallet.TransactionRecord{}
			}

			return render(c, records, func(w io.Writer) {
				if len(records) == 0 {
					fmt.Fprintln(w, "No records found")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "HASH\tNONCE\tKIND\tSTATUS\tVALUE (ETH)\tUPDATED")
				for _, rec := range records {
					value := "0"
					if rec.ValueWei != nil {
						value = wallet.FormatEther(rec.ValueWei)
					}
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
						rec.Hash.Hex(), rec.Nonce, rec.Kind, rec.Status, value,
						rec.UpdatedAt.Format("2006-01-02 15:04:05"))
				}
				tw.Flush()
			})
		},
	}
}

func listTokensCommand() *cli.Command {
	return &cli.Command{
		Name:      "tokens",
		Usage:     "Show the stored token ledger of an address",
		ArgsUsage: "ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("address is required")
			}
			addr, err := wallet.ParseAddress(c.Args().First())
			if err != nil {
				return err
			}

			store, closeFn, err := openStore(c)
			if err != nil {
				return err
			}
			defer closeFn()

			tokens, err := store.ListTokenBalances(c.Context, addr)
			if err != nil {
				return fmt.Errorf("failed to list token balances: %w", err)
			}
			if tokens == nil {
				tokens = []wallet.TokenBalance{}
			}
			return render(c, tokens, func(w io.Writer) {
				fmt.Fprintf(w, "Token ledger of %s\n", addr.Hex())
				printTokens(w, tokens)
			})
		},
	}
}
