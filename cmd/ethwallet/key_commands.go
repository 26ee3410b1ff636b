package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/skip2/go-qrcode"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/ethwallet/service/keyvault"
	"github.com/brojonat/ethwallet/service/wallet"
)

func keyCommands() *cli.Command {
	lightKDF := &cli.BoolFlag{
		Name:  "light-kdf",
		Usage: "Use weak scrypt parameters (faster, for development only)",
	}
	return &cli.Command{
		Name:  "key",
		Usage: "Manage the custodied signing key",
		Subcommands: []*cli.Command{
			{
				Name:   "generate",
				Usage:  "Generate a new key and store it in the keystore",
				Flags:  []cli.Flag{lightKDF, forceFlag()},
				Action: generateKeyAction,
			},
			{
				Name:      "import",
				Usage:     "Import a hex private key into the keystore",
				ArgsUsage: "[PRIVATE_KEY]",
				Description: `Imports a 64 hex character private key (0x prefix optional).
The key is read from the argument, or from stdin when no argument is given.`,
				Flags:  []cli.Flag{lightKDF, forceFlag()},
				Action: importKeyAction,
			},
			{
				Name:   "export",
				Usage:  "Print the hex private key held by the keystore",
				Action: exportKeyAction,
			},
			{
				Name:   "address",
				Usage:  "Print the address of the stored key",
				Action: addressAction,
			},
			{
				Name:      "qr",
				Usage:     "Render an address as a QR code",
				ArgsUsage: "[ADDRESS]",
				Description: `Renders the given address, or the address of the stored key,
as an "ethereum:" URI QR code in the terminal or as a PNG file.`,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Write a PNG to this file instead of the terminal"},
					&cli.IntFlag{Name: "size", Value: 256, Usage: "PNG size in pixels"},
				},
				Action: qrAction,
			},
			{
				Name:   "clear",
				Usage:  "Delete the keystore file",
				Flags:  []cli.Flag{forceFlag()},
				Action: clearKeyAction,
			},
		},
	}
}

func forceFlag() cli.Flag {
	return &cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "Overwrite or delete without asking"}
}

func keystoreFile(c *cli.Context, passphrase string) *keyvault.KeystoreFile {
	ks := keyvault.NewKeystoreFile(c.String("keystore"), passphrase)
	if c.Bool("light-kdf") {
		ks.ScryptN, ks.ScryptP = keystore.LightScryptN, keystore.LightScryptP
	}
	return ks
}

// loadKey decrypts the keystore into a fresh vault.
func loadKey(c *cli.Context) (*keyvault.Vault, wallet.Account, error) {
	path := c.String("keystore")
	if _, err := os.Stat(path); err != nil {
		return nil, wallet.Account{}, fmt.Errorf("no keystore at %s: run 'ethwallet key generate' or 'ethwallet key import'", path)
	}
	passphrase, err := readPassphrase(stderr(c), false)
	if err != nil {
		return nil, wallet.Account{}, err
	}
	vault := keyvault.New(nil)
	account, ok, err := vault.Restore(c.Context, keystoreFile(c, passphrase))
	if err != nil {
		return nil, wallet.Account{}, fmt.Errorf("failed to decrypt keystore: %w", err)
	}
	if !ok {
		return nil, wallet.Account{}, fmt.Errorf("keystore %s holds no key", path)
	}
	return vault, account, nil
}

func ensureNoKeystore(c *cli.Context) error {
	path := c.String("keystore")
	if _, err := os.Stat(path); err == nil && !c.Bool("force") {
		return fmt.Errorf("keystore %s already exists; use --force to overwrite", path)
	}
	return nil
}

func storeKey(c *cli.Context, vault *keyvault.Vault, account wallet.Account) error {
	passphrase, err := readPassphrase(stderr(c), true)
	if err != nil {
		return err
	}
	if err := vault.Persist(c.Context, keystoreFile(c, passphrase), account.Address); err != nil {
		return err
	}
	return render(c, map[string]string{
		"address":  account.String(),
		"keystore": c.String("keystore"),
	}, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Key stored in %s\n", c.String("keystore"))
		fmt.Fprintf(w, "  Address: %s\n", account)
	})
}

func generateKeyAction(c *cli.Context) error {
	if err := ensureNoKeystore(c); err != nil {
		return err
	}
	vault := keyvault.New(nil)
	account, err := vault.Generate()
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	return storeKey(c, vault, account)
}

func importKeyAction(c *cli.Context) error {
	if err := ensureNoKeystore(c); err != nil {
		return err
	}
	secret := c.Args().First()
	if secret == "" {
		in := c.App.Reader
		if in == nil {
			in = os.Stdin
		}
		data, err := io.ReadAll(io.LimitReader(in, 1024))
		if err != nil {
			return fmt.Errorf("failed to read private key: %w", err)
		}
		secret = strings.TrimSpace(string(data))
	}

	vault := keyvault.New(nil)
	account, err := vault.ImportFromSecret(secret)
	if err != nil {
		return err
	}
	return storeKey(c, vault, account)
}

func exportKeyAction(c *cli.Context) error {
	vault, account, err := loadKey(c)
	if err != nil {
		return err
	}
	secret, err := vault.ExportSecret(account.Address)
	if err != nil {
		return err
	}
	return render(c, map[string]string{
		"address":     account.String(),
		"private_key": secret,
	}, func(w io.Writer) {
		fmt.Fprintln(stderr(c), "⚠️  Anyone with this key controls the account's funds.")
		fmt.Fprintln(w, secret)
	})
}

func addressAction(c *cli.Context) error {
	_, account, err := loadKey(c)
	if err != nil {
		return err
	}
	return render(c, map[string]string{"address": account.String()}, func(w io.Writer) {
		fmt.Fprintln(w, account)
	})
}

func qrAction(c *cli.Context) error {
	var address string
	if arg := c.Args().First(); arg != "" {
		addr, err := wallet.ParseAddress(arg)
		if err != nil {
			return err
		}
		address = addr.Hex()
	} else {
		_, account, err := loadKey(c)
		if err != nil {
			return err
		}
		address = account.String()
	}

	content := "ethereum:" + address
	if out := c.String("out"); out != "" {
		if err := qrcode.WriteFile(content, qrcode.Medium, c.Int("size"), out); err != nil {
			return fmt.Errorf("failed to write QR code: %w", err)
		}
		fmt.Fprintf(c.App.Writer, "✓ QR code for %s written to %s\n", address, out)
		return nil
	}

	q, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("failed to encode QR code: %w", err)
	}
	fmt.Fprint(c.App.Writer, q.ToSmallString(false))
	fmt.Fprintln(c.App.Writer, address)
	return nil
}

func clearKeyAction(c *cli.Context) error {
	path := c.String("keystore")
	if !c.Bool("force") {
		return errors.New("refusing to delete the keystore without --force; funds are lost if no backup exists")
	}
	// No passphrase needed to delete the file.
	if err := keyvault.NewKeystoreFile(path, "").Delete(c.Context); err != nil {
		return fmt.Errorf("failed to delete keystore: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "✓ Keystore %s deleted\n", path)
	return nil
}
