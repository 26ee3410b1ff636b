package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const passphraseEnv = "KEYSTORE_PASSPHRASE"

// readPassphrase returns $KEYSTORE_PASSPHRASE or prompts on the terminal.
// With confirm set the operator types it twice.
func readPassphrase(prompt io.Writer, confirm bool) (string, error) {
	if value, ok := os.LookupEnv(passphraseEnv); ok {
		if strings.TrimSpace(value) == "" {
			return "", fmt.Errorf("%s is set but empty", passphraseEnv)
		}
		return value, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("keystore passphrase required; set %s or run interactively", passphraseEnv)
	}

	fmt.Fprint(prompt, "Keystore passphrase: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if strings.TrimSpace(string(first)) == "" {
		return "", errors.New("keystore passphrase cannot be empty")
	}
	if !confirm {
		return string(first), nil
	}

	fmt.Fprint(prompt, "Repeat passphrase: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("passphrases do not match")
	}
	return string(first), nil
}
