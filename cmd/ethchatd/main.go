package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/matheus3301/ethchat/internal/config"
	"github.com/matheus3301/ethchat/internal/daemon"
	"github.com/matheus3301/ethchat/internal/profile"
	"go.uber.org/fx"
	"golang.org/x/term"
)

// PassphraseEnv carries the keystore passphrase from a launcher that
// already asked for it.
const PassphraseEnv = "ETHCHAT_PASSPHRASE"

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	passFile := flag.String("passphrase-file", "", "read the keystore passphrase from this file")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadWithEnv(profile.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			Profile: name,
			Config:  cfg,
			Prompt:  passphrase(*passFile),
		}),
	)

	app.Run()
}

// passphrase resolves the keystore passphrase from, in order, the
// environment, a file, or the controlling terminal. With none available the
// unlock is declined.
func passphrase(file string) func(context.Context, common.Address) (string, bool, error) {
	return func(_ context.Context, account common.Address) (string, bool, error) {
		if p, ok := os.LookupEnv(PassphraseEnv); ok {
			return p, true, nil
		}
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return "", false, fmt.Errorf("read passphrase file: %w", err)
			}
			return strings.TrimRight(string(data), "\r\n"), true, nil
		}
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return "", false, nil
		}
		fmt.Fprintf(os.Stderr, "Passphrase for %s: ", account.Hex())
		p, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", false, err
		}
		if len(p) == 0 {
			return "", false, nil
		}
		return string(p), true, nil
	}
}
