package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/matheus3301/ethchat/internal/profile"
	"github.com/matheus3301/ethchat/internal/tui"
	"github.com/matheus3301/ethchat/internal/tui/client"
	"golang.org/x/term"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	socketPath := profile.SocketPath(name)

	// Check daemon health; auto-start if needed.
	if !daemonAlive(socketPath) {
		fmt.Fprintf(os.Stderr, "daemon not running for profile %q, starting...\n", name)
		if err := startDaemon(name); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start daemon: %v\n", err)
			os.Exit(1)
		}
		if !waitForDaemon(socketPath, 10*time.Second) {
			fmt.Fprintf(os.Stderr, "daemon did not become ready\n")
			os.Exit(1)
		}
	}

	c, err := client.New(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to daemon: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	app := tui.NewApp(c, name)
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// daemonAlive checks if a daemon is running and responsive on the socket.
func daemonAlive(socketPath string) bool {
	c, err := client.New(socketPath)
	if err != nil {
		return false
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.Status(ctx)
	return err == nil
}

// startDaemon launches ethchatd in the background. The keystore passphrase
// is asked here, before the TUI owns the terminal, and handed over through
// the environment.
func startDaemon(name string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	ethchatd := filepath.Join(filepath.Dir(executable), "ethchatd")
	if _, err := os.Stat(ethchatd); err != nil {
		ethchatd = "ethchatd"
	}

	cmd := exec.Command(ethchatd, "--profile", name)
	cmd.Env = os.Environ()
	if _, set := os.LookupEnv("ETHCHAT_PASSPHRASE"); !set && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Keystore passphrase (empty to skip): ")
		pass, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}
		if len(pass) > 0 {
			cmd.Env = append(cmd.Env, "ETHCHAT_PASSPHRASE="+string(pass))
		}
	}
	// Inherit stderr so daemon startup errors are visible.
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

// waitForDaemon polls the daemon with a real status call, not just a socket
// connect.
func waitForDaemon(socketPath string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if daemonAlive(socketPath) {
			return true
		}
		time.Sleep(300 * time.Millisecond)
	}
	return false
}
