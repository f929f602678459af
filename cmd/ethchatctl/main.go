package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/matheus3301/ethchat/internal/api"
	"github.com/matheus3301/ethchat/internal/config"
	"github.com/matheus3301/ethchat/internal/profile"
	"github.com/matheus3301/ethchat/internal/tui/client"
	"github.com/matheus3301/ethchat/internal/tui/ui"
	"golang.org/x/term"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Commands that do not need a running daemon.
	switch args[0] {
	case "profiles":
		cmdProfiles(*jsonFlag)
		return
	case "keys":
		cmdKeys(args[1:], *jsonFlag)
		return
	}

	c, err := client.New(profile.SocketPath(name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", name, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		cmdWatch(c, prefix, *jsonFlag)
		return
	}

	// Transactions wait for a receipt, so give them room.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	out := &printer{json: *jsonFlag}
	switch args[0] {
	case "status":
		st, err := c.Status(ctx)
		check(err)
		out.status(st)
	case "connect":
		state, err := c.Connect(ctx)
		check(err)
		out.line(api.StateReply{State: state}, "State: %s", state)
	case "register":
		key := ""
		if len(args) > 1 {
			key = args[1]
		}
		tx, err := c.Register(ctx, key)
		check(err)
		out.tx(tx)
	case "logout":
		check(c.Logout(ctx))
		out.line(api.StateReply{State: "DISCONNECTED"}, "Logged out.")
	case "address":
		st, err := c.Status(ctx)
		check(err)
		if st.Account == "" {
			fail(fmt.Errorf("no wallet connected (state %s)", st.State))
		}
		if len(args) > 1 && (args[1] == "qr" || args[1] == "--qr") {
			fmt.Print(ui.RenderQR(st.Account))
		}
		out.line(map[string]string{"address": st.Account}, "%s", st.Account)
	case "balance":
		b, err := c.Balance(ctx)
		check(err)
		out.line(b, "%s ETH (%s wei)", b.Ether, b.Wei)
	case "contacts":
		contacts, err := c.Contacts(ctx)
		check(err)
		out.contacts(contacts)
	case "add":
		need(args, 2, "add <address>")
		res, err := c.AddContact(ctx, args[1])
		check(err)
		msg := "Added %s"
		if !res.Added {
			msg = "%s is already a contact"
		}
		out.line(res, msg, res.Address)
	case "open":
		need(args, 2, "open <address>")
		conv, err := c.Select(ctx, args[1])
		check(err)
		out.conversation(conv)
	case "close":
		check(c.Deselect(ctx))
		out.line(api.Empty{}, "Conversation closed.")
	case "messages":
		conv, err := c.Messages(ctx)
		check(err)
		out.conversation(conv)
	case "send":
		need(args, 3, "send <address> <text>")
		res, err := c.Send(ctx, args[1], strings.Join(args[2:], " "))
		check(err)
		out.line(res, "Sent in %s", txLabel(&res.Tx))
	case "read":
		need(args, 3, "read <address> <index>")
		cmdRead(ctx, c, args[1], args[2], out)
	case "history":
		need(args, 2, "history <address> [limit]")
		limit := 0
		if len(args) > 2 {
			limit = atoi(args[2])
		}
		msgs, err := c.History(ctx, args[1], 0, limit)
		check(err)
		out.conversation(&api.ConversationReply{Peer: args[1], Messages: msgs})
	case "search":
		need(args, 2, "search <query>")
		hits, err := c.Search(ctx, strings.Join(args[1:], " "), 0)
		check(err)
		out.hits(hits)
	case "notices":
		notices, err := c.Notices(ctx)
		check(err)
		out.notices(notices)
	case "dismiss":
		need(args, 2, "dismiss <id>")
		ok, err := c.DismissNotice(ctx, args[1])
		check(err)
		out.line(api.DismissReply{Dismissed: ok}, "Dismissed: %v", ok)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: ethchatctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                  Show session status")
	fmt.Fprintln(os.Stderr, "  connect                 Connect the wallet")
	fmt.Fprintln(os.Stderr, "  register [key]          Register the account's public key")
	fmt.Fprintln(os.Stderr, "  logout                  Disconnect the wallet")
	fmt.Fprintln(os.Stderr, "  address [--qr]          Show the connected address")
	fmt.Fprintln(os.Stderr, "  balance                 Show the account balance")
	fmt.Fprintln(os.Stderr, "  contacts                List contacts")
	fmt.Fprintln(os.Stderr, "  add <address>           Add a contact")
	fmt.Fprintln(os.Stderr, "  open <address>          Open a conversation")
	fmt.Fprintln(os.Stderr, "  close                   Close the open conversation")
	fmt.Fprintln(os.Stderr, "  messages                Show the open conversation")
	fmt.Fprintln(os.Stderr, "  send <address> <text>   Send a message")
	fmt.Fprintln(os.Stderr, "  read <address> <index>  Mark a message read")
	fmt.Fprintln(os.Stderr, "  history <address> [n]   Show cached history")
	fmt.Fprintln(os.Stderr, "  search <query>          Search cached messages")
	fmt.Fprintln(os.Stderr, "  notices                 List active notices")
	fmt.Fprintln(os.Stderr, "  dismiss <id>            Dismiss a notice")
	fmt.Fprintln(os.Stderr, "  watch [prefix]          Stream daemon events")
	fmt.Fprintln(os.Stderr, "  profiles                List known profiles")
	fmt.Fprintln(os.Stderr, "  keys list|new           Manage keystore accounts")
}

// cmdRead marks the message with the given contract index as read. The
// message is looked up in the conversation so the daemon gets all fields.
func cmdRead(ctx context.Context, c *client.Client, peer, index string, out *printer) {
	idx := int64(atoi(index))
	conv, err := c.Select(ctx, peer)
	check(err)
	for _, m := range conv.Messages {
		if m.Index == idx {
			tx, err := c.MarkRead(ctx, m)
			check(err)
			out.tx(tx)
			return
		}
	}
	fail(fmt.Errorf("no message with index %d in the conversation with %s", idx, peer))
}

func cmdWatch(c *client.Client, prefix string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := c.Watch(ctx, prefix, func(evt api.WatchEvent) {
		if jsonOut {
			outputJSON(evt)
			return
		}
		ts := time.UnixMilli(evt.Timestamp).Format("15:04:05")
		detail := evt.Text
		switch {
		case evt.Notice != nil:
			detail = evt.Notice.Title + ": " + evt.Notice.Message
		case evt.Message != nil:
			detail = fmt.Sprintf("%s -> %s: %s", evt.Message.Sender, evt.Message.Receiver, evt.Message.Content)
		case evt.State != "":
			detail = evt.State
		case evt.Peer != "" && detail == "":
			detail = evt.Peer
		}
		fmt.Printf("%s %-24s %s\n", ts, evt.Kind, detail)
	})
	check(err)
}

func cmdProfiles(jsonOut bool) {
	names, err := profile.List()
	check(err)
	type entry struct {
		Name    string `json:"name"`
		Path    string `json:"path"`
		Running bool   `json:"running"`
	}
	entries := make([]entry, 0, len(names))
	for _, n := range names {
		entries = append(entries, entry{Name: n, Path: profile.Dir(n), Running: running(n)})
	}
	if jsonOut {
		outputJSON(entries)
		return
	}
	if len(entries) == 0 {
		fmt.Println("No profiles found.")
		return
	}
	for _, e := range entries {
		state := "stopped"
		if e.Running {
			state = "running"
		}
		fmt.Printf("%-20s %s (%s)\n", e.Name, e.Path, state)
	}
}

func running(name string) bool {
	c, err := client.New(profile.SocketPath(name))
	if err != nil {
		return false
	}
	defer func() { _ = c.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = c.Status(ctx)
	return err == nil
}

func cmdKeys(args []string, jsonOut bool) {
	if len(args) == 0 {
		fail(fmt.Errorf("usage: ethchatctl keys list|new"))
	}
	cfg, err := config.LoadWithEnv(profile.ConfigPath())
	check(err)
	dir := cfg.KeystoreDir
	if dir == "" {
		dir = profile.DefaultKeystoreDir()
	}
	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)

	switch args[0] {
	case "list":
		var addrs []string
		for _, a := range ks.Accounts() {
			addrs = append(addrs, a.Address.Hex())
		}
		if jsonOut {
			outputJSON(addrs)
			return
		}
		if len(addrs) == 0 {
			fmt.Printf("No accounts in %s.\n", dir)
		}
		for _, a := range addrs {
			fmt.Println(a)
		}
	case "new":
		pass := readNewPassphrase()
		acct, err := ks.NewAccount(pass)
		check(err)
		fmt.Printf("Created %s\n%s\n", acct.Address.Hex(), acct.URL.Path)
	default:
		fail(fmt.Errorf("unknown keys subcommand: %s", args[0]))
	}
}

func readNewPassphrase() string {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		fail(fmt.Errorf("keys new needs a terminal"))
	}
	for {
		fmt.Fprint(os.Stderr, "New passphrase: ")
		p1, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		check(err)
		if len(p1) == 0 {
			fmt.Fprintln(os.Stderr, "Passphrase cannot be empty")
			continue
		}
		fmt.Fprint(os.Stderr, "Repeat passphrase: ")
		p2, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		check(err)
		if string(p1) != string(p2) {
			fmt.Fprintln(os.Stderr, "Passphrases do not match. Try again.")
			continue
		}
		return string(p1)
	}
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fail(fmt.Errorf("usage: ethchatctl %s", usage))
	}
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		fail(fmt.Errorf("not a number: %q", s))
	}
	return n
}

func check(err error) {
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func txLabel(tx *api.Tx) string {
	if tx.URL != "" {
		return tx.URL
	}
	return tx.Hash
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
