package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/ethchat/internal/api"
)

// printer renders replies as text or, with --json, as indented JSON.
type printer struct {
	json bool
}

func (p *printer) line(v any, format string, args ...any) {
	if p.json {
		outputJSON(v)
		return
	}
	fmt.Printf(format+"\n", args...)
}

func (p *printer) status(st *api.StatusReply) {
	if p.json {
		outputJSON(st)
		return
	}
	fmt.Printf("Profile:  %s\n", st.Profile)
	fmt.Printf("State:    %s\n", st.State)
	if st.Account != "" {
		fmt.Printf("Account:  %s\n", st.Account)
		fmt.Printf("Chain:    %d (expected %d)\n", st.ChainID, st.ExpectedChainID)
		fmt.Printf("Contacts: %d\n", st.Contacts)
	}
	if st.Selected != "" {
		fmt.Printf("Open:     %s\n", st.Selected)
	}
	fmt.Printf("Cached:   %d messages\n", st.CachedMessages)
	fmt.Printf("Uptime:   %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
}

func (p *printer) tx(tx *api.Tx) {
	if p.json {
		outputJSON(tx)
		return
	}
	fmt.Printf("Transaction: %s\n", txLabel(tx))
	fmt.Printf("Block %d, gas used %d\n", tx.Block, tx.GasUsed)
}

func (p *printer) contacts(contacts []api.Contact) {
	if p.json {
		outputJSON(contacts)
		return
	}
	if len(contacts) == 0 {
		fmt.Println("No contacts.")
		return
	}
	for i, c := range contacts {
		key := ""
		if !c.HasKey {
			key = " (no key)"
		}
		last := ""
		if c.HasLast {
			last = fmt.Sprintf("  %s  %s", stamp(c.LastTimestamp), c.LastContent)
		}
		fmt.Printf("%2d. %s%s%s\n", i+1, c.Address, key, last)
	}
}

func (p *printer) conversation(conv *api.ConversationReply) {
	if p.json {
		outputJSON(conv)
		return
	}
	if len(conv.Messages) == 0 {
		fmt.Printf("No messages with %s.\n", conv.Peer)
		return
	}
	for _, m := range conv.Messages {
		who := "you"
		if strings.EqualFold(m.Sender, conv.Peer) {
			who = "them"
		}
		flags := ""
		if m.Read {
			flags = " [read]"
		}
		idx := ""
		if m.Index >= 0 {
			idx = fmt.Sprintf("#%d ", m.Index)
		}
		fmt.Printf("%s%s %-4s: %s%s\n", idx, stamp(m.Timestamp), who, m.Content, flags)
	}
}

func (p *printer) hits(hits []api.SearchHit) {
	if p.json {
		outputJSON(hits)
		return
	}
	if len(hits) == 0 {
		fmt.Println("No results.")
		return
	}
	for _, h := range hits {
		fmt.Printf("%s %s  %s\n", h.Peer, stamp(h.Message.Timestamp), h.Message.Content)
	}
}

func (p *printer) notices(notices []api.Notice) {
	if p.json {
		outputJSON(notices)
		return
	}
	if len(notices) == 0 {
		fmt.Println("No notices.")
		return
	}
	for _, n := range notices {
		fmt.Printf("%s [%s] %s: %s\n", n.ID, n.Kind, n.Title, n.Message)
		if n.Link != "" {
			fmt.Printf("    %s\n", n.Link)
		}
	}
}

func stamp(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04")
}
