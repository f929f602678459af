package gateway

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/matheus3301/ethchat/internal/chat"
	"github.com/sourcegraph/conc/iter"
)

// maxSummaryFetches bounds concurrent reads when summarizing contacts.
const maxSummaryFetches = 4

// ContactSummary is what a contact list row shows.
type ContactSummary struct {
	Address common.Address
	HasKey  bool
	Last    chat.LastMessage
	HasLast bool
}

// Summaries fetches key status and the last message for each contact.
// Reads fail soft, so a summary may be partially empty.
func (g *Gateway) Summaries(ctx context.Context, contacts []common.Address) []ContactSummary {
	mapper := iter.Mapper[common.Address, ContactSummary]{MaxGoroutines: maxSummaryFetches}
	return mapper.Map(contacts, func(addr *common.Address) ContactSummary {
		s := ContactSummary{Address: *addr, HasKey: g.HasPublicKey(ctx, *addr)}
		s.Last, s.HasLast = g.GetLastMessage(ctx, *addr)
		return s
	})
}
