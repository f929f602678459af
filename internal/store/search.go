package store

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/matheus3301/ethchat/internal/chat"
)

// SearchMessages returns cached messages of account whose content contains
// query (case-insensitive), newest first.
func (db *DB) SearchMessages(account common.Address, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	rows, err := db.Query(`
		SELECT peer, sender, receiver, content, timestamp, is_read, msg_index
		FROM messages
		WHERE account = ? AND instr(lower(content), lower(?)) > 0
		ORDER BY timestamp DESC
		LIMIT ?`, chat.Canonical(account), query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var (
			r                      SearchResult
			peer, sender, receiver string
		)
		if err := rows.Scan(&peer, &sender, &receiver, &r.Message.Content, &r.Message.Timestamp, &r.Message.Read, &r.Message.Index); err != nil {
			return nil, err
		}
		r.Peer = common.HexToAddress(peer)
		r.Message.Sender = common.HexToAddress(sender)
		r.Message.Receiver = common.HexToAddress(receiver)
		results = append(results, r)
	}
	return results, rows.Err()
}
