package store

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/matheus3301/ethchat/internal/chat"
)

const upsertMessageSQL = `
	INSERT INTO messages (account, peer, sender, receiver, content, timestamp, is_read, msg_index, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(sender, receiver, content, timestamp) DO UPDATE SET
		is_read = MAX(messages.is_read, excluded.is_read),
		msg_index = CASE WHEN excluded.msg_index >= 0 THEN excluded.msg_index ELSE messages.msg_index END`

func messageArgs(account common.Address, m chat.Message, now int64) []any {
	return []any{
		chat.Canonical(account), chat.Canonical(m.Counterpart(account)),
		chat.Canonical(m.Sender), chat.Canonical(m.Receiver),
		m.Content, m.Timestamp, m.Read, m.Index, now,
	}
}

// UpsertMessage stores m as seen by account (idempotent on sender, receiver,
// content and timestamp). Read status only ever moves to true.
func (db *DB) UpsertMessage(account common.Address, m chat.Message) error {
	_, err := db.Exec(upsertMessageSQL, messageArgs(account, m, time.Now().UnixMilli())...)
	return err
}

// UpsertMessages stores a batch in one transaction.
func (db *DB) UpsertMessages(account common.Address, msgs []chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := tx.Exec(upsertMessageSQL, messageArgs(account, m, now)...); err != nil {
			return fmt.Errorf("upsert message in batch: %w", err)
		}
	}
	return tx.Commit()
}

// ListMessages returns up to limit cached messages between account and peer
// older than beforeTs, oldest first. beforeTs <= 0 means now.
func (db *DB) ListMessages(account, peer common.Address, beforeTs int64, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT sender, receiver, content, timestamp, is_read, msg_index
		FROM messages
		WHERE account = ? AND peer = ? AND timestamp < ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, chat.Canonical(account), chat.Canonical(peer), beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		var (
			m                chat.Message
			sender, receiver string
		)
		if err := rows.Scan(&sender, &receiver, &m.Content, &m.Timestamp, &m.Read, &m.Index); err != nil {
			return nil, err
		}
		m.Sender = common.HexToAddress(sender)
		m.Receiver = common.HexToAddress(receiver)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// MessageIndex returns the contract index cached for m, if one is known.
func (db *DB) MessageIndex(m chat.Message) (int64, bool, error) {
	var idx int64
	err := db.QueryRow(`
		SELECT msg_index FROM messages
		WHERE sender = ? AND receiver = ? AND content = ? AND timestamp = ? AND msg_index >= 0
		LIMIT 1`,
		chat.Canonical(m.Sender), chat.Canonical(m.Receiver), m.Content, m.Timestamp).Scan(&idx)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.NoIndex, false, nil
	}
	if err != nil {
		return chat.NoIndex, false, err
	}
	return idx, true, nil
}

// MarkMessageRead flags the cached copy of m as read.
func (db *DB) MarkMessageRead(m chat.Message) error {
	_, err := db.Exec(`
		UPDATE messages SET is_read = 1
		WHERE sender = ? AND receiver = ? AND content = ? AND timestamp = ?`,
		chat.Canonical(m.Sender), chat.Canonical(m.Receiver), m.Content, m.Timestamp)
	return err
}

// ListConversations summarizes cached conversations of account, most
// recent first.
func (db *DB) ListConversations(account common.Address, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	self := chat.Canonical(account)
	rows, err := db.Query(`
		SELECT m.peer,
			COUNT(*),
			SUM(CASE WHEN m.is_read = 0 AND m.receiver = ? THEN 1 ELSE 0 END),
			MAX(m.timestamp),
			(SELECT l.content FROM messages l
			 WHERE l.account = m.account AND l.peer = m.peer
			 ORDER BY l.timestamp DESC, l.id DESC LIMIT 1)
		FROM messages m
		WHERE m.account = ?
		GROUP BY m.peer
		ORDER BY MAX(m.timestamp) DESC
		LIMIT ?`, self, self, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var (
			c    Conversation
			peer string
		)
		if err := rows.Scan(&peer, &c.Messages, &c.Unread, &c.LastMessageAt, &c.LastPreview); err != nil {
			return nil, err
		}
		c.Peer = common.HexToAddress(peer)
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// MessageCount returns the total number of cached messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
