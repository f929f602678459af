package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/matheus3301/ethchat/internal/chat"
)

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(clientMsgID string, account, receiver common.Address, body string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, account, receiver, body, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		clientMsgID, chat.Canonical(account), chat.Canonical(receiver), body, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the transaction hash.
func (db *DB) MarkOutboxSent(clientMsgID, txHash string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', tx_hash = ?, updated_at = ? WHERE client_msg_id = ?`, txHash, now, clientMsgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with the error kind and message.
func (db *DB) MarkOutboxFailed(clientMsgID, kind, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_kind = ?, error_message = ?, updated_at = ? WHERE client_msg_id = ?`,
		kind, errMsg, now, clientMsgID)
	return err
}

const outboxColumns = `id, client_msg_id, account, receiver, body, status, tx_hash, error_kind, error_message, created_at`

func scanOutbox(row interface{ Scan(...any) error }) (OutboxEntry, error) {
	var (
		e                 OutboxEntry
		account, receiver string
	)
	err := row.Scan(&e.ID, &e.ClientMsgID, &account, &receiver, &e.Body, &e.Status, &e.TxHash, &e.ErrorKind, &e.ErrorMessage, &e.CreatedAt)
	e.Account = common.HexToAddress(account)
	e.Receiver = common.HexToAddress(receiver)
	return e, err
}

// GetOutbox returns the entry for clientMsgID, or nil when there is none.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	e, err := scanOutbox(db.QueryRow(`SELECT `+outboxColumns+` FROM outbox WHERE client_msg_id = ?`, clientMsgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PendingOutbox returns outbox entries that never reached a final status.
// After a restart these are sends whose outcome is unknown.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT ` + outboxColumns + `
		FROM outbox WHERE status IN ('queued', 'sending') ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
