package store

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/matheus3301/ethchat/internal/chat"
)

const upsertContactSQL = `
	INSERT INTO contacts (account, address, source, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(account, address) DO UPDATE SET
		source = CASE WHEN contacts.source = '' THEN excluded.source ELSE contacts.source END,
		updated_at = excluded.updated_at`

// UpsertContact records addr as a contact of account. The first source
// that introduced the contact is kept.
func (db *DB) UpsertContact(account, addr common.Address, source string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(upsertContactSQL, chat.Canonical(account), chat.Canonical(addr), source, now, now)
	return err
}

// BulkUpsertContacts records several contacts in a single transaction.
func (db *DB) BulkUpsertContacts(account common.Address, addrs []common.Address, source string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, a := range addrs {
		if _, err := tx.Exec(upsertContactSQL, chat.Canonical(account), chat.Canonical(a), source, now, now); err != nil {
			return fmt.Errorf("upsert contact %s: %w", a.Hex(), err)
		}
	}
	return tx.Commit()
}

// ListContacts returns the cached contacts of account in the order they
// were first seen.
func (db *DB) ListContacts(account common.Address) ([]Contact, error) {
	rows, err := db.Query(`
		SELECT address, source FROM contacts
		WHERE account = ?
		ORDER BY created_at ASC, rowid ASC`, chat.Canonical(account))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		var (
			c    Contact
			addr string
		)
		if err := rows.Scan(&addr, &c.Source); err != nil {
			return nil, err
		}
		c.Address = common.HexToAddress(addr)
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}
