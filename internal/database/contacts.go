package database

import (
	"context"
	"database/sql"
	"fmt"

	"campflow/internal/models"
)

// SaveContact stores a contact with the phone number encrypted for lookup.
func (d *Database) SaveContact(ctx context.Context, contact *models.Contact) (int64, error) {
	encryptedPhone, err := d.encryptor.EncryptForLookupIfEnabled(contact.PhoneNumber)
	if err != nil {
		return 0, fmt.Errorf("failed to encrypt phone number: %w", err)
	}

	encryptedName, err := d.encryptor.EncryptIfEnabled(contact.Name)
	if err != nil {
		return 0, fmt.Errorf("failed to encrypt name: %w", err)
	}

	result, err := d.db.ExecContext(ctx, `
		INSERT INTO contacts (phone_number, name) VALUES (?, ?)
	`, encryptedPhone, encryptedName)
	if err != nil {
		return 0, fmt.Errorf("failed to save contact: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get contact ID: %w", err)
	}
	return id, nil
}

func (d *Database) GetContact(ctx context.Context, id int64) (*models.Contact, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, phone_number, name, created_at FROM contacts WHERE id = ?
	`, id)
	return d.scanContact(row)
}

// GetContactByPhone resolves an inbound contact reference to a contact row.
func (d *Database) GetContactByPhone(ctx context.Context, phoneNumber string) (*models.Contact, error) {
	encryptedPhone, err := d.encryptor.EncryptForLookupIfEnabled(phoneNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt phone number: %w", err)
	}

	row := d.db.QueryRowContext(ctx, `
		SELECT id, phone_number, name, created_at FROM contacts WHERE phone_number = ?
	`, encryptedPhone)
	return d.scanContact(row)
}

func (d *Database) scanContact(row *sql.Row) (*models.Contact, error) {
	var contact models.Contact
	var encryptedPhone, encryptedName string

	err := row.Scan(&contact.ID, &encryptedPhone, &encryptedName, &contact.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan contact: %w", err)
	}

	contact.PhoneNumber, err = d.encryptor.DecryptIfEnabled(encryptedPhone)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt phone number: %w", err)
	}

	contact.Name, err = d.encryptor.DecryptIfEnabled(encryptedName)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt name: %w", err)
	}

	return &contact, nil
}
