// Package credential stores mailbox passwords in the OS keyring.
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/nhle/mailwatch/internal/model"
)

const serviceName = "mailwatch"

// ErrNotFound is returned when no password is stored for a key.
var ErrNotFound = keyring.ErrKeyNotFound

// Store reads and writes credentials in a keyring.
type Store struct {
	ring keyring.Keyring
}

// Open opens the system keyring, falling back to an encrypted file under
// ~/.config/mailwatch/credentials.
func Open() (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailwatch/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailwatch-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

// NewStore wraps an already opened keyring.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// PasswordKey is the keyring key for a consumer's IMAP password.
func PasswordKey(consumerID string) string {
	return "imap-" + consumerID
}

// Get retrieves a credential value by key.
func (s *Store) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a credential value by key.
func (s *Store) Set(key, value string) error {
	err := s.ring.Set(keyring.Item{
		Key:         key,
		Data:        []byte(value),
		Label:       "mailwatch " + key,
		Description: "IMAP password",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes a credential by key.
func (s *Store) Delete(key string) error {
	if err := s.ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

// ResolvePassword fills in consumer's mailbox password from the keyring
// when the configuration leaves it empty.
func (s *Store) ResolvePassword(consumer model.ConsumerConfig) (model.MailboxConfig, error) {
	mb := consumer.Mailbox
	if mb.Password != "" {
		return mb, nil
	}

	pw, err := s.Get(PasswordKey(consumer.ID))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return mb, fmt.Errorf("no password for consumer %q: run `mailwatch login %s`: %w", consumer.ID, consumer.ID, ErrNotFound)
		}
		return mb, err
	}
	mb.Password = pw
	return mb, nil
}
