// Package store persists card state and fault campaign results.
//
// Security model:
//  1. File permissions: 0600 on the database, 0700 on its directory.
//  2. Integrity: the card state record carries an HMAC-SHA256 over every
//     field, keyed from the device secret. A record that fails verification
//     is reported as ErrIntegrity and the host treats it as tampering.
//  3. The engine never talks to the store; the host loads the record before
//     a verification and saves it afterwards.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrIntegrity = errors.New("store: integrity check failed")
	ErrKeySize   = errors.New("store: MAC key must be at least 32 bytes")
)

// StateRecord is the persisted form of a card's security state.
type StateRecord struct {
	CardID        string
	RetryCounter  int8
	Authenticated uint8
	Muted         uint8
	ReferencePIN  []byte
	TamperCount   uint64
	UpdatedAt     time.Time
}

// Clone returns a deep copy of r.
func (r *StateRecord) Clone() *StateRecord {
	c := *r
	c.ReferencePIN = append([]byte(nil), r.ReferencePIN...)
	return &c
}

// CampaignResult is one evaluated fault against one ladder rung.
type CampaignResult struct {
	RunID     string
	Preset    string
	Scenario  string
	Fault     string
	Outcome   string
	Truncated bool
	CreatedAt time.Time
}

// StateStore loads and saves card state records.
type StateStore interface {
	LoadState(ctx context.Context, cardID string) (*StateRecord, error)
	SaveState(ctx context.Context, rec *StateRecord) error
	Close() error
}
