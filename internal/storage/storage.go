// Package storage defines the store collaborators used by entity turns.
//
// Stores own only their own blobs. They are never read or written by any
// component other than the entity that requested the operation, and they
// never inspect ciphertext: message content and attachment bytes are opaque.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/quietpost/quietpost/internal/conversation/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// StoreMessageInput describes one message blob to persist.
type StoreMessageInput struct {
	ConversationID string
	SenderID       string
	ParentID       string
	Content        domain.EncryptedContent
	AttachmentID   string
}

// MessageRecord is a persisted message blob.
type MessageRecord struct {
	MessageID      string
	ConversationID string
	SenderID       string
	ParentID       string
	Content        domain.EncryptedContent
	AttachmentID   string
	CreatedAt      time.Time
}

// MessageStore persists encrypted message blobs keyed by
// (conversation id, message id). The store allocates message ids.
type MessageStore interface {
	Store(ctx context.Context, in StoreMessageInput) (MessageRecord, error)
	GetByIDs(ctx context.Context, conversationID string, ids []string) ([]MessageRecord, error)
	// DeleteMany removes blobs best-effort: it continues past individual
	// failures and returns the ids it could not delete.
	DeleteMany(ctx context.Context, conversationID string, ids []string) (failed []string, err error)
}

// AttachmentMeta describes a stored attachment without its bytes.
type AttachmentMeta struct {
	FileName    string
	ContentType string
	SizeBytes   int64
	Nonce       []byte
	AuthTag     []byte
	KeyVersion  int
	UploadedAt  time.Time
}

// StoreAttachmentInput describes one attachment blob to persist.
type StoreAttachmentInput struct {
	ConversationID string
	FileName       string
	ContentType    string
	Nonce          []byte
	AuthTag        []byte
	KeyVersion     int
	Data           []byte
}

// AttachmentRecord is a persisted attachment blob.
type AttachmentRecord struct {
	AttachmentID   string
	ConversationID string
	Meta           AttachmentMeta
	Data           []byte
}

// AttachmentStore persists encrypted attachment blobs keyed by
// (conversation id, attachment id). The store allocates attachment ids.
type AttachmentStore interface {
	Store(ctx context.Context, in StoreAttachmentInput) (AttachmentRecord, error)
	Get(ctx context.Context, conversationID, attachmentID string) (AttachmentRecord, error)
	Delete(ctx context.Context, conversationID, attachmentID string) error
	// DeleteAll removes every attachment for a conversation best-effort
	// and returns the ids it could not delete.
	DeleteAll(ctx context.Context, conversationID string) (failed []string, err error)
}
