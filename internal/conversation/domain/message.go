package domain

import (
	"errors"
	"time"
)

// ErrContentInvalid indicates an encrypted payload missing required parts.
var ErrContentInvalid = errors.New("encrypted content is invalid")

// EncryptedContent is an opaque sealed payload plus the key epoch that
// sealed it. The backend never sees plaintext or key material.
type EncryptedContent struct {
	Ciphertext []byte
	Nonce      []byte
	AuthTag    []byte
	KeyVersion int
}

// ValidateContent checks the sealed payload has every required part and a
// positive key version.
func ValidateContent(content EncryptedContent) error {
	if len(content.Ciphertext) == 0 || len(content.Nonce) == 0 || len(content.AuthTag) == 0 {
		return ErrContentInvalid
	}
	if content.KeyVersion < 1 {
		return ErrContentInvalid
	}
	return nil
}

// Message is a read snapshot of one stored message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	ParentID       string
	Content        EncryptedContent
	AttachmentID   string
	CreatedAt      time.Time
	ReplyIDs       []string
}

// ReadReceipts lists the users who have seen one message.
type ReadReceipts struct {
	MessageID string
	UserIDs   []string
}

// Reactions maps emoji to the users who reacted with it on one message.
type Reactions struct {
	MessageID string
	ByEmoji   map[string][]string
}
