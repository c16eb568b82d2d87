// Package domain holds the user account model.
package domain

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrEmailEmpty indicates a registration without an email address.
	ErrEmailEmpty = errors.New("email is required")
	// ErrDisplayNameEmpty indicates a registration without a display name.
	ErrDisplayNameEmpty = errors.New("display name is required")
)

// Profile is one registered user's account record. Key material is
// opaque: the public identity key is shared with other users for key
// wrapping, the private key blob is sealed client-side and only ever
// echoed back to its owner.
type Profile struct {
	UserID              string
	Email               string
	DisplayName         string
	PublicIdentityKey   []byte
	EncryptedPrivateKey []byte
	KeySalt             []byte
	CreatedAt           time.Time
	LastActiveAt        time.Time
}

// ContactInfo is the public slice of a profile other users may see.
type ContactInfo struct {
	UserID      string
	DisplayName string
}

// Contact is one entry in a user's private contact list.
type Contact struct {
	UserID   string
	Nickname string
	AddedAt  time.Time
}

// RegistrationInput describes a first-time registration.
type RegistrationInput struct {
	Email       string
	DisplayName string
}

// Normalize trims the registration fields and validates them.
func (in RegistrationInput) Normalize() (RegistrationInput, error) {
	in.Email = strings.TrimSpace(in.Email)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if in.Email == "" {
		return RegistrationInput{}, ErrEmailEmpty
	}
	if in.DisplayName == "" {
		return RegistrationInput{}, ErrDisplayNameEmpty
	}
	return in, nil
}
