// Package service implements the user entity: the single-writer state
// machine owning one account's profile, identity key material, contact
// list, and conversation index.
//
// Entities run under the registry's turn-based execution, so methods
// never lock. Conversation-index updates arrive as cascades from
// conversation entities and carry no caller identity; everything else
// is owner-only.
package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/quietpost/quietpost/internal/auth"
	apperrors "github.com/quietpost/quietpost/internal/platform/errors"
	"github.com/quietpost/quietpost/internal/user/domain"
)

// Entity is one user's authoritative state.
type Entity struct {
	id    string
	clock func() time.Time

	registered    bool
	profile       domain.Profile
	conversations map[string]struct{}
	contacts      map[string]domain.Contact
}

// New creates an unregistered user entity for the given id.
func New(id string, clock func() time.Time) *Entity {
	if clock == nil {
		clock = time.Now
	}
	return &Entity{
		id:            id,
		clock:         clock,
		conversations: make(map[string]struct{}),
		contacts:      make(map[string]domain.Contact),
	}
}

// requireSelf rejects any caller other than the account owner.
func (e *Entity) requireSelf(caller auth.Identity) error {
	if caller.IsZero() {
		return apperrors.WithMetadata(apperrors.CodeIdentityMissing,
			"caller identity is required",
			map[string]string{"user_id": e.id})
	}
	if caller.Subject != e.id {
		return apperrors.WithMetadata(apperrors.CodeCallerMismatch,
			"caller may only act on their own account",
			map[string]string{"user_id": e.id, "caller": caller.Subject})
	}
	return nil
}

// requireRegistered rejects reads against an account that never
// registered.
func (e *Entity) requireRegistered() error {
	if !e.registered {
		return apperrors.WithMetadata(apperrors.CodeUserNotFound,
			"user is not registered",
			map[string]string{"user_id": e.id})
	}
	return nil
}

// EnsureRegistered registers the account on first call and reports
// whether this call created it. Repeat calls return the existing
// profile untouched, so clients can call it on every login.
//
// Registration carries no owner check: the account id is fixed by the
// entity's key and the first writer wins. Everything the record holds
// beyond that is supplied by the registrant or defaulted from their
// verified identity.
func (e *Entity) EnsureRegistered(ctx context.Context, caller auth.Identity, in domain.RegistrationInput) (domain.Profile, bool, error) {
	if e.registered {
		e.profile.LastActiveAt = e.clock().UTC()
		return e.profileView(), false, nil
	}

	if in.Email == "" {
		in.Email = caller.Email
	}
	normalized, err := in.Normalize()
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrEmailEmpty):
			return domain.Profile{}, false, apperrors.New(apperrors.CodeUserEmailEmpty, err.Error())
		case errors.Is(err, domain.ErrDisplayNameEmpty):
			return domain.Profile{}, false, apperrors.New(apperrors.CodeUserDisplayNameEmpty, err.Error())
		default:
			return domain.Profile{}, false, err
		}
	}

	now := e.clock().UTC()
	e.registered = true
	e.profile = domain.Profile{
		UserID:       e.id,
		Email:        normalized.Email,
		DisplayName:  normalized.DisplayName,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	return e.profileView(), true, nil
}

// GetProfile returns the owner's full profile.
func (e *Entity) GetProfile(ctx context.Context, caller auth.Identity) (domain.Profile, error) {
	if err := e.requireSelf(caller); err != nil {
		return domain.Profile{}, err
	}
	if err := e.requireRegistered(); err != nil {
		return domain.Profile{}, err
	}
	return e.profileView(), nil
}

// UpdateProfile changes the display name.
func (e *Entity) UpdateProfile(ctx context.Context, caller auth.Identity, displayName string) (domain.Profile, error) {
	if err := e.requireSelf(caller); err != nil {
		return domain.Profile{}, err
	}
	if err := e.requireRegistered(); err != nil {
		return domain.Profile{}, err
	}
	normalized, err := domain.RegistrationInput{Email: e.profile.Email, DisplayName: displayName}.Normalize()
	if err != nil {
		return domain.Profile{}, apperrors.New(apperrors.CodeUserDisplayNameEmpty, err.Error())
	}
	e.profile.DisplayName = normalized.DisplayName
	e.profile.LastActiveAt = e.clock().UTC()
	return e.profileView(), nil
}

// SetIdentityKeys stores the account's key material: the shareable
// public identity key plus the owner's sealed private key and the salt
// that derives its wrapping key. The backend never unseals the blob.
func (e *Entity) SetIdentityKeys(ctx context.Context, caller auth.Identity, publicKey, encryptedPrivateKey, keySalt []byte) error {
	if err := e.requireSelf(caller); err != nil {
		return err
	}
	if err := e.requireRegistered(); err != nil {
		return err
	}
	if len(publicKey) == 0 || len(encryptedPrivateKey) == 0 || len(keySalt) == 0 {
		return apperrors.WithMetadata(apperrors.CodeContentInvalid,
			"public key, encrypted private key, and salt are all required",
			map[string]string{"user_id": e.id})
	}
	e.profile.PublicIdentityKey = append([]byte(nil), publicKey...)
	e.profile.EncryptedPrivateKey = append([]byte(nil), encryptedPrivateKey...)
	e.profile.KeySalt = append([]byte(nil), keySalt...)
	e.profile.LastActiveAt = e.clock().UTC()
	return nil
}

// GetPublicIdentityKey returns the shareable identity key. The method
// is allow-listed: anyone who knows the user id may fetch it, that is
// what makes key wrapping for invitations possible.
func (e *Entity) GetPublicIdentityKey(ctx context.Context) ([]byte, error) {
	if err := e.requireRegistered(); err != nil {
		return nil, err
	}
	if len(e.profile.PublicIdentityKey) == 0 {
		return nil, apperrors.WithMetadata(apperrors.CodeKeyNotFound,
			"user has not published an identity key",
			map[string]string{"user_id": e.id})
	}
	return append([]byte(nil), e.profile.PublicIdentityKey...), nil
}

// GetContactInfo returns the public slice of the profile. Allow-listed
// like GetPublicIdentityKey.
func (e *Entity) GetContactInfo(ctx context.Context) (domain.ContactInfo, error) {
	if err := e.requireRegistered(); err != nil {
		return domain.ContactInfo{}, err
	}
	return domain.ContactInfo{UserID: e.id, DisplayName: e.profile.DisplayName}, nil
}

// ListConversations returns the ids of conversations the user belongs
// to, sorted.
func (e *Entity) ListConversations(ctx context.Context, caller auth.Identity) ([]string, error) {
	if err := e.requireSelf(caller); err != nil {
		return nil, err
	}
	if err := e.requireRegistered(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(e.conversations))
	for id := range e.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// AddContact puts a user on the owner's contact list. Re-adding
// updates the nickname.
func (e *Entity) AddContact(ctx context.Context, caller auth.Identity, contactID, nickname string) error {
	if err := e.requireSelf(caller); err != nil {
		return err
	}
	if err := e.requireRegistered(); err != nil {
		return err
	}
	if contactID == "" {
		return apperrors.WithMetadata(apperrors.CodeContentInvalid,
			"contact user id is required",
			map[string]string{"user_id": e.id})
	}
	existing, ok := e.contacts[contactID]
	addedAt := e.clock().UTC()
	if ok {
		addedAt = existing.AddedAt
	}
	e.contacts[contactID] = domain.Contact{UserID: contactID, Nickname: nickname, AddedAt: addedAt}
	return nil
}

// RemoveContact drops a contact list entry.
func (e *Entity) RemoveContact(ctx context.Context, caller auth.Identity, contactID string) error {
	if err := e.requireSelf(caller); err != nil {
		return err
	}
	if err := e.requireRegistered(); err != nil {
		return err
	}
	if _, ok := e.contacts[contactID]; !ok {
		return apperrors.WithMetadata(apperrors.CodeContactNotFound,
			"contact not found",
			map[string]string{"user_id": e.id, "contact_id": contactID})
	}
	delete(e.contacts, contactID)
	return nil
}

// ListContacts returns the contact list sorted by user id.
func (e *Entity) ListContacts(ctx context.Context, caller auth.Identity) ([]domain.Contact, error) {
	if err := e.requireSelf(caller); err != nil {
		return nil, err
	}
	if err := e.requireRegistered(); err != nil {
		return nil, err
	}
	contacts := make([]domain.Contact, 0, len(e.contacts))
	for _, contact := range e.contacts {
		contacts = append(contacts, contact)
	}
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].UserID < contacts[j].UserID })
	return contacts, nil
}

// TouchLastActive bumps the activity timestamp.
func (e *Entity) TouchLastActive(ctx context.Context, caller auth.Identity) error {
	if err := e.requireSelf(caller); err != nil {
		return err
	}
	if err := e.requireRegistered(); err != nil {
		return err
	}
	e.profile.LastActiveAt = e.clock().UTC()
	return nil
}

// AddConversation records membership. The call is a cascade from a
// conversation entity, carries no caller, and must work before the
// user ever registers: an invitation can land first.
func (e *Entity) AddConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return apperrors.New(apperrors.CodeContentInvalid, "conversation id is required")
	}
	e.conversations[conversationID] = struct{}{}
	return nil
}

// RemoveConversation drops a membership record. Idempotent.
func (e *Entity) RemoveConversation(ctx context.Context, conversationID string) error {
	delete(e.conversations, conversationID)
	return nil
}

// profileView copies the profile so callers never alias entity-owned
// key material.
func (e *Entity) profileView() domain.Profile {
	view := e.profile
	view.PublicIdentityKey = append([]byte(nil), e.profile.PublicIdentityKey...)
	view.EncryptedPrivateKey = append([]byte(nil), e.profile.EncryptedPrivateKey...)
	view.KeySalt = append([]byte(nil), e.profile.KeySalt...)
	return view
}
