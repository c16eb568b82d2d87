package service

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/quietpost/quietpost/internal/auth"
	apperrors "github.com/quietpost/quietpost/internal/platform/errors"
	"github.com/quietpost/quietpost/internal/user/domain"
)

var (
	alice = auth.Identity{Subject: "alice", Email: "alice@example.com"}
	bob   = auth.Identity{Subject: "bob", Email: "bob@example.com"}
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
}

func newRegistered(t *testing.T) *Entity {
	t.Helper()
	e := New("alice", fixedClock)
	_, created, err := e.EnsureRegistered(context.Background(), alice, domain.RegistrationInput{DisplayName: "Alice"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !created {
		t.Fatal("expected first registration to create the account")
	}
	return e
}

func TestEnsureRegistered(t *testing.T) {
	e := New("alice", fixedClock)
	ctx := context.Background()

	profile, created, err := e.EnsureRegistered(ctx, alice, domain.RegistrationInput{DisplayName: " Alice "})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !created {
		t.Fatal("expected created on first call")
	}
	// The email defaults from the verified token identity.
	if profile.Email != "alice@example.com" {
		t.Fatalf("expected email from identity, got %q", profile.Email)
	}
	if profile.DisplayName != "Alice" {
		t.Fatalf("expected trimmed display name, got %q", profile.DisplayName)
	}
	if !profile.CreatedAt.Equal(fixedClock()) {
		t.Fatalf("expected created at %v, got %v", fixedClock(), profile.CreatedAt)
	}

	// Repeat calls are idempotent and never overwrite the profile.
	profile, created, err = e.EnsureRegistered(ctx, alice, domain.RegistrationInput{
		Email:       "other@example.com",
		DisplayName: "Other",
	})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if created {
		t.Fatal("expected created false on repeat call")
	}
	if profile.Email != "alice@example.com" || profile.DisplayName != "Alice" {
		t.Fatalf("expected original profile retained, got %+v", profile)
	}
}

func TestEnsureRegisteredValidation(t *testing.T) {
	ctx := context.Background()

	e := New("alice", fixedClock)
	noEmail := auth.Identity{Subject: "alice"}
	if _, _, err := e.EnsureRegistered(ctx, noEmail, domain.RegistrationInput{DisplayName: "X"}); !apperrors.IsCode(err, apperrors.CodeUserEmailEmpty) {
		t.Fatalf("expected email empty, got %v", err)
	}
	if _, _, err := e.EnsureRegistered(ctx, alice, domain.RegistrationInput{}); !apperrors.IsCode(err, apperrors.CodeUserDisplayNameEmpty) {
		t.Fatalf("expected display name empty, got %v", err)
	}
}

func TestEnsureRegisteredWithoutIdentity(t *testing.T) {
	e := New("alice", fixedClock)

	// Registration carries no owner check; the account id is the entity
	// key and the first writer wins.
	profile, created, err := e.EnsureRegistered(context.Background(), auth.Identity{}, domain.RegistrationInput{
		Email:       "alice@example.com",
		DisplayName: "Alice",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !created {
		t.Fatal("expected anonymous registration to create the account")
	}
	if profile.UserID != "alice" {
		t.Fatalf("expected user id alice, got %q", profile.UserID)
	}

	// Later writers observe the existing record.
	profile, created, err = e.EnsureRegistered(context.Background(), bob, domain.RegistrationInput{
		Email:       "other@example.com",
		DisplayName: "Other",
	})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if created || profile.DisplayName != "Alice" {
		t.Fatalf("expected the first writer's record retained, got created=%v %+v", created, profile)
	}
}

func TestGetProfileBeforeRegistration(t *testing.T) {
	e := New("alice", fixedClock)
	if _, err := e.GetProfile(context.Background(), alice); !apperrors.IsCode(err, apperrors.CodeUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	e := newRegistered(t)
	ctx := context.Background()

	profile, err := e.UpdateProfile(ctx, alice, " Alice B. ")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if profile.DisplayName != "Alice B." {
		t.Fatalf("expected updated display name, got %q", profile.DisplayName)
	}

	if _, err := e.UpdateProfile(ctx, alice, "  "); !apperrors.IsCode(err, apperrors.CodeUserDisplayNameEmpty) {
		t.Fatalf("expected display name empty, got %v", err)
	}
	if _, err := e.UpdateProfile(ctx, bob, "Mallory"); !apperrors.IsCode(err, apperrors.CodeCallerMismatch) {
		t.Fatalf("expected caller mismatch, got %v", err)
	}
}

func TestIdentityKeys(t *testing.T) {
	e := newRegistered(t)
	ctx := context.Background()

	// No key published yet.
	if _, err := e.GetPublicIdentityKey(ctx); !apperrors.IsCode(err, apperrors.CodeKeyNotFound) {
		t.Fatalf("expected key not found, got %v", err)
	}

	public := []byte("public-key")
	sealed := []byte("sealed-private-key")
	salt := []byte("salt")
	if err := e.SetIdentityKeys(ctx, alice, public, sealed, salt); err != nil {
		t.Fatalf("set keys: %v", err)
	}

	got, err := e.GetPublicIdentityKey(ctx)
	if err != nil {
		t.Fatalf("get public key: %v", err)
	}
	if !bytes.Equal(got, public) {
		t.Fatalf("expected public key back, got %q", got)
	}

	profile, err := e.GetProfile(ctx, alice)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if !bytes.Equal(profile.EncryptedPrivateKey, sealed) || !bytes.Equal(profile.KeySalt, salt) {
		t.Fatal("expected sealed private key and salt on the owner's profile")
	}

	if err := e.SetIdentityKeys(ctx, alice, nil, sealed, salt); !apperrors.IsCode(err, apperrors.CodeContentInvalid) {
		t.Fatalf("expected content invalid, got %v", err)
	}
	if err := e.SetIdentityKeys(ctx, bob, public, sealed, salt); !apperrors.IsCode(err, apperrors.CodeCallerMismatch) {
		t.Fatalf("expected caller mismatch, got %v", err)
	}
}

func TestGetContactInfo(t *testing.T) {
	e := newRegistered(t)

	info, err := e.GetContactInfo(context.Background())
	if err != nil {
		t.Fatalf("contact info: %v", err)
	}
	if info.UserID != "alice" || info.DisplayName != "Alice" {
		t.Fatalf("unexpected contact info %+v", info)
	}

	unregistered := New("ghost", fixedClock)
	if _, err := unregistered.GetContactInfo(context.Background()); !apperrors.IsCode(err, apperrors.CodeUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}
}

func TestContacts(t *testing.T) {
	e := newRegistered(t)
	ctx := context.Background()

	if err := e.AddContact(ctx, alice, "carol", "C"); err != nil {
		t.Fatalf("add contact: %v", err)
	}
	if err := e.AddContact(ctx, alice, "bob", ""); err != nil {
		t.Fatalf("add contact: %v", err)
	}
	// Re-adding updates the nickname, keeps the original timestamp.
	if err := e.AddContact(ctx, alice, "carol", "Carol"); err != nil {
		t.Fatalf("re-add contact: %v", err)
	}

	contacts, err := e.ListContacts(ctx, alice)
	if err != nil {
		t.Fatalf("list contacts: %v", err)
	}
	if len(contacts) != 2 || contacts[0].UserID != "bob" || contacts[1].UserID != "carol" {
		t.Fatalf("expected sorted contacts [bob carol], got %+v", contacts)
	}
	if contacts[1].Nickname != "Carol" {
		t.Fatalf("expected updated nickname, got %q", contacts[1].Nickname)
	}

	if err := e.RemoveContact(ctx, alice, "bob"); err != nil {
		t.Fatalf("remove contact: %v", err)
	}
	if err := e.RemoveContact(ctx, alice, "bob"); !apperrors.IsCode(err, apperrors.CodeContactNotFound) {
		t.Fatalf("expected contact not found, got %v", err)
	}
}

func TestConversationIndex(t *testing.T) {
	// Cascades land before the user ever registers.
	e := New("alice", fixedClock)
	ctx := context.Background()

	if err := e.AddConversation(ctx, "conv2"); err != nil {
		t.Fatalf("add conversation: %v", err)
	}
	if err := e.AddConversation(ctx, "conv1"); err != nil {
		t.Fatalf("add conversation: %v", err)
	}
	if err := e.AddConversation(ctx, "conv1"); err != nil {
		t.Fatalf("re-add conversation: %v", err)
	}

	if _, _, err := e.EnsureRegistered(ctx, alice, domain.RegistrationInput{DisplayName: "Alice"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	ids, err := e.ListConversations(ctx, alice)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(ids) != 2 || ids[0] != "conv1" || ids[1] != "conv2" {
		t.Fatalf("expected sorted ids [conv1 conv2], got %v", ids)
	}

	if err := e.RemoveConversation(ctx, "conv1"); err != nil {
		t.Fatalf("remove conversation: %v", err)
	}
	if err := e.RemoveConversation(ctx, "conv1"); err != nil {
		t.Fatalf("re-remove conversation: %v", err)
	}
	ids, err = e.ListConversations(ctx, alice)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(ids) != 1 || ids[0] != "conv2" {
		t.Fatalf("expected [conv2], got %v", ids)
	}
}
