package service

import (
	"context"
	"testing"

	apperrors "github.com/quietpost/quietpost/internal/platform/errors"
)

func TestMarkMessageAsRead(t *testing.T) {
	te := newActiveEntity()
	ctx := context.Background()

	result, err := te.post(alice, "")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	messageID := result.Message.ID

	if err := te.entity.MarkMessageAsRead(ctx, bob, "bob", messageID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	// Marking twice is a no-op.
	if err := te.entity.MarkMessageAsRead(ctx, bob, "bob", messageID); err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	if err := te.entity.MarkMessageAsRead(ctx, alice, "alice", messageID); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	receipts, err := te.entity.GetMessageReadReceipts(ctx, alice, messageID)
	if err != nil {
		t.Fatalf("receipts: %v", err)
	}
	if len(receipts.UserIDs) != 2 || receipts.UserIDs[0] != "alice" || receipts.UserIDs[1] != "bob" {
		t.Fatalf("expected sorted readers [alice bob], got %v", receipts.UserIDs)
	}

	if err := te.entity.MarkMessageAsRead(ctx, bob, "alice", messageID); !apperrors.IsCode(err, apperrors.CodeCallerMismatch) {
		t.Fatalf("expected caller mismatch, got %v", err)
	}
	if err := te.entity.MarkMessageAsRead(ctx, bob, "bob", "missing"); !apperrors.IsCode(err, apperrors.CodeMessageNotFound) {
		t.Fatalf("expected message not found, got %v", err)
	}
}

func TestToggleReaction(t *testing.T) {
	te := newActiveEntity()
	ctx := context.Background()

	result, err := te.post(alice, "")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	messageID := result.Message.ID

	added, err := te.entity.ToggleReaction(ctx, bob, "bob", messageID, "👍")
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !added {
		t.Fatal("expected first toggle to add the reaction")
	}
	added, err = te.entity.ToggleReaction(ctx, alice, "alice", messageID, "👍")
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !added {
		t.Fatal("expected alice's toggle to add")
	}

	reactions, err := te.entity.GetMessageReactions(ctx, alice, messageID)
	if err != nil {
		t.Fatalf("reactions: %v", err)
	}
	users := reactions.ByEmoji["👍"]
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Fatalf("expected sorted reactors [alice bob], got %v", users)
	}

	// The second toggle removes.
	added, err = te.entity.ToggleReaction(ctx, bob, "bob", messageID, "👍")
	if err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if added {
		t.Fatal("expected second toggle to remove the reaction")
	}
	added, err = te.entity.ToggleReaction(ctx, alice, "alice", messageID, "👍")
	if err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if added {
		t.Fatal("expected second toggle to remove the reaction")
	}

	reactions, err = te.entity.GetMessageReactions(ctx, alice, messageID)
	if err != nil {
		t.Fatalf("reactions: %v", err)
	}
	if len(reactions.ByEmoji) != 0 {
		t.Fatalf("expected empty reaction map, got %v", reactions.ByEmoji)
	}

	if _, err := te.entity.ToggleReaction(ctx, bob, "bob", messageID, "  "); !apperrors.IsCode(err, apperrors.CodeContentInvalid) {
		t.Fatalf("expected empty emoji rejected, got %v", err)
	}
	if _, err := te.entity.ToggleReaction(ctx, bob, "alice", messageID, "👍"); !apperrors.IsCode(err, apperrors.CodeCallerMismatch) {
		t.Fatalf("expected caller mismatch, got %v", err)
	}
}

func TestGetAttachmentNotFound(t *testing.T) {
	te := newActiveEntity()

	if _, err := te.entity.GetAttachment(context.Background(), alice, "missing"); !apperrors.IsCode(err, apperrors.CodeAttachmentNotFound) {
		t.Fatalf("expected attachment not found, got %v", err)
	}
}

func TestEngagementRequiresParticipant(t *testing.T) {
	te := newActiveEntity()
	ctx := context.Background()

	result, err := te.post(alice, "")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	messageID := result.Message.ID

	if err := te.entity.MarkMessageAsRead(ctx, carol, "carol", messageID); !apperrors.IsCode(err, apperrors.CodeNotParticipant) {
		t.Fatalf("expected not participant, got %v", err)
	}
	if _, err := te.entity.GetMessageReadReceipts(ctx, carol, messageID); !apperrors.IsCode(err, apperrors.CodeNotParticipant) {
		t.Fatalf("expected not participant, got %v", err)
	}
	if _, err := te.entity.ToggleReaction(ctx, carol, "carol", messageID, "👍"); !apperrors.IsCode(err, apperrors.CodeNotParticipant) {
		t.Fatalf("expected not participant, got %v", err)
	}
	if _, err := te.entity.GetMessageReactions(ctx, carol, messageID); !apperrors.IsCode(err, apperrors.CodeNotParticipant) {
		t.Fatalf("expected not participant, got %v", err)
	}
	if _, err := te.entity.GetAttachment(ctx, carol, "a1"); !apperrors.IsCode(err, apperrors.CodeNotParticipant) {
		t.Fatalf("expected not participant, got %v", err)
	}
}
