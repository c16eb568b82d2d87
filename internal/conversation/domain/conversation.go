// Package domain holds conversation types and pure state transitions.
package domain

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// State describes the conversation entity lifecycle.
type State int

const (
	// StateUninitialized means no successful create call has happened.
	StateUninitialized State = iota
	// StateActive means the conversation accepts operations.
	StateActive
	// StateDeleted is terminal; the conversation is never recreated.
	StateDeleted
)

var (
	// ErrParticipantsEmpty indicates a create call without participants.
	ErrParticipantsEmpty = errors.New("participants are required")
	// ErrCreatorNotMember indicates a creator outside the participant set.
	ErrCreatorNotMember = errors.New("creator must be a participant")
	// ErrRetentionInvalid indicates a retention value outside the closed set.
	ErrRetentionInvalid = errors.New("retention policy is invalid")
)

// Details is a read snapshot of conversation metadata.
type Details struct {
	ID                string
	Name              string
	Participants      []string
	CreatedBy         string
	CreatedAt         time.Time
	LastActivityAt    time.Time
	MessageCount      int
	CurrentKeyVersion int
	Retention         RetentionPolicy
}

// CreateInput describes the data needed to create a conversation.
type CreateInput struct {
	Participants []string
	CreatorID    string
	Retention    RetentionPolicy
}

// NormalizeCreateInput trims, deduplicates, and validates create input.
// The returned participant list is sorted and includes the creator.
func NormalizeCreateInput(input CreateInput) (CreateInput, error) {
	seen := make(map[string]struct{}, len(input.Participants))
	participants := make([]string, 0, len(input.Participants))
	for _, participant := range input.Participants {
		participant = strings.TrimSpace(participant)
		if participant == "" {
			continue
		}
		if _, dup := seen[participant]; dup {
			continue
		}
		seen[participant] = struct{}{}
		participants = append(participants, participant)
	}
	if len(participants) == 0 {
		return CreateInput{}, ErrParticipantsEmpty
	}

	creator := strings.TrimSpace(input.CreatorID)
	if _, ok := seen[creator]; creator == "" || !ok {
		return CreateInput{}, ErrCreatorNotMember
	}

	if !input.Retention.Valid() {
		return CreateInput{}, ErrRetentionInvalid
	}

	sort.Strings(participants)
	return CreateInput{
		Participants: participants,
		CreatorID:    creator,
		Retention:    input.Retention,
	}, nil
}
