package service

import (
	"context"
	"strconv"

	"github.com/quietpost/quietpost/internal/auth"
	apperrors "github.com/quietpost/quietpost/internal/platform/errors"
)

// StoreEncryptedConversationKey records the caller's encrypted copy of
// one epoch's conversation key. Records are write-once: a second write
// for the same (user, version) pair fails and the original blob stays.
func (e *Entity) StoreEncryptedConversationKey(ctx context.Context, caller auth.Identity, userID string, keyVersion int, encryptedKey []byte) error {
	if err := e.requireActive(); err != nil {
		return err
	}
	if err := e.requireSelf(caller, userID); err != nil {
		return err
	}
	if err := e.requireParticipant(caller); err != nil {
		return err
	}
	if keyVersion < 1 || keyVersion > e.currentKeyVersion {
		return apperrors.WithMetadata(apperrors.CodeKeyVersionInvalid,
			"key version is outside the conversation's epoch range",
			map[string]string{
				"conversation_id":     e.id,
				"key_version":         strconv.Itoa(keyVersion),
				"current_key_version": strconv.Itoa(e.currentKeyVersion),
			})
	}
	if len(encryptedKey) == 0 {
		return apperrors.WithMetadata(apperrors.CodeKeyVersionInvalid,
			"encrypted key must not be empty",
			map[string]string{"conversation_id": e.id})
	}

	record := keyRecordKey{userID: userID, keyVersion: keyVersion}
	if _, exists := e.keys[record]; exists {
		return apperrors.WithMetadata(apperrors.CodeKeyVersionExists,
			"key version already stored for this user",
			map[string]string{
				"conversation_id": e.id,
				"user_id":         userID,
				"key_version":     strconv.Itoa(keyVersion),
			})
	}

	e.keys[record] = append([]byte(nil), encryptedKey...)
	return nil
}

// GetEncryptedConversationKey returns the caller's own encrypted key
// blob for one epoch. Users can never read another user's records.
func (e *Entity) GetEncryptedConversationKey(ctx context.Context, caller auth.Identity, userID string, keyVersion int) ([]byte, error) {
	if err := e.requireActive(); err != nil {
		return nil, err
	}
	if err := e.requireSelf(caller, userID); err != nil {
		return nil, err
	}

	blob, ok := e.keys[keyRecordKey{userID: userID, keyVersion: keyVersion}]
	if !ok {
		return nil, apperrors.WithMetadata(apperrors.CodeKeyNotFound,
			"no encrypted key stored for this user and version",
			map[string]string{
				"conversation_id": e.id,
				"user_id":         userID,
				"key_version":     strconv.Itoa(keyVersion),
			})
	}
	return append([]byte(nil), blob...), nil
}

// GetCurrentKeyVersion returns the epoch new messages must encrypt
// under. Clients poll this to learn about rotations.
func (e *Entity) GetCurrentKeyVersion(ctx context.Context, caller auth.Identity) (int, error) {
	if err := e.requireActive(); err != nil {
		return 0, err
	}
	if err := e.requireParticipant(caller); err != nil {
		return 0, err
	}
	return e.currentKeyVersion, nil
}
