// Package policy holds the key rotation rule evaluated by the
// conversation entity.
//
// Rotation advances the epoch counter only; it is never retroactive. Old
// ciphertext stays addressable under the key version recorded at creation,
// and the entity never derives or possesses key material.
package policy

// MessagesPerRotation is the message-volume rotation interval: every Nth
// posted message announces a new key epoch.
const MessagesPerRotation = 1000

// Trigger identifies why a rotation is being considered.
type Trigger int

const (
	// TriggerUnspecified represents an invalid trigger value.
	TriggerUnspecified Trigger = iota
	// TriggerParticipantJoined fires when a new member joins; the new
	// member cannot be retroactively given old-epoch keys.
	TriggerParticipantJoined
	// TriggerMessageVolume fires on message-count milestones.
	TriggerMessageVolume
	// TriggerAdministrative is reserved for explicit operator rotation.
	TriggerAdministrative
)

// ShouldRotate reports whether the key epoch must advance.
// messageCount is the authoritative count after the triggering operation.
func ShouldRotate(trigger Trigger, messageCount int) bool {
	switch trigger {
	case TriggerParticipantJoined:
		return true
	case TriggerMessageVolume:
		return messageCount > 0 && messageCount%MessagesPerRotation == 0
	case TriggerAdministrative:
		return true
	default:
		return false
	}
}
