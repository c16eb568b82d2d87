// Package errors provides structured domain errors with gRPC status mapping.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Identity errors
	CodeIdentityMissing Code = "IDENTITY_MISSING"
	CodeCallerMismatch  Code = "CALLER_MISMATCH"
	CodeNotParticipant  Code = "NOT_PARTICIPANT"

	// Conversation lifecycle errors
	CodeConversationExists         Code = "CONVERSATION_EXISTS"
	CodeConversationNotInitialized Code = "CONVERSATION_NOT_INITIALIZED"
	CodeConversationDeleted        Code = "CONVERSATION_DELETED"
	CodeConversationNotFound       Code = "CONVERSATION_NOT_FOUND"

	// Conversation input errors
	CodeParticipantsEmpty Code = "PARTICIPANTS_EMPTY"
	CodeCreatorNotMember  Code = "CREATOR_NOT_MEMBER"
	CodeRetentionInvalid  Code = "RETENTION_INVALID"
	CodePaginationInvalid Code = "PAGINATION_INVALID"
	CodeContentInvalid    Code = "CONTENT_INVALID"

	// Message errors
	CodeMessageNotFound Code = "MESSAGE_NOT_FOUND"

	// Key epoch errors
	CodeKeyVersionExists  Code = "KEY_VERSION_EXISTS"
	CodeKeyVersionInvalid Code = "KEY_VERSION_INVALID"
	CodeKeyNotFound       Code = "KEY_NOT_FOUND"

	// User errors
	CodeUserNotFound         Code = "USER_NOT_FOUND"
	CodeUserEmailEmpty       Code = "USER_EMAIL_EMPTY"
	CodeUserDisplayNameEmpty Code = "USER_DISPLAY_NAME_EMPTY"
	CodeContactNotFound      Code = "CONTACT_NOT_FOUND"

	// Collaborator errors
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
	CodeAttachmentNotFound Code = "ATTACHMENT_NOT_FOUND"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// Unauthenticated - no identity was presented at all
	case CodeIdentityMissing:
		return codes.Unauthenticated

	// PermissionDenied - an identity was presented but is not authorized
	case CodeCallerMismatch,
		CodeNotParticipant:
		return codes.PermissionDenied

	// InvalidArgument - validation failures, bad input
	case CodeParticipantsEmpty,
		CodeCreatorNotMember,
		CodeRetentionInvalid,
		CodePaginationInvalid,
		CodeContentInvalid,
		CodeKeyVersionInvalid,
		CodeUserEmailEmpty,
		CodeUserDisplayNameEmpty:
		return codes.InvalidArgument

	// AlreadyExists - duplicate create, duplicate key-version write
	case CodeConversationExists,
		CodeKeyVersionExists:
		return codes.AlreadyExists

	// FailedPrecondition - entity state disallows the operation
	case CodeConversationNotInitialized,
		CodeConversationDeleted:
		return codes.FailedPrecondition

	// NotFound - resource doesn't exist
	case CodeConversationNotFound,
		CodeMessageNotFound,
		CodeKeyNotFound,
		CodeUserNotFound,
		CodeContactNotFound,
		CodeAttachmentNotFound:
		return codes.NotFound

	// Unavailable - collaborator I/O failure after retry
	case CodeStorageUnavailable:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}
