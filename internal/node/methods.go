package node

// Full method names in gRPC form. The interceptor chain keys off these,
// and the server registers handlers under them.
const (
	MethodCreateConversation   = "/quietpost.v1.ConversationService/CreateConversation"
	MethodGetDetails           = "/quietpost.v1.ConversationService/GetConversationDetails"
	MethodAddParticipant       = "/quietpost.v1.ConversationService/AddParticipant"
	MethodRemoveParticipant    = "/quietpost.v1.ConversationService/RemoveParticipant"
	MethodRenameConversation   = "/quietpost.v1.ConversationService/RenameConversation"
	MethodDeleteConversation   = "/quietpost.v1.ConversationService/DeleteConversation"
	MethodIsParticipant        = "/quietpost.v1.ConversationService/IsParticipant"
	MethodPostMessage          = "/quietpost.v1.ConversationService/PostMessage"
	MethodGetMessages          = "/quietpost.v1.ConversationService/GetMessages"
	MethodGetMessageReplies    = "/quietpost.v1.ConversationService/GetMessageReplies"
	MethodUploadAttachment     = "/quietpost.v1.ConversationService/UploadAttachment"
	MethodGetAttachment        = "/quietpost.v1.ConversationService/GetAttachment"
	MethodStoreConversationKey = "/quietpost.v1.ConversationService/StoreEncryptedConversationKey"
	MethodGetConversationKey   = "/quietpost.v1.ConversationService/GetEncryptedConversationKey"
	MethodGetCurrentKeyVersion = "/quietpost.v1.ConversationService/GetCurrentKeyVersion"
	MethodMarkMessageAsRead    = "/quietpost.v1.ConversationService/MarkMessageAsRead"
	MethodGetReadReceipts      = "/quietpost.v1.ConversationService/GetMessageReadReceipts"
	MethodToggleReaction       = "/quietpost.v1.ConversationService/ToggleReaction"
	MethodGetReactions         = "/quietpost.v1.ConversationService/GetMessageReactions"
	MethodPurgeExpired         = "/quietpost.v1.ConversationService/PurgeExpired"

	MethodEnsureRegistered     = "/quietpost.v1.UserService/EnsureRegistered"
	MethodGetProfile           = "/quietpost.v1.UserService/GetProfile"
	MethodUpdateProfile        = "/quietpost.v1.UserService/UpdateProfile"
	MethodSetIdentityKeys      = "/quietpost.v1.UserService/SetIdentityKeys"
	MethodGetPublicIdentityKey = "/quietpost.v1.UserService/GetPublicIdentityKey"
	MethodGetContactInfo       = "/quietpost.v1.UserService/GetContactInfo"
	MethodListConversations    = "/quietpost.v1.UserService/ListConversations"
	MethodAddContact           = "/quietpost.v1.UserService/AddContact"
	MethodRemoveContact        = "/quietpost.v1.UserService/RemoveContact"
	MethodListContacts         = "/quietpost.v1.UserService/ListContacts"
	MethodTouchLastActive      = "/quietpost.v1.UserService/TouchLastActive"
)

// AllowList returns the methods that accept calls without a verified
// identity. Public key and contact lookups back invitation flows for
// users who have not signed in on this device yet; membership checks
// back invite-link inspection.
func AllowList() map[string]struct{} {
	return map[string]struct{}{
		MethodEnsureRegistered:     {},
		MethodGetPublicIdentityKey: {},
		MethodGetContactInfo:       {},
		MethodIsParticipant:        {},
	}
}
