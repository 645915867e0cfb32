package websocket

import "encoding/json"

// Client to server.
const (
	EventJoinRoom          = "join-room"
	EventJoinConversation  = "join-conversation"
	EventLeaveConversation = "leave-conversation"
	EventTyping            = "typing"
	EventStopTyping        = "stop-typing"
	EventCheckUserOnline   = "check-user-online"
	EventCheckUsersOnline  = "check-users-online"
)

// Server to client.
const (
	EventUserOnline          = "user-online"
	EventUserOffline         = "user-offline"
	EventUserOnlineStatus    = "user-online-status"
	EventUsersOnlineStatus   = "users-online-status"
	EventReceiveMessage      = "receive-message"
	EventMessagesRead        = "messages-read"
	EventMessageEdited       = "message-edited"
	EventMessageDeleted      = "message-deleted"
	EventConversationUpdated = "conversation-updated"
	EventConversationDeleted = "conversation-deleted"
	EventIncomingCall        = "incoming-call"
	EventCallUpdated         = "call-updated"
	EventError               = "error"
)

// Envelope is the wire format of every frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func encode(event string, data any) ([]byte, error) {
	return json.Marshal(outbound{Event: event, Data: data})
}

func UserRoom(userID string) string { return "user:" + userID }

func ConversationRoom(conversationID string) string { return "conversation:" + conversationID }
