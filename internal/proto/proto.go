// Package proto defines the signaling wire contract: procedure names the
// client invokes on the signaling server, event names the server pushes back,
// and the payload types both sides exchange. Every other package depends on
// this one and nothing else in the module.
package proto

import (
	"encoding/json"
	"time"
)

// Client → server procedures. Each invoke is acknowledged by the server.
const (
	ProcJoinConversation  = "JoinConversation"
	ProcLeaveConversation = "LeaveConversation"
	ProcSendMessage       = "SendMessage"
	ProcMarkMessageRead   = "MarkMessageRead"
	ProcInitiateCall      = "InitiateCall"
	ProcAcceptCall        = "AcceptCall"
	ProcEndCall           = "EndCall"
	ProcSendSignal        = "SendSignal"
	ProcJoinPresenceGroup = "JoinPresenceGroup"
)

// Server → client events.
const (
	EventMessageReceived    = "MessageReceived"
	EventMessageRead        = "MessageRead"
	EventIncomingCall       = "IncomingCall"
	EventInitiateOffer      = "InitiateOffer"
	EventReceiveSignal      = "ReceiveSignal"
	EventCallEnded          = "CallEnded"
	EventInitialOnlineUsers = "InitialOnlineUsers"
	EventUserOnline         = "UserOnline"
	EventUserOffline        = "UserOffline"
)

// Frame kinds carried in an Envelope.
const (
	FrameEvent  = "event"
	FrameInvoke = "invoke"
	FrameAck    = "ack"
)

// Signal payload types relayed verbatim between call peers.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
)

// Envelope is the single frame type exchanged over the signaling channel.
// Events carry Op+Data; invokes carry Op+Data+ID; acks echo the invoke ID
// and an optional error string.
type Envelope struct {
	Kind  string          `json:"kind"`
	Op    string          `json:"op,omitempty"`
	ID    string          `json:"id,omitempty"`
	Seq   int64           `json:"seq,omitempty"`
	Data  json.RawMessage `json:"d,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Message is a chat message. The server assigns ID and CreatedAt; clients
// never synthesize either.
type Message struct {
	ID         string    `json:"id"`
	MatchID    string    `json:"match_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"content"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
}

// SendMessageArgs is the payload for ProcSendMessage.
type SendMessageArgs struct {
	MatchID    string `json:"match_id"`
	ReceiverID string `json:"receiver_id"`
	Content    string `json:"content"`
}

// MarkReadArgs is the payload for ProcMarkMessageRead.
type MarkReadArgs struct {
	MessageID string `json:"message_id"`
}

// MessageReadData is the payload of EventMessageRead.
type MessageReadData struct {
	MessageID string `json:"message_id"`
}

// ConversationArgs is the payload for ProcJoinConversation and
// ProcLeaveConversation.
type ConversationArgs struct {
	MatchID string `json:"match_id"`
}

// InitiateCallArgs is the payload for ProcInitiateCall.
type InitiateCallArgs struct {
	MatchID    string `json:"match_id"`
	ReceiverID string `json:"receiver_id"`
}

// AcceptCallArgs is the payload for ProcAcceptCall.
type AcceptCallArgs struct {
	MatchID  string `json:"match_id"`
	CallerID string `json:"caller_id"`
}

// EndCallArgs is the payload for ProcEndCall.
type EndCallArgs struct {
	MatchID string `json:"match_id"`
}

// SignalPayload carries SDP offers/answers and ICE candidates. The server
// relays it to the other call party without inspecting the contents.
// Candidate stays raw JSON so the media engine decides how to decode it.
type SignalPayload struct {
	MatchID   string          `json:"match_id"`
	Type      string          `json:"type"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// IncomingCallData is the payload of EventIncomingCall.
type IncomingCallData struct {
	MatchID  string `json:"match_id"`
	CallerID string `json:"caller_id"`
}

// InitiateOfferData is the payload of EventInitiateOffer, sent once the
// callee is known to be ready for negotiation.
type InitiateOfferData struct {
	MatchID string `json:"match_id"`
}

// CallEndedData is the payload of EventCallEnded.
type CallEndedData struct {
	MatchID string `json:"match_id"`
}

// PresenceIDs is the payload of EventInitialOnlineUsers.
type PresenceIDs struct {
	UserIDs []string `json:"user_ids"`
}

// PresenceUser is the payload of EventUserOnline and EventUserOffline.
type PresenceUser struct {
	UserID string `json:"user_id"`
}

// PresenceGroupArgs is the payload for ProcJoinPresenceGroup.
type PresenceGroupArgs struct {
	UserID string `json:"user_id"`
}
