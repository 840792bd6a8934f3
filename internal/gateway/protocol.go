package gateway

import "time"

// Inbound control message types.
const (
	MsgSessionConnect    = "session.connect"
	MsgSessionDisconnect = "session.disconnect"
	MsgPTTStart          = "ptt.start"
	MsgPTTStop           = "ptt.stop"
	MsgCameraFrame       = "camera.frame"
)

// Outbound message types.
const (
	MsgConversationItem = "conversation.item"
	MsgEvent            = "event"
	MsgSnapshot         = "snapshot"
	MsgAlert            = "alert"
	MsgSessionState     = "session.state"
)

// Inbound is a control message from the browser. Only the fields relevant to
// Type are set.
type Inbound struct {
	Type string `json:"type"`

	// Image is the base64 JPEG of a camera.frame.
	Image string `json:"image,omitempty"`
}

// ConversationItem updates one transcript line in the UI.
type ConversationItem struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id"`
	Role   string `json:"role"`
	Text   string `json:"text"`
	Status string `json:"status"`
}

// EventLog is one line of the debug event log.
type EventLog struct {
	Type string    `json:"type"`
	Name string    `json:"name"`
	Time time.Time `json:"time"`
}

// Alert is a user-facing error.
type Alert struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SessionState reports whether a realtime session is live.
type SessionState struct {
	Type           string `json:"type"`
	Connected      bool   `json:"connected"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Snapshot lights the snapshot indicator.
type Snapshot struct {
	Type string `json:"type"`
}
