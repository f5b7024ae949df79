package chat

import "time"

// Role identifies who authored a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one turn in a main transcript or an aux tab. Text grows while a
// reply streams and is immutable once the stream ends.
type Message struct {
	ID            string    `json:"id"`
	Role          Role      `json:"role"`
	Text          string    `json:"text"`
	Timestamp     time.Time `json:"timestamp"`
	SenderID      string    `json:"senderId,omitempty"`
	SenderName    string    `json:"senderName,omitempty"`
	IsAutoTrigger bool      `json:"isAutoTrigger,omitempty"`
}

// ReplyID is the synthetic id of agent presetID's reply to the user turn
// turnID. Every delta of that reply upserts the same id.
func ReplyID(turnID, presetID string) string {
	return turnID + ":" + presetID
}
