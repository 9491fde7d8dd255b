package chat

import "time"

// MessageType distinguishes text messages from image attachments.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
)

// Message is one row of the messages table.
type Message struct {
	ID        string      `json:"id"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	UserID    string      `json:"user_id"`
	RoomID    string      `json:"room_id"`
	CreatedAt time.Time   `json:"created_at"`
	ImageURL  *string     `json:"image_url,omitempty"`
}

// Room is a chat room. Rooms are not stored: they are derived from the
// distinct room ids observed in message history, so Title is synthetic.
type Room struct {
	ID        string
	Title     string
	Thumbnail *string
}

// ActivityLevel is the coarse classification of a room's recent volume.
type ActivityLevel string

const (
	ActivityHigh   ActivityLevel = "high"
	ActivityMedium ActivityLevel = "medium"
	ActivityLow    ActivityLevel = "low"
)

// LevelForCount classifies a message count. Boundaries are exact: 20 is high,
// 5 is medium, 4 is low.
func LevelForCount(count int) ActivityLevel {
	switch {
	case count >= 20:
		return ActivityHigh
	case count >= 5:
		return ActivityMedium
	default:
		return ActivityLow
	}
}

// RoomActivity is a room with its derived activity stats.
type RoomActivity struct {
	Room
	MessageCount int
	LastActive   *time.Time
	Level        ActivityLevel
}
