package chat

import "time"

type SessionStatus string

const (
	StatusIdle SessionStatus = "idle"
	// StatusAwaiting marks a session whose latest user message has no reply
	// persisted yet.
	StatusAwaiting SessionStatus = "awaiting_response"
)

const (
	RoleUser  = "user"
	RoleModel = "model"
)

type Session struct {
	ID        uint64        `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID string        `gorm:"type:varchar(26);uniqueIndex;not null" json:"id"`
	UserID    uint64        `gorm:"index;not null" json:"-"`
	Title     string        `gorm:"type:varchar(255);not null" json:"title"`
	Provider  string        `gorm:"type:varchar(32);not null" json:"provider"`
	Model     string        `gorm:"type:varchar(64);not null" json:"model"`
	Status    SessionStatus `gorm:"type:varchar(24);not null;default:idle" json:"-"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `gorm:"index" json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

func (s *Session) Pending() bool { return s.Status == StatusAwaiting }

type Message struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"type:varchar(26);not null;index:idx_chat_msg_user_session_id,priority:2" json:"-"`
	UserID    uint64    `gorm:"not null;index:idx_chat_msg_user_session_id,priority:1" json:"-"`
	Role      string    `gorm:"type:varchar(16);not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// History is a session with its messages in insertion order.
type History struct {
	Session  *Session
	Messages []Message
}
