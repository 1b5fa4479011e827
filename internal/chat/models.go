package chat

import (
	"strings"
	"time"
	"unicode/utf8"
)

const maxTitleLen = 100

type Chat struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	ChatID    string    `gorm:"type:varchar(36);uniqueIndex;not null" json:"chat_id"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	Title     string    `gorm:"type:varchar(100);not null" json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// loaded separately, ordered by ordinal
	Messages []Message `gorm:"-" json:"messages,omitempty"`
}

func (Chat) TableName() string { return "chats" }

type Message struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	MessageID string    `gorm:"type:varchar(36);not null" json:"id"`
	ChatID    string    `gorm:"type:varchar(36);not null;index:uniq_chat_msg_ordinal,unique,priority:1" json:"-"`
	Role      string    `gorm:"type:varchar(16);not null" json:"role"`
	Ordinal   int       `gorm:"not null;index:uniq_chat_msg_ordinal,unique,priority:2" json:"ordinal"`
	Parts     PartList  `gorm:"type:text;not null" json:"parts"`
	CreatedAt time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// TitleFromMessages derives a chat title from the first user message,
// truncated to the column bound.
func TitleFromMessages(messages []Message) string {
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		var b strings.Builder
		for _, p := range m.Parts {
			if p.Type == PartTypeText {
				b.WriteString(p.Text)
			}
		}
		title := strings.TrimSpace(b.String())
		if title == "" {
			continue
		}
		return truncate(title, maxTitleLen)
	}
	return "New Chat"
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
