package widget

import (
	"fmt"
	"time"
)

type Role string

const (
	RoleUser     Role = "user"
	RoleBot      Role = "bot"
	RoleBotError Role = "bot-error"
	RoleSystem   Role = "system"
)

// Message is one transcript entry. Time is stamped when it is rendered.
type Message struct {
	Content string    `json:"content"`
	Role    Role      `json:"role"`
	Time    time.Time `json:"time"`
}

// Label is the time label shown next to the message. System messages have none.
func (m Message) Label() string {
	if m.Role == RoleSystem {
		return ""
	}
	return FormatClock(m.Time)
}

// FormatClock renders t as h:MM AM/PM on a 12-hour clock, so midnight is
// "12:00 AM" and noon "12:00 PM".
func FormatClock(t time.Time) string {
	hours := t.Hour()
	suffix := "AM"
	if hours >= 12 {
		suffix = "PM"
	}
	hours %= 12
	if hours == 0 {
		hours = 12
	}
	return fmt.Sprintf("%d:%02d %s", hours, t.Minute(), suffix)
}
