package chat

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Presentation helpers for rendering chat state. These are pure
// formatting functions: they never touch the store.

// FormatMessageTime renders a message timestamp as hour and minute.
func FormatMessageTime(ts time.Time) string {
	return ts.Local().Format("15:04")
}

// FormatDay renders a day separator: "Today", "Yesterday", or the date.
func FormatDay(day, now time.Time) string {
	today := calendarDay(now)
	switch {
	case calendarDay(day).Equal(today):
		return "Today"
	case calendarDay(day).Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	default:
		return day.Format("January 2")
	}
}

// FormatRecentTime renders a room-list timestamp: time of day within the
// last 24 hours, short date otherwise.
func FormatRecentTime(ts, now time.Time) string {
	if now.Sub(ts) < 24*time.Hour {
		return ts.Local().Format("15:04")
	}
	return ts.Local().Format("02.01")
}

// TypingLine renders the typing indicator for the given users, or ""
// when nobody is typing.
func TypingLine(usernames []string) string {
	if len(usernames) == 0 {
		return ""
	}
	return fmt.Sprintf("%s typing...", strings.Join(usernames, ", "))
}

// UnreadBadge renders an unread counter, capped for display.
func UnreadBadge(count int) string {
	if count <= 0 {
		return ""
	}
	if count > 99 {
		return "99+"
	}
	return strconv.Itoa(count)
}
