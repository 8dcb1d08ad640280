// ABOUTME: Formatting for the human-readable markdown mirror of each chat
// ABOUTME: The mirror is non-authoritative; the structured chat record is the source of truth

package store

import (
	"fmt"
	"strings"
	"time"
)

// mirrorTimeFormat matches the millisecond ISO-8601 stamps existing mirror logs use.
const mirrorTimeFormat = "2006-01-02T15:04:05.000Z"

// FormatMirrorHeader returns the header written when a chat is created.
func FormatMirrorHeader(chat *Chat) string {
	return fmt.Sprintf("# Chat: %s\nID: %s\nDate: %s\n\n",
		chat.Title, chat.ID, formatMirrorTime(chat.CreatedAt))
}

// FormatMirrorLine returns the log line appended for a message.
func FormatMirrorLine(msg *Message) string {
	return fmt.Sprintf("\n[%s] **%s**: %s\n",
		formatMirrorTime(msg.CreatedAt), strings.ToUpper(string(msg.Role)), msg.Content)
}

func formatMirrorTime(t time.Time) string {
	return t.UTC().Format(mirrorTimeFormat)
}
