// Package unread defines the values exchanged between the counts API, the
// realtime channel and the agent's components.
package unread

const (
	ScopeNotifications = "notifications"
	ScopeMessages      = "messages"
)

// Item is one unread notification or chat message. ThreadID groups chat
// messages by conversation; notifications use their scope as thread.
type Item struct {
	ID        string `json:"id"`
	ThreadID  string `json:"threadId,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Title     string `json:"title,omitempty"`
	Body      string `json:"body,omitempty"`
	URL       string `json:"url,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// Thread is the dedup key for arrival detection.
func (i Item) Thread() string {
	if i.ThreadID != "" {
		return i.ThreadID
	}
	if i.Scope != "" {
		return i.Scope
	}
	return ScopeNotifications
}

// Counts is the authoritative unread state for one user. Latest carries the
// newest unread item of every thread when the server provides it.
type Counts struct {
	Notifications int    `json:"notifications"`
	Messages      int    `json:"messages"`
	Latest        []Item `json:"latest,omitempty"`
}

func (c Counts) For(scope string) int {
	if scope == ScopeMessages {
		return c.Messages
	}
	return c.Notifications
}

func NormalizeScope(scope string) string {
	if scope == ScopeMessages {
		return ScopeMessages
	}
	return ScopeNotifications
}
