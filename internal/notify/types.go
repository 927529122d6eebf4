package notify

import "time"

// Config controls the async push pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// Message is the payload handed to a Pusher. Data carries correlation keys
// (reminder/alarm/entity ids) for the client to deep-link on.
type Message struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Preferences is a user's notification gate: one global push switch plus
// per-category flags. A category missing from the map is enabled; only an
// explicit false disables it.
type Preferences struct {
	UserID      string
	PushEnabled bool
	Categories  map[string]bool
	UpdatedAt   time.Time
}

// Allows resolves the effective "should notify" for a category.
func (p Preferences) Allows(category string) bool {
	if !p.PushEnabled {
		return false
	}
	if v, ok := p.Categories[category]; ok {
		return v
	}
	return true
}

// DefaultPreferences is what a user without a stored row resolves to:
// everything enabled.
func DefaultPreferences(userID string) Preferences {
	return Preferences{UserID: userID, PushEnabled: true}
}

// NotificationStatus tracks the one-shot notification path.
type NotificationStatus string

const (
	StatusPending NotificationStatus = "PENDING"
	StatusSent    NotificationStatus = "SENT"
	StatusFailed  NotificationStatus = "FAILED"
)

// Notification is a one-shot push record (task assigned/created, alarm
// trigger). Unlike reminders it never recurs; it is marked sent or failed
// exactly once.
type Notification struct {
	ID        string
	UserID    string
	Category  string
	Message   Message
	Status    NotificationStatus
	CreatedAt time.Time
	SentAt    *time.Time
}

// Event payload published on the bus for notify.* events.
type DeliveryEvent struct {
	UserID   string `json:"user_id"`
	Category string `json:"category"`
	Title    string `json:"title"`
	Error    string `json:"error,omitempty"`
}
