package notifier

import (
	"time"

	kit "relaybot/internal/transport"
)

// Config controls the outbound lanes. Zero values fall back to defaults.
type Config struct {
	QueueSize   int
	RatePerSec  int
	Burst       int
	SendTimeout time.Duration
	// IdleTimeout retires a lane that has been empty this long.
	IdleTimeout time.Duration

	Main     kit.ChatTarget
	Announce kit.ChatTarget
}

type destKind uint8

const (
	destMain destKind = iota + 1
	destAnnounce
	destReply
)

// Destination names where a message goes. Main and announce resolve through the
// current config; replies carry their own chat.
type Destination struct {
	kind   destKind
	target kit.ChatTarget
}

var (
	DestMain     = Destination{kind: destMain}
	DestAnnounce = Destination{kind: destAnnounce}
)

func Reply(to kit.ChatTarget) Destination { return Destination{kind: destReply, target: to} }

func (d Destination) String() string {
	switch d.kind {
	case destMain:
		return "main"
	case destAnnounce:
		return "announce"
	case destReply:
		return "reply"
	default:
		return "unknown"
	}
}

// Message is one line bound for one destination.
type Message struct {
	Dest Destination
	Text string
}

// DeliveryEvent is the payload of notifier events on the bus.
type DeliveryEvent struct {
	Destination string    `json:"destination"`
	ChatID      int64     `json:"chat_id"`
	ThreadID    int       `json:"thread_id,omitempty"`
	At          time.Time `json:"at"`
	Error       string    `json:"error,omitempty"`
}

type HistoryItem struct {
	At     time.Time
	ChatID int64
	Text   string
}
