package protocol

import "time"

// Control message types interpreted by the concierge itself. Anything else
// falls through to the router (direct delivery or host fan-out).
const (
	MsgRegisterCLI      = "REGISTER_CLI"
	MsgRegisterSentinel = "REGISTER_SENTINEL" // alias accepted for REGISTER_CLI
	MsgRegisterHost     = "REGISTER_HOST"
	MsgProfileConnected = "PROFILE_CONNECTED"
	MsgHeartbeat        = "HEARTBEAT"
	MsgPollEvents       = "POLL_EVENTS"
	MsgGetProfileState  = "GET_PROFILE_STATE"

	MsgRegisterAck  = "REGISTER_ACK"
	MsgEvents       = "EVENTS"
	MsgProfileState = "PROFILE_STATE"
)

// Message is the decoded view of a wire frame. Only the fields the
// concierge inspects are declared; routed application messages keep their
// original raw bytes, so unknown fields survive untouched.
type Message struct {
	Type          string `json:"type"`
	ProfileID     string `json:"profile_id,omitempty"`
	PID           int    `json:"pid,omitempty"`
	LaunchID      string `json:"launch_id,omitempty"`
	TargetProfile string `json:"target_profile,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	Since         string `json:"since,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
}

// RegisterAck acknowledges a REGISTER_CLI or REGISTER_HOST.
type RegisterAck struct {
	Type      string   `json:"type"`
	ConnID    string   `json:"conn_id"`
	Role      string   `json:"role"`
	ProfileID string   `json:"profile_id,omitempty"`
	Profiles  []string `json:"profiles,omitempty"`
}

// EventsResponse answers a POLL_EVENTS request.
type EventsResponse struct {
	Type   string  `json:"type"`
	Events []Event `json:"events"`
	Count  int     `json:"count"`
}

// ProfileStateResponse answers a GET_PROFILE_STATE request. State is nil
// when the profile is unknown.
type ProfileStateResponse struct {
	Type      string `json:"type"`
	ProfileID string `json:"profile_id"`
	State     any    `json:"state"`
}

// RouteAck confirms a routed delivery back to the sending sentinel.
type RouteAck struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Target    string `json:"target"`
}

// RouteError reports a failed routing attempt to the sender.
type RouteError struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// Event is one entry in the concierge event log. Timestamp is a
// fixed-width UTC string so insertion order and lexicographic order agree.
type Event struct {
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

type EventType string

const (
	EventOnboardingComplete   EventType = "ONBOARDING_COMPLETE"
	EventIntentComplete       EventType = "INTENT_COMPLETE"
	EventIntentFailed         EventType = "INTENT_FAILED"
	EventExtensionError       EventType = "EXTENSION_ERROR"
	EventProfileStatusChange  EventType = "PROFILE_STATUS_CHANGE"
	EventServiceStatus        EventType = "BRAIN_SERVICE_STATUS"
	EventProfileConnected     EventType = "PROFILE_CONNECTED"
	EventProfileDisconnected  EventType = "PROFILE_DISCONNECTED"
)

// IsCritical returns true if events of this type must be persisted to disk
// and survive a service restart.
func (e EventType) IsCritical() bool {
	switch e {
	case EventOnboardingComplete, EventIntentComplete, EventIntentFailed,
		EventExtensionError, EventProfileStatusChange, EventServiceStatus,
		EventProfileConnected, EventProfileDisconnected:
		return true
	default:
		return false
	}
}

// timestampLayout is fixed-width (microsecond precision, always 'Z') so
// POLL_EVENTS cursor comparisons can stay plain string comparisons.
const timestampLayout = "2006-01-02T15:04:05.000000Z"

// UTCTimestamp formats t for event timestamps and runtime state fields.
func UTCTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// NowTimestamp returns the current time in event timestamp format.
func NowTimestamp() string {
	return UTCTimestamp(time.Now())
}
