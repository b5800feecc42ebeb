package realtime

// Kind is the closed set of domain event types the orchestrator can
// deliver. Adding a type means extending this enum and the wire table,
// which keeps dispatch a compile-time-checked switch rather than
// dynamic string registration.
type Kind int

const (
	KindMessage Kind = iota
	KindChatMessage
	KindDeliveryReceipt
	KindReadReceipt
	KindTyping
	KindPresence
	KindReportCreated
	KindReportUpdated
	KindReportDeleted
	KindCommentCreated
	KindCommentUpdated
	KindCommentDeleted
	KindReaction
	KindPin
	KindNotification
	KindInboxUpdate
)

// wireNames maps each kind to the event name used on the push wire.
var wireNames = map[Kind]string{
	KindMessage:         "message",
	KindChatMessage:     "chat_message",
	KindDeliveryReceipt: "delivery_receipt",
	KindReadReceipt:     "read_receipt",
	KindTyping:          "typing",
	KindPresence:        "presence",
	KindReportCreated:   "report_created",
	KindReportUpdated:   "report_updated",
	KindReportDeleted:   "report_deleted",
	KindCommentCreated:  "comment_created",
	KindCommentUpdated:  "comment_updated",
	KindCommentDeleted:  "comment_deleted",
	KindReaction:        "reaction",
	KindPin:             "pin",
	KindNotification:    "notification",
	KindInboxUpdate:     "inbox_update",
}

var kindsByWire = func() map[string]Kind {
	m := make(map[string]Kind, len(wireNames))
	for k, name := range wireNames {
		m[name] = k
	}

	return m
}()

// Wire returns the event name this kind uses on the push wire.
func (k Kind) Wire() string {
	return wireNames[k]
}

func (k Kind) String() string {
	if name, ok := wireNames[k]; ok {
		return name
	}

	return "unknown"
}

// KindFromWire resolves a wire event name to its kind. Unknown names
// are dropped by the orchestrator with a telemetry warning.
func KindFromWire(name string) (Kind, bool) {
	k, ok := kindsByWire[name]
	return k, ok
}

// Envelope is one push-delivered unit after classification: the domain
// kind, the wire identity used for at-most-once processing, a trace
// identifier assigned on arrival, and the raw JSON payload. Envelopes
// are transient; only their identity is remembered (in the authority
// log) after dispatch.
type Envelope struct {
	Kind    Kind
	ID      string
	TraceID string
	Payload []byte
}

// Handler consumes one envelope. A returned error counts against the
// circuit breaker as a failed delivery.
type Handler func(Envelope) error
