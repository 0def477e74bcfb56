package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind is the closed set of events the gateway pushes to clients.
// ARCHITECTURAL DISCOVERY: Kinds are an enumeration, not free-form strings, so an
// unknown kind fails at construction instead of reaching a socket
type EventKind int

const (
	KindNewMessage EventKind = iota + 1
	KindMessageStatusChanged
	KindConversationUpdated
	KindConversationCreated
	KindTypingIndicator
	KindConnectionAck
	KindHeartbeat
	KindAgentNotification
	KindInboxUpdated
	KindFrameAck
)

var kindNames = map[EventKind]string{
	KindNewMessage:           "new_message",
	KindMessageStatusChanged: "message_status_changed",
	KindConversationUpdated:  "conversation_updated",
	KindConversationCreated:  "conversation_created",
	KindTypingIndicator:      "user_typing",
	KindConnectionAck:        "connected",
	KindHeartbeat:            "heartbeat",
	KindAgentNotification:    "agent_notification",
	KindInboxUpdated:         "inbox_updated",
	KindFrameAck:             "ack",
}

var kindsByName = func() map[string]EventKind {
	m := make(map[string]EventKind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

// String returns the wire name of the kind
func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Valid reports whether k is one of the declared kinds
func (k EventKind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseEventKind maps a wire name back to its kind
func ParseEventKind(name string) (EventKind, error) {
	if k, ok := kindsByName[name]; ok {
		return k, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEventKind, name)
}

// TimestampLayout is the ISO-8601 form used on the wire
const TimestampLayout = time.RFC3339Nano

// Envelope is one immutable, timestamped event destined for clients
// FUNCTIONAL DISCOVERY: Socket and backbone serializations both go through ToMap,
// so the two forms carry identical content
type Envelope struct {
	kind      EventKind
	data      map[string]interface{}
	timestamp time.Time
}

// NewEnvelope builds an envelope stamped with the current time.
// It panics if kind is not a declared EventKind.
func NewEnvelope(kind EventKind, data map[string]interface{}) *Envelope {
	return NewEnvelopeAt(kind, data, time.Time{})
}

// NewEnvelopeAt builds an envelope with an explicit timestamp; a zero
// timestamp means now. It panics if kind is not a declared EventKind.
func NewEnvelopeAt(kind EventKind, data map[string]interface{}, ts time.Time) *Envelope {
	if !kind.Valid() {
		panic(fmt.Sprintf("types: unknown event kind %d", int(kind)))
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return &Envelope{
		kind:      kind,
		data:      copyData(data),
		timestamp: ts.UTC(),
	}
}

func (e *Envelope) Kind() EventKind      { return e.kind }
func (e *Envelope) Timestamp() time.Time { return e.timestamp }

// Data returns a shallow copy of the payload
func (e *Envelope) Data() map[string]interface{} {
	return copyData(e.data)
}

// ToMap returns the transport-neutral form: {event, data, timestamp}
func (e *Envelope) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"event":     e.kind.String(),
		"data":      copyData(e.data),
		"timestamp": e.timestamp.Format(TimestampLayout),
	}
}

func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToMap())
}

type envelopeWire struct {
	Event     string                 `json:"event"`
	Data      map[string]interface{} `json:"data"`
	Timestamp string                 `json:"timestamp"`
}

// UnmarshalJSON decodes an envelope received from the backbone.
// Unknown kinds are reported as errors here since the input is remote.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	kind, err := ParseEventKind(w.Event)
	if err != nil {
		return err
	}
	ts := time.Now().UTC()
	if w.Timestamp != "" {
		parsed, err := time.Parse(TimestampLayout, w.Timestamp)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
		}
		ts = parsed.UTC()
	}
	e.kind = kind
	e.data = copyData(w.Data)
	e.timestamp = ts
	return nil
}

// BackboneMessage is what travels over the distributed bus.
// Exactly one of Topic and Actor is set.
type BackboneMessage struct {
	Topic    string    `json:"topic,omitempty"`
	Actor    string    `json:"actor,omitempty"`
	Envelope *Envelope `json:"envelope"`
}

// NewTopicMessage targets every local subscriber of topic
func NewTopicMessage(topic string, env *Envelope) *BackboneMessage {
	return &BackboneMessage{Topic: topic, Envelope: env}
}

// NewActorMessage targets every local connection of actor
func NewActorMessage(actor string, env *Envelope) *BackboneMessage {
	return &BackboneMessage{Actor: actor, Envelope: env}
}

func copyData(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
