// Package message defines the message and destination types shared by the
// broker, the transports and the consumer runtime.
package message

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Well-known property names.
const (
	// PropDeliveryCount is stamped by the retry path with the attempt number
	// the resent copy represents.
	PropDeliveryCount = "x-delivery-count"
	// PropScheduledDelay asks the broker to hold a message for this many
	// milliseconds before making it available.
	PropScheduledDelay = "x-scheduled-delay"
	// PropScheduledJobID is assigned by the broker to scheduled messages.
	PropScheduledJobID = "x-scheduled-job-id"
	// PropProcessorKey selects the dispatch handler ahead of the body's type field.
	PropProcessorKey = "processor_key"
	// PropError and PropErrorStackTrace are attached to messages forwarded
	// to an error destination.
	PropError           = "error"
	PropErrorStackTrace = "errorStackTrace"
	// PropContentType describes the body encoding of a structured error record.
	PropContentType = "content-type"
	// PropOriginalID links an error record back to the failed message.
	PropOriginalID = "x-original-message-id"
)

// ErrReadOnly is returned when mutating the properties of a received message
// that has not had ClearReadOnly called on it.
var ErrReadOnly = errors.New("message: properties are read-only")

// Kind distinguishes point-to-point queues from publish/subscribe topics.
type Kind int

const (
	KindQueue Kind = iota
	KindTopic
)

func (k Kind) String() string {
	switch k {
	case KindQueue:
		return "queue"
	case KindTopic:
		return "topic"
	default:
		return "unknown"
	}
}

// ParseKind accepts "queue" or "topic" (case-insensitive). Empty means queue.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "queue":
		return KindQueue, nil
	case "topic":
		return KindTopic, nil
	default:
		return KindQueue, fmt.Errorf("unknown destination kind %q", s)
	}
}

// Destination names a queue or topic.
type Destination struct {
	Name string
	Kind Kind
}

func Queue(name string) Destination { return Destination{Name: name, Kind: KindQueue} }
func Topic(name string) Destination { return Destination{Name: name, Kind: KindTopic} }

func (d Destination) String() string { return d.Kind.String() + "://" + d.Name }

// IsZero reports whether no destination is set.
func (d Destination) IsZero() bool { return d.Name == "" }

// ParseDestination accepts "queue://name", "topic://name" or a bare queue name.
func ParseDestination(s string) (Destination, error) {
	kind, name, ok := strings.Cut(s, "://")
	if !ok {
		kind, name = "queue", s
	}
	k, err := ParseKind(kind)
	if err != nil {
		return Destination{}, err
	}
	if name == "" {
		return Destination{}, fmt.Errorf("destination %q has no name", s)
	}
	return Destination{Name: name, Kind: k}, nil
}

// Message is a text message with a string property bag.
type Message struct {
	ID          string
	Destination Destination
	Body        string
	Properties  map[string]string
	Priority    uint32
	// Deliveries is the broker's count of deliveries including this one.
	Deliveries int
	Timestamp  time.Time

	readOnly bool
}

// New builds a writable message.
func New(body string) *Message {
	return &Message{Body: body, Properties: map[string]string{}}
}

// Property returns a property value and whether it is set.
func (m *Message) Property(name string) (string, bool) {
	v, ok := m.Properties[name]
	return v, ok
}

// IntProperty parses a property as a base-10 integer. ok is false when the
// property is absent.
func (m *Message) IntProperty(name string) (v int64, ok bool, err error) {
	s, ok := m.Properties[name]
	if !ok {
		return 0, false, nil
	}
	v, err = strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return v, true, err
}

// SetProperty sets a property on a writable message.
func (m *Message) SetProperty(name, value string) error {
	if m.readOnly {
		return ErrReadOnly
	}
	if m.Properties == nil {
		m.Properties = map[string]string{}
	}
	m.Properties[name] = value
	return nil
}

// DeleteProperty removes a property from a writable message.
func (m *Message) DeleteProperty(name string) error {
	if m.readOnly {
		return ErrReadOnly
	}
	delete(m.Properties, name)
	return nil
}

// Redelivered reports whether the broker has delivered this message before.
func (m *Message) Redelivered() bool { return m.Deliveries > 1 }

// MarkReadOnly freezes the property bag. Transports call it on received messages.
func (m *Message) MarkReadOnly() { m.readOnly = true }

// ClearReadOnly makes the property bag mutable again.
func (m *Message) ClearReadOnly() { m.readOnly = false }

func (m *Message) ReadOnly() bool { return m.readOnly }

// Clone returns a deep copy. The copy keeps the read-only flag.
func (m *Message) Clone() *Message {
	c := *m
	c.Properties = make(map[string]string, len(m.Properties))
	for k, v := range m.Properties {
		c.Properties[k] = v
	}
	return &c
}
