// Package reactorv1 is the wire contract of the reactor broker service. It
// uses protobuf well-known types (Struct, Empty) as messages, so both ends
// only need the standard protobuf codec.
package reactorv1

import (
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rzbill/reactor/internal/message"
)

// Metadata keys carrying credentials on every call.
const (
	MetadataUsername = "x-reactor-username"
	MetadataPassword = "x-reactor-password"
)

type DepthRequest struct {
	Queue string
}

type DepthResponse struct {
	Depth int
}

type ReceiveRequest struct {
	Queue    string
	Consumer string
	Selector string
	Wait     time.Duration
}

// ReceiveResponse carries a nil Message when the wait elapsed.
type ReceiveResponse struct {
	Message *message.Message
	Seq     uint64
}

// AckRequest also serves Release.
type AckRequest struct {
	Queue string
	Seq   uint64
}

type SendRequest struct {
	Message *message.Message
}

type SendResponse struct {
	ID string
}

type ReadTopicRequest struct {
	Topic string
	From  uint64
	Limit int
}

type TopicEntry struct {
	Seq     uint64
	Message *message.Message
}

type ReadTopicResponse struct {
	Entries []TopicEntry
	Next    uint64
}

type HealthResponse struct {
	Status string
}

// Struct field names. Sequence numbers travel as decimal strings since
// Struct numbers are float64.
const (
	fQueue       = "queue"
	fTopic       = "topic"
	fConsumer    = "consumer"
	fSelector    = "selector"
	fWaitMs      = "wait_ms"
	fDepth       = "depth"
	fSeq         = "seq"
	fMessage     = "message"
	fID          = "id"
	fFrom        = "from"
	fLimit       = "limit"
	fEntries     = "entries"
	fNext        = "next"
	fStatus      = "status"
	fDestination = "destination"
	fBody        = "body"
	fProperties  = "properties"
	fPriority    = "priority"
	fDeliveries  = "deliveries"
	fTimestampMs = "timestamp_ms"
)

func newStruct(fields map[string]*structpb.Value) *structpb.Struct {
	return &structpb.Struct{Fields: fields}
}

func str(s string) *structpb.Value      { return structpb.NewStringValue(s) }
func num(n float64) *structpb.Value     { return structpb.NewNumberValue(n) }
func seqValue(n uint64) *structpb.Value { return str(strconv.FormatUint(n, 10)) }

func getString(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func getInt(s *structpb.Struct, key string) int64 {
	return int64(s.GetFields()[key].GetNumberValue())
}

func getSeq(s *structpb.Struct, key string) (uint64, error) {
	raw := getString(s, key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", key, err)
	}
	return n, nil
}

// EncodeMessage converts m to its wire form.
func EncodeMessage(m *message.Message) *structpb.Struct {
	props := make(map[string]*structpb.Value, len(m.Properties))
	for k, v := range m.Properties {
		props[k] = str(v)
	}
	fields := map[string]*structpb.Value{
		fID:         str(m.ID),
		fBody:       str(m.Body),
		fProperties: structpb.NewStructValue(newStruct(props)),
		fPriority:   num(float64(m.Priority)),
		fDeliveries: num(float64(m.Deliveries)),
	}
	if !m.Destination.IsZero() {
		fields[fDestination] = str(m.Destination.String())
	}
	if !m.Timestamp.IsZero() {
		fields[fTimestampMs] = num(float64(m.Timestamp.UnixMilli()))
	}
	return newStruct(fields)
}

// DecodeMessage is the inverse of EncodeMessage. The result is writable.
func DecodeMessage(s *structpb.Struct) (*message.Message, error) {
	if s == nil {
		return nil, nil
	}
	m := message.New(getString(s, fBody))
	m.ID = getString(s, fID)
	if raw := getString(s, fDestination); raw != "" {
		d, err := message.ParseDestination(raw)
		if err != nil {
			return nil, err
		}
		m.Destination = d
	}
	for k, v := range s.GetFields()[fProperties].GetStructValue().GetFields() {
		m.Properties[k] = v.GetStringValue()
	}
	m.Priority = uint32(getInt(s, fPriority))
	m.Deliveries = int(getInt(s, fDeliveries))
	if ms := getInt(s, fTimestampMs); ms > 0 {
		m.Timestamp = time.UnixMilli(ms)
	}
	return m, nil
}

func (r DepthRequest) Struct() *structpb.Struct {
	return newStruct(map[string]*structpb.Value{fQueue: str(r.Queue)})
}

func DecodeDepthRequest(s *structpb.Struct) (DepthRequest, error) {
	return DepthRequest{Queue: getString(s, fQueue)}, nil
}

func (r DepthResponse) Struct() *structpb.Struct {
	return newStruct(map[string]*structpb.Value{fDepth: num(float64(r.Depth))})
}

func DecodeDepthResponse(s *structpb.Struct) (DepthResponse, error) {
	return DepthResponse{Depth: int(getInt(s, fDepth))}, nil
}

func (r ReceiveRequest) Struct() *structpb.Struct {
	return newStruct(map[string]*structpb.Value{
		fQueue:    str(r.Queue),
		fConsumer: str(r.Consumer),
		fSelector: str(r.Selector),
		fWaitMs:   num(float64(r.Wait.Milliseconds())),
	})
}

func DecodeReceiveRequest(s *structpb.Struct) (ReceiveRequest, error) {
	return ReceiveRequest{
		Queue:    getString(s, fQueue),
		Consumer: getString(s, fConsumer),
		Selector: getString(s, fSelector),
		Wait:     time.Duration(getInt(s, fWaitMs)) * time.Millisecond,
	}, nil
}

func (r ReceiveResponse) Struct() *structpb.Struct {
	fields := map[string]*structpb.Value{}
	if r.Message != nil {
		fields[fMessage] = structpb.NewStructValue(EncodeMessage(r.Message))
		fields[fSeq] = seqValue(r.Seq)
	}
	return newStruct(fields)
}

// DecodeReceiveResponse marks the returned message read-only, as a received
// message is.
func DecodeReceiveResponse(s *structpb.Struct) (ReceiveResponse, error) {
	ms := s.GetFields()[fMessage].GetStructValue()
	if ms == nil {
		return ReceiveResponse{}, nil
	}
	m, err := DecodeMessage(ms)
	if err != nil {
		return ReceiveResponse{}, err
	}
	seq, err := getSeq(s, fSeq)
	if err != nil {
		return ReceiveResponse{}, err
	}
	m.MarkReadOnly()
	return ReceiveResponse{Message: m, Seq: seq}, nil
}

func (r AckRequest) Struct() *structpb.Struct {
	return newStruct(map[string]*structpb.Value{fQueue: str(r.Queue), fSeq: seqValue(r.Seq)})
}

func DecodeAckRequest(s *structpb.Struct) (AckRequest, error) {
	seq, err := getSeq(s, fSeq)
	return AckRequest{Queue: getString(s, fQueue), Seq: seq}, err
}

func (r SendRequest) Struct() *structpb.Struct {
	return newStruct(map[string]*structpb.Value{fMessage: structpb.NewStructValue(EncodeMessage(r.Message))})
}

func DecodeSendRequest(s *structpb.Struct) (SendRequest, error) {
	m, err := DecodeMessage(s.GetFields()[fMessage].GetStructValue())
	if err != nil {
		return SendRequest{}, err
	}
	if m == nil {
		return SendRequest{}, fmt.Errorf("field %s: missing", fMessage)
	}
	return SendRequest{Message: m}, nil
}

func (r SendResponse) Struct() *structpb.Struct {
	return newStruct(map[string]*structpb.Value{fID: str(r.ID)})
}

func DecodeSendResponse(s *structpb.Struct) (SendResponse, error) {
	return SendResponse{ID: getString(s, fID)}, nil
}

func (r ReadTopicRequest) Struct() *structpb.Struct {
	return newStruct(map[string]*structpb.Value{
		fTopic: str(r.Topic),
		fFrom:  seqValue(r.From),
		fLimit: num(float64(r.Limit)),
	})
}

func DecodeReadTopicRequest(s *structpb.Struct) (ReadTopicRequest, error) {
	from, err := getSeq(s, fFrom)
	return ReadTopicRequest{Topic: getString(s, fTopic), From: from, Limit: int(getInt(s, fLimit))}, err
}

func (r ReadTopicResponse) Struct() *structpb.Struct {
	entries := make([]*structpb.Value, 0, len(r.Entries))
	for _, e := range r.Entries {
		entries = append(entries, structpb.NewStructValue(newStruct(map[string]*structpb.Value{
			fSeq:     seqValue(e.Seq),
			fMessage: structpb.NewStructValue(EncodeMessage(e.Message)),
		})))
	}
	return newStruct(map[string]*structpb.Value{
		fEntries: structpb.NewListValue(&structpb.ListValue{Values: entries}),
		fNext:    seqValue(r.Next),
	})
}

func DecodeReadTopicResponse(s *structpb.Struct) (ReadTopicResponse, error) {
	next, err := getSeq(s, fNext)
	if err != nil {
		return ReadTopicResponse{}, err
	}
	out := ReadTopicResponse{Next: next}
	for _, v := range s.GetFields()[fEntries].GetListValue().GetValues() {
		es := v.GetStructValue()
		seq, err := getSeq(es, fSeq)
		if err != nil {
			return ReadTopicResponse{}, err
		}
		m, err := DecodeMessage(es.GetFields()[fMessage].GetStructValue())
		if err != nil {
			return ReadTopicResponse{}, err
		}
		out.Entries = append(out.Entries, TopicEntry{Seq: seq, Message: m})
	}
	return out, nil
}

func (r HealthResponse) Struct() *structpb.Struct {
	return newStruct(map[string]*structpb.Value{fStatus: str(r.Status)})
}

func DecodeHealthResponse(s *structpb.Struct) (HealthResponse, error) {
	return HealthResponse{Status: getString(s, fStatus)}, nil
}
