package controllers

import (
	"time"

	"github.com/rzbill/reactor/internal/message"
)

// Common request/response types for HTTP controllers

// sendReq represents a request to put a message on a queue or topic.
type sendReq struct {
	Body       string            `json:"body"`
	Properties map[string]string `json:"properties"`
	Priority   uint32            `json:"priority"`
}

// sendResp carries the broker-assigned message id.
type sendResp struct {
	ID string `json:"id"`
}

// messageView is the JSON form of a stored message.
type messageView struct {
	Seq         uint64            `json:"seq,omitempty"`
	ID          string            `json:"id"`
	Destination string            `json:"destination"`
	Body        string            `json:"body"`
	Properties  map[string]string `json:"properties,omitempty"`
	Priority    uint32            `json:"priority,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

func viewOf(seq uint64, m *message.Message) messageView {
	return messageView{
		Seq:         seq,
		ID:          m.ID,
		Destination: m.Destination.String(),
		Body:        m.Body,
		Properties:  m.Properties,
		Priority:    m.Priority,
		Timestamp:   m.Timestamp,
	}
}

// topicReadResp is one page of a topic.
type topicReadResp struct {
	Entries []messageView `json:"entries"`
	Next    uint64        `json:"next"`
}

// queueStatsResp reports per-state counts of a queue.
type queueStatsResp struct {
	Queue     string `json:"queue"`
	Ready     int    `json:"ready"`
	Scheduled int    `json:"scheduled"`
	Leased    int    `json:"leased"`
}
