package controllers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rzbill/reactor/internal/broker"
	"github.com/rzbill/reactor/internal/message"
)

const (
	defaultTopicPage = 100
	maxTopicPage     = 1000
)

// DestinationsController exposes queues and topics of an embedded broker.
type DestinationsController struct {
	b *broker.Broker
}

func NewDestinationsController(b *broker.Broker) *DestinationsController {
	return &DestinationsController{b: b}
}

// RegisterRoutes registers queue and topic routes:
//   - GET  /v1/queues/{name}/stats
//   - POST /v1/queues/{name}/messages
//   - POST /v1/topics/{name}/messages
//   - GET  /v1/topics/{name}/messages?from=&limit=
func (c *DestinationsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/queues/{name}/stats", c.handleQueueStats)
	mux.HandleFunc("POST /v1/queues/{name}/messages", c.handleSend(message.KindQueue))
	mux.HandleFunc("POST /v1/topics/{name}/messages", c.handleSend(message.KindTopic))
	mux.HandleFunc("GET /v1/topics/{name}/messages", c.handleTopicRead)
}

func (c *DestinationsController) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	q, err := c.b.Queue(name)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	s, err := q.Stats(r.Context())
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, queueStatsResp{Queue: name, Ready: s.Ready, Scheduled: s.Scheduled, Leased: s.Leased})
}

func (c *DestinationsController) handleSend(kind message.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		m := message.New(req.Body)
		m.Destination = message.Destination{Name: r.PathValue("name"), Kind: kind}
		m.Priority = req.Priority
		for k, v := range req.Properties {
			m.Properties[k] = v
		}
		id, err := c.b.Send(r.Context(), m)
		if err != nil {
			writeBrokerError(w, err)
			return
		}
		writeStatus(w, http.StatusAccepted, sendResp{ID: id})
	}
}

func (c *DestinationsController) handleTopicRead(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	from, err := parseSeq(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from")
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), defaultTopicPage, maxTopicPage)
	t, err := c.b.Topic(name)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	entries, next, err := t.Read(from, limit)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	resp := topicReadResp{Entries: make([]messageView, 0, len(entries)), Next: next}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, viewOf(e.Seq, e.Message(name)))
	}
	writeJSON(w, resp)
}

func writeBrokerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, broker.ErrInvalidName), errors.Is(err, broker.ErrInvalidProperty):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
