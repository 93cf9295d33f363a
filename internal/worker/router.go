package worker

import (
	"github.com/rzbill/reactor/internal/failure"
	"github.com/rzbill/reactor/internal/message"
)

// ContentTypeJSON marks the body of a converted error record.
const ContentTypeJSON = "application/json"

// errorRouter builds the message forwarded to the error destination.
type errorRouter struct {
	dest    message.Destination
	convert bool
}

// enabled reports whether failed messages have somewhere to go.
func (r errorRouter) enabled() bool { return !r.dest.IsZero() }

// build returns the message to send for m failing with err. In convert mode
// it is a fresh message carrying the JSON record; otherwise it is a writable
// copy of m annotated with the error and stack trace.
func (r errorRouter) build(m *message.Message, err error) (*message.Message, error) {
	rec := failure.NewRecord(err)
	if r.convert {
		body, jerr := rec.JSON()
		if jerr != nil {
			return nil, jerr
		}
		out := message.New(string(body))
		out.Destination = r.dest
		out.Properties[message.PropContentType] = ContentTypeJSON
		out.Properties[message.PropOriginalID] = m.ID
		return out, nil
	}

	out := m.Clone()
	out.ClearReadOnly()
	out.Destination = r.dest
	// a retried message still carries its last delay
	for _, p := range []string{message.PropScheduledDelay, message.PropScheduledJobID} {
		if err := out.DeleteProperty(p); err != nil {
			return nil, err
		}
	}
	if err := out.SetProperty(message.PropError, rec.Description); err != nil {
		return nil, err
	}
	if err := out.SetProperty(message.PropErrorStackTrace, rec.Stack); err != nil {
		return nil, err
	}
	return out, nil
}
