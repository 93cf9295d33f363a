// Package dispatch routes a message to a typed handler chosen by a key carried
// in the message.
//
// The key is read from the processor_key property, or failing that from a
// top-level string field named "type" in a JSON body. Messages whose key
// cannot be determined, or has no registered handler, fail with an Error
// decision wrapping ErrUnclassified: redelivery would never fix them.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rzbill/reactor/internal/failure"
	"github.com/rzbill/reactor/internal/message"
	"github.com/rzbill/reactor/pkg/log"
)

// TypeField is the JSON body field consulted when the property is absent.
const TypeField = "type"

// ErrUnclassified marks messages whose type key is missing or unknown.
var ErrUnclassified = errors.New("dispatch: unable to determine message type")

// Delegate pairs a parser with a processor for one message type.
type Delegate[T any] interface {
	Parse(body string) (T, error)
	Process(ctx context.Context, v T) error
}

type entry struct {
	parse   func(body string) (any, error)
	process func(ctx context.Context, v any) error
}

// Registry maps type keys to handlers. It implements worker.Handler.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	logger  log.Logger
}

// NewRegistry returns an empty registry. A nil logger discards output.
func NewRegistry(logger log.Logger) *Registry {
	if logger == nil {
		logger = log.NewLogger(log.WithOutput(log.NullOutput{}))
	}
	return &Registry{entries: map[string]entry{}, logger: logger.WithComponent("dispatch")}
}

// Register installs an untyped handler for key, replacing any previous one.
func (r *Registry) Register(key string, parse func(body string) (any, error), process func(ctx context.Context, v any) error) {
	r.mu.Lock()
	r.entries[key] = entry{parse: parse, process: process}
	r.mu.Unlock()
}

// RegisterFunc installs a typed parse/process pair for key.
func RegisterFunc[T any](r *Registry, key string, parse func(body string) (T, error), process func(ctx context.Context, v T) error) {
	r.Register(key,
		func(body string) (any, error) { return parse(body) },
		func(ctx context.Context, v any) error { return process(ctx, v.(T)) },
	)
}

// RegisterDelegate installs d for key.
func RegisterDelegate[T any](r *Registry, key string, d Delegate[T]) {
	RegisterFunc(r, key, d.Parse, d.Process)
}

// JSON is a parse function that decodes the body into T.
func JSON[T any](body string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(body), &v)
	return v, err
}

// Keys lists registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// KeyFromProperty reads the processor_key property.
func KeyFromProperty(m *message.Message) (string, bool) {
	return m.Property(message.PropProcessorKey)
}

// KeyFromJSON reads a top-level string "type" field. Bodies that are not
// JSON objects, and type fields that are not strings, yield false.
func KeyFromJSON(body string) (string, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &obj); err != nil {
		return "", false
	}
	raw, ok := obj[TypeField]
	if !ok {
		return "", false
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// ExtractKey prefers the property over the JSON body.
func ExtractKey(m *message.Message) (string, bool) {
	if k, ok := KeyFromProperty(m); ok {
		return k, true
	}
	return KeyFromJSON(m.Body)
}

// Handle parses and processes m with the handler registered for its key.
// Errors that already carry a failure decision are returned unchanged; any
// other error becomes an Error failure.
func (r *Registry) Handle(ctx context.Context, m *message.Message) error {
	key, ok := ExtractKey(m)
	if !ok {
		r.logger.Debug("message type not found", log.Str(log.MessageIDKey, m.ID))
		return failure.Error("unable to determine message type",
			failure.WithCause(ErrUnclassified),
			failure.WithShortDescription("unclassified message"))
	}
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return failure.Error(fmt.Sprintf("no handler registered for type %q", key),
			failure.WithCause(ErrUnclassified),
			failure.WithShortDescription("unclassified message"))
	}

	v, err := e.parse(m.Body)
	if err != nil {
		return wrap(fmt.Sprintf("parse %s", key), err)
	}
	if err := e.process(ctx, v); err != nil {
		return wrap(fmt.Sprintf("process %s", key), err)
	}
	return nil
}

func wrap(op string, err error) error {
	if _, ok := failure.Decide(err); ok {
		return err
	}
	return failure.Error(op+": "+err.Error(), failure.WithCause(err))
}
