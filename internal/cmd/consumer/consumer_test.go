package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/reactor/internal/broker"
	"github.com/rzbill/reactor/internal/config"
	"github.com/rzbill/reactor/internal/dispatch"
	"github.com/rzbill/reactor/internal/failure"
	"github.com/rzbill/reactor/internal/message"
	"github.com/rzbill/reactor/internal/runtime"
	"github.com/rzbill/reactor/internal/transport/embedded"
	"github.com/rzbill/reactor/internal/transport/grpctransport"
	"github.com/rzbill/reactor/pkg/log"
)

func quiet() log.Logger { return log.NewLogger(log.WithOutput(log.NullOutput{})) }

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Broker.URL = "embedded:///unused"
	cfg.Broker.Username = "app"
	cfg.Broker.Password = "pw"
	cfg.Queue.Name = "orders"
	cfg.Pool.MaxWorkers = 2
	cfg.Pool.RecheckPeriod = 250 * time.Millisecond
	cfg.Worker.ReceiveTimeout = 100 * time.Millisecond
	cfg.Error = config.ErrorRouting{Name: "orders-errors", Kind: message.KindTopic, Convert: true}
	return cfg
}

func openRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()
	rt, err := runtime.Open(runtime.Options{
		DataDir:      "/reactor",
		InMemory:     true,
		Users:        map[string]string{"app": "pw"},
		LeaseTimeout: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func send(t *testing.T, b *broker.Broker, body string) {
	t.Helper()
	m := message.New(body)
	m.Destination = message.Queue("orders")
	_, err := b.Send(context.Background(), m)
	require.NoError(t, err)
}

func handle(t *testing.T, body string) error {
	t.Helper()
	m := message.New(body)
	m.Destination = message.Queue("orders")
	return NewHandler(quiet()).Handle(context.Background(), m)
}

func TestBuiltinHandlers(t *testing.T) {
	assert.NoError(t, handle(t, `{"type":"log","data":{"id":1}}`))

	d, ok := failure.Decide(handle(t, `{"type":"drop"}`))
	require.True(t, ok)
	assert.Equal(t, failure.KindDrop, d.Kind)

	d, ok = failure.Decide(handle(t, `{"type":"fail","reason":"bad order"}`))
	require.True(t, ok)
	assert.Equal(t, failure.KindError, d.Kind)
	assert.Equal(t, "requested failure", d.ShortDescription)

	d, ok = failure.Decide(handle(t, `{"type":"retry","wait_ms":1500,"backoff":2,"max_retries":5}`))
	require.True(t, ok)
	assert.Equal(t, failure.KindRetry, d.Kind)
	assert.Equal(t, 1500*time.Millisecond, d.Wait)
	assert.Equal(t, failure.Exponential, d.Style)
	assert.Equal(t, 5, d.MaxRetries)

	d, ok = failure.Decide(handle(t, `{"type":"retry"}`))
	require.True(t, ok)
	assert.Equal(t, failure.DefaultRetryWait, d.Wait)

	err := handle(t, `{"type":"unknown"}`)
	assert.ErrorIs(t, err, dispatch.ErrUnclassified)
	err = handle(t, `{"type":"log","data":`)
	d, ok = failure.Decide(err)
	require.True(t, ok)
	assert.Equal(t, failure.KindError, d.Kind)
}

func TestBuiltinHandlerKeys(t *testing.T) {
	assert.Equal(t, []string{TypeDrop, TypeFail, TypeLog, TypeRetry}, NewHandler(quiet()).Keys())
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.Name = ""
	err := Run(context.Background(), Options{Config: cfg, Logger: quiet()})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestRunProcessesQueue(t *testing.T) {
	rt := openRuntime(t)
	b := rt.Broker()
	send(t, b, `{"type":"log","data":{"id":1}}`)
	send(t, b, `{"type":"fail","reason":"bad order"}`)
	send(t, b, `{"type":"drop"}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{Config: testConfig(), Transport: embedded.New(b), Logger: quiet()})
	}()

	q, err := b.Queue("orders")
	require.NoError(t, err)
	topic, err := b.Topic("orders-errors")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := q.Stats(context.Background())
		return err == nil && st.Ready == 0 && st.Leased == 0 && topic.Len() == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}

	entries, _, err := topic.Read(0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var rec failure.Record
	require.NoError(t, json.Unmarshal(entries[0].Body, &rec))
	assert.Equal(t, "requested failure", rec.ShortDescription)
	assert.Contains(t, rec.Description, "bad order")
}

func TestRunFailsWhenBrokerRejectsCredentials(t *testing.T) {
	rt := openRuntime(t)
	cfg := testConfig()
	cfg.Broker.Password = "wrong"
	cfg.Pool.MaxSpawnFailures = 1

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := Run(ctx, Options{
		Config:       cfg,
		Transport:    embedded.New(rt.Broker()),
		Logger:       quiet(),
		ProbeBackoff: time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, broker.ErrUnauthorized), "got %v", err)
}

func TestOpenTransport(t *testing.T) {
	cfg := testConfig()

	cfg.Broker.URL = "grpc://127.0.0.1:7070"
	tr, rt, err := openTransport(cfg, quiet(), nil)
	require.NoError(t, err)
	assert.IsType(t, &grpctransport.Transport{}, tr)
	assert.Nil(t, rt)

	cfg.Broker.URL = "embedded://" + t.TempDir()
	cfg.Server.Fsync = "never"
	tr, rt, err = openTransport(cfg, quiet(), nil)
	require.NoError(t, err)
	require.NotNil(t, rt)
	defer rt.Close()
	assert.IsType(t, &embedded.Transport{}, tr)

	cfg.Broker.URL = "embedded://"
	_, _, err = openTransport(cfg, quiet(), nil)
	assert.ErrorIs(t, err, config.ErrInvalid)

	cfg.Broker.URL = "amqp://localhost"
	_, _, err = openTransport(cfg, quiet(), nil)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "grpc://host:7070", redactURL("grpc://user:pw@host:7070"))
	assert.Equal(t, "embedded:///data", redactURL("embedded:///data"))
	assert.Equal(t, "host:7070", redactURL("host:7070"))
}

func TestCommandFlags(t *testing.T) {
	cmd := NewCommand()
	for _, name := range flagBinds {
		assert.NotNil(t, cmd.Flags().Lookup(name), "flag --%s", name)
	}
	require.NoError(t, cmd.Flags().Parse([]string{
		"--broker", "grpc://localhost:7070",
		"--username", "app", "--password", "pw",
		"--queue", "orders",
		"--error-destination", "orders-errors", "--error-type", "topic", "--convert",
		"--max-workers", "4",
	}))
	cfg, err := config.LoadWithFlags("", cmd.Flags(), flagBinds)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "orders", cfg.Queue.Name)
	assert.Equal(t, message.Topic("orders-errors"), cfg.Error.Destination())
	assert.True(t, cfg.Error.Convert)
	assert.Equal(t, 4, cfg.Pool.MaxWorkers)
	assert.Equal(t, 3, cfg.Broker.RetryThreshold)
}
