package config

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rzbill/reactor/internal/message"
	"github.com/rzbill/reactor/pkg/log"
)

// ErrInvalid is wrapped by every configuration error.
var ErrInvalid = errors.New("invalid configuration")

// Configuration keys. Each may also be set through the environment by
// upper-casing it and replacing '.' with '_' (broker.url -> BROKER_URL).
const (
	KeyBrokerURL          = "broker.url"
	KeyBrokerUsername     = "broker.username"
	KeyBrokerPassword     = "broker.password"
	KeyRetryThreshold     = "broker.retry.threshold"
	KeyQueueName          = "queue.name"
	KeyQueueSelector      = "queue.selector"
	KeyHeartbeatCycles    = "queue.size.log.cycle.count"
	KeyErrorName          = "error.transport.name"
	KeyErrorType          = "error.transport.type"
	KeyErrorConvert       = "error.message.convert"
	KeyMessageThreshold   = "pool.message.threshold"
	KeyRecheckPeriod      = "pool.recheck.period"
	KeyMaxWorkers         = "pool.max.workers"
	KeyMaxSpawnFailures   = "pool.max.spawn.failures"
	KeyReceiveTimeout     = "worker.receive.timeout"
	KeyLogLevel           = "log.level"
	KeyLogFormat          = "log.format"
	KeyLogFile            = "log.file"
	KeyHTTPAddr           = "http.addr"
	KeyServerDataDir      = "server.data.dir"
	KeyServerFsync        = "server.fsync"
	KeyServerGRPCAddr     = "server.grpc.addr"
	KeyServerUsers        = "server.users"
	KeyServerLeaseTimeout = "server.lease.timeout"
)

// Limits enforced by Validate.
const (
	MinMessageThreshold = 3
	MinRecheckPeriod    = 250 * time.Millisecond
	MaxDefaultWorkers   = 8
)

// Config is the full runtime configuration for the consumer and the broker.
type Config struct {
	Broker Broker
	Queue  Queue
	Error  ErrorRouting
	Pool   Pool
	Worker Worker
	Log    Log
	HTTP   HTTP
	Server Server
}

// Broker says where the consumer connects.
type Broker struct {
	URL            string
	Username       string
	Password       string
	RetryThreshold int
}

// Queue selects the source queue.
type Queue struct {
	Name            string
	Selector        string
	HeartbeatCycles int
}

// ErrorRouting describes where unrecoverable messages go.
type ErrorRouting struct {
	Name    string
	Kind    message.Kind
	Convert bool
}

// Destination returns the error destination, or the zero value when unset.
func (e ErrorRouting) Destination() message.Destination {
	if e.Name == "" {
		return message.Destination{}
	}
	return message.Destination{Name: e.Name, Kind: e.Kind}
}

// Pool controls scaling.
type Pool struct {
	MessageThreshold int
	RecheckPeriod    time.Duration
	MaxWorkers       int
	MaxSpawnFailures int
}

// Worker controls the receive loop.
type Worker struct {
	ReceiveTimeout time.Duration
}

// Log selects the log level, format and optional file.
type Log struct {
	Level  string
	Format string
	File   string
}

// HTTP configures the health and metrics listener. Empty Addr disables it.
type HTTP struct {
	Addr string
}

// Server configures `reactor broker start`.
type Server struct {
	DataDir      string
	Fsync        string
	GRPCAddr     string
	Users        map[string]string
	LeaseTimeout time.Duration
}

// Default returns built-in defaults. Required fields are left empty.
func Default() Config {
	return Config{
		Broker: Broker{RetryThreshold: 3},
		Queue:  Queue{HeartbeatCycles: 100},
		Error:  ErrorRouting{Kind: message.KindQueue},
		Pool: Pool{
			MessageThreshold: 10,
			RecheckPeriod:    6 * time.Second,
			MaxSpawnFailures: 10,
		},
		Worker: Worker{ReceiveTimeout: 10 * time.Second},
		Log:    Log{Level: "info", Format: "text"},
		Server: Server{
			DataDir:      DefaultDataDir(),
			Fsync:        "always",
			GRPCAddr:     ":7070",
			LeaseTimeout: time.Minute,
		},
	}
}

// NewViper returns a viper instance carrying the defaults and the environment
// overlay. Callers may bind flags and set a config file before FromViper.
func NewViper() *viper.Viper {
	d := Default()
	v := viper.New()
	v.SetDefault(KeyRetryThreshold, d.Broker.RetryThreshold)
	v.SetDefault(KeyHeartbeatCycles, d.Queue.HeartbeatCycles)
	v.SetDefault(KeyErrorType, d.Error.Kind.String())
	v.SetDefault(KeyErrorConvert, false)
	v.SetDefault(KeyMessageThreshold, d.Pool.MessageThreshold)
	v.SetDefault(KeyRecheckPeriod, d.Pool.RecheckPeriod.Milliseconds())
	v.SetDefault(KeyMaxWorkers, 0)
	v.SetDefault(KeyMaxSpawnFailures, d.Pool.MaxSpawnFailures)
	v.SetDefault(KeyReceiveTimeout, d.Worker.ReceiveTimeout.Milliseconds())
	v.SetDefault(KeyLogLevel, d.Log.Level)
	v.SetDefault(KeyLogFormat, d.Log.Format)
	v.SetDefault(KeyServerDataDir, d.Server.DataDir)
	v.SetDefault(KeyServerFsync, d.Server.Fsync)
	v.SetDefault(KeyServerGRPCAddr, d.Server.GRPCAddr)
	v.SetDefault(KeyServerLeaseTimeout, d.Server.LeaseTimeout.Milliseconds())
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (JSON, YAML or TOML by extension) over the defaults and
// environment. An empty path uses defaults and environment only.
func Load(path string) (Config, error) {
	return LoadWithFlags(path, nil, nil)
}

// LoadWithFlags is Load with command-line flags layered on top. binds maps
// configuration keys to flag names in fs; only flags the user changed
// override the file and environment.
func LoadWithFlags(path string, fs *pflag.FlagSet, binds map[string]string) (Config, error) {
	v := NewViper()
	for key, name := range binds {
		f := fs.Lookup(name)
		if f == nil {
			return Config{}, fmt.Errorf("bind %s: no flag --%s", key, name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return Config{}, err
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes v into a Config. Malformed values are reported as
// ErrInvalid; range checks are left to Validate.
func FromViper(v *viper.Viper) (Config, error) {
	p := parser{v: v}
	cfg := Config{
		Broker: Broker{
			URL:            strings.TrimSpace(v.GetString(KeyBrokerURL)),
			Username:       v.GetString(KeyBrokerUsername),
			Password:       v.GetString(KeyBrokerPassword),
			RetryThreshold: p.int(KeyRetryThreshold),
		},
		Queue: Queue{
			Name:            strings.TrimSpace(v.GetString(KeyQueueName)),
			Selector:        v.GetString(KeyQueueSelector),
			HeartbeatCycles: p.int(KeyHeartbeatCycles),
		},
		Error: ErrorRouting{
			Name:    strings.TrimSpace(v.GetString(KeyErrorName)),
			Convert: p.bool(KeyErrorConvert),
		},
		Pool: Pool{
			MessageThreshold: p.int(KeyMessageThreshold),
			RecheckPeriod:    p.millis(KeyRecheckPeriod),
			MaxWorkers:       p.int(KeyMaxWorkers),
			MaxSpawnFailures: p.int(KeyMaxSpawnFailures),
		},
		Worker: Worker{ReceiveTimeout: p.millis(KeyReceiveTimeout)},
		Log: Log{
			Level:  v.GetString(KeyLogLevel),
			Format: v.GetString(KeyLogFormat),
			File:   v.GetString(KeyLogFile),
		},
		HTTP: HTTP{Addr: v.GetString(KeyHTTPAddr)},
		Server: Server{
			DataDir:      v.GetString(KeyServerDataDir),
			Fsync:        v.GetString(KeyServerFsync),
			GRPCAddr:     v.GetString(KeyServerGRPCAddr),
			Users:        p.users(KeyServerUsers),
			LeaseTimeout: p.millis(KeyServerLeaseTimeout),
		},
	}
	// the error kind is only meaningful when a destination is named
	if cfg.Error.Name != "" {
		kind, err := message.ParseKind(v.GetString(KeyErrorType))
		if err != nil {
			p.fail(KeyErrorType, err)
		}
		cfg.Error.Kind = kind
	} else {
		cfg.Error.Kind = message.KindQueue
	}
	if cfg.Pool.MaxWorkers == 0 {
		cfg.Pool.MaxWorkers = DefaultMaxWorkers()
	}
	if len(p.errs) > 0 {
		return Config{}, errors.Join(p.errs...)
	}
	return cfg, nil
}

// DefaultMaxWorkers is min(NumCPU, 8).
func DefaultMaxWorkers() int {
	return min(runtime.NumCPU(), MaxDefaultWorkers)
}

// Validate checks everything the consumer needs.
func (c Config) Validate() error {
	var errs []error
	bad := func(key, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s: %s", ErrInvalid, key, fmt.Sprintf(format, args...)))
	}
	if c.Broker.URL == "" {
		bad(KeyBrokerURL, "required")
	}
	if c.Broker.Username == "" {
		bad(KeyBrokerUsername, "required")
	}
	if c.Broker.Password == "" {
		bad(KeyBrokerPassword, "required")
	}
	if c.Queue.Name == "" {
		bad(KeyQueueName, "required")
	}
	if c.Broker.RetryThreshold < 1 {
		bad(KeyRetryThreshold, "must be at least 1, got %d", c.Broker.RetryThreshold)
	}
	if c.Pool.MessageThreshold <= MinMessageThreshold {
		bad(KeyMessageThreshold, "must be greater than %d, got %d", MinMessageThreshold, c.Pool.MessageThreshold)
	}
	if c.Pool.RecheckPeriod < MinRecheckPeriod {
		bad(KeyRecheckPeriod, "must be at least %d, got %d", MinRecheckPeriod.Milliseconds(), c.Pool.RecheckPeriod.Milliseconds())
	}
	if c.Pool.MaxWorkers < 1 || c.Pool.MaxWorkers > MaxDefaultWorkers {
		bad(KeyMaxWorkers, "must be between 1 and %d, got %d", MaxDefaultWorkers, c.Pool.MaxWorkers)
	}
	if c.Pool.MaxSpawnFailures < 1 {
		bad(KeyMaxSpawnFailures, "must be positive, got %d", c.Pool.MaxSpawnFailures)
	}
	if c.Queue.HeartbeatCycles < 1 {
		bad(KeyHeartbeatCycles, "must be positive, got %d", c.Queue.HeartbeatCycles)
	}
	if c.Worker.ReceiveTimeout <= 0 {
		bad(KeyReceiveTimeout, "must be positive")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		bad(KeyLogLevel, "%v", err)
	}
	return errors.Join(errs...)
}

// ValidateServer checks the broker server settings.
func (c Config) ValidateServer() error {
	var errs []error
	if c.Server.DataDir == "" {
		errs = append(errs, fmt.Errorf("%w: %s: required", ErrInvalid, KeyServerDataDir))
	}
	if c.Server.GRPCAddr == "" {
		errs = append(errs, fmt.Errorf("%w: %s: required", ErrInvalid, KeyServerGRPCAddr))
	}
	if c.Server.LeaseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: %s: must be positive", ErrInvalid, KeyServerLeaseTimeout))
	}
	return errors.Join(errs...)
}

// LogConfig converts the log section for log.ApplyConfig.
func (c Config) LogConfig() log.Config {
	lc := log.Config{Level: c.Log.Level, Format: c.Log.Format, RedactKeys: []string{"password"}}
	if c.Log.File != "" {
		lc.Outputs = []log.OutputConfig{{Type: "file", Path: c.Log.File}}
	}
	return lc
}

type parser struct {
	v    *viper.Viper
	errs []error
}

func (p *parser) fail(key string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err))
}

func (p *parser) int(key string) int {
	raw := strings.TrimSpace(p.v.GetString(key))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, fmt.Errorf("not an integer: %q", raw))
	}
	return n
}

func (p *parser) millis(key string) time.Duration {
	return time.Duration(p.int(key)) * time.Millisecond
}

func (p *parser) bool(key string) bool {
	raw := strings.TrimSpace(p.v.GetString(key))
	if raw == "" {
		return false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, fmt.Errorf("not a boolean: %q", raw))
	}
	return b
}

// users parses "name:password,name2:password2". A map in a config file is
// also accepted.
func (p *parser) users(key string) map[string]string {
	if m := p.v.GetStringMapString(key); len(m) > 0 {
		return m
	}
	raw := strings.TrimSpace(p.v.GetString(key))
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		name, pw, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || name == "" {
			p.fail(key, fmt.Errorf("want name:password, got %q", pair))
			continue
		}
		out[name] = pw
	}
	return out
}
