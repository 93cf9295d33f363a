package consumer

import (
	"github.com/spf13/cobra"

	"github.com/rzbill/reactor/internal/config"
)

// flagBinds maps configuration keys to `consume` flags.
var flagBinds = map[string]string{
	config.KeyBrokerURL:        "broker",
	config.KeyBrokerUsername:   "username",
	config.KeyBrokerPassword:   "password",
	config.KeyQueueName:        "queue",
	config.KeyQueueSelector:    "selector",
	config.KeyErrorName:        "error-destination",
	config.KeyErrorType:        "error-type",
	config.KeyErrorConvert:     "convert",
	config.KeyRetryThreshold:   "retry-threshold",
	config.KeyMessageThreshold: "message-threshold",
	config.KeyRecheckPeriod:    "recheck-ms",
	config.KeyMaxWorkers:       "max-workers",
	config.KeyHTTPAddr:         "http",
	config.KeyLogLevel:         "log-level",
	config.KeyLogFormat:        "log-format",
}

// NewCommand constructs the `consume` command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume a queue with an adaptive worker pool",
		Long: `Consume a queue with a pool of workers that grows while the backlog is
above --message-threshold and shrinks back to one worker when it drains.

Messages are dispatched on their processor_key property, or the "type" field
of a JSON body, to the built-in handlers:

  log     log the payload and acknowledge
  drop    acknowledge without processing
  fail    route to the error destination
  retry   redeliver later (wait_ms, backoff and max_retries tune it)

Settings come from, in increasing precedence: built-in defaults, the --config
file, environment variables (queue.name -> QUEUE_NAME) and flags.`,
		Example: `  reactor consume --broker grpc://127.0.0.1:7070 --username app --password secret \
    --queue orders --error-destination orders-errors --error-type topic --convert`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadWithFlags(path, cmd.Flags(), flagBinds)
			if err != nil {
				return err
			}
			return Run(cmd.Context(), Options{Config: cfg})
		},
	}
	f := cmd.Flags()
	f.String("config", "", "Config file (json, yaml or toml)")
	f.String("broker", "", "Broker URL: grpc://host:port or embedded:///data/dir")
	f.String("username", "", "Broker user")
	f.String("password", "", "Broker password")
	f.String("queue", "", "Queue to consume")
	f.String("selector", "", "CEL selector over properties, body and json")
	f.String("error-destination", "", "Where failed messages go (empty rolls them back)")
	f.String("error-type", "", "Error destination kind: queue|topic")
	f.Bool("convert", false, "Send a JSON failure record instead of the original message")
	f.Int("retry-threshold", 0, "Deliveries retried before a message is routed as an error")
	f.Int("message-threshold", 0, "Backlog above which a worker is added")
	f.Int("recheck-ms", 0, "Milliseconds between pool checks")
	f.Int("max-workers", 0, "Pool cap, at most 8 (default min(NumCPU, 8))")
	f.String("http", "", "Listen address for health, pool status and metrics (optional)")
	f.String("log-level", "", "Log level: debug|info|warn|error")
	f.String("log-format", "", "Log format: text|json")
	return cmd
}
