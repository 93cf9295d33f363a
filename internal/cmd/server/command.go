package serverrun

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rzbill/reactor/internal/config"
)

// flagBinds maps configuration keys to `broker start` flags.
var flagBinds = map[string]string{
	config.KeyServerDataDir:      "data-dir",
	config.KeyServerGRPCAddr:     "grpc",
	config.KeyHTTPAddr:           "http",
	config.KeyServerFsync:        "fsync",
	config.KeyServerUsers:        "users",
	config.KeyServerLeaseTimeout: "lease-timeout-ms",
	config.KeyLogLevel:           "log-level",
	config.KeyLogFormat:          "log-format",
}

// NewCommand constructs the `broker` command group with its `start`
// subcommand.
func NewCommand() *cobra.Command {
	brokerCmd := &cobra.Command{Use: "broker", Short: "Embedded broker commands"}
	startCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the embedded broker (gRPC and HTTP)",
		Aliases: []string{"run"},
		Long: `Start a single-node broker backed by Pebble.

Settings come from, in increasing precedence: built-in defaults, the --config
file, environment variables (server.data.dir -> SERVER_DATA_DIR) and flags.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadWithFlags(path, cmd.Flags(), flagBinds)
			if err != nil {
				return err
			}
			if err := Run(cmd.Context(), Options{Config: cfg}); err != nil {
				return fmt.Errorf("broker error: %w", err)
			}
			return nil
		},
	}
	startCmd.Flags().String("config", "", "Config file (json, yaml or toml)")
	startCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	startCmd.Flags().String("grpc", "", "gRPC listen address (default :7070)")
	startCmd.Flags().String("http", "", "HTTP listen address for health, metrics and the REST API (optional)")
	startCmd.Flags().String("fsync", "", "Fsync mode: always|interval|never (default always)")
	startCmd.Flags().String("users", "", "Accepted credentials as name:password[,name:password]")
	startCmd.Flags().Int("lease-timeout-ms", 0, "How long a received message stays leased before redelivery")
	startCmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	startCmd.Flags().String("log-format", "", "Log format: text|json")
	brokerCmd.AddCommand(startCmd)
	return brokerCmd
}
