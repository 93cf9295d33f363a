package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	reactorv1 "github.com/rzbill/reactor/api/reactor/v1"
	"github.com/rzbill/reactor/internal/message"
	"github.com/rzbill/reactor/internal/transport"
	"github.com/rzbill/reactor/internal/transport/grpctransport"
)

// Environment variables read for connection flag defaults.
const (
	EnvAddr     = "REACTOR_GRPC"
	EnvUsername = "REACTOR_USERNAME"
	EnvPassword = "REACTOR_PASSWORD"
)

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// addConnFlags registers the broker connection flags on a command group.
func addConnFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("addr", getenvDefault(EnvAddr, "127.0.0.1:7070"), "Broker gRPC address")
	cmd.PersistentFlags().String("username", os.Getenv(EnvUsername), "Broker user")
	cmd.PersistentFlags().String("password", os.Getenv(EnvPassword), "Broker password")
}

// endpointFromFlags reads the connection flags.
func endpointFromFlags(cmd *cobra.Command) transport.Endpoint {
	addr, _ := cmd.Flags().GetString("addr")
	user, _ := cmd.Flags().GetString("username")
	password, _ := cmd.Flags().GetString("password")
	if !strings.Contains(addr, "://") {
		addr = grpctransport.Scheme + addr
	}
	return transport.Endpoint{URL: addr, Username: user, Password: password}
}

// withBrokerClient provides a broker client and ensures the connection is closed.
func withBrokerClient(ctx context.Context, cmd *cobra.Command, fn func(*reactorv1.BrokerClient) error) error {
	conn, err := grpctransport.New().Dial(endpointFromFlags(cmd))
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	return fn(reactorv1.NewBrokerClient(conn))
}

// parseProperties merges repeated key=value flags and a JSON object.
func parseProperties(raw []string, rawJSON string) (map[string]string, error) {
	props := map[string]string{}
	for _, kv := range raw {
		if kv == "" {
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --property, expected key=value: %s", kv)
		}
		props[strings.TrimSpace(k)] = v
	}
	if rawJSON != "" {
		var m map[string]string
		if err := json.Unmarshal([]byte(rawJSON), &m); err != nil {
			return nil, fmt.Errorf("invalid --properties-json: %w", err)
		}
		for k, v := range m {
			props[k] = v
		}
	}
	return props, nil
}

// decodedMessage returns a map with the message id, properties and either
// body_json (when the body parses as a JSON object or array) or body.
func decodedMessage(m *message.Message) map[string]any {
	out := map[string]any{
		"id":          m.ID,
		"destination": m.Destination.String(),
	}
	if len(m.Properties) > 0 {
		out["properties"] = m.Properties
	}
	if m.Deliveries > 0 {
		out["deliveries"] = m.Deliveries
	}
	body := strings.TrimSpace(m.Body)
	if len(body) > 0 && (body[0] == '{' || body[0] == '[') {
		var v any
		if json.Unmarshal([]byte(body), &v) == nil {
			out["body_json"] = v
			return out
		}
	}
	out["body"] = m.Body
	return out
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
