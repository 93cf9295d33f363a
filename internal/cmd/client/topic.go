package client

import (
	"errors"

	"github.com/spf13/cobra"

	reactorv1 "github.com/rzbill/reactor/api/reactor/v1"
	"github.com/rzbill/reactor/internal/message"
)

// NewTopicCommand constructs the `topic` command group. Topics commonly hold
// error records, so `topic read` doubles as an error inspection tool.
func NewTopicCommand() *cobra.Command {
	topicCmd := &cobra.Command{
		Use:   "topic",
		Short: "Topic operations against a reactor broker",
	}
	addConnFlags(topicCmd)
	topicCmd.AddCommand(newTopicPublishCommand(), newTopicReadCommand())
	return topicCmd
}

// newTopicPublishCommand constructs the `topic publish` subcommand.
func newTopicPublishCommand() *cobra.Command {
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Append a message to a topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			data, _ := cmd.Flags().GetString("data")
			rawProps, _ := cmd.Flags().GetStringArray("property")
			if name == "" {
				return errors.New("--name is required")
			}
			props, err := parseProperties(rawProps, "")
			if err != nil {
				return err
			}
			m := message.New(data)
			m.Destination = message.Topic(name)
			m.Properties = props

			return withBrokerClient(cmd.Context(), cmd, func(cli *reactorv1.BrokerClient) error {
				resp, err := cli.Send(cmd.Context(), reactorv1.SendRequest{Message: m})
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"status": "OK", "id": resp.ID})
			})
		},
	}
	publishCmd.Flags().String("name", "", "Topic name")
	publishCmd.Flags().String("data", "", "Message body")
	publishCmd.Flags().StringArray("property", []string{}, "Message property key=value (repeat)")
	return publishCmd
}

// newTopicReadCommand constructs the `topic read` subcommand.
func newTopicReadCommand() *cobra.Command {
	readCmd := &cobra.Command{
		Use:   "read",
		Short: "Read entries from a topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			from, _ := cmd.Flags().GetUint64("from")
			limit, _ := cmd.Flags().GetInt("limit")

			return withBrokerClient(cmd.Context(), cmd, func(cli *reactorv1.BrokerClient) error {
				resp, err := cli.ReadTopic(cmd.Context(), reactorv1.ReadTopicRequest{Topic: name, From: from, Limit: limit})
				if err != nil {
					return err
				}
				entries := make([]map[string]any, 0, len(resp.Entries))
				for _, e := range resp.Entries {
					out := decodedMessage(e.Message)
					out["seq"] = e.Seq
					entries = append(entries, out)
				}
				return printJSON(cmd, map[string]any{"entries": entries, "next": resp.Next})
			})
		},
	}
	readCmd.Flags().String("name", "", "Topic name")
	readCmd.Flags().Uint64("from", 0, "First sequence number to read")
	readCmd.Flags().Int("limit", 20, "Maximum entries to print")
	return readCmd
}
