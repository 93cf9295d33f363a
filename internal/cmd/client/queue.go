package client

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	reactorv1 "github.com/rzbill/reactor/api/reactor/v1"
	"github.com/rzbill/reactor/internal/message"
)

// NewQueueCommand constructs the `queue` command group and subcommands.
func NewQueueCommand() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:     "queue",
		Aliases: []string{"q"},
		Short:   "Queue operations against a reactor broker",
		Long: `Queue operations against a reactor broker over gRPC.

  send      Put a message on a queue (optionally delayed)
  depth     Print the number of messages available now
  receive   Take one message; it is released back unless --ack is set`,
	}
	addConnFlags(queueCmd)
	queueCmd.AddCommand(
		newQueueSendCommand(),
		newQueueDepthCommand(),
		newQueueReceiveCommand(),
	)
	return queueCmd
}

// newQueueSendCommand constructs the `queue send` subcommand.
func newQueueSendCommand() *cobra.Command {
	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message to a queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			data, _ := cmd.Flags().GetString("data")
			priority, _ := cmd.Flags().GetUint32("priority")
			delay, _ := cmd.Flags().GetDuration("delay")
			rawProps, _ := cmd.Flags().GetStringArray("property")
			propsJSON, _ := cmd.Flags().GetString("properties-json")
			if name == "" {
				return errors.New("--name is required")
			}
			props, err := parseProperties(rawProps, propsJSON)
			if err != nil {
				return err
			}

			m := message.New(data)
			m.Destination = message.Queue(name)
			m.Priority = priority
			for k, v := range props {
				m.Properties[k] = v
			}
			if delay > 0 {
				m.Properties[message.PropScheduledDelay] = strconv.FormatInt(delay.Milliseconds(), 10)
			}

			return withBrokerClient(cmd.Context(), cmd, func(cli *reactorv1.BrokerClient) error {
				resp, err := cli.Send(cmd.Context(), reactorv1.SendRequest{Message: m})
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"status": "OK", "id": resp.ID})
			})
		},
	}
	sendCmd.Flags().String("name", "", "Queue name")
	sendCmd.Flags().String("data", "", "Message body")
	sendCmd.Flags().Uint32("priority", 0, "Message priority (higher = delivered first)")
	sendCmd.Flags().Duration("delay", 0, "Hold the message for this long before it is available")
	sendCmd.Flags().StringArray("property", []string{}, "Message property key=value (repeat)")
	sendCmd.Flags().String("properties-json", "", "Properties as JSON object")
	return sendCmd
}

// newQueueDepthCommand constructs the `queue depth` subcommand.
func newQueueDepthCommand() *cobra.Command {
	depthCmd := &cobra.Command{
		Use:   "depth",
		Short: "Print the number of messages available in a queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			return withBrokerClient(cmd.Context(), cmd, func(cli *reactorv1.BrokerClient) error {
				resp, err := cli.Depth(cmd.Context(), reactorv1.DepthRequest{Queue: name})
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "depth:", resp.Depth)
				return nil
			})
		},
	}
	depthCmd.Flags().String("name", "", "Queue name")
	return depthCmd
}

// newQueueReceiveCommand constructs the `queue receive` subcommand.
func newQueueReceiveCommand() *cobra.Command {
	receiveCmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive one message from a queue",
		Long: `Receive one message and print it. Without --ack the message is released
back to the queue, so this can be used to inspect the head of a queue.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			wait, _ := cmd.Flags().GetDuration("wait")
			selector, _ := cmd.Flags().GetString("selector")
			ack, _ := cmd.Flags().GetBool("ack")

			return withBrokerClient(cmd.Context(), cmd, func(cli *reactorv1.BrokerClient) error {
				resp, err := cli.Receive(cmd.Context(), reactorv1.ReceiveRequest{
					Queue:    name,
					Consumer: "cli-" + uuid.NewString(),
					Selector: selector,
					Wait:     wait,
				})
				if err != nil {
					return err
				}
				if resp.Message == nil {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status: EMPTY")
					return nil
				}
				settle := reactorv1.AckRequest{Queue: name, Seq: resp.Seq}
				if ack {
					err = cli.Ack(cmd.Context(), settle)
				} else {
					err = cli.Release(cmd.Context(), settle)
				}
				if err != nil {
					return err
				}
				out := decodedMessage(resp.Message)
				out["acked"] = ack
				return printJSON(cmd, out)
			})
		},
	}
	receiveCmd.Flags().String("name", "", "Queue name")
	receiveCmd.Flags().Duration("wait", 2*time.Second, "How long to wait for a message")
	receiveCmd.Flags().String("selector", "", "CEL selector over properties, body and json")
	receiveCmd.Flags().Bool("ack", false, "Acknowledge (remove) the message instead of releasing it")
	return receiveCmd
}
