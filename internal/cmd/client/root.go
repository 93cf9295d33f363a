package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the reactor client.
// It registers the queue and topic command groups.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "reactor",
		Short: "reactor client commands",
	}
	root.AddCommand(NewQueueCommand())
	root.AddCommand(NewTopicCommand())
	return root
}
