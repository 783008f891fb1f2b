package client

import (
	"github.com/spf13/cobra"
)

// BaseURLFunc provides the server base URL (e.g., from env or flag).
type BaseURLFunc func() string

// AddCommands registers the client commands on root.
func AddCommands(root *cobra.Command, baseURL BaseURLFunc) {
	root.AddCommand(
		newPublishCommand(baseURL),
		newFlushCommand(baseURL),
		newStatsCommand(baseURL),
		newSubscribeCommand(baseURL),
	)
}

// NewRoot constructs a root Cobra command holding only the client commands.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "pollbus",
		Short: "pollbus client commands",
	}
	AddCommands(root, baseURL)
	return root
}
