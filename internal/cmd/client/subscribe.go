package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	pollclient "github.com/rzbill/pollbus/internal/client"
	"github.com/rzbill/pollbus/internal/wire"
)

// newSubscribeCommand constructs the `subscribe` command. Messages are
// printed as JSON lines.
func newSubscribeCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Long-poll channels and print messages as they arrive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			channels, _ := cmd.Flags().GetStringArray("channel")
			last, _ := cmd.Flags().GetInt64("last-id")
			limit, _ := cmd.Flags().GetInt("limit")
			fallback, _ := cmd.Flags().GetString("fallback-url")
			interval, _ := cmd.Flags().GetDuration("callback-interval")
			noLongPoll, _ := cmd.Flags().GetBool("no-long-poll")
			if len(channels) == 0 {
				return fmt.Errorf("at least one --channel is required")
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			c := pollclient.New(pollclient.Options{
				BaseURL:            resolveURL(cmd, baseURL),
				FallbackBaseURL:    fallback,
				CallbackInterval:   interval,
				DisableLongPolling: noLongPoll,
			})
			defer c.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			var mu sync.Mutex
			seen := 0
			handler := func(m wire.Message) {
				mu.Lock()
				defer mu.Unlock()
				if limit > 0 && seen >= limit {
					return
				}
				_ = enc.Encode(m)
				seen++
				if limit > 0 && seen >= limit {
					cancel()
				}
			}
			for _, ch := range channels {
				c.Subscribe(ch, handler, last)
			}
			c.Start(ctx)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().String("url", "", "Server base URL")
	cmd.Flags().String("fallback-url", "", "Base URL to use when a proxy reports itself broken")
	cmd.Flags().StringArrayP("channel", "c", nil, "Channel to subscribe to (repeatable)")
	cmd.Flags().Int64("last-id", -1, "Resume after this message id; -1 starts at the current position")
	cmd.Flags().Int("limit", 0, "Exit after N messages (0 = run until interrupted)")
	cmd.Flags().Duration("callback-interval", pollclient.DefaultCallbackInterval, "Delay between polls without data")
	cmd.Flags().Bool("no-long-poll", false, "Ask the server to answer every poll immediately")
	return cmd
}
