package client

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// newPublishCommand constructs the `publish` command.
func newPublishCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a message to a channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			channel, _ := cmd.Flags().GetString("channel")
			data, _ := cmd.Flags().GetString("data")
			partition, _ := cmd.Flags().GetString("partition")
			users, _ := cmd.Flags().GetString("user-ids")
			groups, _ := cmd.Flags().GetString("group-ids")
			if channel == "" {
				return fmt.Errorf("--channel is required")
			}
			body := map[string]any{
				"partition": partition,
				"channel":   channel,
				"data":      payload(data),
			}
			if ids := splitCSV(users); len(ids) > 0 {
				body["user_ids"] = ids
			}
			if ids := splitCSV(groups); len(ids) > 0 {
				body["group_ids"] = ids
			}
			code, out, err := doJSON(cmd.Context(), http.MethodPost, resolveURL(cmd, baseURL)+"v1/publish", body)
			if err != nil {
				return err
			}
			if code != http.StatusAccepted {
				return statusError(code, out)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().String("url", "", "Server base URL")
	cmd.Flags().StringP("channel", "c", "", "Channel")
	cmd.Flags().StringP("data", "d", "", "Payload (JSON, or text sent as a JSON string)")
	cmd.Flags().StringP("partition", "p", "", "Partition key")
	cmd.Flags().String("user-ids", "", "Comma separated user ids allowed to see the message")
	cmd.Flags().String("group-ids", "", "Comma separated group ids allowed to see the message")
	return cmd
}

// newFlushCommand constructs the `flush` command.
func newFlushCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Clear a partition's backlog and reset its channels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			partition, _ := cmd.Flags().GetString("partition")
			code, out, err := doJSON(cmd.Context(), http.MethodPost, resolveURL(cmd, baseURL)+"v1/flush",
				map[string]string{"partition": partition})
			if err != nil {
				return err
			}
			if code != http.StatusNoContent {
				return statusError(code, out)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "flushed")
			return nil
		},
	}
	cmd.Flags().String("url", "", "Server base URL")
	cmd.Flags().StringP("partition", "p", "", "Partition key")
	return cmd
}

// newStatsCommand constructs the `stats` command.
func newStatsCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show waiting connections and subscription counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			code, out, err := doJSON(cmd.Context(), http.MethodGet, resolveURL(cmd, baseURL)+"v1/stats", nil)
			if err != nil {
				return err
			}
			if code != http.StatusOK {
				return statusError(code, out)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().String("url", "", "Server base URL")
	return cmd
}
