// Command pipeline is the operator CLI. It talks to the HTTP API so every
// action goes through the same validation and audit path as any other
// caller.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var apiBase string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pipeline: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "pipeline",
		Short:        "Content pipeline operator CLI",
		Long:         "Trigger collection cycles, re-drive stalled items, request takedowns, and inspect queue, budget, and failure status.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&apiBase, "api", "http://localhost:8080", "Base URL of the pipeline API")
	cmd.AddCommand(
		newCollectCmd(),
		newProcessCmd(),
		newPublishCmd(),
		newTakedownCmd(),
		newStatusCmd(),
	)
	return cmd
}

func newCollectCmd() *cobra.Command {
	var communities []string
	var sortMode string
	var limit int
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Trigger a collection cycle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return postJSON(cmd.Context(), "/tasks/collect", map[string]any{
				"communities": communities,
				"sortMode":    sortMode,
				"limit":       limit,
			})
		},
	}
	cmd.Flags().StringSliceVarP(&communities, "community", "c", nil, "Community to collect from (repeatable)")
	cmd.Flags().StringVar(&sortMode, "sort", "top", "Feed sort mode")
	cmd.Flags().IntVar(&limit, "limit", 25, "Maximum items per batch")
	return cmd
}

func newProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process <item-id>...",
		Short: "Re-drive items through the process stage",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON(cmd.Context(), "/tasks/process", map[string]any{"itemIds": args})
		},
	}
}

func newPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <item-id>...",
		Short: "Re-drive items through the publish stage",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON(cmd.Context(), "/tasks/publish", map[string]any{"itemIds": args})
		},
	}
}

func newTakedownCmd() *cobra.Command {
	var reason string
	var contact string
	cmd := &cobra.Command{
		Use:   "takedown <external-id>",
		Short: "Request removal of a published item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON(cmd.Context(), "/takedowns", map[string]any{
				"itemExternalId": args[0],
				"reason":         reason,
				"contactEmail":   contact,
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason given by the requester")
	cmd.Flags().StringVar(&contact, "contact", "", "Requester contact email")
	return cmd
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "status [queues|budgets|failures]",
		Short:     "Show pipeline status",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"queues", "budgets", "failures"},
		RunE: func(cmd *cobra.Command, args []string) error {
			targets := []string{"queues", "budgets", "failures"}
			if len(args) == 1 {
				targets = args
			}
			for _, t := range targets {
				fmt.Printf("# %s\n", t)
				if err := getJSON(cmd.Context(), "/status/"+t); err != nil {
					return err
				}
			}
			return nil
		},
	}
	return cmd
}

func postJSON(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return doRequest(req)
}

func getJSON(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+path, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	return doRequest(req)
}

func doRequest(req *http.Request) error {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call api: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("api %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(strings.TrimSpace(string(body)))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
