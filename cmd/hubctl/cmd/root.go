// Package cmd implements the hubctl subcommands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ExtensionHub/sdk/go/hubclient"
)

// Options 包含所有子命令共享的连接与输出参数。
type Options struct {
	server  string
	token   string
	output  string
	timeout time.Duration

	client *hubclient.Client
}

// NewRootCommand 构建 hubctl 根命令。
func NewRootCommand() *cobra.Command {
	opts := &Options{}
	root := &cobra.Command{
		Use:   "hubctl",
		Short: "ExtensionHub admin CLI",
		Long: `hubctl manages plugins and reviews plugin submissions on an
ExtensionHub server through its admin API.`,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return opts.init()
		},
	}

	root.PersistentFlags().StringVarP(&opts.server, "server", "s", envOr("EXTHUB_URL", "http://localhost:8080"), "ExtensionHub server URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("EXTHUB_TOKEN"), "Bearer token (default $EXTHUB_TOKEN)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "Output format (table, json)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")

	root.AddCommand(
		newPluginsCommand(opts),
		newSubmissionsCommand(opts),
		newStatsCommand(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (o *Options) init() error {
	if o.output != "table" && o.output != "json" {
		return fmt.Errorf("unsupported output format %q", o.output)
	}
	client, err := hubclient.NewClient(o.server, nil)
	if err != nil {
		return err
	}
	client.SetToken(o.token)
	o.client = client
	return nil
}

func (o *Options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

// print 以 JSON 输出 v，或交给 table 渲染表格。
func (o *Options) print(w io.Writer, v any, table func(io.Writer)) error {
	if o.output == "json" || table == nil {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	table(w)
	return nil
}

func newStatsCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show submission, plugin and event counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			stats, err := opts.client.Statistics(ctx)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), stats, func(w io.Writer) {
				tw := newTable(w, "SECTION", "KEY", "COUNT")
				for _, k := range sortedKeys(stats.Submissions.ByStatus) {
					tw.row("submissions", k, stats.Submissions.ByStatus[k])
				}
				for _, k := range sortedKeys(stats.PluginsByStatus) {
					tw.row("registry", k, stats.PluginsByStatus[k])
				}
				for _, k := range sortedKeys(stats.PluginsByState) {
					tw.row("runtime", k, stats.PluginsByState[k])
				}
				for _, k := range sortedKeys(stats.Events) {
					tw.row("events", k, stats.Events[k])
				}
				tw.flush()
			})
		},
	}
}
