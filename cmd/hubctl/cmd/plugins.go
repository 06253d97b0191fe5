package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"ExtensionHub/sdk/go/hubclient"
)

func newPluginsCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "plugins",
		Aliases: []string{"plugin"},
		Short:   "Install and control plugins",
	}
	cmd.AddCommand(
		pluginListCommand(opts),
		pluginGetCommand(opts),
		pluginInstallCommand(opts),
		pluginActionCommand(opts, "start", "Start an installed plugin, loading published plugins on first start", opts.start),
		pluginActionCommand(opts, "stop", "Stop a running plugin", opts.stop),
		pluginUninstallCommand(opts),
		pluginConfigCommand(opts),
		pluginPermissionCommand(opts, "grant"),
		pluginPermissionCommand(opts, "revoke"),
	)
	return cmd
}

func (o *Options) printPlugin(w io.Writer, st hubclient.PluginStatus) error {
	return o.print(w, st, pluginTable(st))
}

func (o *Options) printPlugins(w io.Writer, list []hubclient.PluginStatus) error {
	return o.print(w, list, pluginTable(list...))
}

func pluginTable(list ...hubclient.PluginStatus) func(io.Writer) {
	return func(w io.Writer) {
		tw := newTable(w, "NAME", "VERSION", "RUNTIME", "STATE", "REGISTRY", "HEALTH", "FAILURES", "LAST ERROR")
		for _, p := range list {
			tw.row(p.Name, p.Version, p.Runtime, p.State, p.RegistryStatus, p.Health, p.ConsecutiveFailures, p.LastError)
		}
		tw.flush()
	}
}

func pluginListCommand(opts *Options) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Example: `
  # List every plugin
  hubctl plugins list

  # Only plugins marked ACTIVE in the registry
  hubctl plugins list --status=ACTIVE -o json
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			list, err := opts.client.ListPlugins(ctx, strings.ToUpper(status))
			if err != nil {
				return err
			}
			return opts.printPlugins(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by registry status (ACTIVE, INACTIVE, FAILED)")
	return cmd
}

func pluginGetCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "get NAME",
		Short: "Show the status of a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			st, err := opts.client.Plugin(ctx, args[0])
			if err != nil {
				return err
			}
			return opts.printPlugin(cmd.OutOrStdout(), st)
		},
	}
}

func pluginInstallCommand(opts *Options) *cobra.Command {
	var (
		manifest string
		location string
		start    bool
	)
	cmd := &cobra.Command{
		Use:   "install -f plugin.yaml",
		Short: "Install a plugin from a manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := readInstallRequest(manifest)
			if err != nil {
				return err
			}
			if location != "" {
				req.Location = location
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			st, err := opts.client.Install(ctx, req)
			if err != nil {
				return err
			}
			if start {
				if st, err = opts.client.Start(ctx, st.Name); err != nil {
					return err
				}
			}
			return opts.printPlugin(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVarP(&manifest, "file", "f", "", "Plugin manifest (YAML or JSON)")
	cmd.Flags().StringVar(&location, "location", "", "Override the manifest location")
	cmd.Flags().BoolVar(&start, "start", false, "Start the plugin after installing")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readInstallRequest(path string) (hubclient.InstallRequest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return hubclient.InstallRequest{}, err
	}
	var m hubclient.Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return hubclient.InstallRequest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return hubclient.InstallRequest{
		Name:         m.Name,
		Version:      m.Version,
		Description:  m.Description,
		Author:       m.Author,
		Type:         m.Type,
		Runtime:      m.Runtime,
		Capabilities: m.Capabilities,
		Permissions:  m.Permissions,
		Subscribes:   m.Subscribes,
		Publishes:    m.Publishes,
		Location:     m.Location,
		Config:       m.Config,
	}, nil
}

func (o *Options) start(cmd *cobra.Command, name string) (hubclient.PluginStatus, error) {
	ctx, cancel := o.context(cmd)
	defer cancel()
	return o.client.Start(ctx, name)
}

func (o *Options) stop(cmd *cobra.Command, name string) (hubclient.PluginStatus, error) {
	ctx, cancel := o.context(cmd)
	defer cancel()
	return o.client.Stop(ctx, name)
}

func pluginActionCommand(opts *Options, use, short string, op func(*cobra.Command, string) (hubclient.PluginStatus, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " NAME",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := op(cmd, args[0])
			if err != nil {
				return err
			}
			return opts.printPlugin(cmd.OutOrStdout(), st)
		},
	}
}

func pluginUninstallCommand(opts *Options) *cobra.Command {
	var stop bool
	cmd := &cobra.Command{
		Use:   "uninstall NAME",
		Short: "Uninstall a stopped or failed plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			if stop {
				if _, err := opts.client.Stop(ctx, args[0]); err != nil && !hubclient.IsCode(err, "INVALID_STATE_TRANSITION") {
					return err
				}
			}
			if err := opts.client.Uninstall(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "plugin %s uninstalled\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&stop, "stop", false, "Stop the plugin first if it is running")
	return cmd
}

func pluginConfigCommand(opts *Options) *cobra.Command {
	var (
		file string
		sets []string
	)
	cmd := &cobra.Command{
		Use:   "config NAME",
		Short: "Replace or patch the configuration of a plugin",
		Example: `
  # Replace the configuration from a file
  hubctl plugins config note-logger -f config.json

  # Patch single keys of the current configuration
  hubctl plugins config note-logger --set level=debug --set batch=10
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			cfg := map[string]any{}
			if file != "" {
				raw, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := yaml.Unmarshal(raw, &cfg); err != nil {
					return fmt.Errorf("parse config %s: %w", file, err)
				}
			} else {
				st, err := opts.client.Plugin(ctx, args[0])
				if err != nil {
					return err
				}
				for k, v := range st.Config {
					cfg[k] = v
				}
			}
			for _, kv := range sets {
				key, value, ok := strings.Cut(kv, "=")
				if !ok || key == "" {
					return fmt.Errorf("invalid --set %q, expected key=value", kv)
				}
				cfg[key] = parseValue(value)
			}
			st, err := opts.client.UpdateConfig(ctx, args[0], cfg)
			if err != nil {
				return err
			}
			return opts.printPlugin(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Configuration file (YAML or JSON)")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Set key=value, values are parsed as JSON when possible")
	return cmd
}

// parseValue 按 JSON 解析数字、布尔与对象，失败时作为字符串。
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func pluginPermissionCommand(opts *Options, action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " NAME PERMISSION",
		Short: strings.ToUpper(action[:1]) + action[1:] + " a permission",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			op := opts.client.Grant
			if action == "revoke" {
				op = opts.client.Revoke
			}
			grants, err := op(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), grants, func(w io.Writer) {
				tw := newTable(w, "PLUGIN", "PERMISSION", "GRANTED", "UPDATED")
				for _, g := range grants {
					tw.row(g.Plugin, g.Permission, g.Granted, g.UpdatedAt.Format("2006-01-02 15:04:05"))
				}
				tw.flush()
			})
		},
	}
}
