package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"ExtensionHub/sdk/go/hubclient"
)

func newSubmissionsCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "submissions",
		Aliases: []string{"submission", "sub"},
		Short:   "Submit plugins and review submissions",
	}
	cmd.AddCommand(
		submitCommand(opts),
		resubmitCommand(opts),
		submissionListCommand(opts),
		submissionGetCommand(opts),
		reviewCommand(opts),
		withdrawCommand(opts),
		submissionDeleteCommand(opts),
	)
	return cmd
}

func (o *Options) printSubmission(w io.Writer, sub hubclient.Submission) error {
	return o.print(w, sub, submissionTable(sub))
}

func (o *Options) printSubmissions(w io.Writer, list []hubclient.Submission) error {
	return o.print(w, list, submissionTable(list...))
}

func submissionTable(list ...hubclient.Submission) func(io.Writer) {
	return func(w io.Writer) {
		tw := newTable(w, "ID", "PLUGIN", "VERSION", "STATUS", "DEVELOPER", "SUBMITTED", "ERRORS")
		for _, s := range list {
			tw.row(s.ID, s.Manifest.Name, s.Manifest.Version, s.Status, s.Developer.Email,
				s.SubmittedAt.Format("2006-01-02 15:04:05"), strings.Join(s.ValidationErrors, "; "))
		}
		tw.flush()
	}
}

func readManifest(path string) (hubclient.Manifest, error) {
	var m hubclient.Manifest
	raw, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

func submitCommand(opts *Options) *cobra.Command {
	var (
		manifest string
		artifact string
		dev      hubclient.Developer
	)
	cmd := &cobra.Command{
		Use:   "submit -f plugin.yaml --artifact plugin.so --email dev@example.com",
		Short: "Submit a plugin for review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := readManifest(manifest)
			if err != nil {
				return err
			}
			f, err := os.Open(artifact)
			if err != nil {
				return err
			}
			defer f.Close()
			ctx, cancel := opts.context(cmd)
			defer cancel()
			sub, err := opts.client.Submit(ctx, m, dev, filepath.Base(artifact), f)
			if err != nil {
				return err
			}
			return opts.printSubmission(cmd.OutOrStdout(), sub)
		},
	}
	cmd.Flags().StringVarP(&manifest, "file", "f", "", "Plugin manifest (YAML or JSON)")
	cmd.Flags().StringVar(&artifact, "artifact", "", "Plugin artifact to upload")
	cmd.Flags().StringVar(&dev.Name, "developer", "", "Developer name (defaults to the token subject)")
	cmd.Flags().StringVar(&dev.Email, "email", "", "Developer email")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("artifact")
	return cmd
}

func resubmitCommand(opts *Options) *cobra.Command {
	var manifest, artifact string
	cmd := &cobra.Command{
		Use:   "resubmit ID --artifact plugin.so",
		Short: "Upload a new artifact for a rejected submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var m *hubclient.Manifest
			if manifest != "" {
				parsed, err := readManifest(manifest)
				if err != nil {
					return err
				}
				m = &parsed
			}
			f, err := os.Open(artifact)
			if err != nil {
				return err
			}
			defer f.Close()
			ctx, cancel := opts.context(cmd)
			defer cancel()
			sub, err := opts.client.Resubmit(ctx, args[0], m, filepath.Base(artifact), f)
			if err != nil {
				return err
			}
			return opts.printSubmission(cmd.OutOrStdout(), sub)
		},
	}
	cmd.Flags().StringVarP(&manifest, "file", "f", "", "Updated manifest; the plugin name must not change")
	cmd.Flags().StringVar(&artifact, "artifact", "", "Plugin artifact to upload")
	_ = cmd.MarkFlagRequired("artifact")
	return cmd
}

func submissionListCommand(opts *Options) *cobra.Command {
	var status, pluginName string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List submissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			list, err := opts.client.ListSubmissions(ctx, strings.ToUpper(status), pluginName)
			if err != nil {
				return err
			}
			return opts.printSubmissions(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING_REVIEW, IN_REVIEW, APPROVED, REJECTED, PUBLISHED, WITHDRAWN)")
	cmd.Flags().StringVar(&pluginName, "plugin", "", "Filter by plugin name")
	return cmd
}

func submissionGetCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			sub, err := opts.client.Submission(ctx, args[0])
			if err != nil {
				return err
			}
			return opts.printSubmission(cmd.OutOrStdout(), sub)
		},
	}
}

func reviewCommand(opts *Options) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "review ID STATUS",
		Short: "Move a submission to a new status",
		Example: `
  hubctl submissions review 3f2a... approved --notes "looks good"
  hubctl submissions review 3f2a... published
`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			sub, err := opts.client.Review(ctx, args[0], strings.ToUpper(args[1]), notes)
			if err != nil {
				return err
			}
			return opts.printSubmission(cmd.OutOrStdout(), sub)
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "Review notes")
	return cmd
}

func withdrawCommand(opts *Options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "withdraw ID",
		Short: "Withdraw a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			sub, err := opts.client.Withdraw(ctx, args[0], reason)
			if err != nil {
				return err
			}
			return opts.printSubmission(cmd.OutOrStdout(), sub)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the review notes")
	return cmd
}

func submissionDeleteCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a pending, rejected or withdrawn submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			if err := opts.client.DeleteSubmission(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "submission %s deleted\n", args[0])
			return nil
		},
	}
}
