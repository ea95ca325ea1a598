// Package main is the entry point for the runnerctl binary, a command-line
// host for a running plugin-runner.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/polisai/plugin-runner/pkg/client"
	"github.com/polisai/plugin-runner/pkg/config"
	"github.com/polisai/plugin-runner/pkg/domain"
	"github.com/polisai/plugin-runner/pkg/protocol"
)

type globalOptions struct {
	Address string
	Timeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:           "runnerctl",
		Short:         "Send commands to a running plugin-runner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.Address, "address", "a", protocol.DefaultAddress, "Runner address (unix:///path or tcp://host:port)")
	rootCmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", client.DefaultTimeout, "Per-command timeout")

	rootCmd.AddCommand(
		newHealthCmd(opts),
		newInitCmd(opts),
		newExecPluginCmd(opts),
		newExecuteCmd(opts),
		newLogsCmd(opts),
		newLogConfigCmd(opts),
		newResetCmd(opts),
	)
	return rootCmd
}

// withClient dials the runner, runs fn and closes the connection.
func withClient(cmd *cobra.Command, opts *globalOptions, clientOpts client.Options, fn func(ctx context.Context, c *client.Client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	clientOpts.Timeout = opts.Timeout
	c, err := client.Dial(ctx, opts.Address, clientOpts)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return fn(ctx, c)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newHealthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report runner status and capabilities",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, opts, client.Options{}, func(ctx context.Context, c *client.Client) error {
				resp, err := c.Health(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
}

// loadWorkspace reads an environment and manifest from YAML in the same
// shape as the runner's startup workspace block.
func loadWorkspace(path string) (config.WorkspaceConfig, error) {
	var ws config.WorkspaceConfig
	//nolint:gosec // Path supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return ws, fmt.Errorf("failed to read workspace file: %w", err)
	}
	if err := yaml.Unmarshal(data, &ws); err != nil {
		return ws, fmt.Errorf("failed to parse workspace file: %w", err)
	}
	return ws, nil
}

func newInitCmd(opts *globalOptions) *cobra.Command {
	var (
		file    string
		env     domain.Environment
		modules []string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Activate an environment and validate its modules",
		Long: `Activate an environment and validate its modules.

Either pass a workspace file:

  environment:
    org_url: https://contoso.crm.example.com
    execution_mode: Offline
  manifest:
    modules:
      - path: bin/contoso.so

or give the environment and module paths as flags.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			manifest := domain.Manifest{}
			if file != "" {
				ws, err := loadWorkspace(file)
				if err != nil {
					return err
				}
				env, manifest = ws.Environment, ws.Manifest
			}
			for _, m := range modules {
				manifest.Modules = append(manifest.Modules, domain.ModuleSpec{Path: m})
			}
			return withClient(cmd, opts, client.Options{}, func(ctx context.Context, c *client.Client) error {
				resp, err := c.InitWorkspace(ctx, env, manifest)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
					return err
				}
				if resp.Status == protocol.StatusError {
					return fmt.Errorf("workspace rejected: %s", resp.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Workspace YAML file")
	cmd.Flags().StringVar(&env.OrgURL, "org", "", "Organization URL")
	cmd.Flags().StringVar(&env.ExecutionMode, "mode", "", "Execution mode (Offline, Hybrid, Online)")
	cmd.Flags().StringVar(&env.WriteMode, "write-mode", "", "Write mode (Local, Live)")
	cmd.Flags().StringVar(&env.AccessToken, "token", os.Getenv("RUNNER_ACCESS_TOKEN"), "Bearer token for the live Web API")
	cmd.Flags().StringArrayVarP(&modules, "module", "m", nil, "Module path (repeatable)")
	return cmd
}

func newExecPluginCmd(opts *globalOptions) *cobra.Command {
	var (
		file string
		req  domain.ExecutionRequest
	)
	cmd := &cobra.Command{
		Use:   "exec-plugin",
		Short: "Run one plugin type directly",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file != "" {
				//nolint:gosec // Path supplied by the operator
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read request file: %w", err)
				}
				if err := json.Unmarshal(data, &req); err != nil {
					return fmt.Errorf("failed to parse request file: %w", err)
				}
			}
			return withClient(cmd, opts, client.Options{}, func(ctx context.Context, c *client.Client) error {
				resp, err := c.ExecutePlugin(ctx, req)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
					return err
				}
				if resp.Status == protocol.StatusError {
					return fmt.Errorf("%s: %s", resp.Code, resp.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON execution request; fields it sets override the flags")
	cmd.Flags().StringVar(&req.AssemblyPath, "module", "", "Module path")
	cmd.Flags().StringVar(&req.TypeName, "type", "", "Plugin type name")
	cmd.Flags().StringVar(&req.MessageName, "message", "Create", "Message name")
	cmd.Flags().StringVar(&req.PrimaryEntityName, "entity", "", "Primary entity logical name")
	cmd.Flags().StringVar(&req.Stage, "stage", "PostOperation", "Pipeline stage")
	cmd.Flags().StringVar(&req.ExecutionMode, "mode", "", "Execution mode override")
	cmd.Flags().StringVar(&req.TargetJSON, "target", "", "Target entity as JSON")
	cmd.Flags().StringVar(&req.UnsecureConfig, "unsecure-config", "", "Unsecure configuration string")
	cmd.Flags().StringVar(&req.SecureConfig, "secure-config", "", "Secure configuration string")
	return cmd
}

func newExecuteCmd(opts *globalOptions) *cobra.Command {
	var req protocol.ExecuteRequest
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Send a Web API request through the step pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stderr := cmd.ErrOrStderr()
			clientOpts := client.Options{OnTrace: func(_ string, lines []string) {
				for _, l := range lines {
					fmt.Fprintf(stderr, "trace: %s\n", l)
				}
			}}
			return withClient(cmd, opts, clientOpts, func(ctx context.Context, c *client.Client) error {
				res, err := c.Execute(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res.Response)
			})
		},
	}
	cmd.Flags().StringVarP(&req.Request.Method, "method", "X", "GET", "HTTP method")
	cmd.Flags().StringVarP(&req.Request.URL, "url", "u", "", "Request URL")
	cmd.Flags().StringVarP(&req.Request.Body, "body", "d", "", "Request body")
	cmd.Flags().BoolVar(&req.ForceProxy, "force-proxy", false, "Forward to the backend without emulation")
	cmd.Flags().BoolVar(&req.BypassAuth, "bypass-auth", false, "Forward without the runner's bearer token")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newLogsCmd(opts *globalOptions) *cobra.Command {
	var (
		since    uint64
		maxLines int
		follow   bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Fetch entries from the runner log ring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			return withClient(cmd, opts, client.Options{}, func(ctx context.Context, c *client.Client) error {
				last := since
				for {
					page, err := c.FetchLog(ctx, protocol.LogFetchRequest{LastSeenID: last, MaxEntries: maxLines})
					if err != nil {
						return err
					}
					for _, l := range page.Lines {
						fmt.Fprintf(out, "%d %s %-5s [%s] %s\n", l.ID, l.Timestamp.Format(time.RFC3339Nano), l.Level, l.Category, l.Message)
					}
					last = page.LastID
					if !follow {
						return nil
					}
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(interval):
					}
				}
			})
		},
	}
	cmd.Flags().Uint64Var(&since, "since", 0, "Return entries after this id")
	cmd.Flags().IntVar(&maxLines, "max", 0, "Maximum entries per fetch (0 for all)")
	cmd.Flags().BoolVarP(&follow, "follow", "F", false, "Keep polling for new entries")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Poll interval with --follow")
	return cmd
}

func newLogConfigCmd(opts *globalOptions) *cobra.Command {
	var req protocol.LogConfigRequest
	cmd := &cobra.Command{
		Use:   "log-config",
		Short: "Change the runner log ring level, categories or capacity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, opts, client.Options{}, func(ctx context.Context, c *client.Client) error {
				resp, err := c.ConfigureLog(ctx, req)
				if err != nil {
					return err
				}
				if !resp.Applied {
					return fmt.Errorf("log configuration rejected: %s", resp.Message)
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Level, "level", "", "Minimum level kept (debug, info, warn, error, off)")
	cmd.Flags().StringSliceVar(&req.Categories, "category", nil, "Categories kept; * keeps all")
	cmd.Flags().IntVar(&req.MaxEntries, "max", 0, "Ring capacity")
	return cmd
}

func newResetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Drop the workspace, module handles, overlay and metadata",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, opts, client.Options{}, func(ctx context.Context, c *client.Client) error {
				resp, err := c.Reset(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
				return nil
			})
		},
	}
}
