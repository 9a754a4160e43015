package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultAPIUrl = "http://127.0.0.1:8080/api"

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by commands
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createRunCommand(c, globalFlags),
		createValidateCommand(c, globalFlags),
		createStatusCommand(c),
		createStopCommand(c),
		createOutcomeCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:           "svcgroup",
		Short:         "Run a set of services as one unit",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `svcgroup starts a group of long-running services together, waits for the
first termination trigger (signal, service exit or stop request), stops the
remaining services within a grace period and reports a single outcome.

Examples:
  svcgroup run config.toml
  svcgroup validate --config=config.toml
  svcgroup status --api-url=http://127.0.0.1:8080/api
  svcgroup stop --wait=30s`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	return root
}

func configPath(global *GlobalFlags, args []string) (string, error) {
	p := global.ConfigPath
	if len(args) > 0 {
		p = args[0]
	}
	if p == "" {
		return "", fmt.Errorf("config file required. Use --config=config.toml or provide as argument")
	}
	return p, nil
}

func createRunCommand(c command, global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run [config.toml]",
		Short: "Run the service group in the foreground",
		Long: `Run every configured service until the first termination trigger, then stop
the rest and print the outcome. Exits non-zero when the outcome is a failure.

Examples:
  svcgroup run config.toml
  SVCGROUP_GROUP_GRACE_PERIOD=30s svcgroup run --config=config.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := configPath(global, args)
			if err != nil {
				return err
			}
			return c.Run(cmd.Context(), RunFlags{ConfigPath: p})
		},
	}
}

func createValidateCommand(c command, global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config.toml]",
		Short: "Check a configuration file without starting anything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := configPath(global, args)
			if err != nil {
				return err
			}
			return c.Validate(ValidateFlags{ConfigPath: p})
		},
	}
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", defaultAPIUrl, "control API base URL")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "CA certificate for an https control API")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS certificate verification")
	cmd.Flags().StringVar(&f.Token, "token", os.Getenv("SVCGROUP_API_TOKEN"), "bearer token for the control API (env SVCGROUP_API_TOKEN)")
}

func createStatusCommand(c command) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show group and service states of a running group",
		Long: `Show the state of a running group through its control API.

Examples:
  svcgroup status
  svcgroup status --service=db
  svcgroup status --api-url=http://remote:8080/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), *flags)
		},
	}
	addAPIFlags(cmd, &flags.APIFlags)
	cmd.Flags().StringVar(&flags.Service, "service", "", "show a single service")
	return cmd
}

func createStopCommand(c command) *cobra.Command {
	flags := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Request an explicit stop of a running group",
		Long: `Ask a running group to shut down.

Examples:
  svcgroup stop                 # Return once the request is accepted
  svcgroup stop --wait=30s      # Wait for the outcome`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), *flags)
		},
	}
	addAPIFlags(cmd, &flags.APIFlags)
	cmd.Flags().DurationVar(&flags.Wait, "wait", 0, "wait up to this long for the group to terminate")
	return cmd
}

func createOutcomeCommand(c command) *cobra.Command {
	flags := &OutcomeFlags{}
	cmd := &cobra.Command{
		Use:   "outcome",
		Short: "Show the outcome of a terminated group",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Outcome(cmd.Context(), *flags)
		},
	}
	addAPIFlags(cmd, &flags.APIFlags)
	return cmd
}
