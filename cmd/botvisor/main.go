package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	Token      string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
	JSON       bool
}

// buildRoot creates the root command with every subcommand attached.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	botvisorCommand := command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createBotsCommand(botvisorCommand),
		createGetCommand(botvisorCommand),
		createCreateCommand(botvisorCommand),
		createDeleteCommand(botvisorCommand),
		createStartCommand(botvisorCommand),
		createStopCommand(botvisorCommand),
		createRestartCommand(botvisorCommand),
		createLogsCommand(botvisorCommand),
		createActivitiesCommand(botvisorCommand),
		createStatsCommand(botvisorCommand),
		createSchedulesCommand(botvisorCommand),
		createTokenCommand(globalFlags),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "botvisor",
		Short: "Bot process supervisor",
		Long: `Botvisor runs bot processes (Node.js, Python or any command), captures their
output and exposes control, logs, activities and host stats over HTTP.

Examples:
  botvisor serve botvisor.toml          # run the daemon
  botvisor bots                         # list workers
  botvisor start trader                 # start a worker
  botvisor logs trader --limit=20
  botvisor --api-url=http://host:8080/api stats`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to config file (TOML, YAML or JSON)")
	pf.StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default from client.url)")
	pf.StringVar(&flags.Token, "token", "", "API bearer token (default from client.token)")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	pf.StringVar(&flags.CACert, "ca-cert", "", "CA certificate to trust for https daemons")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	pf.BoolVar(&flags.JSON, "json", false, "print raw JSON")

	return root
}

func exactlyOneID(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%s requires exactly one bot id", cmd.Name())
	}
	return nil
}

func createBotsCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:     "bots",
		Aliases: []string{"ls", "status"},
		Short:   "List workers and their state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Bots(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func createGetCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one worker",
		Args:  exactlyOneID,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Get(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

// CreateFlags holds flags for the create command
type CreateFlags struct {
	ID          string
	Name        string
	Language    string
	MainFile    string
	Command     string
	Setup       string
	WorkDir     string
	Env         []string
	AutoRestart bool
	File        string
}

func createCreateCommand(c command) *cobra.Command {
	f := &CreateFlags{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a worker with the daemon",
		Long: `Register a worker from flags or from a spec file (TOML, YAML or JSON).

Examples:
  botvisor create --name=Trader --language=python --main-file=main.py
  botvisor create --id=ticker --name=Ticker --command="sleep 60"
  botvisor create --file=workers/trader.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Create(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().StringVar(&f.ID, "id", "", "worker id (generated when empty)")
	cmd.Flags().StringVar(&f.Name, "name", "", "display name")
	cmd.Flags().StringVar(&f.Language, "language", "", "nodejs, python or command")
	cmd.Flags().StringVar(&f.MainFile, "main-file", "", "entry script for nodejs/python")
	cmd.Flags().StringVar(&f.Command, "command", "", "launch command for language=command")
	cmd.Flags().StringVar(&f.Setup, "setup", "", "dependency install command; \"-\" disables it")
	cmd.Flags().StringVar(&f.WorkDir, "work-dir", "", "absolute working directory")
	cmd.Flags().StringSliceVar(&f.Env, "env", nil, "KEY=VALUE environment entries")
	cmd.Flags().BoolVar(&f.AutoRestart, "auto-restart", false, "mark the worker for automatic restart")
	cmd.Flags().StringVar(&f.File, "file", "", "read the worker definition from a file instead of flags")
	return cmd
}

func createDeleteCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Stop and remove a worker",
		Args:    exactlyOneID,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Delete(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func createStartCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start a worker",
		Args:  exactlyOneID,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Control(cmd.Context(), cmd.OutOrStdout(), "start", args[0])
		},
	}
}

func createStopCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a worker",
		Args:  exactlyOneID,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Control(cmd.Context(), cmd.OutOrStdout(), "stop", args[0])
		},
	}
}

func createRestartCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <id>",
		Short: "Restart a worker",
		Args:  exactlyOneID,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Control(cmd.Context(), cmd.OutOrStdout(), "restart", args[0])
		},
	}
}

func createLogsCommand(c command) *cobra.Command {
	var limit int
	var clear bool
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Show a worker's recent output, oldest line last",
		Args:  exactlyOneID,
		RunE: func(cmd *cobra.Command, args []string) error {
			if clear {
				return c.ClearLogs(cmd.Context(), cmd.OutOrStdout(), args[0])
			}
			return c.Logs(cmd.Context(), cmd.OutOrStdout(), args[0], limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "number of records")
	cmd.Flags().BoolVar(&clear, "clear", false, "clear the log buffer instead")
	return cmd
}

func createActivitiesCommand(c command) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "activities",
		Short: "Show the audit trail, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Activities(cmd.Context(), cmd.OutOrStdout(), limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "number of entries (daemon default 50)")
	return cmd
}

func createStatsCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the latest host resource sample",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stats(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func createSchedulesCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "schedules",
		Short: "List cron schedules and their next run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Schedules(cmd.Context(), cmd.OutOrStdout())
		},
	}
}
