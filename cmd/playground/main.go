package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// GlobalFlags holds the persistent flags of every command
type GlobalFlags struct {
	ConfigPath string
}

type UserFlags struct {
	Username string
	Password string
}

type TokenFlags struct {
	UserID   string
	Username string
}

// ScenarioFlags select a category and, for run, one scenario of it.
type ScenarioFlags struct {
	Type     string
	Scenario string
	Script   string
	User     string
}

func buildRoot(stdout, stderr io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{global: globalFlags, stdout: stdout, stderr: stderr}

	root := createRootCommand(globalFlags)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(
		createServeCommand(c),
		createUserCommand(c),
		createTokenCommand(c),
		createScenariosCommand(c),
		createRunCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "playground",
		Short: "DevOps playground server",
		Long: `Playground runs scenario scripts for authenticated users and streams
their output live over WebSocket.

Examples:
  playground serve --config=playground.toml
  playground user add --username=alice --password=secret
  playground token --username=alice
  playground scenarios list --type=scripting
  playground run --type=scripting --scenario=hello`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional; PLAYGROUND_* env overrides apply)")
	return root
}

func createServeCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the playground server",
		Long: `Start the HTTP API, the WebSocket live channel and, when configured,
the dedicated metrics listener. SIGINT or SIGTERM shuts down gracefully:
running executions are stopped and recorded as failed.

Examples:
  playground serve
  playground serve playground.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), args)
		},
	}
}

func createUserCommand(c command) *cobra.Command {
	flags := &UserFlags{}
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage playground users",
	}
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a user with a bcrypt password hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.AddUser(cmd.Context(), *flags)
		},
	}
	add.Flags().StringVar(&flags.Username, "username", "", "user name (required)")
	add.Flags().StringVar(&flags.Password, "password", "", "password (required)")
	if err := add.MarkFlagRequired("username"); err != nil {
		panic(err)
	}
	if err := add.MarkFlagRequired("password"); err != nil {
		panic(err)
	}
	user.AddCommand(add)
	return user
}

func createTokenCommand(c command) *cobra.Command {
	flags := &TokenFlags{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for an existing user",
		Long: `Issue a session token without a password. The server must share the
configured auth.jwt_secret for the token to be accepted.

Examples:
  playground token --username=alice
  playground token --user=3f1c0c9e-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Token(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.UserID, "user", "", "user id")
	cmd.Flags().StringVar(&flags.Username, "username", "", "user name")
	cmd.MarkFlagsOneRequired("user", "username")
	cmd.MarkFlagsMutuallyExclusive("user", "username")
	return cmd
}

func createScenariosCommand(c command) *cobra.Command {
	flags := &ScenarioFlags{}
	sc := &cobra.Command{
		Use:   "scenarios",
		Short: "Inspect the scenario catalog",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List the scenarios of a playground type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ListScenarios(flags.Type)
		},
	}
	check := &cobra.Command{
		Use:   "check",
		Short: "Check that the tooling of a playground type is installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.CheckPrerequisites(cmd.Context(), flags.Type)
		},
	}
	sc.PersistentFlags().StringVar(&flags.Type, "type", "", "playground type, e.g. scripting (required)")
	if err := sc.MarkPersistentFlagRequired("type"); err != nil {
		panic(err)
	}
	sc.AddCommand(list, check)
	return sc
}

func createRunCommand(c command) *cobra.Command {
	flags := &ScenarioFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one scenario locally and print its output",
		Long: `Run a scenario through the same execution path the server uses. The
execution is recorded in the store under --user. The exit status is the
scenario's exit code, or 1 when it failed without one.

Examples:
  playground run --type=scripting --scenario=hello
  playground run --type=scripting --scenario=loops --script=for`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Type, "type", "", "playground type (required)")
	cmd.Flags().StringVar(&flags.Scenario, "scenario", "", "scenario name (required)")
	cmd.Flags().StringVar(&flags.Script, "script", "", "script of a scripting scenario")
	cmd.Flags().StringVar(&flags.User, "user", "cli", "user id recorded as owner")
	if err := cmd.MarkFlagRequired("type"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("scenario"); err != nil {
		panic(err)
	}
	return cmd
}
