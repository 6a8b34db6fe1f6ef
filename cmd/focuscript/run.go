package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/codename/focuscript"
	"github.com/codename/focuscript/compiler"
	"github.com/codename/focuscript/executor"
	"github.com/codename/focuscript/internal/hostsim"
	"github.com/codename/focuscript/manager"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Compile, load and invoke a script once",
	Long: `Compile a script, load it and invoke it once.

Code can be provided via:
  - File argument: focuscript run greet.fs
  - Inline flag: focuscript run -c 'return 1 + 1'
  - Stdin: echo 'print("hi")' | focuscript run

Printed output goes to stdout followed by the return value. Compile
diagnostics and script errors go to stderr with exit status 1.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runRun,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Code to execute")
	cmd.Flags().StringP("lang", "l", "", "Language: focuscript, wasm (default: from file extension)")
	cmd.Flags().Duration("timeout", 0, "Invocation timeout (default: from config)")
	cmd.Flags().StringSliceP("permission", "p", nil, "Grant capability: log, clock, config, server, storage (repeatable)")
	cmd.Flags().StringToString("arg", nil, "Event argument key=value (repeatable)")
	cmd.Flags().StringToString("set", nil, "Config value key=value visible through config.get (repeatable)")
}

type runInput struct {
	identity    string
	language    string
	file        string
	source      string
	timeout     time.Duration
	permissions []string
	args        map[string]string
	values      map[string]string
}

func runRun(cmd *cobra.Command, args []string) {
	code, _ := cmd.Flags().GetString("code")
	lang, _ := cmd.Flags().GetString("lang")

	in := runInput{}
	in.timeout, _ = cmd.Flags().GetDuration("timeout")
	in.permissions, _ = cmd.Flags().GetStringSlice("permission")
	in.args, _ = cmd.Flags().GetStringToString("arg")
	in.values, _ = cmd.Flags().GetStringToString("set")

	switch {
	case code != "":
		in.source = code
	case len(args) > 0:
		in.file = args[0]
		data, err := os.ReadFile(in.file)
		if err != nil {
			fatal(err)
		}
		in.source = string(data)
	default:
		// Check if stdin has data (not a terminal)
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) != 0 {
			cmd.Help()
			return
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fatal(err)
		}
		in.source = string(data)
		if in.source == "" {
			cmd.Help()
			return
		}
	}

	var err error
	if in.language, err = getLanguage(lang, in.file); err != nil {
		fatal(err)
	}
	in.identity = identityFor(in.file)

	cfg, err := loadConfig(cmd)
	if err != nil {
		fatal(err)
	}
	logger := cfg.Logger(os.Stderr)
	engine, err := newEngine(cfg, focuscript.WithServer(hostsim.New(logger)))
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	runErr := runScript(ctx, engine, in, os.Stdout)
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := engine.Close(closeCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	if runErr != nil {
		fatal(runErr)
	}
}

// runScript loads in.source under in.identity and invokes it once, writing
// printed output and the return value to w.
func runScript(ctx context.Context, engine *focuscript.Engine, in runInput, w io.Writer) error {
	loadOpts := []manager.LoadOption{
		manager.WithLanguage(in.language),
		manager.WithPermissions(in.permissions...),
	}
	if in.file != "" {
		loadOpts = append(loadOpts, manager.WithFile(in.file))
	}
	if len(in.values) > 0 {
		values := make(map[string]any, len(in.values))
		for k, v := range in.values {
			values[k] = v
		}
		loadOpts = append(loadOpts, manager.WithConfig(values))
	}

	summary := engine.Manager.Load(ctx, in.identity, in.source, loadOpts...)
	if !summary.OK() {
		if len(summary.Diagnostics) > 0 {
			return fmt.Errorf("compile failed:\n%s", summary.Diagnostics.Summary(compiler.MaxSummaryLines))
		}
		return summary.Err
	}

	var invokeOpts []executor.Option
	if in.timeout > 0 {
		invokeOpts = append(invokeOpts, executor.WithTimeout(in.timeout))
	}
	args := make(map[string]any, len(in.args))
	for k, v := range in.args {
		args[k] = v
	}

	result := engine.Manager.Invoke(ctx, in.identity, args, invokeOpts...)
	fmt.Fprint(w, result.Output)
	if !result.OK() {
		return fmt.Errorf("%s: %w", result.Kind, result.Err)
	}
	return writeValue(w, result.Value)
}
