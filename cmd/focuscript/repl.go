package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/codename/focuscript"
	"github.com/codename/focuscript/compiler"
	"github.com/codename/focuscript/executor"
	"github.com/codename/focuscript/internal/hostsim"
	fslang "github.com/codename/focuscript/language/focuscript"
	"github.com/codename/focuscript/manager"
)

const replIdentity = "repl"

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive focuscript prompt",
	Long: `Start an interactive REPL (Read-Eval-Print Loop) session.

Each entry is compiled, hot-loaded as the "repl" script and invoked once.
A bare expression prints its value; statements run as a script body.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	Run: runRepl,
}

func init() {
	replCmd.Flags().StringSliceP("permission", "p", nil, "Grant capability: log, clock, config, server, storage (repeatable)")
	replCmd.Flags().Duration("timeout", 0, "Invocation timeout (default: from config)")
	replCmd.Flags().String("history", "", "History file path (default: ~/.focuscript_history)")
	rootCmd.AddCommand(replCmd)
}

type replSession struct {
	engine      *focuscript.Engine
	permissions []string
	timeout     time.Duration
}

func runRepl(cmd *cobra.Command, args []string) {
	permissions, _ := cmd.Flags().GetStringSlice("permission")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	historyFile, _ := cmd.Flags().GetString("history")

	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".focuscript_history")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		fatal(err)
	}
	logger := cfg.Logger(os.Stderr)
	srv := hostsim.New(logger)
	engine, err := newEngine(cfg, focuscript.WithServer(srv))
	if err != nil {
		fatal(err)
	}
	defer engine.Close(context.Background())

	session := &replSession{engine: engine, permissions: permissions, timeout: timeout}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Fprintf(os.Stderr, "focuscript REPL, api v%d (type 'exit' to quit, Ctrl+D to exit)\n", engine.Artifact.APIVersion)

	var pending strings.Builder
	for {
		line, err := rl.Readline()
		switch {
		case err == readline.ErrInterrupt:
			pending.Reset()
			rl.SetPrompt(">>> ")
			continue
		case err == io.EOF:
			fmt.Println()
			return
		case err != nil:
			fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
			return
		}

		entry, complete := appendLine(&pending, line)
		if !complete {
			rl.SetPrompt("... ")
			continue
		}
		rl.SetPrompt(">>> ")

		switch entry {
		case "":
			continue
		case "exit", "quit":
			return
		}

		if err := session.eval(context.Background(), entry, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

// appendLine adds line to pending. A trailing backslash continues the entry
// on the next line; otherwise the trimmed entry is returned and pending is
// reset.
func appendLine(pending *strings.Builder, line string) (string, bool) {
	if rest, ok := strings.CutSuffix(line, "\\"); ok {
		pending.WriteString(rest)
		pending.WriteByte('\n')
		return "", false
	}
	pending.WriteString(line)
	entry := strings.TrimSpace(pending.String())
	pending.Reset()
	return entry, true
}

// eval loads input as the repl script and invokes it. Input that compiles
// as an expression is evaluated as one so its value is printed.
func (s *replSession) eval(ctx context.Context, input string, w io.Writer) error {
	body := input
	expr := compiler.Source{
		Identity: replIdentity,
		Language: fslang.Name,
		Text:     "return (" + input + "\n)",
	}
	if s.engine.Compiler.Compile(ctx, expr).OK() {
		body = expr.Text
	}

	summary := s.engine.Manager.Load(ctx, replIdentity, body,
		manager.WithLanguage(fslang.Name),
		manager.WithPermissions(s.permissions...))
	if !summary.OK() {
		if len(summary.Diagnostics) > 0 {
			return fmt.Errorf("%s", summary.Diagnostics.Summary(compiler.MaxSummaryLines))
		}
		return summary.Err
	}

	var opts []executor.Option
	if s.timeout > 0 {
		opts = append(opts, executor.WithTimeout(s.timeout))
	}
	result := s.engine.Manager.Invoke(ctx, replIdentity, nil, opts...)
	if result.Output != "" {
		fmt.Fprint(w, result.Output)
	}
	if !result.OK() {
		return fmt.Errorf("%s: %w", result.Kind, result.Err)
	}
	return writeValue(w, result.Value)
}
