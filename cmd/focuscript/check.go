package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/codename/focuscript"
	"github.com/codename/focuscript/compiler"
	"github.com/codename/focuscript/workspace"
)

var checkCmd = &cobra.Command{
	Use:   "check <file|workspace>...",
	Short: "Compile scripts without running them",
	Long: `Compile each argument against the API artifact and report diagnostics.

An argument is either a source file (.fs, .wasm) or a workspace directory
containing script.yml, in which case its entry file is compiled. Exits with
status 1 when any argument fails to compile.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runCheck,
}

func init() {
	checkCmd.Flags().StringP("lang", "l", "", "Language for files: focuscript, wasm (default: from file extension)")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) {
	lang, _ := cmd.Flags().GetString("lang")

	cfg, err := loadConfig(cmd)
	if err != nil {
		fatal(err)
	}
	engine, err := newEngine(cfg)
	if err != nil {
		fatal(err)
	}
	defer engine.Close(context.Background())

	failed, err := checkAll(cmd.Context(), engine, lang, args, os.Stdout)
	if err != nil {
		fatal(err)
	}
	if failed > 0 {
		engine.Close(context.Background())
		fmt.Fprintf(os.Stderr, "Error: %d of %d failed to compile\n", failed, len(args))
		os.Exit(1)
	}
}

// checkAll compiles every path and reports each on w. It returns how many
// failed to compile.
func checkAll(ctx context.Context, engine *focuscript.Engine, lang string, paths []string, w io.Writer) (int, error) {
	failed := 0
	for _, path := range paths {
		src, err := checkSource(path, lang)
		if err != nil {
			return failed, err
		}
		res := engine.Compiler.Compile(ctx, src)
		if res.OK() {
			fmt.Fprintf(w, "ok   %s (%s)\n", path, res.Duration.Round(time.Microsecond))
			if len(res.Diagnostics) > 0 {
				fmt.Fprintln(w, res.Diagnostics.Summary(compiler.MaxSummaryLines))
			}
			continue
		}
		failed++
		fmt.Fprintf(w, "FAIL %s\n", path)
		fmt.Fprintln(w, res.Diagnostics.Summary(compiler.MaxSummaryLines))
	}
	return failed, nil
}

func checkSource(path, lang string) (compiler.Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return compiler.Source{}, err
	}
	if info.IsDir() {
		ws, err := workspace.Open(path)
		if err != nil {
			return compiler.Source{}, err
		}
		text, err := ws.Source()
		if err != nil {
			return compiler.Source{}, err
		}
		return compiler.Source{
			Identity:   ws.ID(),
			Language:   ws.Language(),
			File:       filepath.ToSlash(ws.Manifest.Entry),
			Text:       text,
			APIVersion: ws.Manifest.API,
		}, nil
	}

	language, err := getLanguage(lang, path)
	if err != nil {
		return compiler.Source{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return compiler.Source{}, err
	}
	return compiler.Source{
		Identity: identityFor(path),
		Language: language,
		File:     filepath.Base(path),
		Text:     string(data),
	}, nil
}
