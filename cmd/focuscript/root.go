package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codename/focuscript"
	"github.com/codename/focuscript/config"
	fslang "github.com/codename/focuscript/language/focuscript"
	"github.com/codename/focuscript/language/wasm"
)

var rootCmd = &cobra.Command{
	Use:   "focuscript [file]",
	Short: "Hot-reloadable game scripting engine",
	Long: `focuscript - compile, load and run sandboxed game scripts.

Scripts are written in focuscript (.fs) or compiled to WebAssembly (.wasm).
Every script is checked against the bundled API artifact before it runs and
only reaches the host through the capabilities it was granted.

Settings are read from focuscript.yml in the working directory, or from the
file named by --config.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runRun, // Default to run command behavior
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ./focuscript.yml when present)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")

	addRunFlags(rootCmd)
}

// loadConfig reads the config file and applies persistent flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	level, _ := cmd.Flags().GetString("log-level")

	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if level != "" {
		cfg.LogLevel = level
		if err := cfg.Validate(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// newEngine builds an engine that logs to stderr.
func newEngine(cfg config.Config, opts ...focuscript.Option) (*focuscript.Engine, error) {
	opts = append([]focuscript.Option{focuscript.WithLogger(cfg.Logger(os.Stderr))}, opts...)
	return focuscript.New(cfg, opts...)
}

// getLanguage picks the language from the flag, then from the file
// extension. Inline code defaults to focuscript.
func getLanguage(langFlag string, filename string) (string, error) {
	lang := strings.ToLower(langFlag)

	if lang == "" && filename != "" {
		switch strings.ToLower(filepath.Ext(filename)) {
		case ".fs":
			lang = fslang.Name
		case ".wasm":
			lang = wasm.Name
		default:
			return "", fmt.Errorf("cannot detect language of %q: use --lang focuscript or --lang wasm", filename)
		}
	}

	switch lang {
	case "", "fs", fslang.Name:
		return fslang.Name, nil
	case wasm.Name:
		return wasm.Name, nil
	default:
		return "", fmt.Errorf("unknown language %q: use focuscript or wasm", langFlag)
	}
}

// identityFor derives a script identity from a file name.
func identityFor(filename string) string {
	if filename == "" {
		return "main"
	}
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// writeValue prints a script's return value. Strings print raw, everything
// else as JSON.
func writeValue(w io.Writer, v any) error {
	switch v := v.(type) {
	case nil:
		return nil
	case string:
		_, err := fmt.Fprintln(w, v)
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		_, err = fmt.Fprintln(w, v)
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
