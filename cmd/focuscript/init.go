package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/codename/focuscript/workspace"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Seed an example workspace",
	Long: `Create an example "hello" workspace under the scripts directory.

The directory defaults to scripts_dir from the config. Nothing is written
when the directory already contains scripts.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runInit,
}

func init() {
	initCmd.Flags().Bool("force", false, "Seed even when other scripts exist")
	rootCmd.AddCommand(initCmd)
}

const exampleManifest = `id: hello
name: Hello Module
version: 1.0.0
api: 1
entry: src/main.fs
load: enable
depends: []
permissions:
  - log
  - server
  - storage
events:
  - playerJoin
config:
  settings:
    welcome: Welcome to the server!
options:
  debug: true
`

const exampleSource = `// Runs on every playerJoin event, or invoke with {"player": "<name>"}.
const welcome = config.get("settings.welcome", "Welcome!");
const joins = storage.get("stats.joins", 0) + 1;
storage.set("stats.joins", joins);

log.info("hello module invoked", joins);
if (event.player) {
  server.broadcast(welcome + " " + event.player + " (join #" + joins + ")");
}
return { joins: joins, online: server.playerCount() };
`

func runInit(cmd *cobra.Command, args []string) {
	force, _ := cmd.Flags().GetBool("force")

	dir := ""
	if len(args) > 0 {
		dir = args[0]
	} else {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fatal(err)
		}
		dir = cfg.ScriptsDir
	}

	created, err := seedExample(dir, force)
	if err != nil {
		fatal(err)
	}
	if created == "" {
		fmt.Fprintf(os.Stderr, "%s already has scripts, nothing written (use --force)\n", dir)
		return
	}
	fmt.Printf("created %s\n", created)
}

// seedExample writes the hello workspace into dir and returns its path. It
// returns "" without writing when dir already holds scripts, unless force
// is set, and always refuses to overwrite an existing hello workspace.
func seedExample(dir string, force bool) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) > 0 && !force {
		return "", nil
	}

	root := filepath.Join(dir, "hello")
	if _, err := os.Stat(root); err == nil {
		return "", fmt.Errorf("%s already exists", root)
	}
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(root, workspace.ManifestFile), []byte(exampleManifest), 0o644); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(root, "src", "main.fs"), []byte(exampleSource), 0o644); err != nil {
		return "", err
	}
	return root, nil
}
