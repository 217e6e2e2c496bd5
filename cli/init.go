package cli

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/TFMV/driftlake/config"
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Create a new Driftlake configuration",
	Long: `Create a configuration file with a local object store and SQLite
catalog rooted in the given directory (default: current directory).

Writes are protected with a randomly generated password, printed once
during initialization.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	path := fmt.Sprintf("%s/driftlake.yaml", dir)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("configuration already exists at %s", path)
	}

	cfg := &config.Config{
		ObjectStore: config.ObjectStoreConfig{
			Type:  "local",
			Local: &config.LocalConfig{DataDir: fmt.Sprintf("%s/data", dir)},
		},
		Catalog: config.CatalogConfig{
			Type:   "sqlite",
			SQLite: &config.SQLiteConfig{DSN: fmt.Sprintf("%s/catalog.db", dir)},
		},
		Frontend: config.FrontendConfig{
			HTTP: config.DefaultHTTPFrontend(),
		},
		Misc: config.MiscConfig{
			MaxPartitionSize: config.DefaultMaxPartitionSize,
		},
	}

	if err := config.WriteConfig(path, cfg); err != nil {
		return err
	}
	pterm.Success.Printf("Configuration written to %s\n", path)
	pterm.Info.Println("Start the server with: driftlake serve --config " + path)
	return nil
}
