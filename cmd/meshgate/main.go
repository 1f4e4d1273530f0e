package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshgate/internal/config"
	"meshgate/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "meshgate",
	Short: "meshgate - content gate and 3D reconstruction orchestrator",
	Long: `meshgate screens images with an embedding-similarity content gate and
turns accepted images into 3D meshes by supervising external reconstruction
backends (fast and quality modes).

Configuration is read from meshgate.yaml (see --config); a .env file in the
working directory is loaded first.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if workspace != "" {
			loaded.WorkspaceDir = workspace
		}
		if verbose {
			loaded.Logging.Level = "debug"
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		if err := logging.Initialize(loaded.Logging); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cfg = loaded
		logger = logging.Base()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "meshgate.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Task workspace directory (overrides config)")

	reconstructCmd.Flags().StringVarP(&reconstructMode, "mode", "m", "", "Reconstruction mode: fast or quality (default fast)")
	processCmd.Flags().StringVarP(&reconstructMode, "mode", "m", "", "Reconstruction mode: fast or quality (default fast)")
	reconstructCmd.Flags().BoolVar(&keepTask, "keep", false, "Keep the task directory even when no mesh was produced")
	processCmd.Flags().BoolVar(&keepTask, "keep", false, "Keep the task directory even when no mesh was produced")

	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(reconstructCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(backendsCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
