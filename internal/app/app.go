package app

import (
	"context"
	"os"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"ipwarden/internal/app/version"
	"ipwarden/internal/config"
)

const defaultBackendPort = 8082

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	return newRootCommand().ExecuteContext(context.Background())
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "ipwarden",
		Short:         "Request tracking, abuse detection and login rate limiting",
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("IPWARDEN_CONFIG"), "settings file overlaying the defaults")

	root.AddCommand(
		newServeCommand(&configPath),
		newDetectCommand(&configPath),
		newBlockCommand(&configPath),
		newUnblockCommand(&configPath),
	)
	return root
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	if level, err := log.ParseLevel(cfg.Log.Level); err != nil {
		log.Warn("invalid log level, keeping default", "level", cfg.Log.Level)
	} else {
		log.SetLevel(level)
	}
	return cfg, nil
}

func resolvePort(primaryEnv, legacyEnv string, fallback int) int {
	if port := readPort(primaryEnv); port != 0 {
		return port
	}
	if port := readPort(legacyEnv); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}
