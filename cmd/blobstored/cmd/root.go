package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/agenthands/blobstore/pkg/blobstore"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:          "blobstored",
	Short:        "Blob storage server",
	Long:         "Serves a configured storage backend over the blob storage HTTP API.",
	SilenceUsage: true,
	RunE:         runServe,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: ~/.config/blobstored/config.yaml)")
	flags.String("listen", ":8080", "address to listen on")
	flags.String("namespace", "default", "storage namespace served under /api/v1/storage/<namespace>")
	flags.String("backend", "file", "backend: memory, file, indexed, http or jupiter")
	flags.String("dir", "", "data directory for the file and indexed backends")
	flags.String("log-level", "info", "log level: debug, info, warn or error")

	viper.BindPFlag("listen", flags.Lookup("listen"))
	viper.BindPFlag("namespace", flags.Lookup("namespace"))
	viper.BindPFlag("backend", flags.Lookup("backend"))
	viper.BindPFlag("dir", flags.Lookup("dir"))
	viper.BindPFlag("log_level", flags.Lookup("log-level"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("BLOBSTORED")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults(viper.GetViper())

	viper.ReadInConfig()
}

// setDefaults registers every key so AutomaticEnv can resolve it during
// Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("dir", defaultDataDir())
	v.SetDefault("file.dir", "")
	v.SetDefault("indexed.dir", "")
	v.SetDefault("http.base_url", "")
	v.SetDefault("http.token", "")
	v.SetDefault("http.prefer_redirects", false)
	v.SetDefault("http.timeout", "2m")
	v.SetDefault("http.redirect_timeout", "15m")
	v.SetDefault("http.redirect_retries", 3)
	v.SetDefault("jupiter.base_url", "")
	v.SetDefault("jupiter.namespace", "")
	v.SetDefault("jupiter.bucket", "default")
	v.SetDefault("jupiter.token", "")
	v.SetDefault("jupiter.timeout", "2m")
	v.SetDefault("transform.name", "none")
	v.SetDefault("transform.zstd_level", 3)
}

// loadConfig decodes the backend configuration. The top-level dir setting
// fills in the directory of whichever local backend is selected.
func loadConfig(v *viper.Viper) (blobstore.Config, error) {
	var cfg blobstore.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	dir := v.GetString("dir")
	if cfg.File.Dir == "" {
		cfg.File.Dir = filepath.Join(dir, "blobs")
	}
	if cfg.Indexed.Dir == "" {
		cfg.Indexed.Dir = filepath.Join(dir, "indexed")
	}
	return cfg, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "blobstored")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "blobstored")
	}
	return ".blobstored"
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "blobstored")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "blobstored")
	}
	return ".blobstored"
}
