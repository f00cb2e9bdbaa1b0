package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebuladb/pkg/config"
	"github.com/ajitpratap0/nebuladb/pkg/logger"
	"github.com/ajitpratap0/nebuladb/pkg/observability"
)

var version = "0.1.0"

const envPrefix = "NEBULADB"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "nebuladb",
		Short: "NebulaDB - embedded document database",
		Long: `NebulaDB is an embedded database with pooled sessions, nested transactions
and pluggable storage engines. This binary benchmarks and inspects databases
and generates configuration files.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to a YAML configuration file")
	root.PersistentFlags().String("storage-type", "", "Storage engine (memory, bolt)")
	root.PersistentFlags().String("storage-path", "", "Directory holding bolt databases")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "NebulaDB v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})
	root.AddCommand(newConfigCommand())
	root.AddCommand(newBenchCommand())
	root.AddCommand(newInspectCommand())
	return root
}

func newConfigCommand() *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}

	var out string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Save(out, config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&out, "out", "o", "nebuladb.yaml", "Destination file")
	cfgCmd.AddCommand(initCmd)
	return cfgCmd
}

// loadConfig reads the configuration file named by --config, then applies
// NEBULADB_* environment variables and finally explicitly set flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	cfg := config.Default()
	if path := v.GetString("config"); path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if v.IsSet("storage-type") {
		cfg.Storage.Type = v.GetString("storage-type")
	}
	if v.IsSet("storage-path") {
		cfg.Storage.Path = v.GetString("storage-path")
	}
	if v.IsSet("log-level") {
		cfg.Logging.Level = v.GetString("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup loads configuration and builds the logger and tracer it describes
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	err = observability.Initialize(observability.TracingConfig{
		Enabled:        cfg.Observability.TracingEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
		SamplingRate:   cfg.Observability.SamplingRate,
		ExporterType:   cfg.Observability.TraceExporter,
		Writer:         cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
