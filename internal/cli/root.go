// Package cli is the kvbridge command line: a local tool that opens a
// database directory and runs one operation against it.
package cli

import (
	"fmt"
	"os"

	"github.com/eigerco/kvbridge/internal/config"
	"github.com/eigerco/kvbridge/pkg/comparator"
	"github.com/eigerco/kvbridge/pkg/db/pebble"
	"github.com/eigerco/kvbridge/pkg/hostcmp"
	"github.com/eigerco/kvbridge/pkg/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	Version = "0.3.0"
)

var (
	// store and library are set by openStore for the running command.
	store   *pebble.DB
	library *hostcmp.Library

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "kvbridge",
		Short: "column family key-value store tool",
		Long: fmt.Sprintf(`kvbridge (v%s)

Inspect and maintain a kvbridge database directory: point reads and
writes, range scans and deletes, compaction, bulk loading through sst
files and dumps of single column families.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of kvbridge",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kvbridge v%s\n", Version)
		},
	}
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}
	configInitCmd = &cobra.Command{
		Use:   "init [file]",
		Short: "Write the default configuration to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err == nil {
				return fmt.Errorf("%s already exists", args[0])
			}
			if err := config.Write(args[0], config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
)

func init() {
	cobra.OnInitialize(InitConfig)

	RootCmd.AddCommand(KeyValueCommands)
	RootCmd.AddCommand(SstCommands)
	RootCmd.AddCommand(DumpCommands)
	RootCmd.AddCommand(configCmd)
	RootCmd.AddCommand(versionCmd)
	configCmd.AddCommand(configInitCmd)

	key := "config"
	RootCmd.PersistentFlags().String(key, "kvbridge.yaml", WrapString("YAML configuration file, defaults are used when it does not exist"))
	key = "path"
	RootCmd.PersistentFlags().String(key, "", WrapString("database directory, overrides database.path of the configuration"))
	key = "in-memory"
	RootCmd.PersistentFlags().Bool(key, false, WrapString("open a throwaway in-memory database"))
	key = "cf"
	RootCmd.PersistentFlags().String(key, pebble.DefaultColumnFamily, WrapString("name of the column family to operate on"))
	key = "hex"
	RootCmd.PersistentFlags().Bool(key, false, WrapString("read keys and values as hex and print them as hex"))
	key = "log-level"
	RootCmd.PersistentFlags().String(key, "", WrapString("log level (trace, debug, info, warn, error), overrides logger.level"))
	key = "log-type"
	RootCmd.PersistentFlags().String(key, "", WrapString("log format (console, json), overrides logger.type"))
	key = "comparator-lib"
	RootCmd.PersistentFlags().String(key, "", WrapString("shared library exporting the primary and secondary comparators, overrides comparators.path"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	err := RootCmd.Execute()
	if cerr := closeStore(); cerr != nil {
		fmt.Fprintln(os.Stderr, "Error:", cerr)
		if err == nil {
			err = cerr
		}
	}
	if err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration file and applies flag and environment
// overrides on top of it.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return cfg, err
	}
	if p := viper.GetString("path"); p != "" {
		cfg.Database.Path = p
	}
	if viper.GetBool("in-memory") {
		cfg.Database.InMemory = true
	}
	if l := viper.GetString("log-level"); l != "" {
		cfg.Logger.Level = l
	}
	if l := viper.GetString("log-type"); l != "" {
		cfg.Logger.Type = l
	}
	if l := viper.GetString("comparator-lib"); l != "" {
		cfg.Comparators.Path = l
	}
	return cfg, nil
}

func initLogger(cfg config.Logger) error {
	level, err := log.ParseLogLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	typ, err := log.ParseLoggerType(cfg.Type)
	if err != nil {
		return err
	}
	log.Init(log.Options{LogLevel: level, Type: typ})
	return nil
}

// openStore is the PersistentPreRunE of every command group that needs the
// database.
func openStore(cmd *cobra.Command, _ []string) error {
	if err := BindCommandFlags(cmd); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initLogger(cfg.Logger); err != nil {
		return err
	}

	store, library, err = openDB(cfg)
	return err
}

// openDB opens the database, binding host comparators first when a library
// is configured. The library must outlive the database.
func openDB(cfg config.Config) (*pebble.DB, *hostcmp.Library, error) {
	lib := cfg.Comparators
	if lib.Path == "" {
		d, err := pebble.Open(cfg.Database, false, nil, nil)
		return d, nil, err
	}

	l, err := hostcmp.Open(lib.Path)
	if err != nil {
		return nil, nil, err
	}
	bind := func(h *config.HostComparator) (comparator.Comparator, error) {
		if h == nil {
			return nil, nil
		}
		c, err := l.Comparator(h.Symbol, h.Name, h.DifferentBytesCanBeEqual)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	primary, err := bind(lib.Primary)
	if err != nil {
		l.Close() //nolint:errcheck // already failing
		return nil, nil, err
	}
	secondary, err := bind(lib.Secondary)
	if err != nil {
		l.Close() //nolint:errcheck // already failing
		return nil, nil, err
	}

	d, err := pebble.OpenWithComparators(cfg.Database, true, primary, secondary)
	if err != nil {
		l.Close() //nolint:errcheck // already failing
		return nil, nil, err
	}
	log.CLI.Debug().Str("library", lib.Path).Msg("host comparators bound")
	return d, l, nil
}

// closeStore closes whatever openStore opened, the database before the
// library its comparators live in.
func closeStore() error {
	var err error
	if store != nil {
		err = store.Close()
		store = nil
	}
	if library != nil {
		if lerr := library.Close(); lerr != nil && err == nil {
			err = lerr
		}
		library = nil
	}
	return err
}

// family resolves --cf against the open database.
func family() (int, error) {
	return store.ColumnFamily(viper.GetString("cf"))
}
