package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cyverse/irodsfs-go/cfg"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error

	// Config is the resolved configuration, populated by initConfig before
	// rootCmd.RunE runs.
	Config *cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "irodsfs-go [flags] mount_point",
	Short: "Mount a remote data-management catalog/resource server locally",
	Long: `irodsfs-go is a userspace FUSE adapter that projects a remote
data-management namespace onto a local POSIX mount point, backed by a
pooled connection, metadata cache, block buffer cache, and read-ahead
preloader.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}

		mountPoint, err := populateArgs(args)
		if err != nil {
			return err
		}

		return mountAndServe(cmd.Context(), mountPoint, Config)
	},
}

func populateArgs(args []string) (mountPoint string, err error) {
	mountPoint, err = filepath.Abs(args[0])
	if err != nil {
		return "", fmt.Errorf("canonicalizing mount point: %w", err)
	}
	return mountPoint, nil
}

// Execute runs the root command, exiting the process on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "path to a YAML config file")
	rootCmd.PersistentFlags().Bool("foreground", false, "run in the foreground instead of daemonizing")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
	if bindErr == nil {
		bindErr = viper.BindPFlag("foreground", rootCmd.PersistentFlags().Lookup("foreground"))
	}
}

func initConfig() {
	if cfgFile != "" {
		resolved, err := filepath.Abs(cfgFile)
		if err != nil {
			configFileErr = fmt.Errorf("resolving config file path: %w", err)
			return
		}
		viper.SetConfigFile(resolved)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			configFileErr = fmt.Errorf("reading config file: %w", err)
			return
		}
	}

	c, err := cfg.Load()
	if err != nil {
		unmarshalErr = err
		return
	}
	Config = c
}
