package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/certsmith/config"
)

var (
	configInit   bool
	configShow   bool
	configOutput string
	configForce  bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Write a default config file or show the effective configuration",
	Example: `  certsmith config --init
  certsmith config --init --output ~/.config/certsmith/config.yaml
  certsmith config --show`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
	f := configCmd.Flags()
	f.BoolVar(&configInit, "init", false, "write the default configuration")
	f.BoolVar(&configShow, "show", false, "print the effective configuration")
	f.StringVarP(&configOutput, "output", "o", config.FileName, "file written by --init")
	f.BoolVar(&configForce, "force", false, "overwrite an existing file with --init")
	configCmd.MarkFlagsMutuallyExclusive("init", "show")
}

func runConfig(cmd *cobra.Command, args []string) error {
	if configInit {
		path := config.ExpandHome(configOutput)
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if err := config.Default().Save(path); err != nil {
			return err
		}
		fmt.Printf("Wrote default configuration to %s\n", path)
		return nil
	}

	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	source := cfg.Source
	if source == "" {
		source = "built-in defaults"
	}
	fmt.Printf("# source: %s\n", source)
	os.Stdout.Write(data)
	return nil
}
