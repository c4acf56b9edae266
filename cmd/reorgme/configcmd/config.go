// Package configcmd writes and prints the reorgme config file.
package configcmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/0xsequence/reorgme/cmd/reorgme/cmdutil"
	"github.com/0xsequence/reorgme/cmd/reorgme/ui"
	"github.com/0xsequence/reorgme/config"
)

func Cmd(g *cmdutil.Global) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}
	cmd.AddCommand(initCmd(g), showCmd(g))
	return cmd
}

func path(g *cmdutil.Global) string {
	if g.ConfigPath != "" {
		return g.ConfigPath
	}
	return config.Path()
}

func initCmd(g *cmdutil.Global) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target := path(g)
			if _, err := os.Stat(target); err == nil && !force {
				return fmt.Errorf("%s already exists, pass --force to overwrite", target)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("stat config: %w", err)
			}
			if err := config.Default().Save(target); err != nil {
				return err
			}
			fmt.Fprintln(g.Stdout(), ui.SuccessMsg("Wrote %s.", target))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config file")
	return cmd
}

func showCmd(g *cmdutil.Global) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.ConfigPath)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = g.Stdout().Write(data)
			return err
		},
	}
}
