package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/akmistry/nandftl"
	"github.com/akmistry/nandftl/ftl"
)

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Erase the image and write an empty ftl",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		chip, b, err := openImage(cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		f, err := ftlFormat(chip, cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "formatted %s: %d bytes in %d logical pages\n",
			cfg.Image, f.Size(), cfg.Geometry.UserPagesTotal())
		return nil
	},
}

func ftlFormat(chip *nandftl.Chip, cfg *Config) (*ftl.Ftl, error) {
	return ftl.Format(chip, ftlOptions(cfg))
}

func init() {
	rootCmd.AddCommand(formatCmd)
}
