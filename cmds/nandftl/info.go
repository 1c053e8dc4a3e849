package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var dumpOutput string

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print a summary of the image",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, b, err := openFtl(cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		r, err := f.Report()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		g := r.Geometry
		fmt.Fprintf(w, "geometry:    %d banks x %d blocks x %d pages x %d+%d bytes\n",
			g.Banks, g.BlocksPerBank, g.PagesPerBlock, g.BytesPerPage, g.BytesPerSpare)
		fmt.Fprintf(w, "size:        %d bytes\n", f.Size())
		fmt.Fprintf(w, "user blocks: %d\n", len(r.MapTable))
		fmt.Fprintf(w, "free blocks: %d\n", r.NumFreeVb)
		fmt.Fprintf(w, "logs:        %d active\n", len(r.Logs))
		fmt.Fprintf(w, "clean:       %v\n", r.Clean)
		fmt.Fprintf(w, "version:     %s\n", r.Version)
		for _, bank := range r.Banks {
			fmt.Fprintf(w, "bank %d:      %d remapped, %d write failures\n",
				bank.Bank, len(bank.Remapped), bank.WriteFailures)
		}
		return nil
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the full ftl and vfl state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, b, err := openFtl(cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		r, err := f.Report()
		if err != nil {
			return err
		}
		switch dumpOutput {
		case "text":
			return r.WriteText(cmd.OutOrStdout())
		case "yaml":
			return r.WriteYAML(cmd.OutOrStdout())
		}
		return errors.Errorf("unknown output format %q", dumpOutput)
	},
}

func init() {
	rootCmd.AddCommand(infoCmd, dumpCmd)
	dumpCmd.Flags().StringVarP(&dumpOutput, "output", "o", "text", "output format (text, yaml)")
}
