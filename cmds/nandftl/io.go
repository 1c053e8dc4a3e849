package main

import (
	"encoding/hex"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	ioOffset int64
	ioLength int
	ioFile   string
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read bytes from the logical device",
	Long: `Read --length bytes at --offset. The data is written to --file, or
hex dumped to stdout when no file is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, b, err := openFtl(cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		buf := make([]byte, ioLength)
		if _, err := f.ReadAt(buf, ioOffset); err != nil {
			return err
		}
		if ioFile == "" {
			d := hex.Dumper(cmd.OutOrStdout())
			defer d.Close()
			_, err = d.Write(buf)
			return err
		}
		return os.WriteFile(ioFile, buf, 0644)
	},
}

var writeCmd = &cobra.Command{
	Use:   "write",
	Short: "Write a file (or stdin) to the logical device",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()
		if ioFile != "" {
			file, err := os.Open(ioFile)
			if err != nil {
				return err
			}
			defer file.Close()
			in = file
		}
		data, err := io.ReadAll(in)
		if err != nil {
			return err
		}

		f, b, err := openFtl(cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		if _, err := f.WriteAt(data, ioOffset); err != nil {
			return err
		}
		return f.Flush()
	},
}

var trimLength uint32

var trimCmd = &cobra.Command{
	Use:   "trim",
	Short: "Discard page aligned logical ranges",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, b, err := openFtl(cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		if err := f.Trim(ioOffset, trimLength); err != nil {
			return err
		}
		return f.Flush()
	},
}

func init() {
	rootCmd.AddCommand(readCmd, writeCmd, trimCmd)
	for _, c := range []*cobra.Command{readCmd, writeCmd, trimCmd} {
		c.Flags().Int64Var(&ioOffset, "offset", 0, "byte offset on the logical device")
	}
	readCmd.Flags().IntVar(&ioLength, "length", 512, "number of bytes to read")
	readCmd.Flags().StringVarP(&ioFile, "file", "f", "", "output file")
	writeCmd.Flags().StringVarP(&ioFile, "file", "f", "", "input file (default stdin)")
	trimCmd.Flags().Uint32Var(&trimLength, "length", 0, "number of bytes to trim")
}
