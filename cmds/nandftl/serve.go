//go:build linux

package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	nbd "github.com/akmistry/go-nbd"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Export the logical device through /dev/nbdX",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, b, err := openFtl(cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		opts := nbd.BlockDeviceOptions{
			BlockSize:     cfg.Serve.BlockSize,
			ConcurrentOps: cfg.Serve.ConcurrentOps,
		}
		server, err := nbd.NewServer(cfg.Serve.Device, f, f.Size(), opts)
		if err != nil {
			return err
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigs
			log.Printf("Disconnecting %s", cfg.Serve.Device)
			server.Disconnect()
		}()

		log.Printf("Serving %s (%d bytes) on %s", cfg.Image, f.Size(), cfg.Serve.Device)
		err = server.Run()
		if ferr := f.Flush(); ferr != nil && err == nil {
			err = ferr
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("device", "/dev/nbd0", "Path to /dev/nbdX device.")
	serveCmd.Flags().Int("block-size", 4096, "Block size exported to the kernel")
	if err := viper.BindPFlag("serve.device", serveCmd.Flags().Lookup("device")); err != nil {
		log.Fatal(err)
	}
	if err := viper.BindPFlag("serve.block_size", serveCmd.Flags().Lookup("block-size")); err != nil {
		log.Fatal(err)
	}
}
