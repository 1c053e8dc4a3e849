package main

import (
	"fmt"
	"log"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/akmistry/nandftl"
	"github.com/akmistry/nandftl/ftl"
	"github.com/akmistry/nandftl/internal/mlog"
	"github.com/akmistry/nandftl/storage"
	"github.com/akmistry/nandftl/vfl"
)

var (
	configFile string
	verbose    bool

	cfg *Config
)

var rootCmd = &cobra.Command{
	Use:   "nandftl",
	Short: "NAND flash translation layer over a simulated chip image",
	Long: `nandftl formats, inspects and serves simulated NAND images through a
two layer translation stack: a virtual flash layer hiding bad blocks and a
log-block ftl mapping logical pages onto it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			mlog.SetPattern(".")
		}
		var err error
		cfg, err = loadConfig(viper.GetViper(), configFile)
		return err
	},
}

// Execute runs the root command and exits on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default nandftl.yaml in ., $HOME/.nandftl, /etc/nandftl)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug tracing")
	flags.String("image", "nand.img", "path of the chip image")
	flags.String("backing", "file", fmt.Sprintf("image backing store %v", storage.List()))
	flags.Bool("remap", false, "enable bad block remapping")
	flags.Int("banks", 1, "number of banks")
	flags.Int("blocks-per-bank", 1024, "blocks per bank")
	flags.Int("pages-per-block", 64, "pages per block")
	flags.Int("bytes-per-page", 2048, "page data size")
	flags.Int("bytes-per-spare", 64, "page spare size")

	for key, flag := range map[string]string{
		"image":                    "image",
		"backing":                  "backing",
		"remap":                    "remap",
		"geometry.banks":           "banks",
		"geometry.blocks_per_bank": "blocks-per-bank",
		"geometry.pages_per_block": "pages-per-block",
		"geometry.bytes_per_page":  "bytes-per-page",
		"geometry.bytes_per_spare": "bytes-per-spare",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			log.Fatalf("Error binding flag %s: %v", flag, err)
		}
	}
}

// openImage opens the configured backing and lays the chip geometry over
// it.
func openImage(cfg *Config) (*nandftl.Chip, storage.Backing, error) {
	b, err := storage.Open(cfg.Backing, cfg.Image, cfg.Geometry.ImageSize())
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening %s image %s", cfg.Backing, cfg.Image)
	}
	return nandftl.NewChip(cfg.Geometry, b), b, nil
}

func ftlOptions(cfg *Config) ftl.Options {
	return ftl.Options{VFL: vfl.Options{Remap: cfg.Remap}}
}

// openFtl opens and sets up the ftl on the configured image. The caller
// closes the returned backing.
func openFtl(cfg *Config) (*ftl.Ftl, storage.Backing, error) {
	chip, b, err := openImage(cfg)
	if err != nil {
		return nil, nil, err
	}
	f, err := ftl.New(chip, ftlOptions(cfg))
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	if err := f.Setup(); err != nil {
		b.Close()
		return nil, nil, err
	}
	return f, b, nil
}
