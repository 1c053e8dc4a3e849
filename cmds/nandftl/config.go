package main

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/akmistry/nandftl"
)

// Config is the merged result of the config file, NANDFTL_* environment
// variables and command line flags.
type Config struct {
	Image   string `mapstructure:"image"`
	Backing string `mapstructure:"backing"`
	Remap   bool   `mapstructure:"remap"`

	Geometry nandftl.Geometry `mapstructure:"geometry"`

	Serve ServeConfig `mapstructure:"serve"`
}

type ServeConfig struct {
	Device        string `mapstructure:"device"`
	BlockSize     int    `mapstructure:"block_size"`
	ConcurrentOps int    `mapstructure:"concurrent_ops"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("image", "nand.img")
	v.SetDefault("backing", "file")
	v.SetDefault("remap", false)

	v.SetDefault("geometry.banks", 1)
	v.SetDefault("geometry.blocks_per_bank", 1024)
	v.SetDefault("geometry.pages_per_block", 64)
	v.SetDefault("geometry.bytes_per_page", 2048)
	v.SetDefault("geometry.bytes_per_spare", 64)
	v.SetDefault("geometry.sys_blocks", 0)
	v.SetDefault("geometry.reserved_blocks", 0)

	v.SetDefault("serve.device", "/dev/nbd0")
	v.SetDefault("serve.block_size", 4096)
	v.SetDefault("serve.concurrent_ops", 4)
}

// loadConfig reads nandftl.yaml from the usual places, or the file named
// by configFile. A missing config file is not an error.
func loadConfig(v *viper.Viper, configFile string) (*Config, error) {
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("nandftl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.nandftl")
		v.AddConfigPath("/etc/nandftl")
	}

	v.SetEnvPrefix("NANDFTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "error reading config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling config")
	}
	cfg.Geometry = cfg.Geometry.WithDefaults()
	if err := cfg.Geometry.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
