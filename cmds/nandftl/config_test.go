package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "file", cfg.Backing)
	assert.Equal(t, 1024, cfg.Geometry.BlocksPerBank)
	assert.Equal(t, 8, cfg.Geometry.SysBlocks)
	assert.Equal(t, 64, cfg.Geometry.ReservedBlocks)
	assert.Equal(t, "/dev/nbd0", cfg.Serve.Device)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nandftl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
image: /tmp/chip.db
backing: bolt
remap: true
geometry:
  banks: 2
  blocks_per_bank: 64
  pages_per_block: 32
  bytes_per_page: 512
  bytes_per_spare: 16
`), 0644))
	t.Setenv("NANDFTL_SERVE_DEVICE", "/dev/nbd3")

	cfg, err := loadConfig(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/chip.db", cfg.Image)
	assert.Equal(t, "bolt", cfg.Backing)
	assert.True(t, cfg.Remap)
	assert.Equal(t, 2, cfg.Geometry.Banks)
	assert.Equal(t, 4, cfg.Geometry.ReservedBlocks)
	assert.Equal(t, "/dev/nbd3", cfg.Serve.Device)
}

func TestLoadConfigInvalidGeometry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("geometry:\n  pages_per_block: 7\n"), 0644))
	_, err := loadConfig(viper.New(), path)
	assert.Error(t, err)
}

func TestFormatAndReadThroughImage(t *testing.T) {
	cfg := &Config{
		Image:   filepath.Join(t.TempDir(), "nand.img"),
		Backing: "file",
	}
	cfg.Geometry.Banks = 1
	cfg.Geometry.BlocksPerBank = 64
	cfg.Geometry.PagesPerBlock = 8
	cfg.Geometry.BytesPerPage = 512
	cfg.Geometry.BytesPerSpare = 16
	cfg.Geometry = cfg.Geometry.WithDefaults()

	chip, b, err := openImage(cfg)
	require.NoError(t, err)
	f, err := ftlFormat(chip, cfg)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("hello"), 1000)
	require.NoError(t, err)
	require.NoError(t, f.Flush())
	require.NoError(t, b.Close())

	f, b, err = openFtl(cfg)
	require.NoError(t, err)
	defer b.Close()
	buf := make([]byte, 5)
	_, err = f.ReadAt(buf, 1000)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}
