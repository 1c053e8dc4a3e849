package vfl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceInfoBBT(t *testing.T) {
	geo := bigGeometry
	chip := newTestChip(t, geo)
	assert.False(t, HasDeviceInfoBBT(chip))

	payload := []byte{0xFF, 0x7F, 0x01}
	require.NoError(t, WriteDeviceInfoBBT(chip, 0, payload))
	assert.False(t, HasDeviceInfoBBT(chip))
	require.NoError(t, WriteDeviceInfoBBT(chip, 1, payload))
	assert.True(t, HasDeviceInfoBBT(chip))

	out := make([]byte, 8)
	assert.True(t, FindDeviceInfoBBT(chip, 1, out))
	assert.Equal(t, []byte{0xFF, 0x7F, 0x01, 0, 0, 0, 0, 0}, out)
}

func TestDeviceInfoEmptyPages(t *testing.T) {
	geo := testGeometry
	lowest := geo.BlocksPerBank - geo.BlocksPerBank/10

	tests := []struct {
		name  string
		block int
		page  int
		found bool
	}{
		{"top block first page", geo.BlocksPerBank - 1, 0, true},
		{"after two empty pages", geo.BlocksPerBank - 1, 2, true},
		{"after three empty pages", geo.BlocksPerBank - 1, 3, false},
		{"lowest scanned block", lowest, 0, true},
		{"below scan range", lowest - 1, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chip := newTestChip(t, geo)
			require.NoError(t, writeDeviceInfoPage(chip, 0, tt.block*geo.PagesPerBlock+tt.page, []byte{1}))
			assert.Equal(t, tt.found, FindDeviceInfoBBT(chip, 0, nil))
		})
	}
}

func TestDeviceInfoPayloadTooLarge(t *testing.T) {
	chip := newTestChip(t, testGeometry)
	err := WriteDeviceInfoBBT(chip, 0, make([]byte, testGeometry.BytesPerPage))
	assert.Error(t, err)
}
