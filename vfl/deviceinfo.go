package vfl

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/akmistry/nandftl"
	"github.com/akmistry/nandftl/internal/mlog"
)

const (
	deviceInfoLenOffset  = 0x34
	deviceInfoDataOffset = 0x38

	// Pages that may read back erased before a block is skipped.
	deviceInfoMaxEmpty = 2
)

var deviceInfoMagic = []byte("DEVICEINFOBBT\x00\x00\x00")

// FindDeviceInfoBBT scans the top tenth of the bank, highest block first, for
// the device info page and copies its payload into out. out may be nil.
func FindDeviceInfoBBT(dev nandftl.Device, bank int, out []byte) bool {
	geo := dev.Geometry()
	buf := make([]byte, geo.BytesPerPage)
	lowest := geo.BlocksPerBank - geo.BlocksPerBank/10

	for block := geo.BlocksPerBank - 1; block >= lowest; block-- {
		empty := 0
		for page := 0; page < geo.PagesPerBlock; page++ {
			if empty > deviceInfoMaxEmpty {
				mlog.Printf2("vfl/deviceinfo", "bank %d: too many empty pages, skipping block %d", bank, block)
				break
			}

			err := dev.ReadPageRaw(bank, block*geo.PagesPerBlock+page, buf)
			if err != nil {
				if errors.Is(err, nandftl.ErrEmptyPage) {
					empty++
				}
				continue
			}

			if !bytes.Equal(buf[:len(deviceInfoMagic)], deviceInfoMagic) {
				continue
			}
			if out != nil {
				n := int(binary.LittleEndian.Uint32(buf[deviceInfoLenOffset:]))
				if n > len(buf)-deviceInfoDataOffset {
					n = len(buf) - deviceInfoDataOffset
				}
				copy(out, buf[deviceInfoDataOffset:deviceInfoDataOffset+n])
			}
			return true
		}
	}

	return false
}

// HasDeviceInfoBBT reports whether every bank carries a device info page.
func HasDeviceInfoBBT(dev nandftl.Device) bool {
	for bank := 0; bank < dev.Geometry().Banks; bank++ {
		if !FindDeviceInfoBBT(dev, bank, nil) {
			return false
		}
	}
	return true
}

// WriteDeviceInfoBBT programs the device info page into the first page of
// the bank's device info block, which must be erased.
func WriteDeviceInfoBBT(dev nandftl.Device, bank int, payload []byte) error {
	return writeDeviceInfoPage(dev, bank, dev.Geometry().DeviceInfoBlock()*dev.Geometry().PagesPerBlock, payload)
}

func writeDeviceInfoPage(dev nandftl.Device, bank, page int, payload []byte) error {
	geo := dev.Geometry()
	if len(payload) > geo.BytesPerPage-deviceInfoDataOffset {
		return errors.Errorf("vfl: device info payload of %d bytes too large", len(payload))
	}

	buf := make([]byte, geo.BytesPerPage)
	copy(buf, deviceInfoMagic)
	binary.LittleEndian.PutUint32(buf[deviceInfoLenOffset:], uint32(len(payload)))
	copy(buf[deviceInfoDataOffset:], payload)

	spare := make([]byte, geo.BytesPerSpare)
	nandftl.NewSpare().Encode(spare)

	return dev.WritePage(bank, page, buf, spare)
}
