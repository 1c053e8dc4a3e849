package vfl

import (
	"github.com/pkg/errors"

	"github.com/akmistry/nandftl"
)

// Format writes the device info page of every bank and commits a fresh
// context: all block groups good, an empty reserved pool and the context
// ring on physical blocks 1 to 4. The blocks must already be erased.
func (v *VFL) Format() error {
	bitmap := make([]byte, (v.geo.BlocksPerBank+7)/8)
	nandftl.Fill(bitmap, 0xFF)

	cxt := make([]Context, v.geo.Banks)
	for bank := range cxt {
		if err := WriteDeviceInfoBBT(v.dev, bank, bitmap); err != nil {
			return nandftl.E("vfl.Format", nandftl.KindDevice, errors.Wrapf(err, "bank %d", bank))
		}
		cxt[bank] = newContext(v.geo, v.layout)
	}

	v.cxt = cxt
	v.usnInc = 0
	for bank := range v.cxt {
		if err := v.Commit(bank); err != nil {
			v.cxt = nil
			return err
		}
	}
	return nil
}
