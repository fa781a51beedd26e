package disk

import (
	"github.com/pkg/errors"

	"github.com/mit-pdos/go-bcache/common"
)

// checkRange validates a transfer of n bytes at sector s against a disk of
// nsect sectors of sectorSize bytes.
func checkRange(s common.Sector, n int, sectorSize uint64, nsect uint64) error {
	if uint64(n)%sectorSize != 0 {
		return errors.Wrapf(common.ErrInvalid,
			"transfer of %d bytes is not a multiple of the sector size %d", n, sectorSize)
	}
	cnt := uint64(n) / sectorSize
	if s >= nsect || cnt > nsect-s {
		return errors.Wrapf(common.ErrRange,
			"sectors [%d, %d) beyond disk of %d sectors", s, s+cnt, nsect)
	}
	return nil
}
