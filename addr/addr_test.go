package addr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlockAddr(t *testing.T) {
	assert := assert.New(t)
	a := MkBlockAddr(5, 1024)
	assert.Equal(MkAddr(1, 1024), a)
	assert.Equal(uint64(5), a.Blkno(1024))
	assert.Equal(uint64(5*1024), a.Flatid())

	a = MkBlockAddr(3, 4096)
	assert.Equal(MkAddr(3, 0), a)
	assert.Equal(uint64(3), a.Blkno(4096))
}

func TestPageBlocks(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(uint64(1), BlocksPerPage(4096))
	assert.Equal(uint64(8), BlocksPerPage(512))
	assert.Equal(uint64(16), FirstBlock(2, 512))
	assert.Equal(uint64(2), FirstBlock(2, 4096))
	assert.Equal(uint64(80), BlockSector(10, 4096, 512))
	assert.Equal(uint64(10), BlockSector(10, 512, 512))
}
