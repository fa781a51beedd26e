package fileops_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-bcache/bcache"
	"github.com/mit-pdos/go-bcache/blockdev"
	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/disk"
	"github.com/mit-pdos/go-bcache/fileops"
)

const nsect = 64

type env struct {
	mem   disk.Disk
	fault *disk.FaultDisk
	dev   *blockdev.Device
	e     *bcache.Engine
	ops   *fileops.BufferOps
}

func mkEnv(t *testing.T) *env {
	mem := disk.NewMemDisk(512, nsect)
	fault := disk.NewFaultDisk(mem)
	dev, err := blockdev.Attach("sda", fault, 1024, nil)
	require.NoError(t, err)
	cfg := bcache.DefaultConfig()
	cfg.FlushInterval = 0
	e := bcache.MkEngine(cfg)
	t.Cleanup(func() {
		e.Shutdown()
		dev.Close()
	})
	return &env{mem: mem, fault: fault, dev: dev, e: e, ops: fileops.MkBufferOps(e)}
}

func random(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

func (en *env) onDisk(t *testing.T, off uint64, n int) []byte {
	b := make([]byte, n)
	require.NoError(t, en.mem.ReadTo(off/512, b))
	return b
}

func TestIoctlSizes(t *testing.T) {
	en := mkEnv(t)
	f := en.ops.Open(en.dev, unix.O_RDWR)
	defer f.Release()

	arg := make([]byte, 8)
	require.NoError(t, f.Ioctl(unix.BLKGETSIZE64, arg))
	assert.Equal(t, uint64(nsect*512), binary.LittleEndian.Uint64(arg))

	require.NoError(t, f.Ioctl(unix.BLKGETSIZE, arg))
	assert.Equal(t, uint64(nsect), binary.LittleEndian.Uint64(arg))

	arg4 := make([]byte, 4)
	require.NoError(t, f.Ioctl(unix.BLKSSZGET, arg4))
	assert.Equal(t, uint32(512), binary.LittleEndian.Uint32(arg4))
	require.NoError(t, f.Ioctl(unix.BLKBSZGET, arg4))
	assert.Equal(t, uint32(1024), binary.LittleEndian.Uint32(arg4))
}

func TestIoctlErrors(t *testing.T) {
	en := mkEnv(t)
	f := en.ops.Open(en.dev, unix.O_RDWR)
	defer f.Release()

	err := f.Ioctl(0x1234, make([]byte, 8))
	assert.ErrorIs(t, err, common.ErrNotTTY)
	assert.Equal(t, unix.ENOTTY, common.Errno(err))

	err = f.Ioctl(unix.BLKGETSIZE64, make([]byte, 4))
	assert.ErrorIs(t, err, common.ErrFault)
}

func TestFlushBuffers(t *testing.T) {
	en := mkEnv(t)
	f := en.ops.Open(en.dev, unix.O_RDWR)
	defer f.Release()

	msg := random(6000)
	n, err := f.WriteAt(msg, 100)
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)
	assert.NotZero(t, f.Inode().Pages.NrPages())

	require.NoError(t, f.Ioctl(unix.BLKFLSBUF, nil))
	assert.Zero(t, f.Inode().Pages.NrPages(), "BLKFLSBUF drops clean pages")
	assert.Equal(t, msg, en.onDisk(t, 0, 8192)[100:6100])
}

func TestReadWriteCursor(t *testing.T) {
	en := mkEnv(t)
	f := en.ops.Open(en.dev, unix.O_RDWR)
	defer f.Release()

	a, b := random(3000), random(5000)
	n, err := f.Write(a)
	require.NoError(t, err)
	assert.Equal(t, 3000, n)
	n, err = f.Write(b)
	require.NoError(t, err)
	assert.Equal(t, 5000, n)

	pos, err := f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)

	got := make([]byte, 8000)
	n, err = f.Read(got)
	require.NoError(t, err)
	assert.Equal(t, 8000, n)
	assert.Equal(t, append(a, b...), got)

	pos, err = f.Seek(-512, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(nsect*512-512), pos)
	_, err = f.Seek(-1, io.SeekStart)
	assert.ErrorIs(t, err, common.ErrInvalid)
}

func TestReadvStopsAtEnd(t *testing.T) {
	en := mkEnv(t)
	f := en.ops.Open(en.dev, unix.O_RDONLY)
	defer f.Release()

	_, err := f.Seek(-1000, io.SeekEnd)
	require.NoError(t, err)
	bufs := [][]byte{make([]byte, 600), make([]byte, 600), make([]byte, 600)}
	n, err := f.Readv(bufs)
	require.NoError(t, err, "a partial transfer is not an error")
	assert.Equal(t, 1000, n)

	n, err = f.Read(make([]byte, 10))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWritevThenFsync(t *testing.T) {
	en := mkEnv(t)
	f := en.ops.Open(en.dev, unix.O_RDWR)
	defer f.Release()

	a, b := random(512), random(2048)
	n, err := f.Writev([][]byte{a, nil, b})
	require.NoError(t, err)
	assert.Equal(t, 2560, n)
	writes := en.fault.Writes()
	require.NoError(t, f.Fsync())
	assert.Greater(t, en.fault.Writes(), writes)
	assert.Equal(t, append(a, b...), en.onDisk(t, 0, 2560))
}

func TestLastReleaseWritesBack(t *testing.T) {
	en := mkEnv(t)
	f1 := en.ops.Open(en.dev, unix.O_RDWR)
	f2 := en.ops.Open(en.dev, unix.O_RDWR)
	assert.Equal(t, int32(2), en.dev.Opens())

	msg := random(1024)
	_, err := f1.WriteAt(msg, 4096)
	require.NoError(t, err)
	require.NoError(t, f1.Release())
	assert.NotEqual(t, msg, en.onDisk(t, 4096, 1024), "still open elsewhere")

	require.NoError(t, f2.Release())
	assert.Equal(t, int32(0), en.dev.Opens())
	assert.Equal(t, msg, en.onDisk(t, 4096, 1024))

	assert.ErrorIs(t, f2.Release(), common.ErrBadFile)
	_, err = f2.ReadAt(make([]byte, 10), 0)
	assert.ErrorIs(t, err, common.ErrBadFile)
}

func TestDirect(t *testing.T) {
	en := mkEnv(t)
	f := en.ops.Open(en.dev, unix.O_RDWR|unix.O_DIRECT)
	defer f.Release()
	require.True(t, f.Direct())

	msg := random(4608)
	n, err := f.WriteAt(msg, 1024)
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)
	assert.Equal(t, msg, en.onDisk(t, 1024, len(msg)))
	assert.Zero(t, f.Inode().Pages.NrPages(), "direct I/O bypasses the cache")

	got := make([]byte, 1536)
	n, err = f.ReadAt(got, 2048)
	require.NoError(t, err)
	assert.Equal(t, 1536, n)
	assert.Equal(t, msg[1024:2560], got)

	_, err = f.ReadAt(make([]byte, 100), 0)
	assert.ErrorIs(t, err, common.ErrInvalid)
	_, err = f.WriteAt(make([]byte, 512), nsect*512)
	assert.ErrorIs(t, err, common.ErrRange)
}

func TestDirectDeviceError(t *testing.T) {
	en := mkEnv(t)
	f := en.ops.Open(en.dev, unix.O_RDWR|unix.O_DIRECT)
	defer f.Release()

	en.fault.MarkBad(3)
	_, err := f.ReadAt(make([]byte, 2048), 0)
	assert.ErrorIs(t, err, common.ErrIO)
	assert.Equal(t, unix.EIO, common.Errno(err))
}

func TestConcurrentWritesShareCursor(t *testing.T) {
	en := mkEnv(t)
	f := en.ops.Open(en.dev, unix.O_RDWR)
	defer f.Release()

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(c byte) {
			defer wg.Done()
			n, err := f.Write(bytes.Repeat([]byte{c}, 512))
			assert.NoError(t, err)
			assert.Equal(t, 512, n)
		}(byte('a' + i))
	}
	wg.Wait()
	pos, err := f.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(writers*512), pos)

	require.NoError(t, f.Fsync())
	img := en.onDisk(t, 0, writers*512)
	seen := make(map[byte]bool)
	for i := 0; i < writers; i++ {
		sector := img[i*512 : (i+1)*512]
		assert.Equal(t, bytes.Repeat(sector[:1], 512), sector, "sector %d has one writer", i)
		seen[sector[0]] = true
	}
	assert.Len(t, seen, writers, "no write overwrote another")
}
