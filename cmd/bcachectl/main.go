// Command bcachectl attaches a disk image to a buffer cache and runs a
// small workload against it: buffered writes, read-back, fsync, a cache
// drop and an optional direct transfer.
package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	gdisk "github.com/tchajed/goose/machine/disk"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-bcache/bcache"
	"github.com/mit-pdos/go-bcache/bio"
	"github.com/mit-pdos/go-bcache/blockdev"
	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/disk"
	"github.com/mit-pdos/go-bcache/fileops"
)

var (
	path       = flag.String("disk", "", "disk image (empty for a goose in-memory disk)")
	sectorSize = flag.Uint64("sector", 512, "sector size")
	blockSize  = flag.Uint64("block", 1024, "buffer block size")
	sizeMB     = flag.Uint64("size", 16, "disk size in MiB")
	nwrites    = flag.Int("writes", 256, "number of buffered writes")
	direct     = flag.Bool("direct", false, "also run an O_DIRECT transfer")
	flush      = flag.Duration("flush", 5*time.Second, "background flush interval")
	maxReqs    = flag.Int64("reqs", 0, "limit on outstanding requests (0 for none)")
)

func openDisk() (disk.Disk, error) {
	nsect := *sizeMB << 20 / *sectorSize
	if *path == "" {
		nblocks := *sizeMB << 20 / gdisk.BlockSize
		return disk.NewGooseDisk(gdisk.NewMemDisk(nblocks), nblocks, *sectorSize), nil
	}
	return disk.NewFileDisk(*path, *sectorSize, nsect)
}

func run() error {
	d, err := openDisk()
	if err != nil {
		return err
	}
	var pool *bio.Pool
	if *maxReqs > 0 {
		pool = bio.NewPool(*maxReqs)
	}
	dev, err := blockdev.Attach("bcachectl", d, *blockSize, pool)
	if err != nil {
		d.Close()
		return err
	}
	defer dev.Close()

	cfg := bcache.DefaultConfig()
	cfg.FlushInterval = *flush
	e := bcache.MkEngine(cfg)
	defer e.Shutdown()
	ops := fileops.MkBufferOps(e)

	f := ops.Open(dev, unix.O_RDWR)
	arg := make([]byte, 8)
	if err := f.Ioctl(unix.BLKGETSIZE64, arg); err != nil {
		return err
	}
	glog.Infof("attached %s: %d bytes, sectors of %d, blocks of %d", dev.Name,
		binary.LittleEndian.Uint64(arg), dev.SectorSize(), dev.BlockSize())

	start := time.Now()
	rnd := rand.New(rand.NewSource(1))
	var last []byte
	var lastOff int64
	for i := 0; i < *nwrites; i++ {
		n := 1 + rnd.Intn(8192)
		lastOff = rnd.Int63n(int64(dev.Bytes()) - int64(n))
		last = make([]byte, n)
		rnd.Read(last)
		if _, err := f.WriteAt(last, lastOff); err != nil {
			return err
		}
	}
	if err := f.Fsync(); err != nil {
		return err
	}
	glog.Infof("%d writes and fsync in %v", *nwrites, time.Since(start))

	if err := f.Ioctl(unix.BLKFLSBUF, nil); err != nil {
		return err
	}
	if last != nil {
		got := make([]byte, len(last))
		if _, err := f.ReadAt(got, lastOff); err != nil {
			return err
		}
		if !bytes.Equal(last, got) {
			return errors.Errorf("read-back mismatch at %d", lastOff)
		}
		glog.Infof("read back %d bytes at %d after BLKFLSBUF", len(got), lastOff)
	}

	if *direct {
		df := ops.Open(dev, unix.O_RDWR|unix.O_DIRECT)
		msg := make([]byte, 64*common.PageSize)
		rnd.Read(msg)
		if _, err := df.WriteAt(msg, 0); err != nil {
			df.Release()
			return err
		}
		got := make([]byte, len(msg))
		if _, err := df.ReadAt(got, 0); err != nil {
			df.Release()
			return err
		}
		if !bytes.Equal(msg, got) {
			df.Release()
			return errors.New("direct read-back mismatch")
		}
		glog.Infof("direct transfer of %d bytes ok", len(msg))
		if err := df.Release(); err != nil {
			return err
		}
	}
	glog.Infof("%d requests completed, %d allocated", dev.Queue().Completed(), dev.Pool.Allocs())
	return f.Release()
}

func main() {
	flag.Parse()
	err := run()
	glog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bcachectl: %+v\n", err)
		os.Exit(1)
	}
}
