package main

import (
	"fmt"
	"os"

	"github.com/tchajed/goose/machine/disk"
	"golang.org/x/sys/unix"

	"github.com/nkfs-dev/nkfs/util/timed_disk"
)

// image is a volume image file held under an exclusive flock, so two
// nkfs processes never mount the same image.
type image struct {
	lock *os.File
	d    disk.Disk
}

// openImage opens path as a disk of nblocks blocks; 0 means the current
// size of the file.
func openImage(path string, nblocks uint64, timed bool) (*image, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s is in use: %w", path, err)
	}
	if nblocks == 0 {
		var st unix.Stat_t
		if err := unix.Fstat(int(f.Fd()), &st); err != nil {
			f.Close()
			return nil, err
		}
		nblocks = uint64(st.Size) / disk.BlockSize
		if nblocks == 0 {
			f.Close()
			return nil, fmt.Errorf("%s: empty image (run mkfs first)", path)
		}
	}
	fd, err := disk.NewFileDisk(path, nblocks)
	if err != nil {
		f.Close()
		return nil, err
	}
	img := &image{lock: f, d: fd}
	if timed {
		img.d = timed_disk.New(fd)
	}
	return img, nil
}

func (img *image) Close() {
	img.d.Close()
	unix.Flock(int(img.lock.Fd()), unix.LOCK_UN)
	img.lock.Close()
}
