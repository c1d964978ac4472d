package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tchajed/goose/machine/disk"
	"github.com/urfave/cli/v2"

	"github.com/nkfs-dev/nkfs/common"
	"github.com/nkfs-dev/nkfs/fs"
	"github.com/nkfs-dev/nkfs/util/timed_disk"
)

// The benchmarks run in-process against a fresh volume on a memory disk,
// so they measure the metadata engine rather than any transport.

func mkdata(sz uint64) []byte {
	data := make([]byte, sz)
	for i := range data {
		data[i] = byte(i % 128)
	}
	return data
}

func (s *session) benchCommand() *cli.Command {
	sizeFlag := &cli.Uint64Flag{Name: "size", Value: 256, Usage: "volume size in MB"}
	return &cli.Command{
		Name:  "bench",
		Usage: "run in-memory benchmarks",
		Subcommands: []*cli.Command{
			{
				Name:  "smallfile",
				Usage: "create, write and delete small files",
				Flags: []cli.Flag{
					sizeFlag,
					&cli.DurationFlag{Name: "benchtime", Value: 10 * time.Second},
					&cli.IntFlag{Name: "threads", Value: 1, Usage: "number of threads to run till"},
				},
				Action: s.smallfile,
			},
			{
				Name:  "largefile",
				Usage: "write one large file sequentially",
				Flags: []cli.Flag{
					sizeFlag,
					&cli.Uint64Flag{Name: "file", Value: 100, Usage: "file size in MB"},
				},
				Action: s.largefile,
			},
		},
	}
}

func (s *session) memFs(c *cli.Context) (*fs.Fs, *timed_disk.Disk, error) {
	d := timed_disk.New(disk.NewMemDisk(c.Uint64("size") * MB / disk.BlockSize))
	cfg := s.cfg.fsConfig()
	if _, err := fs.Mkfs(d, cfg); err != nil {
		return nil, nil, err
	}
	fsys, err := fs.Mount(d, cfg)
	if err != nil {
		return nil, nil, err
	}
	d.ResetStats()
	return fsys, d, nil
}

func (s *session) report(fsys *fs.Fs, d *timed_disk.Disk) {
	if s.stats {
		fsys.WriteOpStats(os.Stderr)
		d.WriteStats(os.Stderr)
	}
}

// smallfile is one iteration: create a file, write to it, delete it.
func smallfile(fsys *fs.Fs, dinum common.Inum, name string, data []byte) error {
	attr, err := fsys.Create(dinum, name, 0777, fs.Cred{})
	if err != nil {
		return err
	}
	if _, err := fsys.Write(attr.Inum, 0, data); err != nil {
		return err
	}
	return fsys.Unlink(dinum, name)
}

type result struct {
	iters int
	err   error
}

func client(fsys *fs.Fs, dinum common.Inum, duration time.Duration) result {
	data := mkdata(100)
	start := time.Now()
	i := 0
	for {
		if err := smallfile(fsys, dinum, "x"+strconv.Itoa(i), data); err != nil {
			return result{iters: i, err: err}
		}
		i++
		if time.Since(start) >= duration {
			return result{iters: i}
		}
	}
}

func runSmallfile(fsys *fs.Fs, duration time.Duration, nt int) (time.Duration, int, error) {
	dirs := make([]common.Inum, nt)
	for i := range dirs {
		name := "d" + strconv.Itoa(i)
		attr, err := fsys.Lookup(common.ROOTINUM, name)
		if err != nil {
			attr, err = fsys.Mkdir(common.ROOTINUM, name, 0700, fs.Cred{})
		}
		if err != nil {
			return 0, 0, err
		}
		dirs[i] = attr.Inum
	}
	start := time.Now()
	count := make(chan result)
	for _, dinum := range dirs {
		dinum := dinum
		go func() {
			count <- client(fsys, dinum, duration)
		}()
	}
	iters := 0
	var err error
	for range dirs {
		r := <-count
		iters += r.iters
		if r.err != nil {
			err = r.err
		}
	}
	return time.Since(start), iters, err
}

func (s *session) smallfile(c *cli.Context) error {
	fsys, d, err := s.memFs(c)
	if err != nil {
		return err
	}
	duration := c.Duration("benchtime")
	nthread := c.Int("threads")
	if nthread < 1 {
		return fmt.Errorf("invalid thread count %d", nthread)
	}
	if duration > 500*time.Millisecond {
		if _, _, err := runSmallfile(fsys, 500*time.Millisecond, nthread); err != nil {
			return err
		}
	}
	for nt := 1; nt <= nthread; nt++ {
		elapsed, count, err := runSmallfile(fsys, duration, nt)
		if err != nil {
			return err
		}
		fmt.Printf("fs-smallfile: %v %0.4f file/sec\n", nt, float64(count)/elapsed.Seconds())
	}
	s.report(fsys, d)
	return fsys.Unmount()
}

func makefile(fsys *fs.Fs, name string, size uint64, data []byte) error {
	attr, err := fsys.Create(common.ROOTINUM, name, 0644, fs.Cred{})
	if err != nil {
		return err
	}
	for off := uint64(0); off < size; off += uint64(len(data)) {
		if _, err := fsys.Write(attr.Inum, off, data); err != nil {
			return err
		}
	}
	return fsys.Sync()
}

func (s *session) largefile(c *cli.Context) error {
	fsys, d, err := s.memFs(c)
	if err != nil {
		return err
	}
	size := c.Uint64("file") * MB
	data := mkdata(IOSZ)
	if err := makefile(fsys, "large.warmup", size, data); err != nil {
		return err
	}
	if err := fsys.Unlink(common.ROOTINUM, "large.warmup"); err != nil {
		return err
	}
	start := time.Now()
	if err := makefile(fsys, "large", size, data); err != nil {
		return err
	}
	elapsed := time.Since(start)
	fmt.Printf("fs-largefile: %s throughput %s/s\n", humanize.IBytes(size),
		humanize.IBytes(uint64(float64(size)/elapsed.Seconds())))
	s.report(fsys, d)
	return fsys.Unmount()
}
