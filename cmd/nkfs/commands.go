package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/nkfs-dev/nkfs/common"
	"github.com/nkfs-dev/nkfs/fs"
)

const MB uint64 = 1024 * 1024

// IOSZ is the chunk size for put and cat.
const IOSZ uint64 = 16 * 4096

func needArgs(c *cli.Context, n int) error {
	if c.NArg() != n {
		return fmt.Errorf("%s: want %d arguments, got %d", c.Command.Name, n, c.NArg())
	}
	return nil
}

func (s *session) commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "mkfs",
			Usage: "create a fresh volume image",
			Flags: []cli.Flag{
				&cli.Uint64Flag{Name: "size", Value: 64, Usage: "image size in MB"},
				&cli.Uint64Flag{Name: "inodes", Usage: "number of inodes (default one per 4 blocks)"},
			},
			Action: s.mkfs,
		},
		{Name: "statfs", Usage: "show volume usage", Action: s.statfs},
		{Name: "fsck", Usage: "check volume consistency", Action: s.fsck},
		{Name: "ls", Usage: "list a directory", ArgsUsage: "[PATH]", Action: s.ls},
		{Name: "mkdir", Usage: "create a directory", ArgsUsage: "PATH", Action: s.mkdir},
		{Name: "put", Usage: "copy a local file into the volume", ArgsUsage: "SRC DST", Action: s.put},
		{Name: "cat", Usage: "print a file", ArgsUsage: "PATH", Action: s.cat},
		{
			Name:      "rm",
			Usage:     "remove a file, or an empty directory with -d",
			ArgsUsage: "PATH",
			Flags:     []cli.Flag{&cli.BoolFlag{Name: "d", Usage: "remove an empty directory"}},
			Action:    s.rm,
		},
		{
			Name:      "mv",
			Usage:     "rename",
			ArgsUsage: "SRC DST",
			Flags:     []cli.Flag{&cli.BoolFlag{Name: "n", Usage: "fail if DST exists"}},
			Action:    s.mv,
		},
		{
			Name:      "ln",
			Usage:     "make a hard link, or a symlink with -s",
			ArgsUsage: "TARGET PATH",
			Flags:     []cli.Flag{&cli.BoolFlag{Name: "s", Usage: "symbolic link"}},
			Action:    s.ln,
		},
		s.benchCommand(),
	}
}

func (s *session) mkfs(c *cli.Context) error {
	inodes := s.cfg.Inodes
	if c.IsSet("inodes") {
		inodes = c.Uint64("inodes")
	}
	nblocks := c.Uint64("size") * MB / 4096
	img, err := openImage(s.cfg.Image, nblocks, false)
	if err != nil {
		return err
	}
	defer img.Close()
	cfg := s.cfg.fsConfig()
	cfg.NInodes = inodes
	cfg.Uid = uint32(os.Getuid())
	cfg.Gid = uint32(os.Getgid())
	sb, err := fs.Mkfs(img.d, cfg)
	if err != nil {
		return err
	}
	fmt.Println(sb)
	return nil
}

func (s *session) statfs(c *cli.Context) error {
	return s.withFs(func(fsys *fs.Fs) error {
		st, err := fsys.Statfs()
		if err != nil {
			return err
		}
		used := st.Blocks - st.BlocksFree
		fmt.Printf("uuid:   %v\n", st.UUID)
		fmt.Printf("blocks: %s used of %s (%s free)\n",
			humanize.IBytes(used*st.BlockSize), humanize.IBytes(st.Blocks*st.BlockSize),
			humanize.IBytes(st.BlocksFree*st.BlockSize))
		fmt.Printf("inodes: %s used of %s\n", humanize.Comma(int64(st.Files-st.FilesFree)),
			humanize.Comma(int64(st.Files)))
		fmt.Printf("names:  up to %d bytes\n", st.NameLen)
		return nil
	})
}

func (s *session) fsck(c *cli.Context) error {
	return s.withFs(func(fsys *fs.Fs) error {
		r, err := fsys.Check()
		if err != nil {
			return err
		}
		fmt.Println(r)
		if !r.OK() {
			return cli.Exit(fmt.Sprintf("%d problems", len(r.Problems)), 1)
		}
		return nil
	})
}

func kindChar(k common.Kind) string {
	switch k {
	case common.KindDir:
		return "d"
	case common.KindSymlink:
		return "l"
	case common.KindSpecial:
		return "c"
	}
	return "-"
}

func (s *session) ls(c *cli.Context) error {
	return s.withFs(func(fsys *fs.Fs) error {
		dinum, err := resolve(fsys, c.Args().First())
		if err != nil {
			return err
		}
		var start uint64
		for {
			ents, eof, err := fsys.ReadDir(dinum, start, 64)
			if err != nil {
				return err
			}
			for _, e := range ents {
				attr, err := fsys.Getattr(e.Inum)
				if err != nil {
					return err
				}
				fmt.Printf("%s%04o %3d %8s %s %s\n", kindChar(attr.Kind), attr.Mode,
					attr.Nlink, humanize.IBytes(attr.Size),
					attr.Mtime.Format("Jan _2 15:04"), e.Name)
				start = e.Off + common.DIRENTSZ
			}
			if eof || len(ents) == 0 {
				return nil
			}
		}
	})
}

func (s *session) cred() fs.Cred {
	return fs.Cred{Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())}
}

func (s *session) mkdir(c *cli.Context) error {
	if err := needArgs(c, 1); err != nil {
		return err
	}
	return s.withFs(func(fsys *fs.Fs) error {
		dinum, name, err := parent(fsys, c.Args().Get(0))
		if err != nil {
			return err
		}
		_, err = fsys.Mkdir(dinum, name, 0755, s.cred())
		return err
	})
}

func (s *session) put(c *cli.Context) error {
	if err := needArgs(c, 2); err != nil {
		return err
	}
	src, err := os.Open(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer src.Close()
	return s.withFs(func(fsys *fs.Fs) error {
		dinum, name, err := parent(fsys, c.Args().Get(1))
		if err != nil {
			return err
		}
		attr, err := fsys.Create(dinum, name, 0644, s.cred())
		if err != nil {
			return err
		}
		buf := make([]byte, IOSZ)
		var off uint64
		for {
			n, rerr := src.Read(buf)
			if n > 0 {
				if _, err := fsys.Write(attr.Inum, off, buf[:n]); err != nil {
					return err
				}
				off += uint64(n)
			}
			if errors.Is(rerr, io.EOF) {
				break
			}
			if rerr != nil {
				return rerr
			}
		}
		fmt.Printf("%s: %s\n", c.Args().Get(1), humanize.IBytes(off))
		return nil
	})
}

func (s *session) cat(c *cli.Context) error {
	if err := needArgs(c, 1); err != nil {
		return err
	}
	return s.withFs(func(fsys *fs.Fs) error {
		inum, err := resolve(fsys, c.Args().Get(0))
		if err != nil {
			return err
		}
		var off uint64
		for {
			data, eof, err := fsys.Read(inum, off, IOSZ)
			if err != nil {
				return err
			}
			if _, err := os.Stdout.Write(data); err != nil {
				return err
			}
			off += uint64(len(data))
			if eof {
				return nil
			}
		}
	})
}

func (s *session) rm(c *cli.Context) error {
	if err := needArgs(c, 1); err != nil {
		return err
	}
	return s.withFs(func(fsys *fs.Fs) error {
		dinum, name, err := parent(fsys, c.Args().Get(0))
		if err != nil {
			return err
		}
		if c.Bool("d") {
			return fsys.Rmdir(dinum, name)
		}
		return fsys.Unlink(dinum, name)
	})
}

func (s *session) mv(c *cli.Context) error {
	if err := needArgs(c, 2); err != nil {
		return err
	}
	return s.withFs(func(fsys *fs.Fs) error {
		sd, sname, err := parent(fsys, c.Args().Get(0))
		if err != nil {
			return err
		}
		dd, dname, err := parent(fsys, c.Args().Get(1))
		if err != nil {
			return err
		}
		return fsys.Rename(sd, sname, dd, dname, !c.Bool("n"))
	})
}

func (s *session) ln(c *cli.Context) error {
	if err := needArgs(c, 2); err != nil {
		return err
	}
	return s.withFs(func(fsys *fs.Fs) error {
		dinum, name, err := parent(fsys, c.Args().Get(1))
		if err != nil {
			return err
		}
		if c.Bool("s") {
			_, err = fsys.Symlink(dinum, name, c.Args().Get(0), s.cred())
			return err
		}
		inum, err := resolve(fsys, c.Args().Get(0))
		if err != nil {
			return err
		}
		_, err = fsys.Link(inum, dinum, name)
		return err
	})
}
