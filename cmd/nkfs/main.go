package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/urfave/cli/v2"

	"github.com/nkfs-dev/nkfs/fs"
	"github.com/nkfs-dev/nkfs/util"
	"github.com/nkfs-dev/nkfs/util/timed_disk"
)

type session struct {
	cfg   Config
	stats bool
}

func setupLogging(debug uint64) {
	level := slog.LevelInfo
	if debug > 0 {
		level = slog.LevelDebug
	}
	util.Debug = debug
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	})))
}

func (s *session) before(c *cli.Context) error {
	cfg, err := loadConfig(c.String("env"))
	if err != nil {
		return err
	}
	if c.IsSet("image") {
		cfg.Image = c.String("image")
	}
	if c.IsSet("debug") {
		cfg.Debug = c.Uint64("debug")
	}
	s.cfg = cfg
	s.stats = c.Bool("stats")
	setupLogging(cfg.Debug)
	return nil
}

// withFs mounts the image, runs f and unmounts, which syncs.
func (s *session) withFs(f func(fsys *fs.Fs) error) error {
	img, err := openImage(s.cfg.Image, 0, s.stats)
	if err != nil {
		return err
	}
	defer img.Close()
	fsys, err := fs.Mount(img.d, s.cfg.fsConfig())
	if err != nil {
		return err
	}
	ferr := f(fsys)
	if err := fsys.Unmount(); err != nil && ferr == nil {
		ferr = err
	}
	if s.stats {
		fsys.WriteOpStats(os.Stderr)
		img.d.(*timed_disk.Disk).WriteStats(os.Stderr)
	}
	return ferr
}

func app() *cli.App {
	s := &session{}
	return &cli.App{
		Name:  "nkfs",
		Usage: "format, inspect and edit nkfs volume images",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env", Usage: "load NKFS_* settings from `FILE`"},
			&cli.StringFlag{Name: "image", Aliases: []string{"i"},
				Usage: "volume image `FILE` (default $NKFS_IMAGE or nkfs.img)"},
			&cli.Uint64Flag{Name: "debug", Usage: "debug level (higher is more verbose)"},
			&cli.BoolFlag{Name: "stats", Usage: "print op and disk stats to stderr at the end"},
		},
		Before:   s.before,
		Commands: s.commands(),
	}
}

func main() {
	if err := app().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "nkfs: %v\n", err)
		os.Exit(1)
	}
}
