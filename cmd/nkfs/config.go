package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/nkfs-dev/nkfs/fs"
)

// Config is read from NKFS_* environment variables, after an optional
// env file has been loaded into the environment.  Flags override it.
type Config struct {
	Debug      uint64 `envconfig:"DEBUG"`
	InodeCache uint64 `envconfig:"INODE_CACHE"`
	BlockCache uint64 `envconfig:"BLOCK_CACHE"`
	Inodes     uint64 `envconfig:"INODES"`
	Image      string `envconfig:"IMAGE" default:"nkfs.img"`
}

func loadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := envconfig.Process("nkfs", &cfg); err != nil {
		return Config{}, fmt.Errorf("environment: %w", err)
	}
	return cfg, nil
}

func (cfg Config) fsConfig() fs.Config {
	return fs.Config{
		InodeCacheSize: cfg.InodeCache,
		BlockCacheSize: cfg.BlockCache,
		NInodes:        cfg.Inodes,
	}
}
