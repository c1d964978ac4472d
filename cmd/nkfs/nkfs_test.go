package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkfs-dev/nkfs/common"
	"github.com/nkfs-dev/nkfs/fs"
)

func TestComponents(t *testing.T) {
	assert.Empty(t, components("/"))
	assert.Empty(t, components(""))
	assert.Equal(t, []string{"a", "b"}, components("/a//b/"))
	assert.Equal(t, []string{"a"}, components("a"))
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("NKFS_INODE_CACHE", "7")
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cfg.InodeCache)
	assert.Equal(t, "nkfs.img", cfg.Image)

	env := filepath.Join(t.TempDir(), "nkfs.env")
	require.NoError(t, os.WriteFile(env, []byte("NKFS_IMAGE=vol.img\nNKFS_DEBUG=2\n"), 0644))
	t.Cleanup(func() {
		os.Unsetenv("NKFS_IMAGE")
		os.Unsetenv("NKFS_DEBUG")
	})
	cfg, err = loadConfig(env)
	require.NoError(t, err)
	assert.Equal(t, "vol.img", cfg.Image)
	assert.Equal(t, uint64(2), cfg.Debug)
	assert.Equal(t, uint64(7), cfg.fsConfig().InodeCacheSize)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestLoadConfigBadValue(t *testing.T) {
	t.Setenv("NKFS_INODES", "many")
	_, err := loadConfig("")
	assert.Error(t, err)
}

func run(t *testing.T, img string, args ...string) error {
	t.Helper()
	return app().Run(append([]string{"nkfs", "-i", img}, args...))
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "vol.img")
	src := filepath.Join(dir, "src")
	data := mkdata(3*4096 + 17)
	require.NoError(t, os.WriteFile(src, data, 0644))

	require.NoError(t, run(t, img, "mkfs", "--size", "1"))
	require.NoError(t, run(t, img, "mkdir", "/a"))
	require.NoError(t, run(t, img, "put", src, "/a/f"))
	require.NoError(t, run(t, img, "ln", "/a/f", "/g"))
	require.NoError(t, run(t, img, "ln", "-s", "a/f", "/s"))
	require.NoError(t, run(t, img, "mv", "/g", "/a/h"))
	assert.Error(t, run(t, img, "mv", "-n", "/a/h", "/a/f"))
	assert.Error(t, run(t, img, "rm", "-d", "/a"))
	require.NoError(t, run(t, img, "ls", "/a"))
	require.NoError(t, run(t, img, "statfs"))
	require.NoError(t, run(t, img, "fsck"))
	assert.Error(t, run(t, img, "mkdir"))

	im, err := openImage(img, 0, false)
	require.NoError(t, err)
	fsys, err := fs.Mount(im.d, fs.Config{})
	require.NoError(t, err)
	inum, err := resolve(fsys, "/a/h")
	require.NoError(t, err)
	got, eof, err := fsys.Read(inum, 0, uint64(len(data))+10)
	require.NoError(t, err)
	assert.True(t, eof)
	assert.Equal(t, data, got)
	attr, err := fsys.Getattr(inum)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), attr.Nlink)
	_, err = resolve(fsys, "/g")
	assert.ErrorIs(t, err, common.ErrNotFound)
	require.NoError(t, fsys.Unmount())
	im.Close()

	require.NoError(t, run(t, img, "rm", "/a/f"))
	require.NoError(t, run(t, img, "rm", "/a/h"))
	require.NoError(t, run(t, img, "rm", "-d", "/a"))
	require.NoError(t, run(t, img, "rm", "/s"))
	require.NoError(t, run(t, img, "fsck"))
}

func TestImageLocked(t *testing.T) {
	img := filepath.Join(t.TempDir(), "vol.img")
	im, err := openImage(img, 16, false)
	require.NoError(t, err)
	defer im.Close()
	_, err = openImage(img, 16, false)
	assert.Error(t, err)
}

func TestEmptyImage(t *testing.T) {
	img := filepath.Join(t.TempDir(), "vol.img")
	_, err := openImage(img, 0, false)
	assert.Error(t, err)
}

func TestBenchSmall(t *testing.T) {
	require.NoError(t, app().Run([]string{"nkfs", "bench", "smallfile",
		"--size", "4", "--benchtime", "10ms", "--threads", "2"}))
	require.NoError(t, app().Run([]string{"nkfs", "bench", "largefile",
		"--size", "8", "--file", "1"}))
}
