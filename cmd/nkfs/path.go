package main

import (
	"fmt"
	"strings"

	"github.com/nkfs-dev/nkfs/common"
	"github.com/nkfs-dev/nkfs/fs"
)

// components splits an absolute or relative volume path; both are taken
// from the root.  Symlinks are not followed.
func components(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func walk(fsys *fs.Fs, parts []string) (common.Inum, error) {
	inum := common.ROOTINUM
	for _, p := range parts {
		attr, err := fsys.Lookup(inum, p)
		if err != nil {
			return common.NULLINUM, fmt.Errorf("%s: %w", strings.Join(parts, "/"), err)
		}
		inum = attr.Inum
	}
	return inum, nil
}

func resolve(fsys *fs.Fs, path string) (common.Inum, error) {
	return walk(fsys, components(path))
}

// parent resolves everything but the last component of path.
func parent(fsys *fs.Fs, path string) (common.Inum, string, error) {
	parts := components(path)
	if len(parts) == 0 {
		return common.NULLINUM, "", fmt.Errorf("%q: %w", path, common.ErrInvalidName)
	}
	dinum, err := walk(fsys, parts[:len(parts)-1])
	if err != nil {
		return common.NULLINUM, "", err
	}
	return dinum, parts[len(parts)-1], nil
}
