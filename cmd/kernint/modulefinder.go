package main

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// dirModuleFinder implements kernelsystem.ModuleFinder by recursively
// searching a module tree for "<name>.ko", treating hyphens and
// underscores as equivalent and excluding any path under a "debian"
// directory. This directory-scanning glue lives only here at the
// CLI's edge, not in the core load/compare packages.
type dirModuleFinder struct {
	root string
}

func (f *dirModuleFinder) FindModuleFile(name string) (string, error) {
	target := normalizeModuleName(name)
	var found string
	_ = filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || found != "" {
			return nil
		}
		if d.IsDir() {
			if d.Name() == "debian" {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".ko" {
			return nil
		}
		stem := strings.TrimSuffix(d.Name(), ".ko")
		if normalizeModuleName(stem) == target {
			found = path
		}
		return nil
	})
	return found, nil
}

func normalizeModuleName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}
