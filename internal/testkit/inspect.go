package testkit

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// ListFiles returns every regular file under root as a slash separated
// relative path, sorted.
func ListFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(files)
	return files, err
}

// HasTempFiles reports whether any file under root looks like an abandoned
// temporary write.
func HasTempFiles(root string) (bool, error) {
	files, err := ListFiles(root)
	if err != nil {
		return false, err
	}
	for _, f := range files {
		if strings.Contains(filepath.Base(f), ".tmp-") {
			return true, nil
		}
	}
	return false, nil
}
