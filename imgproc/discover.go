package imgproc

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
)

// ImageExtensions are matched case-sensitively against file names.
var ImageExtensions = []string{".png", ".jpg", ".PNG", ".JPG"}

func isImage(name string) bool {
	return slices.Contains(ImageExtensions, filepath.Ext(name))
}

// FindImages lists image files under dir, descending into subdirectories when
// recursive is set. The result is sorted so batches are reproducible.
func FindImages(dir string, recursive bool) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	var paths []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if isImage(d.Name()) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}
