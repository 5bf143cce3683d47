package optimizer

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// tempPrefix names the scratch files written next to an asset before they
// are renamed into place.
const tempPrefix = ".optimize-"

// checkDirectory returns ErrDirectoryNotFound unless dir is an existing directory.
func checkDirectory(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrDirectoryNotFound, dir)
		}
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrDirectoryNotFound, dir)
	}
	return nil
}

// collectAssets lists candidate assets: the files directly in opts.Directory
// followed by those in each named subdirectory that exists, or the whole
// tree when opts.Recursive is set. Order is lexical within each directory.
func collectAssets(opts Options) ([]string, error) {
	var files []string
	seen := make(map[string]struct{})

	add := func(path string) {
		if _, ok := seen[path]; ok {
			return
		}
		if !opts.Accepts(path) {
			return
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}

	if opts.Recursive {
		err := filepath.WalkDir(opts.Directory, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if path != opts.Directory && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if isRegular(path) {
				add(path)
			}
			return nil
		})
		return files, err
	}

	top, err := listDir(opts.Directory)
	if err != nil {
		return nil, err
	}
	for _, path := range top {
		add(path)
	}

	for _, sub := range opts.Subdirectories {
		dir := filepath.Join(opts.Directory, sub)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		entries, err := listDir(dir)
		if err != nil {
			continue
		}
		for _, path := range entries {
			add(path)
		}
	}

	return files, nil
}

// listDir returns the regular files directly inside dir.
func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", dir, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if isRegular(path) {
			files = append(files, path)
		}
	}
	return files, nil
}

// isRegular reports whether path is a regular file. Symlinks are not
// followed: replacing one would turn the link into a plain file, and
// converting would remove the link while its target stays untouched.
func isRegular(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode().IsRegular()
}

// Accepts reports whether path has a supported extension, is not one of the
// optimizer's own scratch files and matches no exclude pattern.
func (o Options) Accepts(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, tempPrefix) {
		return false
	}
	if !o.supports(path) {
		return false
	}
	return !o.excluded(path)
}

func (o Options) supports(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range o.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// excluded matches exclude patterns against the slash-separated path
// relative to the batch root, and against the bare file name.
func (o Options) excluded(path string) bool {
	if len(o.Exclude) == 0 {
		return false
	}
	rel, err := filepath.Rel(o.Directory, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)
	name := filepath.Base(path)
	for _, pattern := range o.Exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
