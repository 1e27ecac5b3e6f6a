package cache

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// CollectOutputs gathers the files under pkgDir matched by the inclusion
// globs and not matched by the exclusion globs, as package-relative entries
// ready to archive. Globs that match nothing are fine; a task may legally
// produce no output files.
func CollectOutputs(pkgDir string, inclusions, exclusions []string) ([]FileEntry, error) {
	matched := make(map[string]bool)
	fsys := os.DirFS(pkgDir)
	for _, glob := range inclusions {
		paths, err := doublestar.Glob(fsys, glob, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("invalid output glob %q: %w", glob, err)
		}
		for _, p := range paths {
			matched[p] = true
		}
	}
	rels := make([]string, 0, len(matched))
	for p := range matched {
		excluded := false
		for _, glob := range exclusions {
			ok, err := doublestar.Match(glob, p)
			if err != nil {
				return nil, fmt.Errorf("invalid output exclusion %q: %w", glob, err)
			}
			if ok {
				excluded = true
				break
			}
		}
		if !excluded {
			rels = append(rels, p)
		}
	}
	sort.Strings(rels)

	files := make([]FileEntry, 0, len(rels))
	for _, rel := range rels {
		full := filepath.Join(pkgDir, filepath.FromSlash(rel))
		info, err := os.Lstat(full)
		if err != nil {
			return nil, fmt.Errorf("failed to stat output %s: %w", rel, err)
		}
		if !info.Mode().IsRegular() {
			continue
		}
		body, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("failed to read output %s: %w", rel, err)
		}
		files = append(files, FileEntry{Path: rel, Mode: info.Mode().Perm(), Body: body})
	}
	return files, nil
}

// Restore writes the entry's captured files back under pkgDir, preserving
// modes, and returns the restored package-relative paths. Files whose
// current content already matches are left untouched.
func Restore(entry *Entry, pkgDir string) ([]string, error) {
	restored := make([]string, 0, len(entry.Files))
	for _, f := range entry.Files {
		if err := validateEntryPath(f.Path); err != nil {
			return restored, err
		}
		dest := filepath.Join(pkgDir, filepath.FromSlash(f.Path))
		if same, err := fileMatches(dest, f); err == nil && same {
			restored = append(restored, f.Path)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return restored, fmt.Errorf("failed to restore %s: %w", f.Path, err)
		}
		if err := writeFileAtomic(dest, f.Body, f.Mode); err != nil {
			return restored, fmt.Errorf("failed to restore %s: %w", f.Path, err)
		}
		restored = append(restored, f.Path)
	}
	return restored, nil
}

func fileMatches(dest string, f FileEntry) (bool, error) {
	info, err := os.Lstat(dest)
	if err != nil || !info.Mode().IsRegular() || info.Size() != int64(len(f.Body)) {
		return false, err
	}
	if info.Mode().Perm() != f.Mode.Perm() {
		return false, nil
	}
	current, err := os.ReadFile(dest)
	if err != nil {
		return false, err
	}
	return bytes.Equal(current, f.Body), nil
}

func writeFileAtomic(dest string, body []byte, mode fs.FileMode) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".orchard-restore-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(body); err != nil {
		return err
	}
	if err := tmp.Chmod(mode.Perm()); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dest)
}
