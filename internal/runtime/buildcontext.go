package runtime

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
)

// ignoreFileNames are checked in order; the first non-empty one wins.
var ignoreFileNames = []string{".dockerignore", ".containerignore"}

// LoadIgnorePatterns reads the build context's ignore file, if any.
func LoadIgnorePatterns(dir string) ([]string, error) {
	for _, name := range ignoreFileNames {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		patterns, err := ignorefile.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if len(patterns) > 0 {
			return patterns, nil
		}
	}
	return nil, nil
}

// TarContext streams dir as an uncompressed tar archive, skipping anything
// matched by the ignore file. The Dockerfile and ignore files are always sent.
func TarContext(dir, dockerfile string) (io.ReadCloser, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("build context %s is not a directory", dir)
	}

	patterns, err := LoadIgnorePatterns(dir)
	if err != nil {
		return nil, err
	}
	var pm *patternmatcher.PatternMatcher
	if len(patterns) > 0 {
		pm, err = patternmatcher.New(patterns)
		if err != nil {
			return nil, fmt.Errorf("invalid ignore pattern: %w", err)
		}
	}

	keep := map[string]struct{}{filepath.Clean(filepath.FromSlash(dockerfile)): {}}
	for _, name := range ignoreFileNames {
		keep[name] = struct{}{}
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeTar(pw, dir, pm, keep))
	}()
	return pr, nil
}

// keptParents returns every directory above a kept file, so an ignored
// directory holding the Dockerfile is still descended into.
func keptParents(keep map[string]struct{}) map[string]struct{} {
	parents := map[string]struct{}{}
	for name := range keep {
		for dir := filepath.Dir(name); dir != "." && dir != string(filepath.Separator); dir = filepath.Dir(dir) {
			parents[dir] = struct{}{}
		}
	}
	return parents
}

func writeTar(w io.Writer, dir string, pm *patternmatcher.PatternMatcher, keep map[string]struct{}) error {
	parents := keptParents(keep)
	tw := tar.NewWriter(w)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		if _, always := keep[rel]; !always && pm != nil {
			skip, err := pm.MatchesOrParentMatches(rel)
			if err != nil {
				return err
			}
			if _, ancestor := parents[rel]; ancestor && d.IsDir() {
				skip = false
			}
			if skip {
				// Exclusion rules ("!pattern") may re-include children.
				if d.IsDir() && !pm.Exclusions() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "", ""
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	return tw.Close()
}
