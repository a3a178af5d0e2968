package disk

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-git/go-billy/v5"
)

type cacheEntry struct {
	path    string
	size    int64
	modTime time.Time
}

// isEntryName reports whether name is a hex digest file written by Set.
// Lock files and in-flight temp files are not entries.
func isEntryName(name string) bool {
	if len(name) != 64 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// walkEntries calls fn for every entry file under root, descending one level
// into shard directories.
func walkEntries(fs billy.Filesystem, root string, fn func(path string, info os.FileInfo) error) error {
	infos, err := fs.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, info := range infos {
		path := filepath.Join(root, info.Name())
		if info.IsDir() {
			if err := walkEntries(fs, path, fn); err != nil {
				return err
			}
			continue
		}
		if !info.Mode().IsRegular() || !isEntryName(info.Name()) {
			continue
		}
		if err := fn(path, info); err != nil {
			return err
		}
	}
	return nil
}

func dirSize(fs billy.Filesystem, root string) (int64, error) {
	var total int64
	err := walkEntries(fs, root, func(_ string, info os.FileInfo) error {
		total += info.Size()
		return nil
	})
	return total, err
}

// Prune removes the least recently written entries until the stored size is
// at most targetBytes. It returns the bytes freed and remaining.
func (s *Substrate) Prune(targetBytes int64) (freed int64, remaining int64, err error) {
	if targetBytes < 0 {
		targetBytes = 0
	}

	unlock, err := s.acquire()
	if err != nil {
		return 0, s.bytes.Load(), err
	}
	defer unlock()

	var entries []cacheEntry
	var total int64
	walkErr := walkEntries(s.fs, "/", func(path string, info os.FileInfo) error {
		total += info.Size()
		entries = append(entries, cacheEntry{
			path:    path,
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		return nil
	})
	if walkErr != nil {
		return 0, s.bytes.Load(), walkErr
	}
	s.bytes.Store(total)

	remaining = total
	if remaining <= targetBytes {
		return 0, remaining, nil
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].path < entries[j].path
		}
		return entries[i].modTime.Before(entries[j].modTime)
	})

	for _, entry := range entries {
		if remaining <= targetBytes {
			break
		}
		if err := s.fs.Remove(entry.path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			s.bytes.Store(remaining)
			return freed, remaining, err
		}
		remaining -= entry.size
		freed += entry.size
	}
	s.bytes.Store(remaining)
	return freed, remaining, nil
}
