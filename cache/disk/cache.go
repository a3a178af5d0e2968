// Package disk provides a persistent cache.Substrate on a filesystem.
//
// Each key is stored in its own file named by the SHA256 digest of the key,
// sharded into subdirectories by digest prefix. Values are zstd-compressed
// and written to a temporary file before being renamed into place, so a
// reader never observes a partial value.
package disk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/gofrs/flock"
	"github.com/klauspost/compress/zstd"
	digest "github.com/opencontainers/go-digest"

	"github.com/meigma/pixcache/cache"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
	lockFileName          = ".lock"
)

// Substrate implements cache.Substrate on a go-billy filesystem.
// The substrate is safe for concurrent use.
type Substrate struct {
	fs             billy.Filesystem
	shardPrefixLen int
	dirPerm        os.FileMode
	maxBytes       int64        // maximum on-disk size (0 = unlimited)
	bytes          atomic.Int64 // current on-disk size of stored values
	lockPath       string       // advisory lock file, empty when disabled

	mu   sync.Mutex // serializes writes and size accounting
	lock *flock.Flock
	enc  *zstd.Encoder
	dec  *zstd.Decoder

	closeOnce sync.Once
}

var _ cache.Substrate = (*Substrate)(nil)

// Option configures a disk substrate.
type Option func(*Substrate)

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(s *Substrate) {
		s.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for cache directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Substrate) {
		s.dirPerm = mode
	}
}

// WithMaxBytes sets the maximum on-disk size in bytes.
// Writes that would exceed it fail with cache.ErrQuotaExceeded.
// Values < 0 are invalid. Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(s *Substrate) {
		s.maxBytes = n
	}
}

// WithFileLock guards writes with an advisory lock on the file at path, so
// several processes can share one cache directory. Only meaningful for
// substrates backed by the operating system filesystem.
func WithFileLock(path string) Option {
	return func(s *Substrate) {
		s.lockPath = path
	}
}

// New creates a substrate rooted at dir on the local filesystem.
// Writes are guarded by an advisory lock file inside dir unless another
// path was given with [WithFileLock].
func New(dir string, opts ...Option) (*Substrate, error) {
	if dir == "" {
		return nil, errors.New("cache dir is empty")
	}
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return nil, err
	}
	opts = append([]Option{WithFileLock(filepath.Join(dir, lockFileName))}, opts...)
	return NewFS(osfs.New(dir), opts...)
}

// NewFS creates a substrate on an arbitrary billy filesystem.
func NewFS(fs billy.Filesystem, opts ...Option) (*Substrate, error) {
	if fs == nil {
		return nil, errors.New("filesystem is nil")
	}
	s := &Substrate{
		fs:             fs,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.shardPrefixLen < 0 {
		return nil, errors.New("shard prefix length must be >= 0")
	}
	if s.maxBytes < 0 {
		return nil, errors.New("max bytes must be >= 0")
	}
	if s.lockPath != "" {
		s.lock = flock.New(s.lockPath)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	s.enc, s.dec = enc, dec

	size, err := dirSize(fs, "/")
	if err != nil {
		s.Close()
		return nil, err
	}
	s.bytes.Store(size)
	return s, nil
}

// Close releases the compression resources.
func (s *Substrate) Close() error {
	s.closeOnce.Do(func() {
		if s.enc != nil {
			_ = s.enc.Close() //nolint:errcheck // EncodeAll-only encoder has nothing to flush
		}
		if s.dec != nil {
			s.dec.Close()
		}
	})
	return nil
}

// Available implements cache.Substrate.
func (s *Substrate) Available() bool { return true }

// Get implements cache.Substrate.
func (s *Substrate) Get(key string) ([]byte, bool, error) {
	data, err := s.readFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	storedKey, value, err := s.decode(data)
	if err != nil {
		return nil, false, err
	}
	if storedKey != key {
		// Digest collision or foreign file; treat as a miss.
		return nil, false, nil
	}
	return value, true, nil
}

// Set implements cache.Substrate.
func (s *Substrate) Set(key string, value []byte) error {
	path := s.path(key)
	data := s.encode(key, value)
	need := int64(len(data))

	unlock, err := s.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	var old int64
	if info, statErr := s.fs.Stat(path); statErr == nil {
		old = info.Size()
	}
	if s.maxBytes > 0 && s.bytes.Load()-old+need > s.maxBytes {
		return fmt.Errorf("set %q (%d bytes, %d of %d used): %w", key, need, s.bytes.Load(), s.maxBytes, cache.ErrQuotaExceeded)
	}

	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, s.dirPerm); err != nil {
		return err
	}
	tmp, err := s.fs.TempFile(dir, "tmp-")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = s.fs.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpPath)
		return err
	}
	if err := s.rename(tmpPath, path); err != nil {
		_ = s.fs.Remove(tmpPath)
		return err
	}
	s.bytes.Add(need - old)
	return nil
}

// Remove implements cache.Substrate.
func (s *Substrate) Remove(key string) error {
	path := s.path(key)

	unlock, err := s.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	info, statErr := s.fs.Stat(path)
	if statErr != nil {
		if errors.Is(statErr, os.ErrNotExist) {
			return nil
		}
		return statErr
	}
	if err := s.fs.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	s.bytes.Add(-info.Size())
	return nil
}

// Keys implements cache.Substrate.
func (s *Substrate) Keys() ([]string, error) {
	var keys []string
	err := walkEntries(s.fs, "/", func(path string, info os.FileInfo) error {
		data, err := s.readFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		key, _, err := s.decode(data)
		if err != nil {
			// Unreadable files are not addressable by key; drop them.
			if s.fs.Remove(path) == nil {
				s.bytes.Add(-info.Size())
			}
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

// SizeBytes returns the current on-disk size in bytes.
func (s *Substrate) SizeBytes() int64 {
	return s.bytes.Load()
}

// acquire takes the in-process write lock and, when configured, the
// cross-process file lock.
func (s *Substrate) acquire() (func(), error) {
	s.mu.Lock()
	if s.lock == nil {
		return s.mu.Unlock, nil
	}
	if err := s.lock.Lock(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("lock cache dir: %w", err)
	}
	return func() {
		_ = s.lock.Unlock() //nolint:errcheck // lock is released on process exit regardless
		s.mu.Unlock()
	}, nil
}

// rename moves tmp over dst. Filesystems that refuse to replace an existing
// file get the destination removed first.
func (s *Substrate) rename(tmp, dst string) error {
	err := s.fs.Rename(tmp, dst)
	if err == nil {
		return nil
	}
	if _, statErr := s.fs.Stat(dst); statErr != nil {
		return err
	}
	if rmErr := s.fs.Remove(dst); rmErr != nil {
		return err
	}
	return s.fs.Rename(tmp, dst)
}

func (s *Substrate) readFile(path string) ([]byte, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// path maps a key to its file. Keys are hashed because they may contain
// characters that are not valid in file names.
func (s *Substrate) path(key string) string {
	hexHash := digest.FromString(key).Encoded()
	if s.shardPrefixLen <= 0 {
		return hexHash
	}
	prefixLen := min(s.shardPrefixLen, len(hexHash))
	return filepath.Join(hexHash[:prefixLen], hexHash)
}

// encode frames the key ahead of the value so Keys can recover it, then
// compresses the frame.
func (s *Substrate) encode(key string, value []byte) []byte {
	frame := make([]byte, 0, binary.MaxVarintLen64+len(key)+len(value))
	frame = binary.AppendUvarint(frame, uint64(len(key)))
	frame = append(frame, key...)
	frame = append(frame, value...)
	return s.enc.EncodeAll(frame, nil)
}

func (s *Substrate) decode(data []byte) (string, []byte, error) {
	frame, err := s.dec.DecodeAll(data, nil)
	if err != nil {
		return "", nil, fmt.Errorf("decompress cache file: %w", err)
	}
	n, read := binary.Uvarint(frame)
	if read <= 0 || uint64(len(frame)-read) < n {
		return "", nil, errors.New("corrupt cache file header")
	}
	keyEnd := read + int(n)
	return string(frame[read:keyEnd]), frame[keyEnd:], nil
}
