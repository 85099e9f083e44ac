package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/sirupsen/logrus"
)

const entryExt = ".bin"

// DiskStorage implements Storage on top of a billy filesystem.
// Every namespace is a top-level directory; every entry is one file holding
// the key on its first line followed by the value.
type DiskStorage struct {
	fs       billy.Filesystem
	cacheDir string
	// memfs is not safe for concurrent use
	mu sync.RWMutex
}

// NewDisk creates a storage rooted at cacheDir on the local filesystem
func NewDisk(cacheDir string) *DiskStorage {
	return &DiskStorage{fs: osfs.New(cacheDir), cacheDir: cacheDir}
}

// NewMemory creates a storage that lives in memory only
func NewMemory() *DiskStorage {
	return NewFilesystem(memfs.New())
}

// NewFilesystem creates a storage on any billy filesystem
func NewFilesystem(fs billy.Filesystem) *DiskStorage {
	return &DiskStorage{fs: fs}
}

// Init ensures the cache directory exists
func (d *DiskStorage) Init() error {
	if d.cacheDir == "" {
		return nil
	}
	return os.MkdirAll(d.cacheDir, 0755)
}

func (d *DiskStorage) Open(_ context.Context, name string) (Namespace, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fs.MkdirAll(name, 0755); err != nil {
		return nil, fmt.Errorf("failed to create namespace %s: %w", name, err)
	}
	return &diskNamespace{storage: d, name: name}, nil
}

func (d *DiskStorage) Has(_ context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	info, err := d.fs.Stat(name)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// Names lists namespaces sorted by name
func (d *DiskStorage) Names(_ context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.names()
}

func (d *DiskStorage) names() ([]string, error) {
	infos, err := d.fs.ReadDir(".")
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() {
			names = append(names, info.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (d *DiskStorage) Delete(_ context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.fs.Stat(name); os.IsNotExist(err) {
		return false, nil
	}
	if err := util.RemoveAll(d.fs, name); err != nil {
		return false, fmt.Errorf("failed to remove namespace %s: %w", name, err)
	}
	logrus.Debugf("Removed namespace directory %s", name)
	return true, nil
}

func (d *DiskStorage) Match(_ context.Context, key string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names, err := d.names()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		value, err := d.read(name, key)
		if err != nil {
			return nil, err
		}
		if value != nil {
			return value, nil
		}
	}
	return nil, nil
}

// Close is a no-op: every write is flushed before it returns
func (d *DiskStorage) Close() error {
	return nil
}

// entryPath builds the file path of a key inside a namespace:
// namespace/scheme/host/path/GET_<keyhash>.bin
func entryPath(namespace, key string) string {
	hash := sha256.Sum256([]byte(key))
	filename := "GET_" + hex.EncodeToString(hash[:])[:16] + entryExt

	pathParts := []string{namespace}
	if u, err := url.Parse(key); err == nil && u.Host != "" {
		host := strings.TrimSuffix(strings.TrimSuffix(u.Host, ":80"), ":443")
		pathParts = append(pathParts, u.Scheme, strings.ReplaceAll(host, ":", "_"))
		for _, segment := range strings.Split(u.Path, "/") {
			if segment == "" || segment == "." || segment == ".." {
				continue
			}
			pathParts = append(pathParts, segment)
		}
	} else {
		pathParts = append(pathParts, "_")
	}
	pathParts = append(pathParts, filename)

	return path.Join(pathParts...)
}

// read returns the value of key in namespace, or nil when absent
func (d *DiskStorage) read(namespace, key string) ([]byte, error) {
	storedKey, value, err := d.readEntry(entryPath(namespace, key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// Distinct keys can share a hash prefix; the stored key settles it
	if storedKey != key {
		return nil, nil
	}
	return value, nil
}

func (d *DiskStorage) readEntry(entryPath string) (string, []byte, error) {
	f, err := d.fs.Open(entryPath)
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	line, err := r.ReadString('\n')
	if err != nil {
		return "", nil, fmt.Errorf("corrupted cache entry %s: %w", entryPath, err)
	}
	value, err := io.ReadAll(r)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read cache entry %s: %w", entryPath, err)
	}
	return strings.TrimSuffix(line, "\n"), value, nil
}

// write stores the entry through a temporary file so readers never see a partial entry
func (d *DiskStorage) write(namespace, key string, value []byte) error {
	if strings.ContainsAny(key, "\r\n") {
		return fmt.Errorf("invalid cache key %q", key)
	}

	target := entryPath(namespace, key)
	dir := path.Dir(target)
	if err := d.fs.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := d.fs.TempFile(dir, ".tmp-")
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.Grow(len(key) + 1 + len(value))
	buf.WriteString(key)
	buf.WriteByte('\n')
	buf.Write(value)
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = d.fs.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = d.fs.Remove(tmp.Name())
		return err
	}

	if err := d.fs.Rename(tmp.Name(), target); err != nil {
		_ = d.fs.Remove(tmp.Name())
		return err
	}

	logrus.Debugf("Cached entry: %s", target)
	return nil
}

// keys walks a namespace directory and collects the stored keys
func (d *DiskStorage) keys(dir string) ([]string, error) {
	infos, err := d.fs.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, info := range infos {
		p := path.Join(dir, info.Name())
		if info.IsDir() {
			sub, err := d.keys(p)
			if err != nil {
				return nil, err
			}
			keys = append(keys, sub...)
			continue
		}
		if !strings.HasSuffix(info.Name(), entryExt) {
			continue
		}
		key, _, err := d.readEntry(p)
		if err != nil {
			logrus.Warnf("Skipping unreadable cache entry %s: %v", p, err)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

type diskNamespace struct {
	storage *DiskStorage
	name    string
}

func (n *diskNamespace) Name() string {
	return n.name
}

func (n *diskNamespace) Get(_ context.Context, key string) ([]byte, error) {
	n.storage.mu.RLock()
	defer n.storage.mu.RUnlock()
	return n.storage.read(n.name, key)
}

func (n *diskNamespace) Set(_ context.Context, key string, value []byte) error {
	n.storage.mu.Lock()
	defer n.storage.mu.Unlock()
	if err := n.storage.write(n.name, key, value); err != nil {
		return fmt.Errorf("failed to write %s in namespace %s: %w", key, n.name, err)
	}
	return nil
}

func (n *diskNamespace) Keys(_ context.Context) ([]string, error) {
	n.storage.mu.RLock()
	defer n.storage.mu.RUnlock()
	keys, err := n.storage.keys(n.name)
	if err != nil {
		return nil, fmt.Errorf("failed to list namespace %s: %w", n.name, err)
	}
	sort.Strings(keys)
	return keys, nil
}
