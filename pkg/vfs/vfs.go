// Package vfs is the machine's read-only disk: host files mounted by name
// and read a byte range at a time.
package vfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

// MaxDiskBytes represents the maximum disk size in bytes (1.44MB).
const MaxDiskBytes = 1474560

// validFilename is the regex for names a program can open.
var validFilename = regexp.MustCompile(`^\.?[a-zA-Z0-9_-]{1,32}(\.[a-zA-Z0-9]{1,4})?$`)

var (
	ErrFileNotFound    = errors.New("file not found")
	ErrInvalidFilename = errors.New("invalid filename")
	ErrQuotaExceeded   = errors.New("disk quota exceeded")
	ErrReadPastEnd     = errors.New("read past end of file")
	ErrNotRegularFile  = errors.New("not a regular file")
)

// FileData is one mounted file. Data must not be modified. It may be a
// read-only mapping of the host file and is set to nil once the name is
// unmounted or mounted again; copy what must outlive the mount, or go
// through Read.
type FileData struct {
	Name     string
	Data     []byte
	Source   string
	Mounted  time.Time
	Modified time.Time

	release func() error
}

// FileInfo is what Meta reports about a mounted file.
type FileInfo struct {
	Name     string
	Size     int
	Source   string
	Mounted  time.Time
	Modified time.Time
}

// Disk holds the mounted files. It is safe for concurrent use.
type Disk struct {
	mu        sync.RWMutex
	files     map[string]*FileData
	usedBytes int
}

// NewDisk creates an empty disk.
func NewDisk() *Disk {
	return &Disk{files: make(map[string]*FileData)}
}

func notFound(name string) error { return fmt.Errorf("vfs: %s: %w", name, ErrFileNotFound) }

// Mount maps the host file at path and makes it readable under its base
// name. A file already mounted under that name is replaced, which unmaps
// the FileData an earlier Mount returned for it.
func (d *Disk) Mount(path string) (*FileData, error) {
	name := filepath.Base(path)
	if !validFilename.MatchString(name) {
		return nil, fmt.Errorf("vfs: %s: %w", name, ErrInvalidFilename)
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(path)
		}
		return nil, fmt.Errorf("vfs: mount %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("vfs: mount %s: %w", path, ErrNotRegularFile)
	}
	if err := d.reserve(name, int(info.Size())); err != nil {
		return nil, err
	}

	data, release, err := mapFile(path, info.Size())
	if err != nil {
		return nil, fmt.Errorf("vfs: mount %s: %w", path, err)
	}
	f := &FileData{
		Name:     name,
		Data:     data,
		Source:   path,
		Mounted:  time.Now(),
		Modified: info.ModTime(),
		release:  release,
	}
	if err := d.put(f); err != nil {
		return nil, err
	}
	return f, nil
}

// MountBytes mounts a copy of data under name.
func (d *Disk) MountBytes(name string, data []byte) (*FileData, error) {
	if !validFilename.MatchString(name) {
		return nil, fmt.Errorf("vfs: %s: %w", name, ErrInvalidFilename)
	}
	if err := d.reserve(name, len(data)); err != nil {
		return nil, err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	now := time.Now()
	f := &FileData{Name: name, Data: buf, Mounted: now, Modified: now}
	if err := d.put(f); err != nil {
		return nil, err
	}
	return f, nil
}

// MountDir mounts every file in dir and returns the names that mounted.
// Subdirectories are skipped. Every other entry that fails to mount is
// reported in the joined error, alongside the names that did mount.
// Mounting stops at the first quota error.
func (d *Disk) MountDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(dir)
		}
		return nil, err
	}

	var names []string
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		f, err := d.Mount(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			if errors.Is(err, ErrQuotaExceeded) {
				break
			}
			continue
		}
		names = append(names, f.Name)
	}
	return names, errors.Join(errs...)
}

func (d *Disk) reserve(name string, size int) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	old := 0
	if f, ok := d.files[name]; ok {
		old = len(f.Data)
	}
	if d.usedBytes-old+size > MaxDiskBytes {
		return fmt.Errorf("vfs: %s: %w", name, ErrQuotaExceeded)
	}
	return nil
}

func (d *Disk) put(f *FileData) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	old, replacing := d.files[f.Name]
	oldSize := 0
	if replacing {
		oldSize = len(old.Data)
	}
	if d.usedBytes-oldSize+len(f.Data) > MaxDiskBytes {
		_ = f.close()
		return fmt.Errorf("vfs: %s: %w", f.Name, ErrQuotaExceeded)
	}
	var err error
	if replacing {
		d.usedBytes -= oldSize
		err = old.close()
	}
	d.files[f.Name] = f
	d.usedBytes += len(f.Data)
	return err
}

func (f *FileData) close() error {
	var err error
	if f.release != nil {
		err = f.release()
		f.release = nil
	}
	f.Data = nil
	return err
}

// Unmount removes name from the disk and releases its mapping.
func (d *Disk) Unmount(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[name]
	if !ok {
		return notFound(name)
	}
	d.usedBytes -= len(f.Data)
	delete(d.files, name)
	return f.close()
}

// Close unmounts everything.
func (d *Disk) Close() error {
	var errs []error
	for _, name := range d.List() {
		if err := d.Unmount(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Read returns a copy of n bytes of name starting at off.
func (d *Disk) Read(name string, off, n int) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, ok := d.files[name]
	if !ok {
		return nil, notFound(name)
	}
	if off < 0 || n < 0 || off+n > len(f.Data) {
		return nil, fmt.Errorf("vfs: %s: [%d,+%d) of %d bytes: %w", name, off, n, len(f.Data), ErrReadPastEnd)
	}
	out := make([]byte, n)
	copy(out, f.Data[off:off+n])
	return out, nil
}

// ByteAt reads the single byte of name at off.
func (d *Disk) ByteAt(name string, off int) (byte, error) {
	b, err := d.Read(name, off, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Size returns the size of a file in bytes.
func (d *Disk) Size(name string) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, ok := d.files[name]
	if !ok {
		return 0, notFound(name)
	}
	return len(f.Data), nil
}

// Meta describes a mounted file.
func (d *Disk) Meta(name string) (FileInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, ok := d.files[name]
	if !ok {
		return FileInfo{}, notFound(name)
	}
	return FileInfo{Name: f.Name, Size: len(f.Data), Source: f.Source, Mounted: f.Mounted, Modified: f.Modified}, nil
}

// List returns a sorted list of all mounted names.
func (d *Disk) List() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	keys := make([]string, 0, len(d.files))
	for k := range d.files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// UsedBytes is the total size of mounted files.
func (d *Disk) UsedBytes() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.usedBytes
}

// FreeSpace returns the number of free bytes on the disk.
func (d *Disk) FreeSpace() int {
	return MaxDiskBytes - d.UsedBytes()
}
