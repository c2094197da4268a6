package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

type fileHandle struct {
	mu   sync.Mutex
	file *os.File
}

// FileWriter owns the open .part handles of in-flight transfers. A path is
// only ever written by the task that owns it, the map lock guards the
// handle table itself.
type FileWriter struct {
	mu      sync.RWMutex
	handles map[string]*fileHandle
}

func NewFileWriter() *FileWriter {
	return &FileWriter{
		handles: make(map[string]*fileHandle),
	}
}

// PartSize returns the size of an existing partial file, 0 when absent.
func (fw *FileWriter) PartSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Reset opens path for writing and cuts it to offset bytes. Offset 0
// restarts the file, anything else keeps the prefix for a ranged resume.
func (fw *FileWriter) Reset(path string, offset int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	h, err := fw.getOrCreateFile(path)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Truncate(offset)
}

// WriteAt finds the handle and performs a thread-safe write
func (fw *FileWriter) WriteAt(path string, data []byte, offset int64) error {
	h, err := fw.getOrCreateFile(path)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err = h.file.WriteAt(data, offset)
	return err
}

func (fw *FileWriter) getOrCreateFile(path string) (*fileHandle, error) {
	// Read-Lock: Check if handle exists
	fw.mu.RLock()
	h, ok := fw.handles[path]
	fw.mu.RUnlock()
	if ok {
		return h, nil
	}

	// Write-Lock: Prepare to create handle
	fw.mu.Lock()
	defer fw.mu.Unlock()

	h, ok = fw.handles[path]
	if ok {
		return h, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not open part file: %w", err)
	}

	h = &fileHandle{
		file: f,
	}

	fw.handles[path] = h

	return h, nil
}

func (fw *FileWriter) CloseAll() {
	fw.mu.RLock()
	// We iterate over keys because CloseFile will be modifying the map
	paths := make([]string, 0, len(fw.handles))
	for path := range fw.handles {
		paths = append(paths, path)
	}
	fw.mu.RUnlock()

	for _, path := range paths {
		_ = fw.CloseFile(path) // Ignore error on global cleanup
	}
}

// CloseFile syncs and closes the handle for path, if one is open.
func (fw *FileWriter) CloseFile(path string) error {
	fw.mu.Lock()
	h, ok := fw.handles[path]
	if !ok {
		fw.mu.Unlock()
		return nil
	}
	// Remove from our map so we don't try to use a closed handle later
	delete(fw.handles, path)
	fw.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.file.Sync(); err != nil {
		h.file.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	return h.file.Close()
}

// Finalize moves a verified part file to its destination.
func (fw *FileWriter) Finalize(partPath, destPath string) error {
	if err := fw.CloseFile(partPath); err != nil {
		return err
	}
	if err := os.Rename(partPath, destPath); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", destPath, err)
	}
	return nil
}

// Discard closes and removes path. A missing file is not an error.
func (fw *FileWriter) Discard(path string) error {
	_ = fw.CloseFile(path)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
