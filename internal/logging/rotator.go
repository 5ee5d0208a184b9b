package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// FileRotator is an io.Writer over a log file that shifts the file to
// numbered backups (name.1, name.2, ...) once it reaches Config.MaxSize.
type FileRotator struct {
	config *Config
	mu     sync.Mutex
	file   *os.File
	size   int64
}

// NewFileRotator opens cfg.FilePath for appending, creating its directory.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	r := &FileRotator{config: cfg}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	file, err := os.OpenFile(r.config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = file
	r.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}

	if max := r.config.MaxSize * 1024 * 1024; max > 0 && r.size+int64(len(p)) > max {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// rotate must be called with r.mu held.
func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	keep := r.config.MaxBackups
	if keep < 1 {
		keep = 1
	}

	// Drop the oldest backup, then shift every remaining backup up by one.
	os.Remove(r.backupPath(keep))
	os.Remove(r.backupPath(keep) + ".gz")
	for i := keep - 1; i >= 1; i-- {
		for _, suffix := range []string{"", ".gz"} {
			from := r.backupPath(i) + suffix
			if _, err := os.Stat(from); err == nil {
				os.Rename(from, r.backupPath(i+1)+suffix)
			}
		}
	}

	first := r.backupPath(1)
	if err := os.Rename(r.config.FilePath, first); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if r.config.Compress {
		if err := compressFile(first); err != nil {
			return err
		}
	}
	return r.open()
}

func (r *FileRotator) backupPath(n int) string {
	return r.config.FilePath + "." + strconv.Itoa(n)
}

func compressFile(path string) error {
	input, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer input.Close()

	output, err := os.Create(path + ".gz")
	if err != nil {
		return fmt.Errorf("create compressed log: %w", err)
	}

	gz := gzip.NewWriter(output)
	gz.Name = filepath.Base(path)
	if _, err := io.Copy(gz, input); err != nil {
		gz.Close()
		output.Close()
		os.Remove(path + ".gz")
		return fmt.Errorf("compress log: %w", err)
	}
	if err := gz.Close(); err != nil {
		output.Close()
		os.Remove(path + ".gz")
		return fmt.Errorf("compress log: %w", err)
	}
	output.Close()
	input.Close()
	return os.Remove(path)
}

// Close closes the underlying file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
