package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRotator is an io.Writer that appends to one log file and swaps
// it out once it grows past the configured size. Rotated files are
// renamed <base>-<timestamp><ext>, optionally gzipped, and pruned by
// count and age.
type FileRotator struct {
	path       string
	maxBytes   int64
	maxAge     int
	maxBackups int
	compress   bool

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewFileRotator opens cfg.FilePath for appending, creating the parent
// directory as needed.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	r := &FileRotator{
		path:       cfg.FilePath,
		maxBytes:   cfg.MaxSize * 1024 * 1024,
		maxAge:     cfg.MaxAge,
		maxBackups: cfg.MaxBackups,
		compress:   cfg.Compress,
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = f
	r.size = info.Size()
	return nil
}

// Write appends p, rotating first when the write would push the file
// past its size limit. A zero limit disables rotation.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.maxBytes > 0 && r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// rotate renames the active file to a timestamped backup and reopens a
// fresh one. Compression and pruning of old backups run off the write
// path.
func (r *FileRotator) rotate() error {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("close active log: %w", err)
		}
		r.file = nil
	}

	backup := r.backupName(time.Now())
	if err := os.Rename(r.path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}

	compress := r.compress
	go func() {
		if compress {
			gzipFile(backup)
		}
		r.sweep()
	}()
	return nil
}

// backupName builds <dir>/<base>-<stamp><ext>, appending a counter
// when a rotation lands on the same second as a previous one.
func (r *FileRotator) backupName(now time.Time) string {
	dir := filepath.Dir(r.path)
	ext := filepath.Ext(r.path)
	base := strings.TrimSuffix(filepath.Base(r.path), ext)
	stamp := now.UTC().Format("20060102T150405")

	candidate := filepath.Join(dir, fmt.Sprintf("%s-%s%s", base, stamp, ext))
	for i := 1; fileExists(candidate) || fileExists(candidate+".gz"); i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s-%s.%d%s", base, stamp, i, ext))
	}
	return candidate
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// gzipFile compresses path in place, removing the original only after
// the archive is fully written.
func gzipFile(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)

	_, copyErr := io.Copy(gz, in)
	gzErr := gz.Close()
	outErr := out.Close()
	if copyErr != nil || gzErr != nil || outErr != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// sweep removes rotated backups beyond the count limit or older than
// the age limit. The active file never matches the backup pattern.
func (r *FileRotator) sweep() {
	dir := filepath.Dir(r.path)
	ext := filepath.Ext(r.path)
	base := strings.TrimSuffix(filepath.Base(r.path), ext)

	matches, err := filepath.Glob(filepath.Join(dir, base+"-*"+ext+"*"))
	if err != nil || len(matches) == 0 {
		return
	}

	type backup struct {
		path string
		mod  time.Time
	}
	backups := make([]backup, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		backups = append(backups, backup{path: m, mod: info.ModTime()})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].mod.Before(backups[j].mod) })

	if r.maxBackups > 0 && len(backups) > r.maxBackups {
		drop := len(backups) - r.maxBackups
		for _, b := range backups[:drop] {
			os.Remove(b.path)
		}
		backups = backups[drop:]
	}
	if r.maxAge > 0 {
		cutoff := time.Now().AddDate(0, 0, -r.maxAge)
		for _, b := range backups {
			if b.mod.Before(cutoff) {
				os.Remove(b.path)
			}
		}
	}
}

// Sync flushes the active file to disk.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

// Close closes the active file. A later Write reopens it.
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
