package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Cleanup removes journal files older than the retention period
func Cleanup(dir string, config Config) error {
	_, err := CleanupWithStats(dir, config)
	return err
}

// CleanupStats tracks what a cleanup pass removed
type CleanupStats struct {
	FilesRemoved  int
	BytesFreed    int64
	OldestRemoved time.Time
	NewestRemoved time.Time
}

// CleanupWithStats removes old files and reports what went. Zero
// config fields take the defaults, same as OpenWithConfig, so a bare
// RetentionDays never turns the cutoff into "everything".
func CleanupWithStats(dir string, config Config) (CleanupStats, error) {
	defaults := DefaultConfig()
	if config.FilePrefix == "" {
		config.FilePrefix = defaults.FilePrefix
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = defaults.RetentionDays
	}

	stats := CleanupStats{}
	cutoff := time.Now().AddDate(0, 0, -config.RetentionDays)
	old := filterOldFiles(findAllWALFiles(dir, config.FilePrefix), cutoff)
	if len(old) == 0 {
		return stats, nil
	}

	stats.FilesRemoved = len(old)
	stats.BytesFreed = totalFileSize(old)
	stats.OldestRemoved, stats.NewestRemoved = fileTimeRange(old)

	for _, file := range old {
		if err := os.Remove(file); err != nil {
			return stats, fmt.Errorf("failed to remove %s: %w", file, err)
		}
	}
	return stats, nil
}

// findAllWALFiles returns journal files under dir matching prefix,
// sorted oldest first by the timestamped names
func findAllWALFiles(dir, prefix string) []string {
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*.wal"))
	if err != nil {
		return nil
	}
	return files
}

func filterOldFiles(files []string, cutoff time.Time) []string {
	var old []string
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			old = append(old, file)
		}
	}
	return old
}

func totalFileSize(files []string) int64 {
	var total int64
	for _, file := range files {
		if info, err := os.Stat(file); err == nil {
			total += info.Size()
		}
	}
	return total
}

// fileTimeRange returns the oldest and newest modification times
func fileTimeRange(files []string) (oldest, newest time.Time) {
	for i, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		modTime := info.ModTime()
		if i == 0 {
			oldest, newest = modTime, modTime
			continue
		}
		if modTime.Before(oldest) {
			oldest = modTime
		}
		if modTime.After(newest) {
			newest = modTime
		}
	}
	return oldest, newest
}
