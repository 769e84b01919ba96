package wal

import (
	"io"
	"path/filepath"
	"time"
)

// Stats describes the journal's on-disk state
type Stats struct {
	TotalFiles      int
	TotalSizeBytes  int64
	OldestFile      time.Time
	NewestFile      time.Time
	CurrentFileSize int64

	SequenceCount int64
	FirstSequence int64
	LastSequence  int64

	WritesPerFile map[string]int
}

// GetStats reports on the open journal
func (w *WAL) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	stats := Stats{LastSequence: w.sequence}
	files := w.listWALFiles()
	stats.TotalFiles = len(files)
	if len(files) == 0 {
		return stats
	}

	stats.TotalSizeBytes = totalFileSize(files)
	stats.OldestFile, stats.NewestFile = fileTimeRange(files)
	stats.CurrentFileSize = w.currentFileSize()

	stats.FirstSequence = firstSequenceInFiles(files)
	if stats.LastSequence >= stats.FirstSequence {
		stats.SequenceCount = stats.LastSequence - stats.FirstSequence + 1
	}
	stats.WritesPerFile = countWritesPerFile(files)
	return stats
}

// GetStatsFromDir reports on a journal directory without opening a
// journal, for inspection commands. An empty FilePrefix takes the
// default.
func GetStatsFromDir(dir string, config Config) Stats {
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}

	stats := Stats{}
	files := findAllWALFiles(dir, config.FilePrefix)
	if len(files) == 0 {
		return stats
	}

	stats.TotalFiles = len(files)
	stats.TotalSizeBytes = totalFileSize(files)
	stats.OldestFile, stats.NewestFile = fileTimeRange(files)

	stats.FirstSequence = firstSequenceInFiles(files)
	stats.LastSequence = findLastSequenceInFiles(files)
	if stats.LastSequence >= stats.FirstSequence {
		stats.SequenceCount = stats.LastSequence - stats.FirstSequence + 1
	}
	return stats
}

func (w *WAL) currentFileSize() int64 {
	info, err := w.file.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// firstSequenceInFiles reads the first entry of the oldest file
func firstSequenceInFiles(files []string) int64 {
	if len(files) == 0 {
		return 0
	}
	reader, err := NewReader(files[0])
	if err != nil {
		return 0
	}
	defer func() { _ = reader.Close() }()

	entry, err := reader.Next()
	if err != nil {
		return 0
	}
	return entry.Sequence
}

// findLastSequenceInFiles scans every file for the highest sequence,
// skipping corrupt lines
func findLastSequenceInFiles(files []string) int64 {
	var maxSeq int64
	for _, file := range files {
		reader, err := NewReader(file)
		if err != nil {
			continue
		}
		for {
			entry, err := reader.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				continue
			}
			if entry.Sequence > maxSeq {
				maxSeq = entry.Sequence
			}
		}
		_ = reader.Close()
	}
	return maxSeq
}

func countWritesPerFile(files []string) map[string]int {
	counts := make(map[string]int)
	for _, file := range files {
		counts[filepath.Base(file)] = countEntriesInFile(file)
	}
	return counts
}

func countEntriesInFile(path string) int {
	reader, err := NewReader(path)
	if err != nil {
		return 0
	}
	defer func() { _ = reader.Close() }()

	count := 0
	for {
		if _, err := reader.Next(); err != nil {
			break
		}
		count++
	}
	return count
}

// HealthStatus summarizes whether the journal needs attention
type HealthStatus struct {
	Healthy          bool
	DiskUsagePercent float64
	OldestFileAge    time.Duration
	NeedsRotation    bool
	NeedsCleanup     bool
	Issues           []string
}

// GetHealth checks rotation and retention pressure
func (w *WAL) GetHealth() HealthStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	health := HealthStatus{Issues: []string{}}

	size := w.currentFileSize()
	health.DiskUsagePercent = float64(size) / float64(w.config.MaxFileSize) * 100
	if health.DiskUsagePercent > 90 {
		health.Issues = append(health.Issues, "current file >90% of max size")
	}

	if files := w.listWALFiles(); len(files) > 0 {
		oldest, _ := fileTimeRange(files)
		health.OldestFileAge = time.Since(oldest)
		retention := time.Duration(w.config.RetentionDays) * 24 * time.Hour
		if health.OldestFileAge > retention {
			health.NeedsCleanup = true
			health.Issues = append(health.Issues, "old files exceed retention period")
		}
	}

	if w.shouldRotate() {
		health.NeedsRotation = true
		health.Issues = append(health.Issues, "file rotation needed")
	}

	health.Healthy = len(health.Issues) == 0
	return health
}
