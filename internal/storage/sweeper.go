package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TempSweeper removes leftover scratch files (resample output, abandoned
// download parts) that a crash or kill left behind. Only files matching one
// of the glob patterns and older than maxAge are touched.
type TempSweeper struct {
	dirs     []string
	patterns []string
	maxAge   time.Duration
	interval time.Duration
	log      zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewTempSweeper creates a sweeper over dirs (not recursive).
func NewTempSweeper(dirs, patterns []string, maxAge time.Duration, log zerolog.Logger) *TempSweeper {
	return &TempSweeper{
		dirs:     dirs,
		patterns: patterns,
		maxAge:   maxAge,
		interval: 1 * time.Hour,
		log:      log.With().Str("component", "temp-sweeper").Logger(),
		stop:     make(chan struct{}),
	}
}

func (s *TempSweeper) Start() {
	go s.loop()
}

func (s *TempSweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *TempSweeper) loop() {
	// Run once on startup to clear anything left by the previous process
	s.Sweep()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}

// Sweep runs one pass and returns the number of files removed.
func (s *TempSweeper) Sweep() int {
	cutoff := time.Now().Add(-s.maxAge)
	var removed int
	var freed int64

	for _, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !s.matches(e.Name()) {
				continue
			}
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil || os.IsNotExist(err) {
				removed++
				freed += info.Size()
			}
		}
	}

	if removed > 0 {
		s.log.Info().
			Int("removed", removed).
			Str("freed", humanizeBytes(freed)).
			Msg("temp sweep complete")
	}
	return removed
}

func (s *TempSweeper) matches(name string) bool {
	for _, p := range s.patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// DirSize returns the total size of regular files below dir.
func DirSize(dir string) int64 {
	var total int64
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

func humanizeBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
