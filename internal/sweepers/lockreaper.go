package sweepers

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const lockReaperMaxDepth = 4

var (
	pidAssignmentRE = regexp.MustCompile(`pid=(\d+)`)
	firstDigitsRE   = regexp.MustCompile(`\d{2,}`)
)

// LockReaperSummary is the per-run report.
type LockReaperSummary struct {
	Found   int
	Removed int
	Kept    int
	Errors  int
}

// LockReaper removes stale session lock files under sessionsDir. It runs
// on every host regardless of coordinator role — it is a per-host
// reliability guard, not a cluster-wide job.
type LockReaper struct {
	sessionsDir string
	staleAfter  time.Duration
}

// NewLockReaper creates a LockReaper rooted at sessionsDir (expected shape:
// agents/<agentId>/sessions/*.jsonl.lock).
func NewLockReaper(sessionsDir string, staleAfter time.Duration) *LockReaper {
	return &LockReaper{sessionsDir: sessionsDir, staleAfter: staleAfter}
}

// Run walks sessionsDir and removes every lock file older than staleAfter,
// judged by mtime only — the owning PID may be the long-running host
// process itself, so age is a safer staleness signal than PID liveness.
func (r *LockReaper) Run() LockReaperSummary {
	var summary LockReaperSummary
	now := time.Now()

	err := filepath.WalkDir(r.sessionsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip inaccessible entries
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(r.sessionsDir, path)
		if relErr == nil && strings.Count(rel, string(filepath.Separator)) > lockReaperMaxDepth {
			return nil
		}
		if !strings.HasSuffix(path, ".jsonl.lock") {
			return nil
		}

		summary.Found++
		info, infoErr := d.Info()
		if infoErr != nil {
			summary.Errors++
			return nil
		}

		age := now.Sub(info.ModTime())
		if age < r.staleAfter {
			summary.Kept++
			return nil
		}

		if err := os.Remove(path); err != nil {
			summary.Errors++
			slog.Warn("sweepers: remove stale lock failed", "path", path, "error", err)
			return nil
		}
		summary.Removed++
		slog.Warn("sweepers: removed stale session lock", "path", path, "age", age, "pid", extractPID(path))
		return nil
	})
	if err != nil {
		slog.Warn("sweepers: lock reaper walk failed", "error", err)
	}

	slog.Debug("sweepers: lock reaper run complete",
		"found", summary.Found, "removed", summary.Removed, "kept", summary.Kept, "errors", summary.Errors)
	return summary
}

// extractPID reads the lock file's content and extracts a PID, preferring
// the explicit "pid=<digits>" marker, else the first ≥2-digit integer.
func extractPID(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	content := string(data)
	if m := pidAssignmentRE.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	if m := firstDigitsRE.FindString(content); m != "" {
		return m
	}
	return ""
}

// RunLoop drives Run on everySeconds until ctx is cancelled.
func (r *LockReaper) RunLoop(ctx context.Context, everySeconds time.Duration) {
	ticker := time.NewTicker(everySeconds)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Run()
		}
	}
}
