package state

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// MaxSnapshotBytes is the default cap on the compacted, compressed snapshot
// size. Exceeding it fails the persist operation without disturbing
// the previous on-disk snapshot.
const MaxSnapshotBytes = 50 * 1024 * 1024

var (
	snapshotEncoder *zstd.Encoder
	snapshotDecoder *zstd.Decoder
)

func init() {
	var err error
	snapshotEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("state: init zstd encoder: %v", err))
	}
	snapshotDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("state: init zstd decoder: %v", err))
	}
}

// EncodeSnapshot serializes the full document (including tombstones) and
// zstd-compresses it. This is the raw encoding; Compact additionally sheds
// tombstones first.
func (d *Document) EncodeSnapshot() ([]byte, error) {
	raw, err := d.encodeWire()
	if err != nil {
		return nil, err
	}
	return snapshotEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// Compact rehydrates the document into a fresh, empty document (dropping
// every tombstoned record) and re-encodes it. This is the only way
// deletion tombstones are actually shed from the persisted snapshot.
func (d *Document) Compact() ([]byte, error) {
	fresh := NewDocument(d.nodeID)
	for _, name := range allMapNames() {
		src := d.GetMap(name)
		dst := fresh.GetMap(name)
		records := src.snapshotRecords()
		live := make(map[string]*Record, len(records))
		for k, rec := range records {
			if !rec.Deleted {
				live[k] = rec
			}
		}
		dst.loadRecords(live)
	}
	return fresh.EncodeSnapshot()
}

// LoadSnapshotBytes decodes a zstd-compressed snapshot produced by
// EncodeSnapshot/Compact and merges it into the document, replacing any
// existing content for the maps present in the snapshot.
func (d *Document) LoadSnapshotBytes(compressed []byte) error {
	raw, err := snapshotDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("state: decompress snapshot: %w", err)
	}
	return d.loadWire(raw)
}

// resolveStatePath validates that path resolves to a location inside
// stateDir, following symlinks before the prefix check (see DESIGN NOTES /
// Open Questions: naive prefix checks without symlink resolution are
// bypassable). Returns the canonical path or a path_traversal-flavored
// error.
func resolveStatePath(stateDir, path string) (string, error) {
	absDir, err := filepath.Abs(stateDir)
	if err != nil {
		return "", fmt.Errorf("state: resolve state dir: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("state: resolve path: %w", err)
	}

	// Canonicalize the directory and whichever portion of the path already
	// exists; a not-yet-created file can't be symlink-resolved directly, so
	// resolve its parent and rejoin the base name.
	canonDir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return "", fmt.Errorf("state: resolve state dir symlinks: %w", err)
	}

	parent := filepath.Dir(absPath)
	canonParent, err := filepath.EvalSymlinks(parent)
	if err != nil {
		// Parent may not exist yet; fall back to the non-symlink-resolved
		// absolute path for the prefix check below.
		canonParent = parent
	}
	canonPath := filepath.Join(canonParent, filepath.Base(absPath))

	rel, err := filepath.Rel(canonDir, canonPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("state: path escapes state directory")
	}
	return canonPath, nil
}

// PersistSnapshot compacts and writes the document to <stateDir>/<filename>
// atomically (write to a temp file, then rename). Oversized or
// path-escaping snapshots are refused, leaving any previous snapshot file
// intact; both are logged as warnings, not
// returned as fatal errors to the caller's caller.
func (d *Document) PersistSnapshot(stateDir, filename string) error {
	path, err := resolveStatePath(stateDir, filepath.Join(stateDir, filename))
	if err != nil {
		slog.Warn("snapshot: refusing to persist", "error", err)
		return err
	}

	data, err := d.Compact()
	if err != nil {
		slog.Warn("snapshot: compact failed", "error", err)
		return err
	}
	if len(data) > MaxSnapshotBytes {
		slog.Warn("snapshot: exceeds size cap, leaving previous snapshot intact",
			"size", len(data), "cap", MaxSnapshotBytes)
		return fmt.Errorf("state: snapshot size %d exceeds cap %d", len(data), MaxSnapshotBytes)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		slog.Warn("snapshot: write failed", "error", err)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		slog.Warn("snapshot: rename failed", "error", err)
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// LoadSnapshot reads and applies the snapshot at <stateDir>/<filename>. A
// missing file or any read/decode error is a warning, not a fatal error:
// the document simply starts empty.
func (d *Document) LoadSnapshot(stateDir, filename string) error {
	path, err := resolveStatePath(stateDir, filepath.Join(stateDir, filename))
	if err != nil {
		slog.Warn("snapshot: refusing to load", "error", err)
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("snapshot: no existing snapshot, starting empty")
			return nil
		}
		slog.Warn("snapshot: read failed, starting empty", "error", err)
		return nil
	}
	if err := d.LoadSnapshotBytes(data); err != nil {
		slog.Warn("snapshot: corrupt snapshot, starting empty", "error", err)
		return nil
	}
	return nil
}
