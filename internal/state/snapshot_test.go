package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistAndLoadSnapshot(t *testing.T) {
	dir := t.TempDir()
	doc := NewDocument("bb1")
	require.NoError(t, doc.GetMap(MapTasks).SetFields("t1", map[string]any{"title": "hi"}, doc.Tick()))

	require.NoError(t, doc.PersistSnapshot(dir, "ansible-state.yjs"))

	restored := NewDocument("bb1")
	require.NoError(t, restored.LoadSnapshot(dir, "ansible-state.yjs"))
	assert.True(t, Equivalent(doc, restored))
}

func TestLoadSnapshotMissingFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	doc := NewDocument("bb1")
	require.NoError(t, doc.LoadSnapshot(dir, "does-not-exist.yjs"))
	assert.Equal(t, 0, doc.GetMap(MapTasks).Len())
}

func TestLoadSnapshotCorruptDataStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ansible-state.yjs")
	require.NoError(t, os.WriteFile(path, []byte("not a valid snapshot"), 0o600))

	doc := NewDocument("bb1")
	require.NoError(t, doc.LoadSnapshot(dir, "ansible-state.yjs"))
	assert.Equal(t, 0, doc.GetMap(MapTasks).Len())
}

func TestPersistSnapshotRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	doc := NewDocument("bb1")
	err := doc.PersistSnapshot(dir, "../../etc/passwd")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "escapes"))
}

func TestPersistSnapshotUnderCapSucceeds(t *testing.T) {
	dir := t.TempDir()
	doc := NewDocument("bb1")
	require.NoError(t, doc.GetMap(MapTasks).SetFields("t1", map[string]any{"title": "hi"}, doc.Tick()))
	require.NoError(t, doc.PersistSnapshot(dir, "ansible-state.yjs"))

	before, err := os.ReadFile(filepath.Join(dir, "ansible-state.yjs"))
	require.NoError(t, err)
	assert.Less(t, len(before), MaxSnapshotBytes)
}
