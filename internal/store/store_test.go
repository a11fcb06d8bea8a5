package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	require.NoError(t, Write(path, doc{Name: "alpha", Count: 3}))

	var got doc
	found, err := Read(path, &got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, doc{Name: "alpha", Count: 3}, got)
}

func TestNestedDocumentSurvivesRoundtrip(t *testing.T) {
	type entry struct {
		At    time.Time `json:"at"`
		Note  string    `json:"note"`
		Extra *int      `json:"extra,omitempty"`
	}
	type state struct {
		Names   []string         `json:"names"`
		Entries map[string]entry `json:"entries"`
	}

	path := filepath.Join(t.TempDir(), "state.json")
	n := 7
	in := state{
		Names: []string{"a", "b"},
		Entries: map[string]entry{
			"x": {At: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC), Note: "first", Extra: &n},
			"y": {At: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)},
		},
	}
	require.NoError(t, Write(path, in))

	var out state
	found, err := Read(path, &out)
	require.NoError(t, err)
	require.True(t, found)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("roundtrip mismatch (-want +got):\n%s", diff)
	}
}

func TestReadMissingLeavesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	got := doc{Name: "default"}
	found, err := Read(path, &got)
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, "default", got.Name)
}

func TestWriteKeepsOneBackupGeneration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	require.NoError(t, Write(path, doc{Name: "v1"}))
	require.NoError(t, Write(path, doc{Name: "v2"}))
	require.NoError(t, Write(path, doc{Name: "v3"}))

	var backup doc
	data, err := os.ReadFile(path + BackupSuffix)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &backup))
	require.Equal(t, "v2", backup.Name, "backup holds exactly the previous generation")
}

func TestCorruptPrimaryRepairedFromBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	require.NoError(t, Write(path, doc{Name: "v1"}))
	require.NoError(t, Write(path, doc{Name: "v2"}))

	// Simulate a torn write on the primary.
	require.NoError(t, os.WriteFile(path, []byte(`{"name": "v2", "cou`), 0644))

	var got doc
	found, err := Read(path, &got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", got.Name, "falls back to the last committed backup")

	// The primary must have been repaired in place.
	var repaired doc
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &repaired))
	require.Equal(t, "v1", repaired.Name)
}

func TestCrashMidWriteLeavesCommittedValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	require.NoError(t, Write(path, doc{Name: "committed"}))

	// A crash between opening the temp file and the rename leaves a stray
	// truncated .tmp next to an intact primary.
	require.NoError(t, os.WriteFile(path+".tmp", []byte(`{"na`), 0644))

	var got doc
	found, err := Read(path, &got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "committed", got.Name)
}

func TestCorruptPrimaryNoBackupIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))

	var got doc
	_, err := Read(path, &got)
	require.Error(t, err)
}
