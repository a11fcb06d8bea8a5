package browser

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestrictionSignalDetection(t *testing.T) {
	tests := []struct {
		signal string
		want   bool
	}{
		{"Your account is restricted", true},
		{"Daily limit reached", true},
		{"Complete this captcha to continue", true},
		{"Post published", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isRestrictionSignal(tt.signal), "signal %q", tt.signal)
	}
}

func TestNormalizeForMatch(t *testing.T) {
	assert.Equal(t, normalizeForMatch("  Hello   World "), normalizeForMatch("hello world"))
	assert.NotEqual(t, normalizeForMatch("hello world"), normalizeForMatch("hello there"))
}

func TestLoadArtifact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alice.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"origin": "https://example.com",
		"cookies": [{"name": "sid", "value": "abc", "domain": "example.com"}],
		"local_storage": {"theme": "dark"}
	}`), 0o644))

	e := New(Config{}, dir)
	art, err := e.loadArtifact("alice")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", art.Origin)
	require.Len(t, art.Cookies, 1)
	assert.Equal(t, "sid", art.Cookies[0].Name)
	assert.Equal(t, "dark", art.LocalStorage["theme"])

	_, err = e.loadArtifact("missing")
	assert.Error(t, err)
}

func TestNavigationTimeoutDefault(t *testing.T) {
	assert.Equal(t, 30*time.Second, Config{}.NavigationTimeout())
	assert.Equal(t, 5*time.Second, Config{NavigationTimeoutMs: 5000}.NavigationTimeout())
}
