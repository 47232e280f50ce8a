package capability

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/stbridge/internal/subscription"
)

func TestWriteThenLoad(t *testing.T) {
	path := Path(t.TempDir())

	c := subscription.NewCounts()
	c.Add("audioVolume", 1)
	c.Add("switch", 3)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, Write(path, FromCounts(c, now)))

	a, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T03:04:05Z", a.GeneratedAt)
	assert.Equal(t, []Entry{{Name: "switch", DeviceCount: 3}, {Name: "audioVolume", DeviceCount: 1}}, a.Capabilities)
	assert.Equal(t, []string{"switch", "audioVolume"}, a.Names())
}

func TestLoad_Failures(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, ErrNotFound)

	tests := []struct {
		name    string
		content string
	}{
		{"not json", "{"},
		{"no timestamp", `{"capabilities":[]}`},
		{"no capabilities", `{"generatedAt":"2026-01-01T00:00:00Z"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			_, err := Load(path)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Nil(t, Read(path))
		})
	}
}

func TestWrite_EmptyList(t *testing.T) {
	path := Path(t.TempDir())
	require.NoError(t, Write(path, FromCounts(subscription.NewCounts(), time.Now())))

	a := Read(path)
	require.NotNil(t, a)
	assert.Empty(t, a.Capabilities)
}
