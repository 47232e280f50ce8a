package samsung

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTokenStore_Path(t *testing.T) {
	s := NewFileTokenStore("/var/lib/stbridge")
	assert.Equal(t, "/var/lib/stbridge/samsung_tv_token_192.168.1.5.json", s.Path("192.168.1.5"))
	assert.Equal(t, "/var/lib/stbridge/samsung_tv_token_fe80__1_8002.json", s.Path("fe80::1:8002"))
	assert.Equal(t, "/var/lib/stbridge/samsung_tv_token_tv.local.json", s.Path("tv.local"))
}

func TestFileTokenStore_SaveLoadDelete(t *testing.T) {
	s := NewFileTokenStore(t.TempDir())

	token, err := s.Load("10.0.0.2")
	require.NoError(t, err)
	assert.Empty(t, token)

	require.NoError(t, s.Save("10.0.0.2", "12345678"))
	token, err = s.Load("10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, "12345678", token)

	data, err := os.ReadFile(s.Path("10.0.0.2"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"deviceAddress":"10.0.0.2"`)
	assert.Contains(t, string(data), `"savedAt"`)

	require.NoError(t, s.Delete("10.0.0.2"))
	require.NoError(t, s.Delete("10.0.0.2"))
	token, err = s.Load("10.0.0.2")
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestFileTokenStore_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	s := NewFileTokenStore(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "samsung_tv_token_10.0.0.3.json"), []byte("{not json"), 0o600))

	_, err := s.Load("10.0.0.3")
	assert.Error(t, err)

	// A Conn treats an unreadable file as no token.
	c := NewConn("10.0.0.3", Options{Store: s, Dialer: &fakeDialer{}})
	defer c.Shutdown()
	assert.Empty(t, c.Token())
}
