package syncdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDir_PathAccessors(t *testing.T) {
	d := New("/home/.panelsync")

	assert.Equal(t, "/home/.panelsync", d.Root())
	assert.Equal(t, "/home/.panelsync/config.yaml", d.ConfigPath())
	assert.Equal(t, "/home/.panelsync/catalog.yaml", d.CatalogPath())
	assert.Equal(t, "/home/.panelsync/.env", d.EnvPath())
	assert.Equal(t, "/home/.panelsync/local", d.LocalDir())
	assert.Equal(t, "/home/.panelsync/local/energy.json", d.StatePath())
	assert.Equal(t, "/home/.panelsync/.gitignore", d.GitignorePath())
}

func TestDir_Rel(t *testing.T) {
	d := New("/home/.panelsync")

	assert.Equal(t, "local/energy.json", d.Rel(d.StatePath()))
	assert.Equal(t, "/etc/catalog.yaml", d.Rel("/etc/catalog.yaml"))
	assert.Equal(t, "/home/other.yaml", d.Rel("/home/other.yaml"))
}

func TestDir_Exists(t *testing.T) {
	tmp := t.TempDir()

	d := New(filepath.Join(tmp, "missing"))
	assert.False(t, d.Exists())

	d = New(tmp)
	assert.True(t, d.Exists())
}

func TestEnsureStructure(t *testing.T) {
	root := filepath.Join(t.TempDir(), DefaultName)
	require.NoError(t, os.Mkdir(root, 0o750))

	d := New(root)
	require.NoError(t, EnsureStructure(d))

	info, err := os.Stat(d.LocalDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	data, err := os.ReadFile(d.GitignorePath())
	require.NoError(t, err)
	assert.Equal(t, "local/\n.env\n", string(data))
}

func TestEnsureStructure_Idempotent(t *testing.T) {
	root := filepath.Join(t.TempDir(), DefaultName)
	require.NoError(t, os.Mkdir(root, 0o750))

	d := New(root)
	require.NoError(t, os.WriteFile(d.GitignorePath(), []byte("custom\n"), 0o600))

	require.NoError(t, EnsureStructure(d))
	require.NoError(t, EnsureStructure(d))

	data, err := os.ReadFile(d.GitignorePath())
	require.NoError(t, err)
	assert.Equal(t, "custom\n", string(data), "existing .gitignore is preserved")
}

func TestBootstrap(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), DefaultName))

	require.NoError(t, Bootstrap(d, []byte("cloud: {}\n"), []byte("devices: []\n"), false))
	assert.True(t, d.Exists())

	data, err := os.ReadFile(d.ConfigPath())
	require.NoError(t, err)
	assert.Equal(t, "cloud: {}\n", string(data))

	// A second run without overwrite keeps the files.
	require.NoError(t, Bootstrap(d, []byte("changed\n"), nil, false))
	data, err = os.ReadFile(d.ConfigPath())
	require.NoError(t, err)
	assert.Equal(t, "cloud: {}\n", string(data))

	require.NoError(t, Bootstrap(d, []byte("changed\n"), nil, true))
	data, err = os.ReadFile(d.ConfigPath())
	require.NoError(t, err)
	assert.Equal(t, "changed\n", string(data))

	data, err = os.ReadFile(d.CatalogPath())
	require.NoError(t, err)
	assert.Equal(t, "devices: []\n", string(data))
}

func TestMigrateState(t *testing.T) {
	d := New(t.TempDir())
	old := filepath.Join(d.Root(), "energy.json")
	require.NoError(t, os.WriteFile(old, []byte(`{"version":1}`), 0o600))

	require.NoError(t, MigrateState(d))

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(d.StatePath())
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1}`, string(data))
}

func TestMigrateState_NoOp(t *testing.T) {
	d := New(t.TempDir())
	require.NoError(t, MigrateState(d))

	// An existing new file wins.
	require.NoError(t, os.MkdirAll(d.LocalDir(), 0o750))
	require.NoError(t, os.WriteFile(d.StatePath(), []byte("new"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(d.Root(), "energy.json"), []byte("old"), 0o600))

	require.NoError(t, MigrateState(d))

	data, err := os.ReadFile(d.StatePath())
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}
