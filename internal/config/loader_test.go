package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestEntries(t *testing.T) string {
	tmpDir := t.TempDir()

	entries := `entries:
  - id: prusa
    name: Prusa
    url: http://octopi.local
    username: alice
    api_key: key1
  - url: https://ender.example.com/octoprint
    revoke_api_key: true
`
	path := filepath.Join(tmpDir, "octoprint_psu.yaml")
	err := os.WriteFile(path, []byte(entries), 0644)
	require.NoError(t, err)

	return path
}

func TestLoader_Load(t *testing.T) {
	path := setupTestEntries(t)
	loader := NewLoader(path, zap.NewNop())

	file, err := loader.Load()
	require.NoError(t, err)
	require.Len(t, file.Entries, 2)

	prusa := file.Entries[0]
	assert.Equal(t, "prusa", prusa.ID)
	assert.Equal(t, "Prusa", prusa.Name)
	assert.Equal(t, "http://octopi.local/", prusa.URL)
	assert.Equal(t, "alice", prusa.Username)
	assert.Equal(t, "key1", prusa.APIKey)
	assert.False(t, prusa.RevokeAPIKey)

	ender := file.Entries[1]
	assert.NotEmpty(t, ender.ID, "missing ids are generated")
	assert.Equal(t, DefaultName, ender.Name)
	assert.Equal(t, "https://ender.example.com/octoprint/", ender.URL)
	assert.True(t, ender.RevokeAPIKey)

	cfg := prusa.ClientConfig()
	assert.Equal(t, "http://octopi.local/", cfg.URL)
	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, "key1", cfg.APIKey)
}

func TestLoader_LoadMissingFile(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"), zap.NewNop())

	file, err := loader.Load()
	require.NoError(t, err)
	assert.Empty(t, file.Entries)
}

func TestLoader_LoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"broken yaml", "entries: [\n"},
		{"missing url", "entries:\n  - name: Prusa\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "entries.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			_, err := NewLoader(path, zap.NewNop()).Load()
			assert.Error(t, err)
		})
	}
}

func TestLoader_AddAndSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "entries.yaml")
	loader := NewLoader(path, zap.NewNop())

	entry, err := loader.Add(Entry{Name: "Prusa", URL: "http://octopi.local", APIKey: "key1"})
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, "http://octopi.local/", entry.URL)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	file, err := loader.Load()
	require.NoError(t, err)
	require.Len(t, file.Entries, 1)
	assert.Equal(t, entry, file.Entries[0])

	has, err := loader.HasURL("http://octopi.local")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = loader.HasURL("http://other.local/")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestLoader_AddDuplicateURL(t *testing.T) {
	path := setupTestEntries(t)
	loader := NewLoader(path, zap.NewNop())

	_, err := loader.Add(Entry{URL: "http://octopi.local/"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyConfigured))

	file, err := loader.Load()
	require.NoError(t, err)
	assert.Len(t, file.Entries, 2)
}

func TestFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		for _, key := range []string{"OCTOPRINT_PSU_CONFIG", "MQTT_BROKER", "MQTT_TOPIC_PREFIX", "API_PORT", "LOG_LEVEL"} {
			t.Setenv(key, "")
		}

		env, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, "octoprint_psu.yaml", env.EntriesPath)
		assert.Empty(t, env.MQTTBroker)
		assert.Equal(t, "octoprint_psu", env.TopicPrefix)
		assert.Equal(t, 8099, env.APIPort)
		assert.Equal(t, "info", env.LogLevel)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("OCTOPRINT_PSU_CONFIG", "/etc/psu.yaml")
		t.Setenv("MQTT_BROKER", "tcp://broker:1883")
		t.Setenv("MQTT_TOPIC_PREFIX", "printers")
		t.Setenv("API_PORT", "0")
		t.Setenv("LOG_LEVEL", "debug")

		env, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, "/etc/psu.yaml", env.EntriesPath)
		assert.Equal(t, "tcp://broker:1883", env.MQTTBroker)
		assert.Equal(t, "printers", env.TopicPrefix)
		assert.Equal(t, 0, env.APIPort)
		assert.Equal(t, "debug", env.LogLevel)
	})

	t.Run("invalid port", func(t *testing.T) {
		t.Setenv("API_PORT", "abc")
		_, err := FromEnv()
		assert.Error(t, err)
	})
}

func TestLoader_Remove(t *testing.T) {
	path := setupTestEntries(t)
	loader := NewLoader(path, zap.NewNop())

	removed, err := loader.Remove("prusa")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = loader.Remove("prusa")
	require.NoError(t, err)
	assert.False(t, removed)

	file, err := loader.Load()
	require.NoError(t, err)
	require.Len(t, file.Entries, 1)
	assert.Equal(t, "https://ender.example.com/octoprint/", file.Entries[0].URL)
}
