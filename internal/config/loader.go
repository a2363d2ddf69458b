package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"octoprintpsu/internal/octoprint"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrAlreadyConfigured is returned when adding an entry for a known url
var ErrAlreadyConfigured = errors.New("already configured")

// Entry is one configured OctoPrint instance
type Entry struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Username string `yaml:"username,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`

	// RevokeAPIKey revokes the key on the printer when the entry is removed
	RevokeAPIKey bool `yaml:"revoke_api_key,omitempty"`
}

// ClientConfig returns the connection settings of the entry
func (e Entry) ClientConfig() octoprint.Config {
	return octoprint.Config{URL: e.URL, Username: e.Username, APIKey: e.APIKey}
}

// EntriesFile represents the entries yaml structure
type EntriesFile struct {
	Entries []Entry `yaml:"entries"`
}

// Loader manages reading and writing the entries file
type Loader struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewLoader creates a loader for the entries file at path
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{
		path:   path,
		logger: logger,
	}
}

// Path returns the entries file location
func (l *Loader) Path() string {
	return l.path
}

// Load reads and validates the entries file. A missing file yields no entries.
func (l *Loader) Load() (*EntriesFile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

func (l *Loader) load() (*EntriesFile, error) {
	l.logger.Debug("Loading entries", zap.String("path", l.path))

	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		l.logger.Info("No entries file found", zap.String("path", l.path))
		return &EntriesFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entries file: %w", err)
	}

	var file EntriesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse entries file: %w", err)
	}

	for i := range file.Entries {
		if err := normalizeEntry(&file.Entries[i]); err != nil {
			return nil, fmt.Errorf("invalid entry %d: %w", i, err)
		}
	}

	l.logger.Info("Entries loaded", zap.Int("entries", len(file.Entries)))
	return &file, nil
}

// Save writes the entries file, replacing its previous content
func (l *Loader) Save(file *EntriesFile) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.save(file)
}

func (l *Loader) save(file *EntriesFile) error {
	data, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to encode entries: %w", err)
	}

	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config dir: %w", err)
		}
	}

	// Entries hold API keys
	if err := os.WriteFile(l.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write entries file: %w", err)
	}
	return nil
}

// Add appends entry and saves the file. Entries for an already configured
// url are rejected with ErrAlreadyConfigured.
func (l *Loader) Add(entry Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := normalizeEntry(&entry); err != nil {
		return Entry{}, err
	}

	file, err := l.load()
	if err != nil {
		return Entry{}, err
	}
	for _, existing := range file.Entries {
		if existing.URL == entry.URL {
			return Entry{}, fmt.Errorf("%w: %s", ErrAlreadyConfigured, entry.URL)
		}
	}

	file.Entries = append(file.Entries, entry)
	if err := l.save(file); err != nil {
		return Entry{}, err
	}

	l.logger.Info("Entry added",
		zap.String("id", entry.ID),
		zap.String("url", entry.URL))
	return entry, nil
}

// Remove deletes entry id and saves the file. It reports whether the entry
// existed.
func (l *Loader) Remove(id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := l.load()
	if err != nil {
		return false, err
	}

	kept := file.Entries[:0]
	found := false
	for _, entry := range file.Entries {
		if entry.ID == id {
			found = true
			continue
		}
		kept = append(kept, entry)
	}
	if !found {
		return false, nil
	}

	file.Entries = kept
	if err := l.save(file); err != nil {
		return false, err
	}
	l.logger.Info("Entry removed", zap.String("id", id))
	return true, nil
}

// HasURL reports whether url is already configured
func (l *Loader) HasURL(url string) (bool, error) {
	file, err := l.Load()
	if err != nil {
		return false, err
	}
	url = octoprint.NormalizeURL(url)
	for _, entry := range file.Entries {
		if entry.URL == url {
			return true, nil
		}
	}
	return false, nil
}

func normalizeEntry(entry *Entry) error {
	entry.URL = strings.TrimSpace(entry.URL)
	if entry.URL == "" {
		return fmt.Errorf("url is required")
	}
	entry.URL = octoprint.NormalizeURL(entry.URL)
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Name == "" {
		entry.Name = DefaultName
	}
	return nil
}

// DefaultName is used for entries without a printer name
const DefaultName = "OctoPrint"

// Env holds the process settings read from the environment
type Env struct {
	EntriesPath string
	MQTTBroker  string
	TopicPrefix string
	APIPort     int
	LogLevel    string
}

// FromEnv reads Env, falling back to defaults for unset variables
func FromEnv() (Env, error) {
	env := Env{
		EntriesPath: getenv("OCTOPRINT_PSU_CONFIG", "octoprint_psu.yaml"),
		MQTTBroker:  os.Getenv("MQTT_BROKER"),
		TopicPrefix: getenv("MQTT_TOPIC_PREFIX", "octoprint_psu"),
		APIPort:     8099,
		LogLevel:    getenv("LOG_LEVEL", "info"),
	}

	if port := os.Getenv("API_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p < 0 {
			return Env{}, fmt.Errorf("invalid API_PORT %q", port)
		}
		env.APIPort = p
	}
	return env, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
