// Package skills loads skill manifests from a directory and exposes a
// snapshot of them for session entries. Each skill lives in its own
// subdirectory with a skill.json manifest validated against SkillSchema;
// changes on disk are picked up by a debounced watcher.
package skills

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// Skill is one loaded manifest.
type Skill struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	Triggers     []string `json:"triggers,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

// Loader scans a skills directory and validates manifests.
type Loader struct {
	dir          string
	logger       zerolog.Logger
	schemaLoader gojsonschema.JSONLoader

	mu     sync.RWMutex
	skills map[string]Skill
}

// NewLoader creates a loader over dir and performs an initial scan. A
// missing directory yields an empty skill set, not an error.
func NewLoader(dir string, logger zerolog.Logger) (*Loader, error) {
	l := &Loader{
		dir:          dir,
		logger:       logger.With().Str("component", "skills-loader").Logger(),
		schemaLoader: gojsonschema.NewStringLoader(SkillSchema),
		skills:       make(map[string]Skill),
	}

	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload rescans the skills directory. Invalid manifests are skipped with a
// warning; they never poison the rest of the set.
func (l *Loader) Reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.mu.Lock()
			l.skills = make(map[string]Skill)
			l.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read skills directory: %w", err)
	}

	loaded := make(map[string]Skill)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		manifestPath := filepath.Join(l.dir, entry.Name(), "skill.json")
		skill, err := l.loadManifest(manifestPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			l.logger.Warn().Str("path", manifestPath).Err(err).Msg("Skipping invalid skill manifest")
			continue
		}

		if skill.Name != entry.Name() {
			l.logger.Warn().
				Str("dir", entry.Name()).
				Str("name", skill.Name).
				Msg("Skipping skill whose name does not match its directory")
			continue
		}

		loaded[skill.Name] = *skill
	}

	l.mu.Lock()
	l.skills = loaded
	l.mu.Unlock()

	l.logger.Info().Int("skills", len(loaded)).Msg("Skills loaded")
	return nil
}

func (l *Loader) loadManifest(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := l.validateSchema(data); err != nil {
		return nil, err
	}

	var skill Skill
	if err := json.Unmarshal(data, &skill); err != nil {
		return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
	}
	return &skill, nil
}

func (l *Loader) validateSchema(data []byte) error {
	documentLoader := gojsonschema.NewBytesLoader(data)
	result, err := gojsonschema.Validate(l.schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var errMsg string
		for i, err := range result.Errors() {
			if i > 0 {
				errMsg += "; "
			}
			errMsg += err.String()
		}
		return fmt.Errorf("schema validation errors: %s", errMsg)
	}
	return nil
}

// List returns the loaded skills sorted by name.
func (l *Loader) List() []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Skill, 0, len(l.skills))
	for _, s := range l.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one skill by name.
func (l *Loader) Get(name string) (Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.skills[name]
	return s, ok
}

// Snapshot serializes the current skill set for embedding in a session
// entry. The session and compaction layers treat it as opaque.
func (l *Loader) Snapshot() (json.RawMessage, error) {
	list := l.List()
	if len(list) == 0 {
		return nil, nil
	}

	data, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal skills snapshot: %w", err)
	}
	return data, nil
}
