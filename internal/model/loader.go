package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Errors returned by model lookups and validation.
var (
	ErrUnknownSource = errors.New("unknown source")
	ErrUnknownField  = errors.New("unknown field")
	ErrUnknownView   = errors.New("unknown view")
)

// ValidationError describes an invalid model file.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid model %s: %s", e.Path, e.Message)
}

// modelFile is the on-disk layout of a model definition.
type modelFile struct {
	Name    string    `koanf:"name"`
	Sources []*Source `koanf:"sources"`
}

// Loader loads model definitions from a YAML file. Each successful Load
// returns a fresh Model with a strictly increasing Version.
type Loader struct {
	path    string
	logger  *slog.Logger
	version atomic.Int64
}

// NewLoader creates a loader for the model file at path.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Loader{path: path, logger: logger}
}

// Path returns the model file path.
func (l *Loader) Path() string {
	return l.path
}

// Load reads and validates the model file.
func (l *Loader) Load(ctx context.Context) (*Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(l.path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to read model file %s: %w", l.path, err)
	}

	var mf modelFile
	if err := k.Unmarshal("", &mf); err != nil {
		return nil, fmt.Errorf("failed to decode model file %s: %w", l.path, err)
	}

	m, err := build(l.path, mf)
	if err != nil {
		return nil, err
	}
	m.Version = l.version.Add(1)
	m.LoadedAt = time.Now().UTC()

	l.logger.Debug("model loaded", "path", l.path, "version", m.Version, "sources", len(m.Sources))
	return m, nil
}

func build(path string, mf modelFile) (*Model, error) {
	name := mf.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	seen := make(map[string]struct{}, len(mf.Sources))
	for i, s := range mf.Sources {
		if s == nil || s.Name == "" {
			return nil, &ValidationError{Path: path, Message: fmt.Sprintf("source %d has no name", i)}
		}
		key := strings.ToLower(s.Name)
		if _, dup := seen[key]; dup {
			return nil, &ValidationError{Path: path, Message: fmt.Sprintf("duplicate source %q", s.Name)}
		}
		seen[key] = struct{}{}

		if s.Table == "" {
			s.Table = s.Name
		}
		s.Table = strings.ToLower(s.Table)

		for j, v := range s.Views {
			if v.Name == "" || strings.TrimSpace(v.Query) == "" {
				return nil, &ValidationError{Path: path, Message: fmt.Sprintf("source %q view %d needs a name and a query", s.Name, j)}
			}
		}
	}

	return &Model{Name: name, Path: path, Sources: mf.Sources}, nil
}

// Stat reports the model file modification time.
func (l *Loader) Stat() (time.Time, error) {
	fi, err := os.Stat(l.path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}
