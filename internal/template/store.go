package template

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var (
	ErrNotFound    = errors.New("template: not found")
	ErrExists      = errors.New("template: file already exists")
	ErrInvalidName = errors.New("template: invalid file name")
)

// Store manages the template directory: named HTML resources with
// {{key}}-style placeholders, substituted only on the immediate-send path.
type Store struct {
	dir      string
	tagOpen  string
	tagClose string
	logger   *zap.SugaredLogger
}

func NewStore(dir, tagOpen, tagClose string, logger *zap.SugaredLogger) *Store {
	return &Store{dir: dir, tagOpen: tagOpen, tagClose: tagClose, logger: logger}
}

func validName(name string) bool {
	return namePattern.MatchString(name) && !strings.Contains(name, "..")
}

// List returns up to limit template names in directory order, plus the total
// count. limit <= 0 means all; callers supply their own default.
func (s *Store) List(limit int) ([]string, int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, 0, fmt.Errorf("reading template dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !validName(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	total := len(names)
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	return names, total, nil
}

func (s *Store) Read(name string) (string, error) {
	if !validName(name) {
		return "", ErrInvalidName
	}
	content, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("reading template %s: %w", name, err)
	}
	return string(content), nil
}

func (s *Store) Add(name, content string) error {
	if !validName(name) {
		return ErrInvalidName
	}
	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); err == nil {
		return ErrExists
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func (s *Store) Update(name, content string) error {
	if !validName(name) {
		return ErrInvalidName
	}
	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func (s *Store) Remove(name string) error {
	if !validName(name) {
		return ErrInvalidName
	}
	err := os.Remove(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

// Clear removes every template and returns the number removed.
func (s *Store) Clear() (int, error) {
	names, _, err := s.List(0)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, name := range names {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			s.logger.Errorw("failed to remove template", "template", name, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Render reads a template and substitutes {{key}} placeholders with the
// given values. Substitution is literal string replacement; template files
// cannot invoke anything.
func (s *Store) Render(name string, content map[string]string) (string, error) {
	tmpl, err := s.Read(name)
	if err != nil {
		return "", err
	}
	if len(content) == 0 {
		return tmpl, nil
	}
	pairs := make([]string, 0, len(content)*2)
	for key, value := range content {
		pairs = append(pairs, s.tagOpen+key+s.tagClose, value)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl), nil
}
