// Package memory is the markdown knowledge store shared by agents.
// Entries live as YAML front matter + markdown files under a memory
// directory; deletion moves entries into an archive subdirectory so
// they stay searchable and restorable.
package memory

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terraphim/agentmux/internal/fsutil"
)

// ErrEntryNotFound is returned for unknown keys.
var ErrEntryNotFound = errors.New("memory entry not found")

const frontMatterDelim = "---\n"

// Entry is one stored memory record.
type Entry struct {
	Key       string    `yaml:"key" json:"key"`
	Tags      []string  `yaml:"tags,omitempty" json:"tags,omitempty"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
	Content   string    `yaml:"-" json:"content"`
}

// Store manages one memory directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) archiveDir() string {
	return filepath.Join(s.dir, "archive")
}

func (s *Store) pathFor(dir, key string) string {
	return filepath.Join(dir, fsutil.SanitizeName(key)+".md")
}

// Save writes or overwrites an entry.
func (s *Store) Save(key, content string, tags []string) (*Entry, error) {
	if key == "" {
		return nil, errors.New("memory key required")
	}
	if err := fsutil.EnsureDir(s.dir); err != nil {
		return nil, err
	}

	now := time.Now()
	entry := &Entry{Key: key, Tags: tags, CreatedAt: now, UpdatedAt: now, Content: content}
	if prev, err := s.Get(key); err == nil {
		entry.CreatedAt = prev.CreatedAt
	}

	data, err := encode(entry)
	if err != nil {
		return nil, err
	}
	if err := fsutil.AtomicWriteFile(s.pathFor(s.dir, key), data, 0o644); err != nil {
		return nil, err
	}
	return entry, nil
}

func encode(e *Entry) ([]byte, error) {
	front, err := yaml.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("serialize memory entry: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(frontMatterDelim)
	buf.Write(front)
	buf.WriteString(frontMatterDelim)
	buf.WriteString("\n")
	buf.WriteString(e.Content)
	if !strings.HasSuffix(e.Content, "\n") {
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (*Entry, error) {
	rest, ok := bytes.CutPrefix(data, []byte(frontMatterDelim))
	if !ok {
		return nil, errors.New("memory entry missing front matter")
	}
	idx := bytes.Index(rest, []byte("\n"+frontMatterDelim))
	if idx < 0 {
		return nil, errors.New("memory entry front matter not terminated")
	}
	var e Entry
	if err := yaml.Unmarshal(rest[:idx+1], &e); err != nil {
		return nil, fmt.Errorf("parse memory entry: %w", err)
	}
	body := rest[idx+1+len(frontMatterDelim):]
	e.Content = strings.TrimSuffix(strings.TrimPrefix(string(body), "\n"), "\n")
	return &e, nil
}

func (s *Store) getFrom(dir, key string) (*Entry, error) {
	data, err := os.ReadFile(s.pathFor(dir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, key)
		}
		return nil, fmt.Errorf("read memory entry: %w", err)
	}
	return decode(data)
}

// Get returns one entry by key.
func (s *Store) Get(key string) (*Entry, error) {
	return s.getFrom(s.dir, key)
}

func listDir(dir string) ([]*Entry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read memory dir: %w", err)
	}
	var out []*Entry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			continue
		}
		e, err := decode(data)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// List returns every live entry sorted by key.
func (s *Store) List() ([]*Entry, error) {
	return listDir(s.dir)
}

// Delete moves an entry to the archive.
func (s *Store) Delete(key string) error {
	src := s.pathFor(s.dir, key)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrEntryNotFound, key)
		}
		return err
	}
	if err := fsutil.EnsureDir(s.archiveDir()); err != nil {
		return err
	}
	return os.Rename(src, s.pathFor(s.archiveDir(), key))
}

// ListArchive returns archived entries sorted by key.
func (s *Store) ListArchive() ([]*Entry, error) {
	return listDir(s.archiveDir())
}

// SearchArchive returns archived entries whose key or content contains
// the query (case-insensitive).
func (s *Store) SearchArchive(query string) ([]*Entry, error) {
	entries, err := s.ListArchive()
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var out []*Entry
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Key), q) || strings.Contains(strings.ToLower(e.Content), q) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Restore moves an archived entry back into the live set.
func (s *Store) Restore(key string) error {
	src := s.pathFor(s.archiveDir(), key)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s (archive)", ErrEntryNotFound, key)
		}
		return err
	}
	if err := fsutil.EnsureDir(s.dir); err != nil {
		return err
	}
	return os.Rename(src, s.pathFor(s.dir, key))
}

// Summary aggregates entry counts for quick inspection.
type Summary struct {
	Entries  int      `json:"entries"`
	Archived int      `json:"archived"`
	Keys     []string `json:"keys"`
}

// Summarize builds a summary of the store.
func (s *Store) Summarize() (*Summary, error) {
	live, err := s.List()
	if err != nil {
		return nil, err
	}
	archived, err := s.ListArchive()
	if err != nil {
		return nil, err
	}
	sum := &Summary{Entries: len(live), Archived: len(archived)}
	for _, e := range live {
		sum.Keys = append(sum.Keys, e.Key)
	}
	return sum, nil
}
