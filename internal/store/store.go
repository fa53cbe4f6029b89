// Package store reads and writes the prd.json work queue: an ordered list
// of user stories, each carrying a monotonic pass flag. The coordinator is
// the only writer in parallel mode; workers operate on per-worktree copies.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tidwall/sjson"
)

// DefaultPriority is the sentinel for stories without an explicit priority:
// lowest priority, processed last.
const DefaultPriority = 999

// Story is one unit of work from the PRD.
type Story struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	Priority           int      `json:"priority"`
	Passes             bool     `json:"passes"`
}

// Document is the prd.json root object.
type Document struct {
	Project     string  `json:"project"`
	Description string  `json:"description"`
	Stories     []Story `json:"userStories"`
}

// Store provides ordered reads and atomic completion writes over a prd.json.
// The raw document bytes are retained so completion writes can edit one
// field in place: the file is shared with workers and external producers,
// and a remarshal would reformat entries and drop fields we do not model.
type Store struct {
	path string
	mu   sync.Mutex
	doc  Document
	raw  []byte
}

// rawStory mirrors Story with a nullable priority so a missing field can be
// told apart from an explicit 0.
type rawStory struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	Priority           *int     `json:"priority"`
	Passes             bool     `json:"passes"`
}

type rawDocument struct {
	Project     string     `json:"project"`
	Description string     `json:"description"`
	Stories     []rawStory `json:"userStories"`
}

// Load reads and validates a prd.json. A malformed document, an empty story
// list, or a duplicate story id is an error — checked before any worker runs.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(raw.Stories) == 0 {
		return nil, fmt.Errorf("%s contains no user stories", path)
	}

	doc := Document{Project: raw.Project, Description: raw.Description}
	seen := make(map[string]bool, len(raw.Stories))
	for _, rs := range raw.Stories {
		if rs.ID == "" {
			return nil, fmt.Errorf("%s: story %q has no id", path, rs.Title)
		}
		if seen[rs.ID] {
			return nil, fmt.Errorf("%s: duplicate story id %s", path, rs.ID)
		}
		seen[rs.ID] = true

		prio := DefaultPriority
		if rs.Priority != nil {
			prio = *rs.Priority
		}
		doc.Stories = append(doc.Stories, Story{
			ID:                 rs.ID,
			Title:              rs.Title,
			AcceptanceCriteria: rs.AcceptanceCriteria,
			Priority:           prio,
			Passes:             rs.Passes,
		})
	}

	return &Store{path: path, doc: doc, raw: data}, nil
}

// Path returns the location of the backing document.
func (s *Store) Path() string { return s.path }

// Project returns the PRD project name.
func (s *Store) Project() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Project
}

// Incomplete returns stories with passes=false ordered by ascending priority.
// Ties keep their original document order; the ordering is advisory for
// scheduling only and implies no dependency between stories.
func (s *Store) Incomplete() []Story {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Story
	for _, st := range s.doc.Stories {
		if !st.Passes {
			out = append(out, st)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// ByID returns the story with the given id.
func (s *Store) ByID(id string) (Story, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.doc.Stories {
		if st.ID == id {
			return st, true
		}
	}
	return Story{}, false
}

// AllComplete reports whether every story passes.
func (s *Store) AllComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.doc.Stories {
		if !st.Passes {
			return false
		}
	}
	return true
}

// MarkComplete atomically sets passes=true for one story. The write edits
// only that story's passes field in the original bytes; every other byte of
// the document stays untouched, so fields the orchestrator does not model
// survive. The transition is monotonic: marking an already-passing story is
// a no-op success, so a retried completion never duplicates anything.
func (s *Store) MarkComplete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, st := range s.doc.Stories {
		if st.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("mark complete: unknown story id %s", id)
	}
	if s.doc.Stories[idx].Passes {
		return nil
	}

	updated, err := sjson.SetBytes(s.raw, fmt.Sprintf("userStories.%d.passes", idx), true)
	if err != nil {
		return fmt.Errorf("mark complete %s: %w", id, err)
	}
	if err := s.save(updated); err != nil {
		return err
	}
	s.raw = updated
	s.doc.Stories[idx].Passes = true
	return nil
}

// save writes the document via temp file + rename so readers never observe
// a partial write.
func (s *Store) save(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".prd-*.json")
	if err != nil {
		return fmt.Errorf("write prd: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write prd: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write prd: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace prd: %w", err)
	}
	return nil
}
