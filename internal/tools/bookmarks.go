package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Bookmark is a saved reference with searchable metadata
type Bookmark struct {
	Title   string    `json:"title"`
	URL     string    `json:"url"`
	Tags    []string  `json:"tags,omitempty"`
	Notes   string    `json:"notes,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

// BookmarkStore persists bookmarks as a JSON file
type BookmarkStore struct {
	mu   sync.RWMutex
	path string
}

func NewBookmarkStore(path string) *BookmarkStore {
	return &BookmarkStore{path: path}
}

// DefaultBookmarkStore uses ~/.skein/bookmarks.json
func DefaultBookmarkStore() (*BookmarkStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	return NewBookmarkStore(filepath.Join(home, ".skein", "bookmarks.json")), nil
}

func (s *BookmarkStore) load() ([]Bookmark, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read bookmarks: %w", err)
	}

	var bookmarks []Bookmark
	if err := json.Unmarshal(data, &bookmarks); err != nil {
		return nil, fmt.Errorf("parse bookmarks: %w", err)
	}
	return bookmarks, nil
}

func (s *BookmarkStore) Add(b Bookmark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bookmarks, err := s.load()
	if err != nil {
		return err
	}

	if b.AddedAt.IsZero() {
		b.AddedAt = time.Now()
	}
	bookmarks = append(bookmarks, b)

	data, err := json.MarshalIndent(bookmarks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bookmarks: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create bookmarks dir: %w", err)
	}
	return os.WriteFile(s.path, data, 0644)
}

// Search matches query case-insensitively against title, URL, tags and notes
func (s *BookmarkStore) Search(query string) ([]Bookmark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bookmarks, err := s.load()
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(query)
	var matches []Bookmark
	for _, b := range bookmarks {
		if strings.Contains(strings.ToLower(b.Title), q) ||
			strings.Contains(strings.ToLower(b.URL), q) ||
			strings.Contains(strings.ToLower(b.Notes), q) {
			matches = append(matches, b)
			continue
		}
		for _, tag := range b.Tags {
			if strings.Contains(strings.ToLower(tag), q) {
				matches = append(matches, b)
				break
			}
		}
	}

	return matches, nil
}

func (e *NativeExecutor) SearchBookmarks(args json.RawMessage) (string, error) {
	if e.bookmarks == nil {
		return "", fmt.Errorf("bookmark store is not configured")
	}

	var payload struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if payload.Query == "" {
		return "", fmt.Errorf("query is required")
	}

	matches, err := e.bookmarks.Search(payload.Query)
	if err != nil {
		return "", fmt.Errorf("bookmark search failed: %w", err)
	}

	if len(matches) == 0 {
		return "No matching bookmarks.", nil
	}

	var sb strings.Builder
	for _, b := range matches {
		sb.WriteString(fmt.Sprintf("- %s (%s)", b.Title, b.URL))
		if len(b.Tags) > 0 {
			sb.WriteString(" [" + strings.Join(b.Tags, ", ") + "]")
		}
		sb.WriteString("\n")
		if b.Notes != "" {
			sb.WriteString("  " + b.Notes + "\n")
		}
	}

	return sb.String(), nil
}
