package manifest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/timmy/mediamatch/internal/source"
)

const (
	// ManifestFileName is the JSONL manifest looked up when the path is a directory.
	ManifestFileName = "manifest.jsonl"
	// MediaDir holds files referenced by relative filenames.
	MediaDir = "media"
)

// Entry represents a line in the manifest file.
type Entry struct {
	ID          string            `json:"id"`
	Filename    string            `json:"filename,omitempty"`
	URL         string            `json:"url,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Signals     map[string]string `json:"signals,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Adapter implements source.Source for a JSON Lines manifest. Entries keep
// file order, so appended lines are picked up from a saved cursor.
type Adapter struct {
	name    string
	path    string
	items   []source.Item
	invalid int
	loaded  bool
}

// NewAdapter creates a new manifest adapter.
// Parameters:
//   - name: configured source name.
//   - path: manifest file, or a directory containing manifest.jsonl.
// Returns:
//   - *Adapter: initialized manifest adapter.
func NewAdapter(name, path string) *Adapter {
	return &Adapter{name: name, path: path}
}

// GetSourceID returns the unique identifier for this source.
func (a *Adapter) GetSourceID() string {
	return "manifest:" + a.name
}

// GetDisplayName returns a human-readable name for this source.
func (a *Adapter) GetDisplayName() string {
	return fmt.Sprintf("Manifest (%s)", a.path)
}

// SupportsIncremental returns true: the cursor is a line position.
func (a *Adapter) SupportsIncremental() bool {
	return true
}

// FetchBatch fetches a batch of manifest entries.
// Parameters:
//   - ctx: context for cancellation and deadlines (unused for local reads).
//   - cursor: pagination cursor as an index string.
//   - limit: maximum number of items to fetch.
// Returns:
//   - []source.Item: batch of items.
//   - string: next cursor.
//   - bool: true once the manifest is exhausted.
//   - error: non-nil if loading or parsing fails.
func (a *Adapter) FetchBatch(ctx context.Context, cursor string, limit int) ([]source.Item, string, bool, error) {
	if !a.loaded {
		if err := a.loadItems(); err != nil {
			return nil, "", false, fmt.Errorf("failed to load manifest: %w", err)
		}
		a.loaded = true
	}
	return source.Page(a.items, cursor, limit)
}

// Invalid returns the number of malformed lines skipped.
func (a *Adapter) Invalid() int {
	return a.invalid
}

func (a *Adapter) manifestPath() (string, string, error) {
	info, err := os.Stat(a.path)
	if err != nil {
		return "", "", fmt.Errorf("manifest not found: %w", err)
	}
	if info.IsDir() {
		return filepath.Join(a.path, ManifestFileName), a.path, nil
	}
	return a.path, filepath.Dir(a.path), nil
}

// loadItems loads all items from the manifest file
func (a *Adapter) loadItems() error {
	manifestPath, baseDir, err := a.manifestPath()
	if err != nil {
		return err
	}
	file, err := os.Open(manifestPath)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()

	a.items = []source.Item{}
	a.invalid = 0

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil || entry.ID == "" {
			a.invalid++
			continue
		}

		item := source.Item{
			SourceID:    entry.ID,
			Signals:     entry.Signals,
			URL:         entry.URL,
			ContentType: entry.ContentType,
			Metadata:    entry.Metadata,
		}
		if entry.Filename != "" {
			item.LocalPath = filepath.Join(baseDir, MediaDir, filepath.Clean(entry.Filename))
		}
		if len(item.Signals) == 0 && item.LocalPath == "" && item.URL == "" {
			a.invalid++
			continue
		}
		if item.Metadata == nil {
			item.Metadata = map[string]string{}
		}
		item.Metadata["source_id"] = entry.ID

		a.items = append(a.items, item)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading manifest: %w", err)
	}
	return nil
}
