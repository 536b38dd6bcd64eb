package mediadir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/timmy/mediamatch/internal/source"
)

// Adapter implements source.Source for a directory tree of media files.
type Adapter struct {
	name     string
	rootPath string
	items    []source.Item // Cached items
	loaded   bool
}

// NewAdapter creates a new media directory adapter
func NewAdapter(name, rootPath string) *Adapter {
	return &Adapter{
		name:     name,
		rootPath: rootPath,
	}
}

// GetSourceID returns the unique identifier for this source
func (a *Adapter) GetSourceID() string {
	return "media:" + a.name
}

// GetDisplayName returns a human-readable name for this source
func (a *Adapter) GetDisplayName() string {
	return fmt.Sprintf("Media directory (%s)", a.rootPath)
}

// SupportsIncremental returns false: the walk order is by path, so files
// added later can sort before the saved cursor.
func (a *Adapter) SupportsIncremental() bool {
	return false
}

// FetchBatch fetches a batch of media items
func (a *Adapter) FetchBatch(ctx context.Context, cursor string, limit int) ([]source.Item, string, bool, error) {
	if !a.loaded {
		if err := a.loadItems(ctx); err != nil {
			return nil, "", false, fmt.Errorf("failed to load items: %w", err)
		}
		a.loaded = true
	}
	return source.Page(a.items, cursor, limit)
}

// ContentTypeForExt maps a file extension to photo or video; empty for
// files that are not media.
func ContentTypeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tif", ".tiff":
		return "photo"
	case ".mp4", ".mov", ".m4v", ".mkv", ".webm", ".avi":
		return "video"
	}
	return ""
}

// loadItems scans the directory and loads all media items
func (a *Adapter) loadItems(ctx context.Context) error {
	if _, err := os.Stat(a.rootPath); os.IsNotExist(err) {
		return fmt.Errorf("media path does not exist: %s", a.rootPath)
	}

	a.items = []source.Item{}
	err := filepath.Walk(a.rootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		name := info.Name()
		if info.IsDir() {
			if path != a.rootPath && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}

		contentType := ContentTypeForExt(filepath.Ext(name))
		if contentType == "" {
			return nil
		}

		relPath, _ := filepath.Rel(a.rootPath, path)
		relPath = filepath.ToSlash(relPath)
		metadata := map[string]string{"path": relPath}
		if dir := filepath.Dir(relPath); dir != "." {
			metadata["category"] = dir
		}

		a.items = append(a.items, source.Item{
			SourceID:    relPath,
			LocalPath:   path,
			ContentType: contentType,
			Metadata:    metadata,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk media directory: %w", err)
	}

	// Sort items by source ID for consistent ordering
	sort.Slice(a.items, func(i, j int) bool {
		return a.items[i].SourceID < a.items[j].SourceID
	})
	return nil
}

// GetTotalCount returns the total number of items
func (a *Adapter) GetTotalCount(ctx context.Context) (int, error) {
	if !a.loaded {
		if err := a.loadItems(ctx); err != nil {
			return 0, err
		}
		a.loaded = true
	}
	return len(a.items), nil
}
