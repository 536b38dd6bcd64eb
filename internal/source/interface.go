package source

import (
	"context"
	"strconv"
)

// Item is one piece of content offered by a bulk-load source. Exactly one of
// Signals, LocalPath or URL is the payload, checked in that order.
type Item struct {
	SourceID    string            // Unique ID within the source
	Signals     map[string]string // Precomputed signals keyed by signal type name
	LocalPath   string            // Local media file to hash
	URL         string            // Remote media to fetch and hash
	ContentType string            // photo or video; empty lets the loader infer it
	Metadata    map[string]string // Copied onto the bank member
}

// Source defines the interface for bulk-load sources.
type Source interface {
	// GetSourceID returns the unique identifier for this source.
	// Parameters: none.
	// Returns:
	//   - string: stable source identifier.
	GetSourceID() string

	// GetDisplayName returns a human-readable name for this source.
	// Parameters: none.
	// Returns:
	//   - string: display-friendly source name.
	GetDisplayName() string

	// FetchBatch fetches a batch of items starting from the given cursor.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - cursor: pagination cursor or empty for first page.
	//   - limit: maximum number of items to fetch.
	// Returns:
	//   - items: batch of items.
	//   - nextCursor: cursor for the next batch, or the end cursor once exhausted.
	//   - done: true when no more items follow.
	//   - err: non-nil if fetching fails.
	FetchBatch(ctx context.Context, cursor string, limit int) (items []Item, nextCursor string, done bool, err error)

	// SupportsIncremental returns true if items appended later are picked
	// up by resuming from a saved cursor.
	SupportsIncremental() bool
}

// Page slices a fully loaded item list by an index cursor.
func Page(items []Item, cursor string, limit int) ([]Item, string, bool, error) {
	start := 0
	if cursor != "" {
		var err error
		start, err = strconv.Atoi(cursor)
		if err != nil || start < 0 {
			return nil, "", false, &CursorError{Cursor: cursor}
		}
	}
	if limit <= 0 {
		limit = len(items)
	}
	if start >= len(items) {
		return []Item{}, strconv.Itoa(len(items)), true, nil
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end], strconv.Itoa(end), end == len(items), nil
}

// CursorError reports a cursor the source cannot resume from.
type CursorError struct {
	Cursor string
}

func (e *CursorError) Error() string {
	return "invalid cursor " + strconv.Quote(e.Cursor)
}
