// Package hashlist reads precomputed signals from a text file.
//
// Each non-blank line is either a bare 64-hex PDQ hash or
//
//	<signal_type>,<hex>[,key=value...]
//
// Lines starting with # are comments.
package hashlist

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/timmy/mediamatch/internal/source"
)

// DefaultSignalType is assumed for bare hash lines.
const DefaultSignalType = "pdq"

// Adapter implements source.Source over a hash list file. Items are numbered
// by line so the cursor stays valid while the file grows.
type Adapter struct {
	name    string
	path    string
	items   []source.Item
	skipped []int
	loaded  bool
}

// NewAdapter creates an adapter reading path.
func NewAdapter(name, path string) *Adapter {
	return &Adapter{name: name, path: path}
}

func (a *Adapter) GetSourceID() string    { return "hashes:" + a.name }
func (a *Adapter) GetDisplayName() string { return fmt.Sprintf("Hash list (%s)", a.path) }

// SupportsIncremental returns true; appended lines are read on the next run.
func (a *Adapter) SupportsIncremental() bool { return true }

// FetchBatch returns the next batch of parsed lines.
func (a *Adapter) FetchBatch(ctx context.Context, cursor string, limit int) ([]source.Item, string, bool, error) {
	if !a.loaded {
		if err := a.load(); err != nil {
			return nil, "", false, err
		}
		a.loaded = true
	}
	return source.Page(a.items, cursor, limit)
}

// Skipped returns the line numbers that could not be parsed.
func (a *Adapter) Skipped() []int {
	return a.skipped
}

func (a *Adapter) load() error {
	f, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("failed to open hash list: %w", err)
	}
	defer f.Close()

	a.items = nil
	a.skipped = nil
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		item, ok := ParseLine(line)
		if !ok {
			a.skipped = append(a.skipped, lineNo)
			continue
		}
		item.SourceID = "line:" + strconv.Itoa(lineNo)
		item.Metadata["source_line"] = strconv.Itoa(lineNo)
		a.items = append(a.items, item)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading hash list: %w", err)
	}
	return nil
}

// ParseLine parses one hash list line. Only the syntax is checked here;
// signal values are validated by the loader's codec.
func ParseLine(line string) (source.Item, bool) {
	fields := strings.Split(line, ",")
	item := source.Item{Signals: map[string]string{}, Metadata: map[string]string{}}

	if len(fields) == 1 {
		if len(line) != 64 {
			return item, false
		}
		item.Signals[DefaultSignalType] = line
		return item, true
	}

	signalType := strings.ToLower(strings.TrimSpace(fields[0]))
	value := strings.TrimSpace(fields[1])
	if signalType == "" || value == "" {
		return item, false
	}
	item.Signals[signalType] = value
	for _, kv := range fields[2:] {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return item, false
		}
		item.Metadata[k] = strings.TrimSpace(v)
	}
	return item, true
}
