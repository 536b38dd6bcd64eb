package signal

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/timmy/mediamatch/internal/domain"
)

// Name is the stable string key of a signal type.
type Name string

const (
	PDQ      Name = "pdq"
	VideoMD5 Name = "video_md5"
)

// ContentType is a class of media a signal type can be computed from.
type ContentType string

const (
	Photo ContentType = "photo"
	Video ContentType = "video"
)

// ParseContentType accepts a content type name in either case.
func ParseContentType(s string) (ContentType, error) {
	switch ContentType(strings.ToLower(strings.TrimSpace(s))) {
	case Photo:
		return Photo, nil
	case Video:
		return Video, nil
	}
	return "", fmt.Errorf("%w: unknown content type %q", domain.ErrFormat, s)
}

// Fingerprint is a code produced by a signal type, with a quality in [0, 100].
type Fingerprint struct {
	Type    Name
	Code    []byte
	Quality int
}

// Capabilities describes one signal type. Parse and Format are required.
// HashBytes is nil for types that cannot be computed from raw content.
type Capabilities struct {
	Name Name
	// ID is the numeric identifier written into index artifacts.
	ID               uint16
	ContentTypes     []ContentType
	CodeBits         int
	Partitions       int
	DefaultThreshold int

	Parse     func(s string) ([]byte, error)
	Format    func(code []byte) string
	HashBytes func(data []byte) (Fingerprint, error)
	Examples  []string
}

// CodeBytes returns the encoded code size.
func (c *Capabilities) CodeBytes() int {
	return c.CodeBits / 8
}

// SubKeyBits returns the width of one index partition.
func (c *Capabilities) SubKeyBits() int {
	return c.CodeBits / c.Partitions
}

// Compare returns the Hamming distance between two signals in text form.
func (c *Capabilities) Compare(a, b string) (int, error) {
	ca, err := c.Parse(a)
	if err != nil {
		return 0, err
	}
	cb, err := c.Parse(b)
	if err != nil {
		return 0, err
	}
	return HammingBytes(ca, cb)
}

// Canonical parses s and returns its canonical text form.
func (c *Capabilities) Canonical(s string) (string, error) {
	code, err := c.Parse(s)
	if err != nil {
		return "", err
	}
	return c.Format(code), nil
}

// Applies reports whether the type can be computed from the content type.
func (c *Capabilities) Applies(ct ContentType) bool {
	for _, t := range c.ContentTypes {
		if t == ct {
			return true
		}
	}
	return false
}

// Registry maps signal type names to their capabilities. Types are
// registered once at start-up; lookups are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[Name]*Capabilities
	ids   map[uint16]Name
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types: make(map[Name]*Capabilities),
		ids:   make(map[uint16]Name),
	}
}

// DefaultRegistry returns a registry holding pdq and video_md5.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	hasher := NewPDQHasher()
	for _, c := range []*Capabilities{PDQCapabilities(hasher), VideoMD5Capabilities()} {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a signal type. Names and IDs must be unique.
func (r *Registry) Register(c *Capabilities) error {
	if c.Name == "" || c.Parse == nil || c.Format == nil {
		return fmt.Errorf("%w: signal type needs a name, Parse and Format", domain.ErrFormat)
	}
	if c.CodeBits <= 0 || c.CodeBits%8 != 0 || c.Partitions <= 0 || c.CodeBits%c.Partitions != 0 {
		return fmt.Errorf("%w: signal type %s has invalid code layout", domain.ErrFormat, c.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[c.Name]; ok {
		return fmt.Errorf("signal type %s: %w", c.Name, domain.ErrAlreadyExists)
	}
	if other, ok := r.ids[c.ID]; ok {
		return fmt.Errorf("signal type id %d used by %s: %w", c.ID, other, domain.ErrAlreadyExists)
	}
	r.types[c.Name] = c
	r.ids[c.ID] = c.Name
	return nil
}

// Get returns the capabilities of a signal type.
func (r *Registry) Get(name Name) (*Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.types[name]
	return c, ok
}

// Lookup is Get with a FormatError for unknown names.
func (r *Registry) Lookup(name string) (*Capabilities, error) {
	c, ok := r.Get(Name(strings.ToLower(name)))
	if !ok {
		return nil, fmt.Errorf("%w: unknown signal type %q", domain.ErrFormat, name)
	}
	return c, nil
}

// All returns every registered type ordered by name.
func (r *Registry) All() []*Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Capabilities, 0, len(r.types))
	for _, c := range r.types {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ForContent returns the types that can be computed from ct.
func (r *Registry) ForContent(ct ContentType) []*Capabilities {
	var out []*Capabilities
	for _, c := range r.All() {
		if c.HashBytes != nil && c.Applies(ct) {
			out = append(out, c)
		}
	}
	return out
}

// PDQCapabilities describes the 256-bit PDQ photo hash.
func PDQCapabilities(hasher *PDQHasher) *Capabilities {
	return &Capabilities{
		Name:             PDQ,
		ID:               1,
		ContentTypes:     []ContentType{Photo},
		CodeBits:         256,
		Partitions:       16,
		DefaultThreshold: 31,
		Parse: func(s string) ([]byte, error) {
			h, err := ParseHash256(s)
			if err != nil {
				return nil, err
			}
			return h[:], nil
		},
		Format: func(code []byte) string {
			return hex.EncodeToString(code)
		},
		HashBytes: func(data []byte) (Fingerprint, error) {
			res, err := hasher.HashImage(data)
			if err != nil {
				return Fingerprint{}, err
			}
			return Fingerprint{Type: PDQ, Code: res.Hash.Bytes(), Quality: res.Quality}, nil
		},
		Examples: []string{
			"f8f8f0cee0f4a84f06370a22038f63f0b36e2ed596621e1d33e6b39c4e9c9b22",
		},
	}
}

// VideoMD5Capabilities describes exact matching on the MD5 of video bytes.
func VideoMD5Capabilities() *Capabilities {
	return &Capabilities{
		Name:             VideoMD5,
		ID:               2,
		ContentTypes:     []ContentType{Video},
		CodeBits:         128,
		Partitions:       8,
		DefaultThreshold: 0,
		Parse:            ParseMD5,
		Format: func(code []byte) string {
			return hex.EncodeToString(code)
		},
		HashBytes: func(data []byte) (Fingerprint, error) {
			sum := md5.Sum(data)
			return Fingerprint{Type: VideoMD5, Code: sum[:], Quality: 100}, nil
		},
		Examples: []string{"d41d8cd98f00b204e9800998ecf8427e"},
	}
}

// ParseMD5 accepts exactly 32 hex digits in either case.
func ParseMD5(s string) ([]byte, error) {
	if len(s) != 2*md5.Size {
		return nil, fmt.Errorf("%w: md5 must be 32 hex digits, got %d characters", domain.ErrFormat, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: md5: %v", domain.ErrFormat, err)
	}
	return b, nil
}
