// Package catalog resolves bounded batches of product images from a media
// directory laid out as one subdirectory per tier with an optional curated
// subdirectory.
package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"path"
	"sort"
	"strings"
)

// ErrNoMedia is returned when a tier has no usable media.
var ErrNoMedia = errors.New("catalog: no media for tier")

// DefaultExtensions is the image extension allow-list.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}

// Item is one catalog image.
type Item struct {
	Name     string
	Path     string
	MimeType string
}

// Batch is the result of resolving a tier.
type Batch struct {
	Items []Item
	// Total counts every eligible item of the tier, curated ones included.
	Total int
	// HasMore reports whether the tier holds more items than the limit.
	HasMore bool
}

// Catalog reads tier directories from a filesystem.
type Catalog struct {
	fsys       fs.FS
	topDir     string
	extensions map[string]bool
}

// New creates a Catalog over fsys. topDir names the curated subdirectory
// inside each tier; extensions defaults to DefaultExtensions.
func New(fsys fs.FS, topDir string, extensions []string) *Catalog {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}
	return &Catalog{fsys: fsys, topDir: topDir, extensions: allowed}
}

// Resolve returns at most limit items of tier, preferring the curated
// subdirectory. It returns ErrNoMedia when neither the tier directory nor its
// curated subdirectory holds an eligible file.
func (c *Catalog) Resolve(tier string, limit int) (Batch, error) {
	var top []Item
	if c.topDir != "" {
		var err error
		top, err = c.list(path.Join(tier, c.topDir))
		if err != nil {
			return Batch{}, err
		}
	}
	all, err := c.list(tier)
	if err != nil {
		return Batch{}, err
	}
	total := len(top) + len(all)
	if total == 0 {
		return Batch{}, ErrNoMedia
	}

	items := top
	if len(items) == 0 {
		items = all
	}
	if len(items) > limit {
		items = items[:limit]
	}

	return Batch{
		Items:   items,
		Total:   total,
		HasMore: total > limit,
	}, nil
}

// Open reads the bytes of item.
func (c *Catalog) Open(item Item) ([]byte, error) {
	data, err := fs.ReadFile(c.fsys, item.Path)
	if err != nil {
		return nil, fmt.Errorf("read catalog item %s: %w", item.Path, err)
	}
	return data, nil
}

// list returns the eligible files directly inside dir sorted by name. A
// missing directory yields an empty list.
func (c *Catalog) list(dir string) ([]Item, error) {
	entries, err := fs.ReadDir(c.fsys, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog dir %s: %w", dir, err)
	}

	var items []Item
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(path.Ext(entry.Name()))
		if !c.extensions[ext] {
			continue
		}
		items = append(items, Item{
			Name:     entry.Name(),
			Path:     path.Join(dir, entry.Name()),
			MimeType: mimeFor(ext),
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func mimeFor(ext string) string {
	if ext == ".jpg" || ext == ".jpeg" {
		return "image/jpeg"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
