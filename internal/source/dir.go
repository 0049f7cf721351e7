package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirSource is a directory-backed content store: each immediate
// subdirectory is a content type and each regular file inside it is one
// content item. The file name is the item id and the first non-empty line
// is its title.
type DirSource struct {
	root string
}

// NewDirSource creates a DirSource rooted at dir.
func NewDirSource(dir string) (*DirSource, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("content root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("content root %s is not a directory", dir)
	}
	return &DirSource{root: dir}, nil
}

// Root returns the content root directory.
func (s *DirSource) Root() string {
	return s.root
}

// Types lists the content types (immediate subdirectories).
func (s *DirSource) Types(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list content types: %w", err)
	}

	var types []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			types = append(types, e.Name())
		}
	}
	sort.Strings(types)
	return types, nil
}

// FetchBatch returns current snapshots for the given ids in one pass.
// Missing ids are omitted, not errors: a delete may have raced the fetch.
func (s *DirSource) FetchBatch(ctx context.Context, contentType string, ids []string) ([]ContentItem, error) {
	items := make([]ContentItem, 0, len(ids))
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		item, err := s.readItem(contentType, id)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Scan returns a snapshot of all items, optionally filtered by type.
func (s *DirSource) Scan(ctx context.Context, typeFilter string) ([]ContentItem, error) {
	types, err := s.Types(ctx)
	if err != nil {
		return nil, err
	}

	var items []ContentItem
	for _, typ := range types {
		if typeFilter != "" && typ != typeFilter {
			continue
		}

		entries, err := os.ReadDir(filepath.Join(s.root, typ))
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", typ, err)
		}

		for _, e := range entries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}

			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			item, err := s.readItem(typ, e.Name())
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, err
			}
			items = append(items, item)
		}
	}
	return items, nil
}

// readItem loads one file as a ContentItem.
func (s *DirSource) readItem(contentType, id string) (ContentItem, error) {
	data, err := os.ReadFile(filepath.Join(s.root, contentType, id))
	if err != nil {
		return ContentItem{}, err
	}

	content := string(data)
	return ContentItem{
		Type:    contentType,
		ID:      id,
		Title:   firstLine(content),
		Content: content,
	}, nil
}

// firstLine returns the first non-empty line, trimmed.
func firstLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
