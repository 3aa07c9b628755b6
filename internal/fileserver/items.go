package fileserver

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Item types reported to clients.
const (
	TypeFile   = "file"
	TypeFolder = "folder"
)

// FileItem describes one entry of a shared folder.
type FileItem struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Type      string    `json:"type"`
	Size      int64     `json:"size"`
	SizeHuman string    `json:"sizeHuman,omitempty"`
	Modified  time.Time `json:"modified"`
}

func newItem(rel string, info fs.FileInfo) FileItem {
	item := FileItem{
		Name:     info.Name(),
		Path:     rel,
		Type:     TypeFile,
		Modified: info.ModTime().UTC(),
	}
	if info.IsDir() {
		item.Type = TypeFolder
		return item
	}
	item.Size = info.Size()
	item.SizeHuman = humanize.IBytes(uint64(info.Size()))
	return item
}

// listDir returns the entries of dir, folders first then by name.
func listDir(full, rel string) ([]FileItem, error) {
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	items := make([]FileItem, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, newItem(joinRel(rel, e.Name()), info))
	}
	sortItems(items)
	return items, nil
}

func sortItems(items []FileItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Type != items[j].Type {
			return items[i].Type == TypeFolder
		}
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})
}

const (
	searchMaxDepth   = 10
	searchMaxResults = 500
)

// search walks full up to searchMaxDepth levels deep collecting entries whose
// name contains query, case-insensitively.
func search(full, rel, query string) []FileItem {
	q := strings.ToLower(query)
	var out []FileItem
	_ = filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if p == full {
			return nil
		}
		sub, err := filepath.Rel(full, p)
		if err != nil {
			return nil
		}
		sub = filepath.ToSlash(sub)
		depth := strings.Count(sub, "/") + 1
		if d.IsDir() && depth >= searchMaxDepth {
			if strings.Contains(strings.ToLower(d.Name()), q) {
				if info, err := d.Info(); err == nil {
					out = append(out, newItem(joinRel(rel, sub), info))
				}
			}
			return filepath.SkipDir
		}
		if !strings.Contains(strings.ToLower(d.Name()), q) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, newItem(joinRel(rel, sub), info))
		if len(out) >= searchMaxResults {
			return filepath.SkipAll
		}
		return nil
	})
	sortItems(out)
	return out
}
