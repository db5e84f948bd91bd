package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileItem is one entry listed by /image.
type FileItem struct {
	Name  string
	Path  string
	IsDir bool
	Size  int64
}

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
}

// browseImages lists the sub directories and image files of path.
func browseImages(path string) ([]FileItem, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	items := make([]FileItem, 0, len(entries))
	for _, entry := range entries {
		// Skip hidden files
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if !entry.IsDir() && !imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}

		item := FileItem{
			Name:  entry.Name(),
			Path:  filepath.Join(path, entry.Name()),
			IsDir: entry.IsDir(),
		}
		if !entry.IsDir() {
			if info, err := entry.Info(); err == nil {
				item.Size = info.Size()
			}
		}
		items = append(items, item)
	}

	// Sort: directories first, then files, both alphabetically
	sort.Slice(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return items[i].Name < items[j].Name
	})

	return items, nil
}

// defaultBrowsePath is where /image without an argument looks for pictures.
func defaultBrowsePath() string {
	if home, err := os.UserHomeDir(); err == nil {
		for _, dir := range []string{"Pictures", "Downloads"} {
			candidate := filepath.Join(home, dir)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
		return home
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

// formatFileSize returns a human-readable file size
func formatFileSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
