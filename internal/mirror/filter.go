package mirror

import (
	"sort"
	"strings"
)

// FolderFilter decides which remote paths are in scope for a selective sync.
// Folders are top-level path segment names; an empty selection keeps everything.
type FolderFilter struct {
	selected map[string]struct{}
}

// NewFolderFilter creates a filter for the given top-level folder names.
// Blank names are ignored.
func NewFolderFilter(folders []string) *FolderFilter {
	selected := make(map[string]struct{}, len(folders))
	for _, f := range folders {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		selected[f] = struct{}{}
	}
	return &FolderFilter{selected: selected}
}

// IsInScope reports whether remotePath belongs to a selected folder.
// The path is split on both '/' and '\' and only the first segment is compared.
func (f *FolderFilter) IsInScope(remotePath string) bool {
	if len(f.selected) == 0 {
		return true
	}
	first := FirstSegment(remotePath)
	if first == "" {
		return false
	}
	_, ok := f.selected[first]
	return ok
}

// FilterList returns the paths that are in scope, preserving order.
func (f *FolderFilter) FilterList(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if f.IsInScope(p) {
			out = append(out, p)
		}
	}
	return out
}

// FilterFiles returns the listing entries that are in scope, preserving order.
func (f *FolderFilter) FilterFiles(files []RemoteFile) []RemoteFile {
	out := make([]RemoteFile, 0, len(files))
	for _, file := range files {
		if f.IsInScope(file.Path) {
			out = append(out, file)
		}
	}
	return out
}

// Selected returns the selected folder names in lexical order.
func (f *FolderFilter) Selected() []string {
	names := make([]string, 0, len(f.selected))
	for name := range f.selected {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FirstSegment returns the part of p before the first '/' or '\'.
func FirstSegment(p string) string {
	if i := strings.IndexAny(p, `/\`); i >= 0 {
		return p[:i]
	}
	return p
}
