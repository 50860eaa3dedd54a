package remote

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"medsync/internal/mirror"
)

// decodeCommits accepts a bare array or an object wrapping the array under
// "commits" or "data".
func decodeCommits(data []byte) ([]mirror.Commit, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding commits: %w", err)
	}

	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		for _, key := range []string{"commits", "data"} {
			if list, ok := v[key].([]any); ok {
				items = list
				break
			}
		}
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("decoding commits: unexpected %T", raw)
	}

	commits := make([]mirror.Commit, 0, len(items))
	for _, item := range items {
		if c, ok := item.(map[string]any); ok {
			commits = append(commits, c)
		}
	}
	return commits, nil
}

// listingPage is one decoded file listing response.
type listingPage struct {
	Files   []mirror.RemoteFile
	HasNext bool
}

var (
	listingPathKeys = []string{"path", "filepath", "file_path", "filePath", "server_path", "serverPath", "key", "name"}
	listingSizeKeys = []string{"size", "file_size", "fileSize", "size_bytes", "sizeBytes"}
	listingHashKeys = []string{"hash", "sha256", "md5", "checksum", "file_hash", "fileHash"}
)

// decodeListing accepts {files:[...], pagination:{has_next}} or a bare array.
// Entries are path strings or objects; unusable entries are skipped.
func decodeListing(data []byte) (listingPage, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return listingPage{}, fmt.Errorf("decoding file listing: %w", err)
	}

	var (
		page  listingPage
		items []any
	)
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		items, _ = v["files"].([]any)
		if items == nil {
			items, _ = v["data"].([]any)
		}
		if p, ok := v["pagination"].(map[string]any); ok {
			page.HasNext, _ = p["has_next"].(bool)
		}
	case nil:
		return page, nil
	default:
		return listingPage{}, fmt.Errorf("decoding file listing: unexpected %T", raw)
	}

	for _, item := range items {
		if f, ok := listingEntry(item); ok {
			page.Files = append(page.Files, f)
		}
	}
	return page, nil
}

func listingEntry(item any) (mirror.RemoteFile, bool) {
	switch v := item.(type) {
	case string:
		p := mirror.NormalizePath(v)
		return mirror.RemoteFile{Path: p, Size: mirror.SizeUnknown}, p != ""
	case map[string]any:
		var p string
		for _, key := range listingPathKeys {
			if s, ok := v[key].(string); ok && strings.TrimSpace(s) != "" {
				p = mirror.NormalizePath(s)
				break
			}
		}
		if p == "" {
			return mirror.RemoteFile{}, false
		}
		f := mirror.RemoteFile{Path: p, Size: mirror.SizeUnknown}
		for _, key := range listingSizeKeys {
			if n, ok := sizeValue(v[key]); ok {
				f.Size = n
				break
			}
		}
		for _, key := range listingHashKeys {
			if s, ok := v[key].(string); ok && s != "" {
				f.Hash = strings.ToLower(strings.TrimSpace(s))
				break
			}
		}
		return f, true
	}
	return mirror.RemoteFile{}, false
}

func sizeValue(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n >= 0 {
			return int64(n), true
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil && i >= 0 {
			return i, true
		}
	}
	return 0, false
}
