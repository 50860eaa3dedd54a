package mirror

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// ChangeKind classifies a single file change.
type ChangeKind int

const (
	// ChangeUpdate covers creates and modifications; both require a download.
	ChangeUpdate ChangeKind = iota
	// ChangeDelete means the file was removed remotely.
	ChangeDelete
)

// Change is one normalized file change.
type Change struct {
	Path string
	Kind ChangeKind
}

// ChangeSet is the normalized result of a batch of commits. Paths are
// deduplicated and kept in first-seen order. A path may appear in both
// sets; the engine applies all deletions before all updates, so the update wins.
type ChangeSet struct {
	Updated []string
	Deleted []string
}

// Empty reports whether no paths were extracted.
func (c ChangeSet) Empty() bool {
	return len(c.Updated) == 0 && len(c.Deleted) == 0
}

// Keys that may hold a list of changed files. Entries are classified individually.
var changeListKeys = []string{
	"files", "changes", "diffs", "changed_files", "changedFiles",
	"file_changes", "fileChanges", "paths", "entries", "items",
}

// Keys whose list entries are always updates.
var updateListKeys = []string{"added", "created", "modified", "updated"}

// Keys whose list entries are always deletions.
var deleteListKeys = []string{"deleted", "removed"}

var pathKeys = []string{
	"path", "filepath", "file_path", "filePath", "server_path", "serverPath",
	"new_path", "newPath", "file", "filename", "name", "key",
}

// A commit without change lists is read as a single entry only through these
// keys, so commit titles under "name" are never mistaken for paths.
var singleEntryPathKeys = []string{
	"path", "filepath", "file_path", "filePath", "server_path", "serverPath",
}

var deleteFlagKeys = []string{"deleted", "removed", "is_deleted", "isDeleted"}

var statusKeys = []string{
	"status", "action", "type", "operation", "change_type", "changeType", "op",
}

var deleteStatuses = map[string]bool{
	"delete":   true,
	"deletion": true,
	"deleted":  true,
	"remove":   true,
	"removed":  true,
	"del":      true,
}

// ExtractChanges normalizes heterogeneous commits into a ChangeSet.
// Commits or entries with unrecognized shapes contribute nothing.
func ExtractChanges(commits []Commit) ChangeSet {
	b := newChangeSetBuilder()
	for _, c := range commits {
		for _, ch := range commitChanges(c) {
			b.add(ch)
		}
	}
	return b.build()
}

func commitChanges(c Commit) []Change {
	if c == nil {
		return nil
	}

	var out []Change
	found := false
	for _, key := range changeListKeys {
		if v, ok := c[key]; ok {
			found = true
			out = append(out, valueChanges(v, ChangeUpdate, false)...)
		}
	}
	for _, key := range updateListKeys {
		if v, ok := c[key].([]any); ok {
			found = true
			out = append(out, valueChanges(v, ChangeUpdate, true)...)
		}
	}
	for _, key := range deleteListKeys {
		if v, ok := c[key].([]any); ok {
			found = true
			out = append(out, valueChanges(v, ChangeDelete, true)...)
		}
	}

	// A commit without any change list may itself describe a single file.
	if !found && firstString(c, singleEntryPathKeys) != "" {
		if ch, ok := entryChange(map[string]any(c), ChangeUpdate, false); ok {
			out = append(out, ch)
		}
	}
	return out
}

// valueChanges converts a change container (list, path->status map or bare path).
// When forced is true every entry gets kind regardless of its own status fields.
func valueChanges(v any, kind ChangeKind, forced bool) []Change {
	switch val := v.(type) {
	case []any:
		var out []Change
		for _, e := range val {
			if ch, ok := entryChange(e, kind, forced); ok {
				out = append(out, ch)
			}
		}
		return out
	case []string:
		var out []Change
		for _, e := range val {
			if ch, ok := entryChange(e, kind, forced); ok {
				out = append(out, ch)
			}
		}
		return out
	case map[string]any:
		if firstString(val, pathKeys) != "" {
			if ch, ok := entryChange(val, kind, forced); ok {
				return []Change{ch}
			}
			return nil
		}
		// Shape {"<path>": <status or entry>}.
		var out []Change
		for p, status := range val {
			if ch, ok := keyedChange(p, status, kind, forced); ok {
				out = append(out, ch)
			}
		}
		return out
	case string:
		if ch, ok := entryChange(val, kind, forced); ok {
			return []Change{ch}
		}
	}
	return nil
}

func entryChange(e any, kind ChangeKind, forced bool) (Change, bool) {
	switch val := e.(type) {
	case string:
		p := NormalizePath(val)
		if p == "" {
			return Change{}, false
		}
		return Change{Path: p, Kind: kind}, true
	case map[string]any:
		p := NormalizePath(firstString(val, pathKeys))
		if p == "" {
			return Change{}, false
		}
		if !forced {
			kind = ChangeUpdate
			if isDeletion(val) {
				kind = ChangeDelete
			}
		}
		return Change{Path: p, Kind: kind}, true
	}
	return Change{}, false
}

func keyedChange(rawPath string, status any, kind ChangeKind, forced bool) (Change, bool) {
	p := NormalizePath(rawPath)
	if p == "" {
		return Change{}, false
	}
	if forced {
		return Change{Path: p, Kind: kind}, true
	}
	kind = ChangeUpdate
	switch s := status.(type) {
	case string:
		if deleteStatuses[strings.ToLower(strings.TrimSpace(s))] {
			kind = ChangeDelete
		}
	case bool:
		// {"path": false} reads as "present: false".
		if !s {
			kind = ChangeDelete
		}
	case map[string]any:
		if isDeletion(s) {
			kind = ChangeDelete
		}
	}
	return Change{Path: p, Kind: kind}, true
}

func isDeletion(m map[string]any) bool {
	for _, key := range deleteFlagKeys {
		if b, ok := m[key].(bool); ok && b {
			return true
		}
	}
	for _, key := range statusKeys {
		if s, ok := m[key].(string); ok && deleteStatuses[strings.ToLower(strings.TrimSpace(s))] {
			return true
		}
	}
	return false
}

func firstString(m map[string]any, keys []string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// NormalizePath converts a remote path to the canonical form used as ledger
// key: forward slashes, no leading slash, no surrounding whitespace.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, `\`, "/")
	return strings.TrimLeft(p, "/")
}

type changeSetBuilder struct {
	updated     []string
	deleted     []string
	seenUpdated map[string]bool
	seenDeleted map[string]bool
}

func newChangeSetBuilder() *changeSetBuilder {
	return &changeSetBuilder{
		seenUpdated: make(map[string]bool),
		seenDeleted: make(map[string]bool),
	}
}

func (b *changeSetBuilder) add(ch Change) {
	switch ch.Kind {
	case ChangeDelete:
		if !b.seenDeleted[ch.Path] {
			b.seenDeleted[ch.Path] = true
			b.deleted = append(b.deleted, ch.Path)
		}
	default:
		if !b.seenUpdated[ch.Path] {
			b.seenUpdated[ch.Path] = true
			b.updated = append(b.updated, ch.Path)
		}
	}
}

func (b *changeSetBuilder) build() ChangeSet {
	return ChangeSet{Updated: b.updated, Deleted: b.deleted}
}

var commitIDKeys = []string{"id", "commit_id", "commitId", "hash", "sha", "commit_hash", "commitHash"}

var commitTimeKeys = []string{
	"timestamp", "created_at", "createdAt", "committed_at", "committedAt", "date", "time",
}

var commitTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// CommitMeta returns the identifier and timestamp of a commit, when present.
func CommitMeta(c Commit) (id string, at time.Time, ok bool) {
	if c == nil {
		return "", time.Time{}, false
	}
	for _, key := range commitIDKeys {
		switch v := c[key].(type) {
		case string:
			id = v
		case float64:
			id = strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			id = v.String()
		}
		if id != "" {
			break
		}
	}
	for _, key := range commitTimeKeys {
		if t, found := parseCommitTime(c[key]); found {
			return id, t, true
		}
	}
	return id, time.Time{}, false
}

func parseCommitTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		for _, layout := range commitTimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return unixTime(n), true
		}
	case float64:
		return unixTime(val), true
	case int64:
		return unixTime(float64(val)), true
	case json.Number:
		if n, err := val.Float64(); err == nil {
			return unixTime(n), true
		}
	}
	return time.Time{}, false
}

// unixTime interprets n as milliseconds when it is too large to be seconds.
func unixTime(n float64) time.Time {
	if math.Abs(n) >= 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// LatestCommitID returns the identifier of the most recent commit by
// timestamp. Commits without a timestamp only win when none has one.
func LatestCommitID(commits []Commit) string {
	var (
		latestID   string
		latestAt   time.Time
		haveTimed  bool
		fallbackID string
	)
	for _, c := range commits {
		id, at, ok := CommitMeta(c)
		if id == "" {
			continue
		}
		if !ok {
			fallbackID = id
			continue
		}
		if !haveTimed || at.After(latestAt) {
			latestID, latestAt, haveTimed = id, at, true
		}
	}
	if haveTimed {
		return latestID
	}
	return fallbackID
}
