package fs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewIgnoreMatcher(t *testing.T) {
	t.Run("skips blank lines and comments", func(t *testing.T) {
		t.Parallel()
		m := NewIgnoreMatcher([]string{"", "  ", "# comment", "*.log"})
		want := len(defaultIgnorePatterns) + 1
		if len(m.patterns) != want {
			t.Fatalf("expected %d patterns, got %d", want, len(m.patterns))
		}
		if last := m.patterns[len(m.patterns)-1]; last.pattern != "*.log" {
			t.Errorf("expected *.log, got %s", last.pattern)
		}
	})

	t.Run("classifies path vs basename patterns", func(t *testing.T) {
		t.Parallel()
		m := NewIgnoreMatcher([]string{"*.nfo", "Music/Demos/*"})
		n := len(defaultIgnorePatterns)
		if m.patterns[n].matchPath {
			t.Error("*.nfo should not be a path pattern")
		}
		if !m.patterns[n+1].matchPath {
			t.Error("Music/Demos/* should be a path pattern")
		}
	})
}

func TestIgnoreMatcher_Match(t *testing.T) {
	tests := []struct {
		name       string
		patterns   []string
		remotePath string
		want       bool
	}{
		{
			name:       "basename glob matches file at top level",
			patterns:   []string{"*.nfo"},
			remotePath: "album.nfo",
			want:       true,
		},
		{
			name:       "basename glob matches nested file",
			patterns:   []string{"*.nfo"},
			remotePath: "Music/Artist/album.nfo",
			want:       true,
		},
		{
			name:       "basename glob does not match different extension",
			patterns:   []string{"*.nfo"},
			remotePath: "Music/Artist/track.flac",
			want:       false,
		},
		{
			name:       "exact basename matches nested file",
			patterns:   []string{"Thumbs.db"},
			remotePath: "Videos/Thumbs.db",
			want:       true,
		},
		{
			name:       "path pattern matches full remote path",
			patterns:   []string{"Music/Demos/*"},
			remotePath: "Music/Demos/rough.mp3",
			want:       true,
		},
		{
			name:       "path pattern does not match other folder",
			patterns:   []string{"Music/Demos/*"},
			remotePath: "Music/Albums/rough.mp3",
			want:       false,
		},
		{
			name:       "leading slash in pattern is ignored",
			patterns:   []string{"/Podcasts/*"},
			remotePath: "Podcasts/ep1.mp3",
			want:       true,
		},
		{
			name:       "backslash remote path is normalized",
			patterns:   []string{"Music/Demos/*"},
			remotePath: `\Music\Demos\rough.mp3`,
			want:       true,
		},
		{
			name:       "partial download files are always ignored",
			patterns:   nil,
			remotePath: "Music/.medsync-123.part",
			want:       true,
		},
		{
			name:       "no user patterns matches ordinary files",
			patterns:   nil,
			remotePath: "Music/track.mp3",
			want:       false,
		},
		{
			name:       "empty path",
			patterns:   []string{"*"},
			remotePath: "",
			want:       false,
		},
		{
			name:       "malformed pattern is skipped",
			patterns:   []string{"[", "*.tmp"},
			remotePath: "a.tmp",
			want:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewIgnoreMatcher(tt.patterns)
			got := m.Match(tt.remotePath)
			if got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.remotePath, got, tt.want)
			}
		})
	}
}

func TestParseIgnoreFile(t *testing.T) {
	t.Run("reads patterns from file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), IgnoreFileName)
		content := "*.nfo\n# comment\n\n*.tmp\nMusic/Demos/*\n"
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("writing test file: %v", err)
		}

		patterns, err := ParseIgnoreFile(path)
		if err != nil {
			t.Fatalf("ParseIgnoreFile() error = %v", err)
		}
		// Raw lines are returned; filtering is NewIgnoreMatcher's job.
		if len(patterns) != 5 {
			t.Fatalf("expected 5 raw lines, got %d", len(patterns))
		}

		m := NewIgnoreMatcher(patterns)
		if len(m.patterns) != len(defaultIgnorePatterns)+3 {
			t.Errorf("expected %d parsed patterns, got %d", len(defaultIgnorePatterns)+3, len(m.patterns))
		}
	})

	t.Run("returns nil for missing file", func(t *testing.T) {
		t.Parallel()
		patterns, err := ParseIgnoreFile(filepath.Join(t.TempDir(), IgnoreFileName))
		if err != nil {
			t.Fatalf("ParseIgnoreFile() error = %v", err)
		}
		if patterns != nil {
			t.Errorf("expected nil patterns, got %v", patterns)
		}
	})
}
