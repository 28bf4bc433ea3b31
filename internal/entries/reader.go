package entries

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/spf13/afero"
	"golang.org/x/text/unicode/norm"
)

// ErrFileTooLarge is returned by ReadMetadata for files above the size limit.
var ErrFileTooLarge = errors.New("entries: file exceeds size limit")

// FileInfo is the subset of stat data the index cares about.
type FileInfo struct {
	Size    int64
	ModTime time.Time
}

// Metadata holds the derived content statistics of one entry file.
type Metadata struct {
	WordCount      int
	CharacterCount int
	LineCount      int
	HasContent     bool
}

// Reader reads entry files and derives their metadata.
type Reader struct {
	fs      afero.Fs
	maxSize int64 // 0 = unlimited
}

// NewReader creates a Reader over fs. Files larger than maxSize bytes are
// rejected; maxSize 0 disables the check.
func NewReader(fs afero.Fs, maxSize int64) *Reader {
	return &Reader{fs: fs, maxSize: maxSize}
}

// Stat returns the size and modification time of path.
func (r *Reader) Stat(path string) (FileInfo, error) {
	info, err := r.fs.Stat(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("entries: stat %s: %w", path, err)
	}

	if !info.Mode().IsRegular() {
		return FileInfo{}, fmt.Errorf("entries: %s is not a regular file", path)
	}

	return FileInfo{Size: info.Size(), ModTime: info.ModTime()}, nil
}

// ReadMetadata reads path and computes its word, character, and line counts.
func (r *Reader) ReadMetadata(ctx context.Context, path string) (*Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if r.maxSize > 0 {
		fi, err := r.Stat(path)
		if err != nil {
			return nil, err
		}

		if fi.Size > r.maxSize {
			return nil, fmt.Errorf("%w: %s is %d bytes (limit %d)", ErrFileTooLarge, path, fi.Size, r.maxSize)
		}
	}

	data, err := afero.ReadFile(r.fs, path)
	if err != nil {
		return nil, fmt.Errorf("entries: reading %s: %w", path, err)
	}

	return ComputeMetadata(data), nil
}

// ComputeMetadata derives content statistics from raw file bytes. Each run
// of invalid UTF-8 bytes becomes a single replacement character. Characters
// are counted after NFC normalization so composed and decomposed spellings
// of the same text agree.
func ComputeMetadata(data []byte) *Metadata {
	text := norm.NFC.String(strings.ToValidUTF8(string(data), "�"))

	return &Metadata{
		WordCount:      len(strings.Fields(text)),
		CharacterCount: utf8.RuneCountInString(text),
		LineCount:      countLines(text),
		HasContent:     strings.IndexFunc(text, func(r rune) bool { return !unicode.IsSpace(r) }) >= 0,
	}
}

// countLines counts lines the way an editor shows them: a trailing newline
// does not start a new line, and an empty file has none.
func countLines(text string) int {
	if text == "" {
		return 0
	}

	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}

	return n
}
