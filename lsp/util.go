package lsp

import (
	"path/filepath"
	"strings"
	"unicode/utf8"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"github.com/rlch/crawler"
)

// uriToPath converts a file URI to a file system path. Other schemes are
// returned unchanged.
func uriToPath(u protocol.DocumentURI) string {
	if !strings.HasPrefix(string(u), uri.FileScheme+"://") {
		return string(u)
	}

	return uri.URI(u).Filename()
}

// documentID maps a URI to its document ID. Files under the root use the
// slash-separated relative path, matching the IDs of loaded files.
func (s *Server) documentID(u protocol.DocumentURI) crawler.DocumentID {
	path := uriToPath(u)

	if rel, ok := s.relative(path); ok {
		return crawler.DocumentID(rel)
	}

	return crawler.DocumentID(filepath.ToSlash(path))
}

// documentURI is the inverse of documentID.
func (s *Server) documentURI(id crawler.DocumentID) protocol.DocumentURI {
	path := filepath.FromSlash(string(id))

	if !filepath.IsAbs(path) {
		if s.root == "" {
			return protocol.DocumentURI(id)
		}

		path = filepath.Join(s.root, path)
	}

	return protocol.DocumentURI(uri.File(path))
}

func (s *Server) relative(path string) (string, bool) {
	if s.root == "" || !filepath.IsAbs(path) {
		return "", false
	}

	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}

	return filepath.ToSlash(rel), true
}

func (s *Server) inRoot(path string) bool {
	_, ok := s.relative(path)

	return ok
}

// projectOf returns the project of a file: its directory relative to the
// root, or the empty project outside it.
func (s *Server) projectOf(path string) crawler.ProjectID {
	rel, ok := s.relative(path)
	if !ok {
		return ""
	}

	dir := filepath.ToSlash(filepath.Dir(filepath.FromSlash(rel)))
	if dir == "." {
		return ""
	}

	return crawler.ProjectID(dir)
}

// toRange converts a byte-column range to the UTF-16 ranges LSP uses.
func toRange(lines []string, r crawler.Range) protocol.Range {
	return protocol.Range{
		Start: toPosition(lines, r.Start),
		End:   toPosition(lines, r.End),
	}
}

func toPosition(lines []string, p crawler.Position) protocol.Position {
	char := p.Column
	if p.Line < len(lines) {
		char = utf16Len(lines[p.Line], p.Column)
	}

	return protocol.Position{
		Line:      uint32(max(p.Line, 0)), //nolint:gosec // clamped
		Character: uint32(max(char, 0)),   //nolint:gosec // clamped
	}
}

// utf16Len counts the UTF-16 code units in the first n bytes of line.
func utf16Len(line string, n int) int {
	if n > len(line) {
		n = len(line)
	}

	units := 0

	for i := 0; i < n; {
		r, size := utf8.DecodeRuneInString(line[i:])
		if r >= 0x10000 {
			units += 2
		} else {
			units++
		}

		i += size
	}

	return units
}

// rangesOverlap checks if two ranges overlap.
func rangesOverlap(a, b protocol.Range) bool {
	return !before(a.End, b.Start) && !before(b.End, a.Start)
}

func before(a, b protocol.Position) bool {
	return a.Line < b.Line || (a.Line == b.Line && a.Character < b.Character)
}
