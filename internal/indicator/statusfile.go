package indicator

import (
	"strings"
	"sync"
)

// StatusFileRenderer keeps a one-line file holding the inline badge label,
// for status bars that poll a path. Zero leaves the file empty.
type StatusFileRenderer struct {
	path   string
	prefix string

	mu      sync.Mutex
	written bool
	last    string
}

func NewStatusFileRenderer(path, prefix string) *StatusFileRenderer {
	return &StatusFileRenderer{path: strings.TrimSpace(path), prefix: prefix}
}

func (s *StatusFileRenderer) Render(count int) error {
	if s.path == "" {
		return nil
	}
	content := ""
	if label := Label(count); label != "" {
		content = s.prefix + label + "\n"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.written && content == s.last {
		return nil
	}
	if err := writeFileAtomic(s.path, []byte(content), 0o644); err != nil {
		return err
	}
	s.written = true
	s.last = content
	return nil
}

func (s *StatusFileRenderer) Reset() error {
	return s.Render(0)
}
