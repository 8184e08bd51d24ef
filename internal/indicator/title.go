package indicator

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// TitleRenderer prefixes the terminal window title with the count using an
// OSC 0 escape. Output that is not a terminal is left alone unless forced.
type TitleRenderer struct {
	out     io.Writer
	enabled bool

	baseOnce sync.Once
	baseFn   func() string
	base     string

	mu   sync.Mutex
	last string
}

type TitleOptions struct {
	// Base returns the title to restore; it is called once.
	Base  func() string
	Force bool
}

func NewTitleRenderer(out io.Writer, opts TitleOptions) *TitleRenderer {
	enabled := opts.Force
	if !enabled {
		if f, ok := out.(*os.File); ok {
			enabled = isTerminal(int(f.Fd()))
		}
	}
	baseFn := opts.Base
	if baseFn == nil {
		baseFn = defaultTitle
	}
	return &TitleRenderer{out: out, enabled: enabled, baseFn: baseFn}
}

func (t *TitleRenderer) Enabled() bool {
	return t.enabled
}

func (t *TitleRenderer) Render(count int) error {
	if !t.enabled || t.out == nil {
		return nil
	}
	t.baseOnce.Do(func() { t.base = strings.TrimSpace(t.baseFn()) })
	title := t.base
	if label := Label(count); label != "" {
		title = "(" + label + ") " + t.base
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if title == t.last {
		return nil
	}
	if _, err := fmt.Fprintf(t.out, "\x1b]0;%s\x07", sanitizeTitle(title)); err != nil {
		return err
	}
	t.last = title
	return nil
}

func (t *TitleRenderer) Reset() error {
	return t.Render(0)
}

func sanitizeTitle(title string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, title)
}

func defaultTitle() string {
	if title := strings.TrimSpace(os.Getenv("UNREADSYNC_TITLE")); title != "" {
		return title
	}
	return "CareLink"
}
