// Package indicator renders the unread count onto host affordances: an
// overlaid icon, the terminal title and a status file for status bars.
// Every renderer captures its pristine state once and always redraws from
// it, so repeated renders never compound.
package indicator

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"github.com/carelink/unreadsync/internal/badge"
)

const maxDisplayed = 99

type Renderer interface {
	Render(count int) error
	Reset() error
}

type Logger interface {
	Printf(format string, args ...any)
}

// Label is the inline badge text: empty for zero, "99+" past the cap.
func Label(count int) string {
	if count <= 0 {
		return ""
	}
	if count > maxDisplayed {
		return strconv.Itoa(maxDisplayed) + "+"
	}
	return strconv.Itoa(count)
}

// Multi renders to every renderer, reporting all failures.
type Multi []Renderer

func (m Multi) Render(count int) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Render(count); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Reset() error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Reset(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Bind draws the store's current value and redraws on every change until
// the returned function is called.
func Bind(store *badge.Store, r Renderer, logger Logger) (unbind func()) {
	draw := func(count int) {
		if err := r.Render(count); err != nil && logger != nil {
			logger.Printf("indicator %s: render %d failed: %v", store.Scope(), count, err)
		}
	}
	unsubscribe := store.Subscribe(draw)
	draw(store.Get())
	return unsubscribe
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".indicator-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
