package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Backend is a durable string key/value store. A missing key is reported as
// ok == false with a nil error.
type Backend interface {
	Load(ctx context.Context, key string) (value string, ok bool, err error)
	Save(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Watcher is implemented by backends that can observe writes made by other
// processes sharing the same records.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

// keyPartEscaper keeps a ':' inside a part from reading as a separator.
var keyPartEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// Key joins non-empty parts with ':'. Each part is escaped first, so
// distinct part lists never produce the same key.
func Key(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kept = append(kept, keyPartEscaper.Replace(part))
	}
	return strings.Join(kept, ":")
}

type MemoryBackend struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: map[string]string{}}
}

func (b *MemoryBackend) Load(_ context.Context, key string) (string, bool, error) {
	if b == nil {
		return "", false, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.values[key]
	return value, ok, nil
}

func (b *MemoryBackend) Save(_ context.Context, key, value string) error {
	if b == nil {
		return nil
	}
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = value
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.values, key)
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
