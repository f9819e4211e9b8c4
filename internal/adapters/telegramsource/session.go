package telegramsource

import (
	"context"
	"fmt"
	"os"
	"sync"

	tdsession "github.com/gotd/td/session"

	"github.com/ilyasni/tgparser/internal/infra/storage"
)

// FileStorage implements tdsession.Storage over a plain file, writing it
// atomically so a crash mid-write can never leave a half-written session on
// disk (internal/infra/storage.AtomicWriteFile).
type FileStorage struct {
	Path string
	mu   sync.Mutex
}

var _ tdsession.Storage = (*FileStorage)(nil)

// LoadSession reads the session file. A missing file is reported as
// tdsession.ErrNotFound, which gotd treats as "first run, go through auth".
func (f *FileStorage) LoadSession(_ context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("telegramsource: read session: %w", err)
	}
	return data, nil
}

// StoreSession atomically persists the session blob gotd hands back after a
// successful auth or key rotation.
func (f *FileStorage) StoreSession(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := storage.AtomicWriteFile(f.Path, data); err != nil {
		return fmt.Errorf("telegramsource: store session: %w", err)
	}
	return nil
}
