package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/broadcast"
	"github.com/layer-3/warden/ports"
)

// credentialFileMode keeps the credential readable by its owner only
const credentialFileMode = 0o600

// FileStore keeps the credential in a file. Changes made by other processes
// are picked up through fsnotify.
type FileStore struct {
	path string
	log  logr.Logger

	mu      sync.Mutex
	version uint64
	local   *broadcast.Latest[uint64]
}

// NewFileStore creates a store backed by path. The parent directory is created if needed.
func NewFileStore(path string, log logr.Logger) (*FileStore, error) {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credential directory: %w", err)
	}
	local := broadcast.NewLatest[uint64]()
	local.Publish(0)
	return &FileStore{
		path:  path,
		log:   log.WithName("file-store"),
		local: local,
	}, nil
}

// Path returns the credential file path
func (s *FileStore) Path() string {
	return s.path
}

// Get returns the stored credential
func (s *FileStore) Get(ctx context.Context) (core.Credential, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credential file: %w", err)
	}
	return core.Credential(strings.TrimSpace(string(data))), nil
}

// Set atomically replaces the credential file
func (s *FileStore) Set(ctx context.Context, credential core.Credential) error {
	if credential.IsZero() {
		return s.Clear(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create credential file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(credentialFileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set credential file mode: %w", err)
	}
	if _, err := tmp.WriteString(credential.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}

	s.bump()
	return nil
}

// Clear removes the credential file
func (s *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove credential file: %w", err)
	}

	s.bump()
	return nil
}

// bump notifies in-process subscribers; must be called with s.mu held
func (s *FileStore) bump() {
	s.version++
	s.local.Publish(s.version)
}

// Subscribe streams every change, starting with the current value.
// Both writes through this store and writes by other processes are observed.
func (s *FileStore) Subscribe(ctx context.Context) (<-chan core.Credential, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// The directory is watched because atomic replacement swaps the inode
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch credential directory: %w", err)
	}

	current, err := s.Get(ctx)
	if err != nil {
		watcher.Close()
		return nil, err
	}

	out := make(chan core.Credential, 1)
	out <- current

	subCtx, cancel := context.WithCancel(ctx)
	local := s.local.Subscribe(subCtx)

	go func() {
		defer close(out)
		defer watcher.Close()
		defer cancel()

		last := current
		reload := func() bool {
			credential, err := s.Get(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Error(err, "failed to reload credential file")
				}
				return ctx.Err() == nil
			}
			if credential != last {
				last = credential
				broadcast.Offer(out, credential)
			}
			return true
		}

		for {
			select {
			case <-ctx.Done():
				return

			case _, ok := <-local:
				if !ok {
					return
				}
				if !reload() {
					return
				}

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if !reload() {
					return
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Error(err, "credential file watcher failed")
				return
			}
		}
	}()

	return out, nil
}

var _ ports.CredentialStore = (*FileStore)(nil)
