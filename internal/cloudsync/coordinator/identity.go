package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/agentdesk/agentdesk/internal/cloudsync/transport"
)

// identityFile is the on-disk form of a signed-in identity.
type identityFile struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// ReadIdentity loads the identity stored at path. A missing file means
// nobody is signed in and returns the zero Identity without error.
func ReadIdentity(path string) (transport.Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return transport.Identity{}, nil
	}
	if err != nil {
		return transport.Identity{}, fmt.Errorf("failed to read identity file: %w", err)
	}
	if len(data) == 0 {
		return transport.Identity{}, nil
	}
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return transport.Identity{}, fmt.Errorf("failed to parse identity file %s: %w", path, err)
	}
	return transport.Identity{UserID: f.UserID, Token: f.Token}, nil
}

// WriteIdentity stores id at path, replacing the file atomically.
func WriteIdentity(path string, id transport.Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}
	data, err := json.MarshalIndent(identityFile{UserID: id.UserID, Token: id.Token}, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace identity file: %w", err)
	}
	return nil
}

// RemoveIdentity deletes the identity file. A missing file is not an error.
func RemoveIdentity(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove identity file: %w", err)
	}
	return nil
}

// IdentityWatcher turns changes to an identity file into sign-in and
// sign-out events. Writing the file signs in; removing it signs out.
type IdentityWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *log.Logger
}

// NewIdentityWatcher watches the directory holding path. The directory is
// created if needed so the file can appear later.
func NewIdentityWatcher(path string, logger *log.Logger) (*IdentityWatcher, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[identity] ", log.LstdFlags)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve identity path: %w", err)
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create identity directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return &IdentityWatcher{path: abs, watcher: w, logger: logger}, nil
}

// Run reports the current identity, then every change to it, until ctx is
// cancelled. onChange receives the zero Identity on sign-out.
func (iw *IdentityWatcher) Run(ctx context.Context, onChange func(transport.Identity)) error {
	current, err := ReadIdentity(iw.path)
	if err != nil {
		iw.logger.Printf("Warning: %v", err)
	}
	onChange(current)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-iw.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != iw.path {
				continue
			}

			var next transport.Identity
			switch {
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				// Rename away is a removal; a rename onto path shows up as Create.
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				id, err := ReadIdentity(iw.path)
				if err != nil {
					// Partially written; the next Write event carries the rest.
					iw.logger.Printf("Warning: %v", err)
					continue
				}
				next = id
			default:
				continue
			}

			if next == current {
				continue
			}
			current = next
			onChange(current)

		case err, ok := <-iw.watcher.Errors:
			if !ok {
				return nil
			}
			iw.logger.Printf("Watcher error: %v", err)
		}
	}
}

// Close stops watching.
func (iw *IdentityWatcher) Close() error {
	return iw.watcher.Close()
}
