// ABOUTME: Filesystem Backend using one directory per user and one file per record
// ABOUTME: Writes go through a temp file and rename so readers never see partial records

package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileBackend stores records under a root directory:
//
//	<root>/<user>/index.json
//	<root>/<user>/profile.md
//	<root>/<user>/chats/<chat>.json
//	<root>/<user>/chats/<chat>.md
//
// Entries whose names start with "." are ignored when listing, which keeps
// temp files and a replication checkout's .git directory out of the way.
type FileBackend struct {
	root   string
	logger *slog.Logger
}

// NewFileBackend creates the root directory if needed.
func NewFileBackend(root string, logger *slog.Logger) (*FileBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	b := &FileBackend{
		root:   root,
		logger: logger.With("component", "file-backend"),
	}
	b.logger.Info("file backend initialized", "root", root)
	return b, nil
}

// Root returns the data directory.
func (b *FileBackend) Root() string {
	return b.root
}

func (b *FileBackend) path(key Key, kind Kind) (string, error) {
	userDir := filepath.Join(b.root, key.UserID)
	switch kind {
	case KindIndex:
		return filepath.Join(userDir, "index.json"), nil
	case KindProfile:
		return filepath.Join(userDir, "profile.md"), nil
	case KindChat:
		if key.ChatID == "" {
			return "", fmt.Errorf("%w: chat record requires a chat id", ErrValidation)
		}
		return filepath.Join(userDir, "chats", key.ChatID+".json"), nil
	case KindMirror:
		if key.ChatID == "" {
			return "", fmt.Errorf("%w: mirror record requires a chat id", ErrValidation)
		}
		return filepath.Join(userDir, "chats", key.ChatID+".md"), nil
	default:
		return "", fmt.Errorf("%w: unknown record kind %q", ErrValidation, kind)
	}
}

// Get reads a record.
func (b *FileBackend) Get(ctx context.Context, key Key, kind Kind) ([]byte, error) {
	p, err := b.path(key, kind)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	return data, nil
}

// Put atomically replaces a record.
func (b *FileBackend) Put(ctx context.Context, key Key, kind Kind, data []byte) error {
	p, err := b.path(key, kind)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// Append adds data to the end of a record.
func (b *FileBackend) Append(ctx context.Context, key Key, kind Kind, data []byte) error {
	p, err := b.path(key, kind)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(p), err)
	}

	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", p, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("appending to %s: %w", p, err)
	}
	return f.Close()
}

// Delete removes a record; a missing file is not an error.
func (b *FileBackend) Delete(ctx context.Context, key Key, kind Kind) error {
	p, err := b.path(key, kind)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", p, err)
	}
	return nil
}

// ListUsers returns the user directories under the root.
func (b *FileBackend) ListUsers(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", b.root, err)
	}
	var users []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			users = append(users, e.Name())
		}
	}
	sort.Strings(users)
	return users, nil
}

// ListChats returns the chat ids that have a structured record.
func (b *FileBackend) ListChats(ctx context.Context, userID string) ([]string, error) {
	dir := filepath.Join(b.root, userID, "chats")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Close is a no-op for the filesystem backend.
func (b *FileBackend) Close() error {
	return nil
}
