// Package filestore reads and creates workspace files on behalf of the agent. Changes
// to files that already exist go through the patch pipeline instead.
package filestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/BegaDeveloper/proofsh/internal/session"
	"github.com/BegaDeveloper/proofsh/internal/signal"
	"github.com/BegaDeveloper/proofsh/internal/toolerr"
)

type Options struct {
	MaxWriteBytes   int
	RequireApproval bool
}

type Store struct {
	session *session.Session
	options Options
}

type ReadResult struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Bytes   int    `json:"bytes"`
}

type WriteReceipt struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytes_written"`
	Created      bool   `json:"created"`
}

func New(session *session.Session, options Options) *Store {
	return &Store{session: session, options: options}
}

func (store *Store) Read(rel string) (ReadResult, error) {
	path, err := store.session.Sandbox().ValidateFile(rel)
	if err != nil {
		return ReadResult{}, err
	}
	content, readError := os.ReadFile(path.Abs())
	if readError != nil {
		if errors.Is(readError, fs.ErrNotExist) {
			return ReadResult{}, toolerr.New(toolerr.KindNotFound, "file not found: %s", rel).WithPath(rel)
		}
		return ReadResult{}, toolerr.Wrap(toolerr.KindInternal, readError, "read %s", rel).WithPath(rel)
	}
	return ReadResult{Path: path.Rel(), Content: string(content), Bytes: len(content)}, nil
}

// Write creates rel with content. Existing files are refused while approval gating is
// on, whatever overwrite says.
func (store *Store) Write(rel string, content string, overwrite bool) (WriteReceipt, error) {
	path, err := store.session.Sandbox().ValidateFile(rel)
	if err != nil {
		return WriteReceipt{}, err
	}

	before, exists, statError := readExisting(path.Abs())
	if statError != nil {
		return WriteReceipt{}, toolerr.Wrap(toolerr.KindInternal, statError, "inspect %s", rel).WithPath(rel)
	}
	if exists && store.options.RequireApproval {
		return WriteReceipt{}, toolerr.New(toolerr.KindAlreadyExists, "file exists; use propose_patch and approval instead of write_file").WithPath(rel)
	}
	if exists && !overwrite {
		return WriteReceipt{}, toolerr.New(toolerr.KindAlreadyExists, "file exists; set overwrite=true").WithPath(rel)
	}
	if len(content) > store.options.MaxWriteBytes {
		return WriteReceipt{}, toolerr.New(toolerr.KindSizeExceeded, "content too large (%d > %d bytes)", len(content), store.options.MaxWriteBytes).
			WithPath(rel).
			WithSizes(len(content), store.options.MaxWriteBytes)
	}

	if err := writeAtomic(path.Abs(), []byte(content)); err != nil {
		return WriteReceipt{}, toolerr.Wrap(toolerr.KindInternal, err, "write %s", rel).WithPath(rel)
	}
	logrus.WithFields(logrus.Fields{"path": path.Rel(), "bytes": len(content), "created": !exists}).Info("file written")
	store.session.Notify(signal.NewEvent(path.Rel(), path.Abs(), before, content))
	return WriteReceipt{Path: path.Rel(), BytesWritten: len(content), Created: !exists}, nil
}

func readExisting(absolutePath string) (string, bool, error) {
	info, statError := os.Stat(absolutePath)
	if statError != nil {
		if errors.Is(statError, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, statError
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("%s is a directory", absolutePath)
	}
	content, readError := os.ReadFile(absolutePath)
	if readError != nil {
		return "", true, readError
	}
	return string(content), true, nil
}

// writeAtomic leaves either the old file or the complete new one, never a partial write.
// A replaced file keeps its permission bits.
func writeAtomic(absolutePath string, content []byte) error {
	mode := fs.FileMode(0o644)
	if info, statError := os.Stat(absolutePath); statError == nil && info.Mode().IsRegular() {
		mode = info.Mode().Perm()
	}
	directory := filepath.Dir(absolutePath)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	tempFile, createError := os.CreateTemp(directory, ".proofsh-write-*")
	if createError != nil {
		return fmt.Errorf("create temp file: %w", createError)
	}
	tempPath := tempFile.Name()
	cleanup := func() { _ = os.Remove(tempPath) }
	if _, writeError := tempFile.Write(content); writeError != nil {
		_ = tempFile.Close()
		cleanup()
		return writeError
	}
	if syncError := tempFile.Sync(); syncError != nil {
		_ = tempFile.Close()
		cleanup()
		return syncError
	}
	if closeError := tempFile.Close(); closeError != nil {
		cleanup()
		return closeError
	}
	if chmodError := os.Chmod(tempPath, mode); chmodError != nil {
		cleanup()
		return chmodError
	}
	if renameError := os.Rename(tempPath, absolutePath); renameError != nil {
		cleanup()
		return renameError
	}
	return nil
}
