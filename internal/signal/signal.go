// Package signal carries before/after file change notifications to whatever UI is watching.
package signal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

const (
	EventFileDiff = "file_diff"

	truncatedMarker = "\n...[truncated]\n"
)

// FileChangeEvent describes one successful mutation, or one previewed mutation, of a
// workspace file.
type FileChangeEvent struct {
	Event   string  `json:"event"`
	Path    string  `json:"path"`
	AbsPath string  `json:"abs_path"`
	Before  string  `json:"before"`
	After   string  `json:"after"`
	Time    float64 `json:"time"`
	PID     int     `json:"pid"`
}

// Observer is notified of file changes. Implementations must not fail the caller.
type Observer interface {
	FileChanged(event FileChangeEvent)
}

type NopObserver struct{}

func (NopObserver) FileChanged(FileChangeEvent) {}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(event FileChangeEvent)

func (fn ObserverFunc) FileChanged(event FileChangeEvent) { fn(event) }

// NewEvent stamps a file_diff event with the current time and process id.
func NewEvent(rel string, abs string, before string, after string) FileChangeEvent {
	return FileChangeEvent{
		Event:   EventFileDiff,
		Path:    rel,
		AbsPath: abs,
		Before:  before,
		After:   after,
		Time:    float64(time.Now().UnixNano()) / float64(time.Second),
		PID:     os.Getpid(),
	}
}

// Truncate clips text to at most maxBytes of UTF-8 and appends a marker when clipped.
func Truncate(text string, maxBytes int) string {
	if text == "" || maxBytes <= 0 || len(text) <= maxBytes {
		return text
	}
	// Only the rune straddling the cut is dropped; invalid bytes before it pass through.
	cut := maxBytes
	for back := 0; back < utf8.UTFMax-1 && cut > 0 && !utf8.RuneStart(text[cut]); back++ {
		cut--
	}
	if !utf8.RuneStart(text[cut]) {
		cut = maxBytes
	}
	return text[:cut] + truncatedMarker
}

// FileObserver replaces the contents of a single signal file with the latest event.
type FileObserver struct {
	path     string
	maxBytes int
}

func NewFileObserver(path string, maxBytes int) *FileObserver {
	return &FileObserver{path: path, maxBytes: maxBytes}
}

func (observer *FileObserver) Path() string {
	return observer.path
}

func (observer *FileObserver) FileChanged(event FileChangeEvent) {
	event.Before = Truncate(event.Before, observer.maxBytes)
	event.After = Truncate(event.After, observer.maxBytes)
	if err := observer.write(event); err != nil {
		logrus.WithError(err).WithField("signal_file", observer.path).Debug("write change signal failed")
	}
}

func (observer *FileObserver) write(event FileChangeEvent) error {
	payload, marshalError := json.Marshal(event)
	if marshalError != nil {
		return fmt.Errorf("encode signal: %w", marshalError)
	}
	directory := filepath.Dir(observer.path)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return fmt.Errorf("create signal directory: %w", err)
	}
	tempFile, createError := os.CreateTemp(directory, ".signal-*.json")
	if createError != nil {
		return fmt.Errorf("create signal temp file: %w", createError)
	}
	tempPath := tempFile.Name()
	if _, writeError := tempFile.Write(payload); writeError != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("write signal: %w", writeError)
	}
	if closeError := tempFile.Close(); closeError != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("close signal: %w", closeError)
	}
	if renameError := os.Rename(tempPath, observer.path); renameError != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("replace signal file: %w", renameError)
	}
	return nil
}

// Recorder keeps every event in memory. Tests and the console use it to inspect what a
// tool call changed.
type Recorder struct {
	Events []FileChangeEvent
}

func (recorder *Recorder) FileChanged(event FileChangeEvent) {
	recorder.Events = append(recorder.Events, event)
}

// Multi fans an event out to several observers.
func Multi(observers ...Observer) Observer {
	filtered := make([]Observer, 0, len(observers))
	for _, observer := range observers {
		if observer != nil {
			filtered = append(filtered, observer)
		}
	}
	return multiObserver(filtered)
}

type multiObserver []Observer

func (observers multiObserver) FileChanged(event FileChangeEvent) {
	for _, observer := range observers {
		observer.FileChanged(event)
	}
}
