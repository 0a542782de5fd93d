package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Instructions serves the realtime instructions file, trimmed, with the
// content cached by file modification time.
type Instructions struct {
	path string

	mu     sync.Mutex
	mtime  time.Time
	cached string
	loaded bool
}

// NewInstructions creates a loader for the given path.
func NewInstructions(path string) *Instructions {
	if path == "" {
		path = DefaultInstructionsPath
	}
	return &Instructions{path: path}
}

// Load returns the trimmed instructions content, re-reading the file only
// when its mtime changed. An empty file is an error.
func (i *Instructions) Load() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	info, err := os.Stat(i.path)
	if err != nil {
		return "", fmt.Errorf("stat instructions %s: %w", i.path, err)
	}

	if i.loaded && info.ModTime().Equal(i.mtime) {
		return i.cached, nil
	}

	data, err := os.ReadFile(i.path)
	if err != nil {
		return "", fmt.Errorf("read instructions %s: %w", i.path, err)
	}

	content := strings.TrimSpace(string(data))
	if content == "" {
		return "", fmt.Errorf("instructions file %s is empty", i.path)
	}

	i.mtime = info.ModTime()
	i.cached = content
	i.loaded = true
	return content, nil
}
