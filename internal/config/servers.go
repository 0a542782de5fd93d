// Package config loads the fleet runtime configuration: the service-level
// settings, the MCP server list, and the realtime instructions file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
)

// ServerDef describes one configured MCP server. Definitions are immutable
// within a config generation.
type ServerDef struct {
	ID             string   `json:"id"`
	Command        string   `json:"command"`
	Args           []string `json:"args,omitempty"`
	Description    string   `json:"description,omitempty"`
	Enabled        bool     `json:"enabled"`
	TrackResources bool     `json:"trackResources,omitempty"`
}

// Equal reports whether two definitions would spawn the same process.
func (d ServerDef) Equal(other ServerDef) bool {
	if d.ID != other.ID || d.Command != other.Command || d.Enabled != other.Enabled {
		return false
	}
	if d.TrackResources != other.TrackResources {
		return false
	}
	if len(d.Args) != len(other.Args) {
		return false
	}
	for i, a := range d.Args {
		if a != other.Args[i] {
			return false
		}
	}
	return true
}

type serverFile struct {
	Servers []rawServer `json:"servers"`
}

// rawServer uses pointers so absent fields can be told apart from zero
// values when applying defaults and reporting violations.
type rawServer struct {
	ID             *string  `json:"id"`
	Command        *string  `json:"command"`
	Args           []string `json:"args"`
	Description    *string  `json:"description"`
	Enabled        *bool    `json:"enabled"`
	TrackResources *bool    `json:"trackResources"`
}

// LoadServers reads and validates the MCP server list from a JSON file.
// A missing file yields an empty list with a warning; any structural
// violation is fatal and reported with the file path and offending entry.
func LoadServers(path string, logger *slog.Logger) ([]ServerDef, error) {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("server config file not found, starting with an empty fleet", "path", path)
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var file serverFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	defs := make([]ServerDef, 0, len(file.Servers))
	seen := make(map[string]int, len(file.Servers))
	for i, raw := range file.Servers {
		if raw.ID == nil || *raw.ID == "" {
			return nil, fmt.Errorf("%s: servers[%d]: id must be a non-empty string", path, i)
		}
		if prev, dup := seen[*raw.ID]; dup {
			return nil, fmt.Errorf("%s: servers[%d]: duplicate id %q (first seen at servers[%d])", path, i, *raw.ID, prev)
		}
		seen[*raw.ID] = i

		if raw.Command == nil || *raw.Command == "" {
			return nil, fmt.Errorf("%s: servers[%d] (%s): command must be a non-empty string", path, i, *raw.ID)
		}

		def := ServerDef{
			ID:      *raw.ID,
			Command: *raw.Command,
			Args:    raw.Args,
			Enabled: true,
		}
		if raw.Description != nil {
			def.Description = *raw.Description
		}
		if raw.Enabled != nil {
			def.Enabled = *raw.Enabled
		}
		if raw.TrackResources != nil {
			def.TrackResources = *raw.TrackResources
		}
		defs = append(defs, def)
	}

	return defs, nil
}
