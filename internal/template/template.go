// Package template loads initial room layouts from a directory of JSON or YAML
// files. A room uses <dir>/<roomID>.{json,yaml,yml} when present and the
// default template otherwise.
package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"cardroom/internal/room"
)

// ErrNotFound is returned when neither the room template nor the default exists.
var ErrNotFound = errors.New("template not found")

var extensions = []string{".json", ".yaml", ".yml"}

// Dir reads templates from a filesystem directory.
type Dir struct {
	fsys        fs.FS
	defaultName string
}

var _ room.Templates = (*Dir)(nil)

// NewDir returns a provider rooted at dir. defaultName is the base name of the
// fallback template, without extension.
func NewDir(dir, defaultName string) *Dir {
	return NewFS(os.DirFS(dir), defaultName)
}

// NewFS returns a provider over an arbitrary filesystem.
func NewFS(fsys fs.FS, defaultName string) *Dir {
	if defaultName == "" {
		defaultName = "default"
	}
	return &Dir{fsys: fsys, defaultName: defaultName}
}

// Load parses the template for roomID. Every call reads from disk and returns a
// fresh value, so callers may mutate it freely.
func (d *Dir) Load(ctx context.Context, roomID string) (*room.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var names []string
	if validName(roomID) {
		names = append(names, roomID)
	}
	names = append(names, d.defaultName)

	for _, name := range names {
		state, err := d.read(name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		state.ID = roomID
		return state, nil
	}
	return nil, fmt.Errorf("%w: room %q", ErrNotFound, roomID)
}

func (d *Dir) read(name string) (*room.State, error) {
	for _, ext := range extensions {
		file := name + ext
		data, err := fs.ReadFile(d.fsys, file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", file, err)
		}
		state, err := Parse(data, ext)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", file, err)
		}
		return state, nil
	}
	return nil, fs.ErrNotExist
}

// Parse decodes a template document. ext selects YAML for ".yaml" and ".yml";
// anything else is treated as JSON.
func Parse(data []byte, ext string) (*room.State, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert yaml: %w", err)
		}
		data = converted
	}

	var state room.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.Version < 0 {
		return nil, fmt.Errorf("negative baseline version %d", state.Version)
	}
	seen := make(map[string]struct{}, len(state.Cards))
	for _, c := range state.Cards {
		if c.ID == "" {
			return nil, errors.New("card without id")
		}
		if _, dup := seen[c.ID]; dup {
			return nil, fmt.Errorf("duplicate card id %q", c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return &state, nil
}

// validName rejects room ids that cannot name a file inside the template dir.
func validName(roomID string) bool {
	if roomID == "" || roomID == "." || roomID == ".." {
		return false
	}
	return !strings.ContainsAny(roomID, `/\`) && fs.ValidPath(roomID)
}
