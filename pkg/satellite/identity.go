package satellite

import (
	"cmp"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/MrWong99/dawn/pkg/dap2"
)

// identityNamespace is the name-based UUID namespace for identities derived
// from a hardware address.
var identityNamespace = uuid.MustParse("3d1f6a52-8c7e-4b09-a5d2-6e4f1c9b7a30")

const identitySchemaVersion = 1

// ErrNoIdentity is returned by [LoadIdentity] when the identity file does not
// exist.
var ErrNoIdentity = errors.New("satellite: identity file not found")

type identityFile struct {
	Version    int    `toml:"version"`
	UUID       string `toml:"uuid"`
	Name       string `toml:"name"`
	Location   string `toml:"location"`
	HardwareID string `toml:"hardware_id,omitempty"`
}

// HardwareIdentity derives a stable identity from a MAC address. The same
// address always yields the same UUID, so constrained devices need no
// persistent storage.
func HardwareIdentity(mac, name, location string) (dap2.Identity, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return dap2.Identity{}, fmt.Errorf("satellite: hardware address: %w", err)
	}
	return dap2.Identity{
		UUID:       uuid.NewSHA1(identityNamespace, hw).String(),
		Name:       name,
		Location:   location,
		HardwareID: hw.String(),
	}, nil
}

// LoadIdentity reads a TOML identity file.
func LoadIdentity(path string) (dap2.Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return dap2.Identity{}, ErrNoIdentity
		}
		return dap2.Identity{}, fmt.Errorf("satellite: read identity: %w", err)
	}
	var f identityFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return dap2.Identity{}, fmt.Errorf("satellite: decode identity %s: %w", path, err)
	}
	if f.Version > identitySchemaVersion {
		return dap2.Identity{}, fmt.Errorf("satellite: unsupported identity schema version %d (current %d)", f.Version, identitySchemaVersion)
	}
	id, err := uuid.Parse(f.UUID)
	if err != nil {
		return dap2.Identity{}, fmt.Errorf("satellite: identity %s: uuid %q: %w", path, f.UUID, err)
	}
	return dap2.Identity{
		UUID:       id.String(),
		Name:       f.Name,
		Location:   f.Location,
		HardwareID: f.HardwareID,
	}, nil
}

// SaveIdentity writes id to path, replacing the file atomically.
func SaveIdentity(path string, id dap2.Identity) error {
	data, err := toml.Marshal(identityFile{
		Version:    identitySchemaVersion,
		UUID:       id.UUID,
		Name:       id.Name,
		Location:   id.Location,
		HardwareID: id.HardwareID,
	})
	if err != nil {
		return fmt.Errorf("satellite: encode identity: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("satellite: create identity directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".identity-*.toml")
	if err != nil {
		return fmt.Errorf("satellite: create temp file: %w", err)
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("satellite: write identity: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("satellite: close identity: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("satellite: replace identity: %w", err)
	}
	return nil
}

// LoadOrCreateIdentity returns the identity stored at path. When the file
// does not exist a random identity is generated and saved; created reports
// that case. Non-empty name and location override the stored values without
// changing the UUID.
func LoadOrCreateIdentity(path, name, location string) (id dap2.Identity, created bool, err error) {
	id, err = LoadIdentity(path)
	switch {
	case errors.Is(err, ErrNoIdentity):
		id = dap2.Identity{UUID: uuid.NewString()}
		created = true
	case err != nil:
		return dap2.Identity{}, false, err
	}

	changed := created
	if name = strings.TrimSpace(name); name != "" && name != id.Name {
		id.Name, changed = name, true
	}
	if location = strings.TrimSpace(location); location != "" && location != id.Location {
		id.Location, changed = location, true
	}
	if id.Name == "" {
		host, _ := os.Hostname()
		id.Name, changed = cmp.Or(host, "satellite"), true
	}
	if changed {
		if err := SaveIdentity(path, id); err != nil {
			return dap2.Identity{}, false, err
		}
	}
	return id, created, nil
}

