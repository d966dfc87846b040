// Package identity manages this device's durable identifier: a string
// derived once from hostname, username, and a random UUID, persisted
// alongside its creation time and reused for the lifetime of the install.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/foden303/lanshare/internal/store"
)

// fileName is the well-known identity file within a data directory.
const fileName = "device_id.json"

// Identity is this device's self-identifier, loaded once at startup and
// held immutable thereafter.
type Identity struct {
	DeviceID  string    `json:"device_id"`
	CreatedAt time.Time `json:"created_at"`

	// Hostname is resolved fresh on every load, not persisted: a machine
	// rename should not require wiping device_id.json.
	Hostname string `json:"-"`
}

// LoadOrCreate reads device_id.json from dataDir, creating one on first run.
// A corrupt file is quarantined and a fresh identity is generated in its
// place, since a device identifier with no recoverable meaning is no better
// than a new one.
func LoadOrCreate(dataDir string) (*Identity, error) {
	path := fileNamePath(dataDir)

	if err := store.RecoverTemp(path); err != nil {
		return nil, err
	}

	var id Identity
	err := store.Load(path, &id)
	switch {
	case err == nil:
		id.Hostname = hostname()
		return &id, nil
	case os.IsNotExist(err):
		return create(path)
	default:
		if err := store.Quarantine(path); err != nil {
			return nil, err
		}
		return create(path)
	}
}

func create(path string) (*Identity, error) {
	id := &Identity{
		DeviceID:  fmt.Sprintf("%s-%s-%s", hostname(), username(), uuid.NewString()),
		CreatedAt: time.Now(),
		Hostname:  hostname(),
	}
	if err := store.Save(path, id); err != nil {
		return nil, fmt.Errorf("identity: save new device id: %w", err)
	}
	return id, nil
}

func fileNamePath(dataDir string) string {
	return filepath.Join(dataDir, fileName)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return h
}

func username() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	return "unknown"
}
