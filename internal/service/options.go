package service

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Options carries every configurable parameter named in the external
// interface, with the documented defaults.
type Options struct {
	DataDir     string `json:"data_dir"`
	DownloadDir string `json:"download_dir"`

	TCPPort int `json:"tcp_port"`
	UDPPort int `json:"udp_port"`

	ChunkSize int `json:"chunk_size"`

	AckTimeout        time.Duration `json:"ack_timeout"`
	MaxRetry          int           `json:"max_retry"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout"`
	ReconnectInterval time.Duration `json:"reconnect_interval"`
	MaxReconnectTries int           `json:"max_reconnect_attempts"`
	StateSyncInterval time.Duration `json:"state_sync_interval"`
	ChunksPerSync     int           `json:"chunks_per_sync"`
}

// DefaultOptions returns the spec-documented defaults, rooted under the
// user's home directory.
func DefaultOptions() Options {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".lan_share")

	return Options{
		DataDir:           dataDir,
		DownloadDir:       home,
		TCPPort:           9527,
		UDPPort:           9528,
		ChunkSize:         65536,
		AckTimeout:        60 * time.Second,
		MaxRetry:          3,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		ReconnectInterval: 5 * time.Second,
		MaxReconnectTries: 5,
		StateSyncInterval: 5 * time.Second,
		ChunksPerSync:     50,
	}
}

// configPath returns the well-known config file location under a data
// directory, independent of the data directory the loaded config itself
// names (the two may differ if a caller points --data-dir elsewhere).
func configPath(dataDir string) string {
	return filepath.Join(dataDir, "config.json")
}

// Load overlays a JSON config file at <dataDir>/config.json onto o's
// current values. A missing file is not an error; o is left untouched and
// the caller's defaults stand.
func (o *Options) Load(dataDir string) error {
	data, err := os.ReadFile(configPath(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, o)
}

// Save persists o to <dataDir>/config.json, creating the directory if
// necessary.
func (o *Options) Save(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(configPath(dataDir), data, 0o644)
}
