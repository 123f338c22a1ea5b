package accountpool

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// FileStore persists Config as a single JSON file, written atomically via a
// temp-file-then-rename so a crash mid-write never corrupts the existing
// document. The teacher's own per-account FileTokenStore writes in place
// after an equality check, which does not give this guarantee; the spec
// requires atomic replacement (§6), so this is authored fresh using the
// standard os.CreateTemp+os.Rename idiom rather than adapting that file.
type FileStore struct {
	path string
}

// NewFileStore returns a Store backed by the JSON file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

var fileStoreLog = log.WithField("component", "accountpool.filestore")

// Load reads the config file. A missing file is not an error; it returns an
// empty Config so initialize() can fall through to the single-account
// fallback path.
func (s *FileStore) Load() (*Config, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg atomically: marshal, write to a temp file in the same
// directory (so the rename is on the same filesystem), fsync, then rename
// over the destination path.
func (s *FileStore) Save(cfg *Config) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	tmpPath = ""
	fileStoreLog.WithField("path", s.path).Debug("persisted account pool config")
	return nil
}
