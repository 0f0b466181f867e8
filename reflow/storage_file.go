package reflow

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// StateDirEnv overrides the default state root.
	StateDirEnv = "REFLOW_STATE_DIR"

	xdgStateHomeEnv = "XDG_STATE_HOME"
	appName         = "reflow"
)

// StateDir returns the state root.
// Resolution order:
//  1. REFLOW_STATE_DIR (if set)
//  2. XDG_STATE_HOME/reflow (if XDG_STATE_HOME is set)
//  3. os.UserConfigDir()/reflow
func StateDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(StateDirEnv)); override != "" {
		return filepath.Abs(override)
	}
	if xdg := strings.TrimSpace(os.Getenv(xdgStateHomeEnv)); xdg != "" {
		root, err := filepath.Abs(xdg)
		if err != nil {
			return "", err
		}
		return filepath.Join(root, appName), nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	return filepath.Join(configDir, appName), nil
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// FileStorage keeps one json file per slot in a directory.
// Every process pointed at the same directory shares the slots, the way tabs share localStorage.
// Writes are atomic (temp file + rename) and last writer wins.
type FileStorage struct {
	dir string
}

func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStorage{
		dir: dir,
	}, nil
}

func NewFileStorageWithDefaults() (*FileStorage, error) {
	root, err := StateDir()
	if err != nil {
		return nil, err
	}
	return NewFileStorage(filepath.Join(root, "storage"))
}

func (self *FileStorage) Dir() string {
	return self.dir
}

func (self *FileStorage) path(key string) string {
	return filepath.Join(self.dir, unsafeKeyChars.ReplaceAllString(key, "_")+".json")
}

func (self *FileStorage) Get(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(self.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (self *FileStorage) Set(key string, data []byte) error {
	tmp, err := os.CreateTemp(self.dir, ".slot-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, self.path(key)); err != nil {
		return err
	}
	success = true
	return nil
}

func (self *FileStorage) Delete(key string) error {
	err := os.Remove(self.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
