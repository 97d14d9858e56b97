package kiro

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
)

// storageVersion is the only version this store understands. Any other
// value on disk is treated as empty (never propagated as a parse error).
const storageVersion = 1

// lockStaleAfter and lockAttempts implement spec.md §4.D's advisory-lock
// contract: stale-after 10s, 5-attempt exponential backoff.
const (
	lockStaleAfter = 10 * time.Second
	lockAttempts   = 5
)

// accountsFile is the on-disk shape of kiro-accounts.json.
type accountsFile struct {
	Version     int        `json:"version"`
	Accounts    []*Account `json:"accounts"`
	ActiveIndex int        `json:"activeIndex"`
}

// Storage is the in-memory result of Store.Load.
type Storage struct {
	Accounts    []*Account
	ActiveIndex int
}

// Store persists the account fleet to a single JSON file under an advisory
// file lock, with atomic write-then-rename.
type Store struct {
	path     string
	lockPath string
}

// NewStore builds a Store rooted at path (typically
// kiro-accounts.json under the resolved config directory).
func NewStore(path string) *Store {
	return &Store{path: path, lockPath: path + ".lock"}
}

// Load reads the accounts file. A missing or corrupt file is treated as an
// empty store; an unrecognized version resets to empty and logs a warning.
// Load does not take the file lock: it is only safe to call at startup,
// before concurrent writers exist.
func (s *Store) Load() (*Storage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Storage{}, nil
		}
		log.Warnf("kiro store: failed to read %s, treating as empty: %v", s.path, err)
		return &Storage{}, nil
	}

	var file accountsFile
	if err := json.Unmarshal(data, &file); err != nil {
		log.Warnf("kiro store: corrupt accounts file %s, treating as empty: %v", s.path, err)
		return &Storage{}, nil
	}

	if file.Version != storageVersion {
		log.Warnf("kiro store: unknown version %d in %s, resetting to empty", file.Version, s.path)
		return &Storage{}, nil
	}

	return &Storage{Accounts: file.Accounts, ActiveIndex: file.ActiveIndex}, nil
}

// Save writes storage atomically: temp file in the same directory, fsync,
// then rename over the target, all under the advisory lock. A crash before
// the rename leaves the previous file intact.
func (s *Store) Save(storage *Storage) error {
	fileLock := flock.New(s.lockPath)
	ctx, cancel := context.WithTimeout(context.Background(), lockStaleAfter)
	defer cancel()

	locked, err := acquireWithBackoff(ctx, fileLock)
	if err != nil {
		return fmt.Errorf("kiro store: failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("kiro store: lock %s busy after %d attempts", s.lockPath, lockAttempts)
	}
	defer func() {
		if unlockErr := fileLock.Unlock(); unlockErr != nil {
			log.Warnf("kiro store: failed to release lock %s: %v", s.lockPath, unlockErr)
		}
	}()

	file := accountsFile{
		Version:     storageVersion,
		Accounts:    storage.Accounts,
		ActiveIndex: storage.ActiveIndex,
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("kiro store: marshal failed: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("kiro store: failed to create directory: %w", err)
	}

	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp.%d", filepath.Base(s.path), rand.Int63()))
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("kiro store: failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("kiro store: failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("kiro store: fsync failed: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("kiro store: close failed: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("kiro store: rename failed: %w", err)
	}

	return nil
}

// acquireWithBackoff retries TryLockContext up to lockAttempts times with
// exponential backoff, bounded by ctx's deadline (the "stale-after" window).
func acquireWithBackoff(ctx context.Context, l *flock.Flock) (bool, error) {
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < lockAttempts; attempt++ {
		locked, err := l.TryLockContext(ctx, 20*time.Millisecond)
		if err != nil && err != context.DeadlineExceeded {
			return false, err
		}
		if locked {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return false, nil
}

// DefaultConfigDir returns the platform-appropriate config directory for
// opencode: $XDG_CONFIG_HOME/opencode on Unix, %APPDATA%/opencode on Windows.
func DefaultConfigDir() (string, error) {
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("kiro store: %%APPDATA%% is not set")
		}
		return filepath.Join(appData, "opencode"), nil
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "opencode"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("kiro store: failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "opencode"), nil
}

// DefaultAccountsPath returns the default kiro-accounts.json location.
func DefaultAccountsPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "kiro-accounts.json"), nil
}
