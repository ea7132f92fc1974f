package memory

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nexus-trading/trenchwatch/internal/coin"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Store persistence: gob-encoded snapshots written via temp file + rename
// ---------------------------------------------------------------------------

type storeSnapshot struct {
	Coins      map[string]*coin.Coin
	Discovered map[string]time.Time
	Admins     map[string]coin.Admin
	Stats      map[string]coin.AdminStats
	Snipes     map[string]time.Time
	Settings   map[string][]byte
	CreatedAt  time.Time
}

// SaveSnapshot writes the full store state to path.
func (s *Store) SaveSnapshot(path string) error {
	s.mu.RLock()
	snap := storeSnapshot{
		Coins:      make(map[string]*coin.Coin, len(s.coins)),
		Discovered: make(map[string]time.Time, len(s.discovered)),
		Admins:     make(map[string]coin.Admin, len(s.admins)),
		Stats:      make(map[string]coin.AdminStats, len(s.stats)),
		Snipes:     make(map[string]time.Time, len(s.snipes)),
		Settings:   make(map[string][]byte, len(s.settings)),
		CreatedAt:  time.Now(),
	}
	for k, v := range s.coins {
		snap.Coins[k] = v.Clone()
	}
	for k, v := range s.discovered {
		snap.Discovered[k] = v
	}
	for k, v := range s.admins {
		snap.Admins[k] = v
	}
	for k, v := range s.stats {
		snap.Stats[k] = v
	}
	for k, v := range s.snipes {
		snap.Snipes[k] = v
	}
	for k, v := range s.settings {
		snap.Settings[k] = append([]byte(nil), v...)
	}
	s.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("memory: create snapshot dir: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("memory: create snapshot file: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(&snap); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("memory: encode snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("memory: close snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("memory: rename snapshot: %w", err)
	}

	log.Debug().
		Int("coins", len(snap.Coins)).
		Int("admins", len(snap.Admins)).
		Str("path", path).
		Msg("memory: snapshot saved")
	return nil
}

// LoadSnapshot replaces the store state with the snapshot at path. A missing
// or empty file leaves the store empty.
func (s *Store) LoadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", path).Msg("memory: no snapshot found, starting fresh")
			return nil
		}
		return fmt.Errorf("memory: open snapshot: %w", err)
	}
	defer f.Close()

	var snap storeSnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		if errors.Is(err, io.EOF) {
			log.Warn().Str("path", path).Msg("memory: empty snapshot, starting fresh")
			return nil
		}
		return fmt.Errorf("memory: decode snapshot: %w", err)
	}

	s.mu.Lock()
	s.reset()
	for _, c := range snap.Coins {
		if c == nil || c.Address == "" {
			continue
		}
		s.insertLocked(c)
	}
	for k, v := range snap.Discovered {
		s.discovered[k] = v
	}
	for k, v := range snap.Admins {
		s.admins[k] = v
	}
	for k, v := range snap.Stats {
		s.stats[k] = v
	}
	for k, v := range snap.Snipes {
		s.snipes[k] = v
	}
	for k, v := range snap.Settings {
		s.settings[k] = v
	}
	s.mu.Unlock()

	log.Info().
		Int("coins", len(snap.Coins)).
		Int("admins", len(snap.Admins)).
		Time("created_at", snap.CreatedAt).
		Str("path", path).
		Msg("memory: snapshot loaded")
	return nil
}

// SnapshotLoop saves periodically until stop is closed, then saves once more.
func (s *Store) SnapshotLoop(path string, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			if err := s.SaveSnapshot(path); err != nil {
				log.Error().Err(err).Msg("memory: final snapshot failed")
			}
			return
		case <-ticker.C:
			if err := s.SaveSnapshot(path); err != nil {
				log.Error().Err(err).Msg("memory: periodic snapshot failed")
			}
		}
	}
}

// SnapshotInfo describes a snapshot file without loading it.
type SnapshotInfo struct {
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
	Exists    bool      `json:"exists"`
}

func GetSnapshotInfo(path string) SnapshotInfo {
	info, err := os.Stat(path)
	if err != nil {
		return SnapshotInfo{Path: path}
	}
	return SnapshotInfo{
		Path:      path,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
		Exists:    true,
	}
}
