// internal/selfmod/editor/backup.go
package editor

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xkilldash9x/selfmod/internal/selfmod/fsutil"
	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
)

const backupExt = ".bak"

// backupName encodes the workspace-relative path and timestamp so the
// original location can be recovered from the file name alone.
func backupName(rel string, ts time.Time) string {
	enc := base64.RawURLEncoding.EncodeToString([]byte(filepath.ToSlash(rel)))
	return enc + "." + strconv.FormatInt(ts.UnixNano(), 10) + backupExt
}

// parseBackupName reverses backupName.
func parseBackupName(name string) (rel string, ts time.Time, err error) {
	trimmed, ok := strings.CutSuffix(name, backupExt)
	if !ok {
		return "", time.Time{}, fmt.Errorf("missing %s suffix", backupExt)
	}
	enc, nanos, ok := strings.Cut(trimmed, ".")
	if !ok {
		return "", time.Time{}, errors.New("missing timestamp")
	}
	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil || len(raw) == 0 {
		return "", time.Time{}, fmt.Errorf("invalid path encoding: %w", err)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	return filepath.FromSlash(string(raw)), time.Unix(0, n).UTC(), nil
}

// createBackup snapshots content for rel into the backup directory.
func (e *Engine) createBackup(rel string, content []byte) (*models.Backup, error) {
	if err := os.MkdirAll(e.backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	ts := e.now()
	name := backupName(rel, ts)
	// Two snapshots of one file inside the same clock tick get distinct names.
	for fsutil.Exists(filepath.Join(e.backupDir, name)) {
		ts = ts.Add(time.Nanosecond)
		name = backupName(rel, ts)
	}
	backupPath := filepath.Join(e.backupDir, name)

	if err := os.WriteFile(backupPath, content, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write backup: %w", err)
	}

	return &models.Backup{
		ID:           name,
		OriginalPath: rel,
		BackupPath:   backupPath,
		Timestamp:    ts.UTC(),
		Size:         int64(len(content)),
		Hash:         fsutil.ContentHash(content),
	}, nil
}

// ListBackups returns every backup in the backup directory, newest first.
// Files whose names do not decode are skipped.
func (e *Engine) ListBackups() ([]models.Backup, error) {
	entries, err := os.ReadDir(e.backupDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var backups []models.Backup
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		rel, ts, err := parseBackupName(entry.Name())
		if err != nil {
			continue
		}
		full := filepath.Join(e.backupDir, entry.Name())
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		backups = append(backups, models.Backup{
			ID:           entry.Name(),
			OriginalPath: rel,
			BackupPath:   full,
			Timestamp:    ts,
			Size:         int64(len(data)),
			Hash:         fsutil.ContentHash(data),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}
