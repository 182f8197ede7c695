package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stockpulse/pipeline/internal/database"
)

const (
	backupPrefix     = "pipeline-backup-"
	backupTimeLayout = "20060102-150405"
	minRetained      = 3
)

// BackupService snapshots the ledger database and ships compressed archives
// to object storage.
type BackupService struct {
	db            *database.DB
	store         *ObjectStore
	workDir       string
	retentionDays int
	log           zerolog.Logger
}

// NewBackupService wires the ledger database to an object store destination.
func NewBackupService(db *database.DB, store *ObjectStore, workDir string, retentionDays int, log zerolog.Logger) *BackupService {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &BackupService{
		db:            db,
		store:         store,
		workDir:       workDir,
		retentionDays: retentionDays,
		log:           log.With().Str("component", "backup").Logger(),
	}
}

type backupMetadata struct {
	CreatedAt    time.Time `json:"created_at"`
	Database     string    `json:"database"`
	SnapshotSize int64     `json:"snapshot_size"`
	SHA256       string    `json:"sha256"`
}

// Backup snapshots the ledger, archives it with a checksum manifest and
// uploads the archive. The snapshot is a consistent copy taken while the
// database stays live.
func (b *BackupService) Backup(ctx context.Context) (string, error) {
	started := time.Now().UTC()
	key := backupPrefix + started.Format(backupTimeLayout) + ".tar.gz"

	staging, err := os.MkdirTemp(b.workDir, "backup-*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	snapshotPath := filepath.Join(staging, b.db.Name()+".db")
	if err := b.snapshot(ctx, snapshotPath); err != nil {
		return "", err
	}

	checksum, size, err := fileChecksum(snapshotPath)
	if err != nil {
		return "", err
	}

	meta := backupMetadata{
		CreatedAt:    started,
		Database:     b.db.Name(),
		SnapshotSize: size,
		SHA256:       checksum,
	}
	metaPath := filepath.Join(staging, "metadata.json")
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode backup metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, metaJSON, 0o644); err != nil {
		return "", fmt.Errorf("failed to write backup metadata: %w", err)
	}

	archivePath := filepath.Join(staging, "archive.tar.gz")
	if err := writeArchive(archivePath, []string{snapshotPath, metaPath}); err != nil {
		return "", err
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	if err := b.store.Upload(ctx, key, archive); err != nil {
		return "", err
	}

	b.log.Info().
		Str("key", key).
		Int64("snapshot_bytes", size).
		Dur("took", time.Since(started)).
		Msg("Backup uploaded")
	return key, nil
}

// snapshot writes a consistent point-in-time copy of the live database.
func (b *BackupService) snapshot(ctx context.Context, dest string) error {
	escaped := strings.ReplaceAll(dest, "'", "''")
	if _, err := b.db.Conn().ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", escaped)); err != nil {
		return fmt.Errorf("failed to snapshot database: %w", err)
	}
	return nil
}

// BackupInfo describes one stored backup.
type BackupInfo struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// ListBackups returns stored backups, newest first.
func (b *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := b.store.List(ctx, backupPrefix)
	if err != nil {
		return nil, err
	}

	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		createdAt, ok := parseBackupTime(obj.Key)
		if !ok {
			continue
		}
		backups = append(backups, BackupInfo{
			Key:       obj.Key,
			Size:      obj.Size,
			CreatedAt: createdAt,
		})
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// RotateOldBackups deletes backups past the retention window while always
// keeping the newest few regardless of age. Returns the number deleted.
func (b *BackupService) RotateOldBackups(ctx context.Context) (int, error) {
	backups, err := b.ListBackups(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -b.retentionDays)
	deleted := 0
	for i, backup := range backups {
		if i < minRetained {
			continue
		}
		if backup.CreatedAt.After(cutoff) {
			continue
		}
		if err := b.store.Delete(ctx, backup.Key); err != nil {
			return deleted, err
		}
		deleted++
	}
	if deleted > 0 {
		b.log.Info().Int("deleted", deleted).Int("kept", len(backups)-deleted).Msg("Old backups rotated")
	}
	return deleted, nil
}

// parseBackupTime extracts the timestamp embedded in a backup key.
func parseBackupTime(key string) (time.Time, bool) {
	name := strings.TrimPrefix(key, backupPrefix)
	name = strings.TrimSuffix(name, ".tar.gz")
	parsed, err := time.Parse(backupTimeLayout, name)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

func fileChecksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

func writeArchive(dest string, files []string) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, path := range files {
		if err := addToArchive(tw, path); err != nil {
			return err
		}
	}
	return nil
}

func addToArchive(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to build tar header for %s: %w", path, err)
	}
	header.Name = filepath.Base(path)

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", path, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("failed to archive %s: %w", path, err)
	}
	return nil
}
