package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/renqi/tradewind/internal/database"
)

const (
	archivePrefix     = "tradewind-backup-"
	archiveTimeLayout = "2006-01-02-150405"

	// Prune never deletes below this many archives, whatever the
	// configured retention says.
	minArchivesKept = 3
)

// BackupMetadata describes the contents of one backup archive.
type BackupMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Version   string             `json:"version"`
	Databases []DatabaseMetadata `json:"databases"`
	Journals  []JournalMetadata  `json:"journals"`
}

// DatabaseMetadata describes a single staged database copy.
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// JournalMetadata describes one journal file in the archive.
type JournalMetadata struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

// BackupInfo is one archive stored in the bucket.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// BackupService stages consistent database copies and journal files,
// archives them and ships the archive to the object store.
type BackupService struct {
	store       ObjectStore
	databases   map[string]*database.DB
	journalDirs []string
	stagingRoot string
	retention   int
	log         zerolog.Logger
}

// NewBackupService creates a backup service. journalDirs are walked for
// .jsonl files on every backup; retention is the number of archives
// kept remotely.
func NewBackupService(
	store ObjectStore,
	databases map[string]*database.DB,
	journalDirs []string,
	stagingRoot string,
	retention int,
	log zerolog.Logger,
) *BackupService {
	return &BackupService{
		store:       store,
		databases:   databases,
		journalDirs: journalDirs,
		stagingRoot: stagingRoot,
		retention:   retention,
		log:         log.With().Str("service", "backup").Logger(),
	}
}

// CreateAndUpload builds a backup archive and uploads it, returning the
// archive name. Databases are staged with VACUUM INTO so the copies are
// consistent even while trading is writing.
func (s *BackupService) CreateAndUpload(ctx context.Context) (string, error) {
	s.log.Info().Msg("Starting backup")
	startTime := time.Now()

	if err := os.MkdirAll(s.stagingRoot, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging root: %w", err)
	}
	staging, err := os.MkdirTemp(s.stagingRoot, "staging-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	sort.Strings(names)

	metadata := BackupMetadata{
		Timestamp: time.Now().UTC(),
		Version:   "1.0.0",
		Databases: make([]DatabaseMetadata, len(names)),
	}

	// Each database stages on its own connection, so copies run in
	// parallel.
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		db := s.databases[name]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			path := filepath.Join(staging, name+".db")
			s.log.Debug().Str("database", name).Msg("Staging database")

			if err := db.BackupTo(path); err != nil {
				return fmt.Errorf("failed to stage %s: %w", name, err)
			}
			if err := verifyStagedCopy(path); err != nil {
				return fmt.Errorf("staged copy of %s failed verification: %w", name, err)
			}

			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("failed to stat staged %s: %w", name, err)
			}
			checksum, err := fileChecksum(path)
			if err != nil {
				return fmt.Errorf("failed to checksum staged %s: %w", name, err)
			}

			metadata.Databases[i] = DatabaseMetadata{
				Name:      name,
				Filename:  name + ".db",
				SizeBytes: info.Size(),
				Checksum:  checksum,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	journals, err := s.collectJournals()
	if err != nil {
		return "", err
	}
	for _, j := range journals {
		metadata.Journals = append(metadata.Journals, JournalMetadata{Name: j.name, SizeBytes: j.size})
	}

	metadataPath := filepath.Join(staging, "backup-metadata.json")
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}

	archiveName := archivePrefix + time.Now().UTC().Format(archiveTimeLayout) + ".tar.gz"
	archivePath := filepath.Join(staging, archiveName)
	if err := s.createArchive(archivePath, staging, names, journals); err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := s.store.Upload(ctx, archiveName, archiveFile); err != nil {
		return "", err
	}

	s.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Str("archive", archiveName).
		Int64("size_bytes", archiveInfo.Size()).
		Int("journals", len(journals)).
		Msg("Backup completed successfully")

	return archiveName, nil
}

// ListBackups returns the archives in the bucket, newest first.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	backups := make([]BackupInfo, 0, len(objects))
	now := time.Now()

	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, archivePrefix) || !strings.HasSuffix(obj.Key, ".tar.gz") {
			continue
		}

		raw := strings.TrimSuffix(strings.TrimPrefix(obj.Key, archivePrefix), ".tar.gz")
		timestamp, err := time.Parse(archiveTimeLayout, raw)
		if err != nil {
			s.log.Warn().Str("key", obj.Key).Msg("Skipping object with unparseable timestamp")
			continue
		}

		backups = append(backups, BackupInfo{
			Filename:  obj.Key,
			Timestamp: timestamp,
			SizeBytes: obj.Size,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})

	return backups, nil
}

// Prune deletes archives beyond the retention count, keeping at least
// minArchivesKept regardless. Returns the number deleted.
func (s *BackupService) Prune(ctx context.Context) (int, error) {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return 0, err
	}

	keep := s.retention
	if keep < minArchivesKept {
		keep = minArchivesKept
	}
	if len(backups) <= keep {
		return 0, nil
	}

	deleted := 0
	for _, backup := range backups[keep:] {
		if err := s.store.Delete(ctx, backup.Filename); err != nil {
			s.log.Error().Err(err).Str("filename", backup.Filename).Msg("Failed to delete old backup")
			continue
		}
		s.log.Info().Str("filename", backup.Filename).Msg("Deleted old backup")
		deleted++
	}

	return deleted, nil
}

// journalFile is one source journal slated for the archive.
type journalFile struct {
	path string // absolute source path
	name string // archive-relative name
	size int64
}

// collectJournals walks the journal directories for .jsonl files.
// Missing directories are skipped: a fresh deployment has no journals
// yet.
func (s *BackupService) collectJournals() ([]journalFile, error) {
	var files []journalFile

	for _, dir := range s.journalDirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		base := filepath.Base(dir)

		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() || !strings.HasSuffix(info.Name(), ".jsonl") {
				return nil
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			files = append(files, journalFile{
				path: path,
				name: filepath.ToSlash(filepath.Join("journals", base, rel)),
				size: info.Size(),
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal directory %s: %w", dir, err)
		}
	}

	return files, nil
}

// createArchive writes the staged databases, the metadata file and the
// journal files into a tar.gz archive.
func (s *BackupService) createArchive(archivePath, staging string, dbNames []string, journals []journalFile) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, name := range dbNames {
		if err := addFileToArchive(tarWriter, filepath.Join(staging, name+".db"), name+".db"); err != nil {
			return fmt.Errorf("failed to add %s.db to archive: %w", name, err)
		}
	}
	if err := addFileToArchive(tarWriter, filepath.Join(staging, "backup-metadata.json"), "backup-metadata.json"); err != nil {
		return fmt.Errorf("failed to add metadata to archive: %w", err)
	}
	for _, j := range journals {
		if err := addFileToArchive(tarWriter, j.path, j.name); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", j.name, err)
		}
	}

	return nil
}

// addFileToArchive copies one file into the tar stream. The copy is
// capped at the header size because live journals can grow mid-archive.
func addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	if _, err := io.CopyN(tarWriter, file, info.Size()); err != nil {
		return err
	}

	return nil
}

// verifyStagedCopy opens the staged copy and runs an integrity check, so
// a corrupt artifact is never shipped.
func verifyStagedCopy(path string) error {
	copyDB, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open staged copy: %w", err)
	}
	defer copyDB.Close()

	var result string
	if err := copyDB.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}

	return nil
}

// fileChecksum returns the sha256 of a file, prefixed with the scheme.
func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

// writeMetadata writes the backup metadata as indented JSON.
func writeMetadata(path string, metadata BackupMetadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}
