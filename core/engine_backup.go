// core/engine_backup.go
package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// BackupConfig is the configuration surface consumed from the outside,
// held by the caller and passed to each Backup/BackupIncremental call; no
// ambient mutable state lives on the engine itself.
type BackupConfig struct {
	Sources          []string
	DestinationKind  string
	DestinationPath  string
	Password         string
	CompressionLevel int
	SplitSize        int64
	ExcludePatterns  []string
	MaxVersions      int
}

// BackupResult summarizes one completed (or empty) write-path execution.
// ArchivePaths holds the destination-relative paths of the encrypted
// archive parts this backup wrote, in write order.
type BackupResult struct {
	BackupID       int64
	BackupIDString string
	RunID          string
	FilesTotal     int
	SizeOriginal   int64
	SizeCompressed int64
	ArchivePaths   []string
	ScanErrors     []string
}

// BackupEngine orchestrates Scanner -> Compressor -> Encryptor ->
// StorageBackend, updating MetadataStore at each phase boundary. Both
// collaborators are constructor-time dependencies; the engine holds no
// other ambient state.
type BackupEngine struct {
	Store    *MetadataStore
	Backend  StorageBackend
	Observer ProgressObserver
}

// NewBackupEngine builds a BackupEngine over its required collaborators.
func NewBackupEngine(store *MetadataStore, backend StorageBackend) *BackupEngine {
	return &BackupEngine{Store: store, Backend: backend}
}

func validateBackupConfig(cfg BackupConfig) error {
	if len(cfg.Sources) == 0 {
		return wrapErr(KindConfiguration, "", fmt.Errorf("no source paths configured"))
	}
	if cfg.Password == "" {
		return wrapErr(KindConfiguration, "", ErrPasswordRequired)
	}
	if cfg.CompressionLevel < 0 || cfg.CompressionLevel > 9 {
		return wrapErr(KindConfiguration, "", ErrInvalidCompression)
	}
	if cfg.SplitSize < minSplitSize {
		return wrapErr(KindConfiguration, "", ErrInvalidSplitSize)
	}
	return nil
}

// checkDestination verifies the destination is reachable before any
// BackupRecord is created, so an unwritable destination surfaces as a
// configuration error rather than a mid-flight failure.
func (e *BackupEngine) checkDestination() error {
	if err := e.Backend.TestConnection(); err != nil {
		return wrapErr(KindConfiguration, "", err)
	}
	return nil
}

// sanitizeRoot renders a source root into a filesystem-safe archive-
// internal directory slug, so files from multiple source roots never
// collide inside one archive.
func sanitizeRoot(root string) string {
	clean := filepath.Clean(root)
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")
	return strings.Trim(replacer.Replace(clean), "_")
}

// sourceRootOf recovers the source root a FileRecord was scanned under,
// given its absolute source path and root-relative path.
func sourceRootOf(f FileRecord) string {
	suffix := filepath.FromSlash(f.RelativePath)
	root := strings.TrimSuffix(f.SourcePath, suffix)
	return strings.TrimRight(root, string(filepath.Separator))
}

// Backup captures everything the scanner finds under the configured
// sources into a fresh Full backup.
func (e *BackupEngine) Backup(cfg BackupConfig) (*BackupResult, error) {
	if err := validateBackupConfig(cfg); err != nil {
		return nil, err
	}
	if err := e.checkDestination(); err != nil {
		return nil, err
	}
	runID := uuid.NewString()

	enc, err := NewEncryptor(cfg.Password, nil)
	if err != nil {
		return nil, wrapErr(KindConfiguration, "", err)
	}

	id, err := e.Store.CreateBackupRecord(KindFull, cfg.DestinationKind, cfg.DestinationPath, enc.KeyHash(), enc.Salt(), nil)
	if err != nil {
		return nil, wrapErr(KindIOFatal, "", err)
	}
	rec, err := e.Store.GetBackup(id)
	if err != nil {
		return nil, wrapErr(KindIOFatal, fmt.Sprint(id), err)
	}
	backupIDStr := rec.BackupIDString()

	scanner := e.newScanner(cfg.ExcludePatterns)

	var files []ScannedFile
	var scanErrors []string

	emit(e.Observer, Progress{BackupID: backupIDStr, Phase: PhaseScanning})
	for _, root := range cfg.Sources {
		result, err := scanner.Scan(root, nil)
		if err != nil {
			return nil, e.fail(id, backupIDStr, runID, KindIOFatal, err)
		}
		scanErrors = append(scanErrors, result.Errors...)
		files = append(files, result.FilesToBackup()...)
	}

	if len(files) == 0 {
		if err := e.Store.MarkCompleted(id, 0); err != nil {
			return nil, wrapErr(KindIOFatal, backupIDStr, err)
		}
		e.runRotation(cfg.MaxVersions)
		return &BackupResult{BackupID: id, BackupIDString: backupIDStr, RunID: runID, ScanErrors: scanErrors}, nil
	}

	return e.writeArchivesAndFinish(id, backupIDStr, runID, enc, cfg, files, scanErrors)
}

// BackupIncremental captures only the changes relative to the most recent
// Completed backup, tombstoning files that disappeared since. It requires
// at least one Completed backup to exist before any work begins.
func (e *BackupEngine) BackupIncremental(cfg BackupConfig) (*BackupResult, error) {
	if err := validateBackupConfig(cfg); err != nil {
		return nil, err
	}
	if err := e.checkDestination(); err != nil {
		return nil, err
	}
	runID := uuid.NewString()

	completed, err := e.Store.GetAllBackups(string(StatusCompleted), 1)
	if err != nil {
		return nil, wrapErr(KindIOFatal, "", err)
	}
	if len(completed) == 0 {
		return nil, wrapErr(KindPrecondition, "", ErrNoCompletedBase)
	}
	base := completed[0]

	baseFiles, err := e.Store.GetBackupFiles(base.ID)
	if err != nil {
		return nil, wrapErr(KindIOFatal, "", err)
	}

	enc, err := NewEncryptor(cfg.Password, nil)
	if err != nil {
		return nil, wrapErr(KindConfiguration, "", err)
	}

	baseID := base.ID
	id, err := e.Store.CreateBackupRecord(KindIncremental, cfg.DestinationKind, cfg.DestinationPath, enc.KeyHash(), enc.Salt(), &baseID)
	if err != nil {
		return nil, wrapErr(KindIOFatal, "", err)
	}
	rec, err := e.Store.GetBackup(id)
	if err != nil {
		return nil, wrapErr(KindIOFatal, fmt.Sprint(id), err)
	}
	backupIDStr := rec.BackupIDString()

	scanner := e.newScanner(cfg.ExcludePatterns)

	var toBackup []ScannedFile
	var deleted []ScannedFile
	var scanErrors []string

	emit(e.Observer, Progress{BackupID: backupIDStr, Phase: PhaseScanning})
	for _, root := range cfg.Sources {
		prior := make(map[string]FileSnapshot)
		for _, f := range baseFiles {
			if f.Deleted {
				continue
			}
			if !underRoot(f.SourcePath, root) {
				continue
			}
			prior[f.RelativePath] = FileSnapshot{RelativePath: f.RelativePath, Size: f.Size, ModTime: f.ModTime}
		}

		result, err := scanner.Scan(root, prior)
		if err != nil {
			return nil, e.fail(id, backupIDStr, runID, KindIOFatal, err)
		}
		scanErrors = append(scanErrors, result.Errors...)
		toBackup = append(toBackup, result.FilesToBackup()...)
		deleted = append(deleted, result.Deleted...)
	}

	for _, d := range deleted {
		if err := e.Store.AddFileToBackup(FileRecord{
			BackupID: id, SourcePath: d.AbsPath, RelativePath: d.RelativePath, Deleted: true,
		}); err != nil {
			return nil, e.fail(id, backupIDStr, runID, KindIOFatal, err)
		}
	}

	if len(toBackup) == 0 {
		if err := e.Store.MarkCompleted(id, 0); err != nil {
			return nil, wrapErr(KindIOFatal, backupIDStr, err)
		}
		e.runRotation(cfg.MaxVersions)
		return &BackupResult{BackupID: id, BackupIDString: backupIDStr, RunID: runID, ScanErrors: scanErrors}, nil
	}

	return e.writeArchivesAndFinish(id, backupIDStr, runID, enc, cfg, toBackup, scanErrors)
}

func (e *BackupEngine) newScanner(excludePatterns []string) *Scanner {
	s := NewScanner()
	if len(excludePatterns) > 0 {
		s.ExcludePatterns = excludePatterns
	}
	return s
}

// writeArchivesAndFinish implements steps 5-9 shared between full and
// incremental backups: create the destination directory, compress, encrypt
// each part, record FileRecords against their exact containing archive,
// mark completed, log, and rotate.
func (e *BackupEngine) writeArchivesAndFinish(id int64, backupIDStr, runID string, enc *Encryptor, cfg BackupConfig, files []ScannedFile, scanErrors []string) (*BackupResult, error) {
	destDir, err := os.MkdirTemp("", "scratbackup-stage-*")
	if err != nil {
		return nil, e.fail(id, backupIDStr, runID, KindIOFatal, err)
	}
	defer os.RemoveAll(destDir)

	remoteBackupDir := backupIDStr
	if err := e.Backend.CreateDir(remoteBackupDir); err != nil {
		return nil, e.fail(id, backupIDStr, runID, KindIOFatal, err)
	}

	compressor, err := NewCompressor(cfg.CompressionLevel, cfg.SplitSize)
	if err != nil {
		return nil, e.fail(id, backupIDStr, runID, KindConfiguration, err)
	}

	inputs := make([]CompressInput, 0, len(files))
	byArchivePath := make(map[string]ScannedFile, len(files))
	for _, f := range files {
		root := sourceRootOfScanned(f)
		archiveRel := filepath.ToSlash(filepath.Join(sanitizeRoot(root), f.RelativePath))
		inputs = append(inputs, CompressInput{AbsPath: f.AbsPath, RelativePath: archiveRel, Size: f.Size})
		byArchivePath[archiveRel] = f
	}

	emit(e.Observer, Progress{BackupID: backupIDStr, Phase: PhaseCompressing, FilesTotal: len(files)})
	parts, err := compressor.Compress(inputs, filepath.Join(destDir, "data.7z"))
	if err != nil {
		return nil, e.fail(id, backupIDStr, runID, KindIOFatal, err)
	}

	var sizeOriginal, sizeCompressed int64
	for i := range files {
		sizeOriginal += files[i].Size
	}

	var processed int
	var archivePaths []string
	for _, part := range parts {
		emit(e.Observer, Progress{BackupID: backupIDStr, Phase: PhaseEncrypting, FilesTotal: len(files), FilesProcessed: processed})

		encPath := part.Path + ".enc"
		if err := enc.EncryptFile(part.Path, encPath); err != nil {
			return nil, e.fail(id, backupIDStr, runID, KindIOFatal, err)
		}
		if err := os.Remove(part.Path); err != nil {
			return nil, e.fail(id, backupIDStr, runID, KindIOFatal, err)
		}

		if fi, statErr := os.Stat(encPath); statErr == nil {
			sizeCompressed += fi.Size()
		}

		archiveName := filepath.Base(encPath)
		if err := e.Backend.Upload(encPath, remoteBackupDir+"/"+archiveName, nil); err != nil {
			return nil, e.fail(id, backupIDStr, runID, KindIOFatal, err)
		}
		archivePaths = append(archivePaths, remoteBackupDir+"/"+archiveName)

		for _, archiveRel := range part.Files {
			sf := byArchivePath[archiveRel]
			if err := e.Store.AddFileToBackup(FileRecord{
				BackupID:     id,
				SourcePath:   sf.AbsPath,
				RelativePath: sf.RelativePath,
				Size:         sf.Size,
				ModTime:      sf.ModTime,
				ArchiveName:  archiveName,
				ArchivePath:  remoteBackupDir + "/" + archiveName,
			}); err != nil {
				return nil, e.fail(id, backupIDStr, runID, KindIOFatal, err)
			}
			processed++
		}

		if err := e.Store.UpdateBackupProgress(id, processed, sizeOriginal, sizeCompressed); err != nil {
			return nil, e.fail(id, backupIDStr, runID, KindIOFatal, err)
		}
	}

	emit(e.Observer, Progress{BackupID: backupIDStr, Phase: PhaseSavingMetadata, FilesTotal: len(files), FilesProcessed: processed})
	if err := e.Store.MarkCompleted(id, len(files)); err != nil {
		return nil, e.fail(id, backupIDStr, runID, KindIOFatal, err)
	}
	_ = e.Store.AddLog("info", fmt.Sprintf("backup %s completed: %d files", backupIDStr, len(files)), &id, runID)

	emit(e.Observer, Progress{BackupID: backupIDStr, Phase: PhaseDone, FilesTotal: len(files), FilesProcessed: processed})

	e.runRotation(cfg.MaxVersions)

	return &BackupResult{
		BackupID:       id,
		BackupIDString: backupIDStr,
		RunID:          runID,
		FilesTotal:     len(files),
		SizeOriginal:   sizeOriginal,
		SizeCompressed: sizeCompressed,
		ArchivePaths:   archivePaths,
		ScanErrors:     scanErrors,
	}, nil
}

func sourceRootOfScanned(f ScannedFile) string {
	suffix := filepath.FromSlash(f.RelativePath)
	root := strings.TrimSuffix(f.AbsPath, suffix)
	return strings.TrimRight(root, string(filepath.Separator))
}

// underRoot reports whether path lies under root as a path component
// boundary, so root "/a/b" never claims "/a/bc/x".
func underRoot(path, root string) bool {
	root = strings.TrimRight(filepath.Clean(root), string(filepath.Separator))
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// fail implements the write-path failure semantics: append an error log
// bound to the backup id, mark the record Failed, and return the wrapped
// cause. Archive parts already uploaded to the destination are left in place
// for operator inspection; the local staging directory is still removed.
func (e *BackupEngine) fail(id int64, backupIDStr, runID string, kind ErrorKind, cause error) error {
	_ = e.Store.AddLog("error", cause.Error(), &id, runID)
	_ = e.Store.MarkFailed(id, cause.Error())
	return wrapErr(kind, backupIDStr, cause)
}

// runRotation enforces max_versions (default 3). Only the backups beyond
// the N most recent are rotation candidates; a candidate referenced as the
// base of any Completed backup listed when rotation starts is skipped, even
// if that referencing backup is itself removed in the same pass (a later
// rotation can then remove the no longer referenced base). This can leave
// more than N backups behind when an incremental chain anchors an old Full.
func (e *BackupEngine) runRotation(maxVersions int) {
	if maxVersions <= 0 {
		maxVersions = 3
	}

	completed, err := e.Store.GetAllBackups(string(StatusCompleted), 0)
	if err != nil {
		return
	}
	if len(completed) <= maxVersions {
		return
	}

	baseIDs := make(map[int64]bool)
	for _, b := range completed {
		if b.BaseBackupID.Valid {
			baseIDs[b.BaseBackupID.Int64] = true
		}
	}

	// completed is ordered timestamp DESC; everything past index
	// maxVersions-1 is a deletion candidate, oldest last.
	for i := len(completed) - 1; i >= maxVersions; i-- {
		candidate := completed[i]
		if baseIDs[candidate.ID] {
			continue
		}
		_ = e.Backend.DeleteDir(candidate.BackupIDString(), true)
		_ = e.Store.DeleteBackup(candidate.ID)
	}
}
