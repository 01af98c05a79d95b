// core/engine_restore.go
package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// RestoreConfig is the configuration surface for one restore invocation.
type RestoreConfig struct {
	Password           string
	RestoreToOriginal  bool
	OverwriteExisting  bool
	DestinationPath    string   // used when RestoreToOriginal is false
	Patterns           []string // optional glob filters for partial restore
}

// RestoreResult summarizes one completed restore.
type RestoreResult struct {
	RunID         string
	FilesRestored int
	FilesSkipped  int
	Warnings      []string
}

// RestoreEngine resolves a target (backup id or point in time), stages
// archives, decrypts, extracts, and places files.
type RestoreEngine struct {
	Store    *MetadataStore
	Backend  StorageBackend
	Observer ProgressObserver
}

// NewRestoreEngine builds a RestoreEngine over its required collaborators.
func NewRestoreEngine(store *MetadataStore, backend StorageBackend) *RestoreEngine {
	return &RestoreEngine{Store: store, Backend: backend}
}

// bootstrapEncryptor enforces the preconditions shared by every restore
// entry point: the backup must be Completed and carry a salt, and the
// supplied passphrase must re-derive the recorded key hash.
func bootstrapEncryptor(rec *BackupRecord, password string) (*Encryptor, error) {
	if rec.Status != StatusCompleted {
		return nil, wrapErr(KindNotRestorable, rec.BackupIDString(), ErrBackupNotCompleted)
	}
	if password == "" {
		return nil, wrapErr(KindConfiguration, rec.BackupIDString(), ErrPasswordRequired)
	}
	if len(rec.Salt) == 0 {
		return nil, wrapErr(KindNotRestorable, rec.BackupIDString(), ErrMissingSalt)
	}
	enc, err := NewEncryptor(password, rec.Salt)
	if err != nil {
		return nil, wrapErr(KindConfiguration, rec.BackupIDString(), err)
	}
	if rec.KeyHash != "" && enc.KeyHash() != rec.KeyHash {
		return nil, wrapErr(KindCrypto, rec.BackupIDString(), ErrInvalidPassword)
	}
	return enc, nil
}

// archiveEncryptor resolves the Encryptor that must decrypt an archive owned
// by backupID, caching one per backup id: every backup (full or incremental)
// derives its own fresh salt, so an effective file set spanning a Full plus
// several Incrementals requires a distinct key per owning backup, not one
// key for the whole restore.
func (e *RestoreEngine) archiveEncryptor(backupID int64, password string, cache map[int64]*Encryptor) (*Encryptor, error) {
	if enc, ok := cache[backupID]; ok {
		return enc, nil
	}
	rec, err := e.Store.GetBackup(backupID)
	if err != nil {
		return nil, wrapErr(KindIOFatal, fmt.Sprint(backupID), err)
	}
	enc, err := bootstrapEncryptor(rec, password)
	if err != nil {
		return nil, err
	}
	cache[backupID] = enc
	return enc, nil
}

// RestoreFullBackup reconstructs the state at the exact backup id.
func (e *RestoreEngine) RestoreFullBackup(id int64, cfg RestoreConfig) (*RestoreResult, error) {
	rec, err := e.Store.GetBackup(id)
	if err != nil {
		return nil, wrapErr(KindIOFatal, fmt.Sprint(id), err)
	}
	enc, err := bootstrapEncryptor(rec, cfg.Password)
	if err != nil {
		return nil, err
	}

	files, err := e.Store.GetBackupFiles(id)
	if err != nil {
		return nil, wrapErr(KindIOFatal, rec.BackupIDString(), err)
	}

	effective := make([]FileRecord, 0, len(files))
	for _, f := range files {
		if !f.Deleted {
			effective = append(effective, f)
		}
	}

	encCache := map[int64]*Encryptor{id: enc}
	return e.runPipeline(rec.BackupIDString(), uuid.NewString(), cfg.Password, encCache, effective, cfg)
}

// RestoreToPointInTime reconstructs the state current at timestamp t: the
// most recent Full at or before t, with every later in-range Incremental
// folded in (upserting changed files, dropping tombstoned ones).
func (e *RestoreEngine) RestoreToPointInTime(t time.Time, cfg RestoreConfig) (*RestoreResult, error) {
	completed, err := e.Store.GetAllBackups(string(StatusCompleted), 0)
	if err != nil {
		return nil, wrapErr(KindIOFatal, "", err)
	}

	var base *BackupRecord
	for i := range completed {
		b := completed[i]
		if b.Kind == KindFull && !b.Timestamp.After(t) {
			if base == nil || b.Timestamp.After(base.Timestamp) {
				bc := b
				base = &bc
			}
		}
	}
	if base == nil {
		return nil, wrapErr(KindPrecondition, "", ErrNoBaseFull)
	}

	enc, err := bootstrapEncryptor(base, cfg.Password)
	if err != nil {
		return nil, err
	}

	var chain []BackupRecord
	for _, b := range completed {
		if b.Kind == KindIncremental && b.BaseBackupID.Valid && b.BaseBackupID.Int64 == base.ID {
			if b.Timestamp.After(base.Timestamp) && !b.Timestamp.After(t) {
				chain = append(chain, b)
			}
		}
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i].Timestamp.Before(chain[j].Timestamp) })

	baseFiles, err := e.Store.GetBackupFiles(base.ID)
	if err != nil {
		return nil, wrapErr(KindIOFatal, base.BackupIDString(), err)
	}

	effective := make(map[string]FileRecord, len(baseFiles))
	for _, f := range baseFiles {
		if !f.Deleted {
			effective[f.SourcePath] = f
		}
	}

	for _, inc := range chain {
		incFiles, err := e.Store.GetBackupFiles(inc.ID)
		if err != nil {
			return nil, wrapErr(KindIOFatal, inc.BackupIDString(), err)
		}
		for _, f := range incFiles {
			if f.Deleted {
				delete(effective, f.SourcePath)
			} else {
				effective[f.SourcePath] = f
			}
		}
	}

	files := make([]FileRecord, 0, len(effective))
	for _, f := range effective {
		files = append(files, f)
	}

	encCache := map[int64]*Encryptor{base.ID: enc}
	return e.runPipeline(base.BackupIDString()+"_pit", uuid.NewString(), cfg.Password, encCache, files, cfg)
}

// runPipeline is the restore pipeline shared by both entry points: stage,
// decrypt, extract, place, tear down. Patterns (if set) restrict the
// operation to matching relative paths and, transitively, to the archives
// that contain them.
func (e *RestoreEngine) runPipeline(label, runID, password string, encCache map[int64]*Encryptor, files []FileRecord, cfg RestoreConfig) (*RestoreResult, error) {
	if len(cfg.Patterns) > 0 {
		filtered := files[:0:0]
		for _, f := range files {
			if matchesAnyPattern(f.RelativePath, cfg.Patterns) {
				filtered = append(filtered, f)
			}
		}
		files = filtered
	}

	result := &RestoreResult{RunID: runID}
	if len(files) == 0 {
		return result, nil
	}

	byArchive := make(map[string][]FileRecord)
	for _, f := range files {
		byArchive[f.ArchivePath] = append(byArchive[f.ArchivePath], f)
	}

	emit(e.Observer, Progress{BackupID: label, Phase: PhasePreparing, FilesTotal: len(files)})

	workDir, err := os.MkdirTemp("", "scratbackup-restore-*")
	if err != nil {
		return nil, wrapErr(KindIOFatal, label, err)
	}
	defer os.RemoveAll(workDir)

	compressor := &Compressor{}

	// Each archive is staged and extracted into its own subdirectory, keyed
	// by its full archive path rather than just its basename: a
	// point-in-time restore can stage archives from several backups at
	// once, and different backups reuse the same archive basename (e.g.
	// "data.7z.enc"), so a shared extraction directory would let one
	// backup's file silently overwrite another's before placement.
	extractDirFor := make(map[string]string, len(byArchive))

	var processed int
	for archivePath, recs := range byArchive {
		// Every FileRecord in one archive was written by the same backup
		// run, so the first record's BackupID identifies the owning
		// BackupRecord (and therefore the salt/key that archive was
		// encrypted with).
		enc, err := e.archiveEncryptor(recs[0].BackupID, password, encCache)
		if err != nil {
			return nil, err
		}

		archiveName := filepath.Base(archivePath)
		localName := sanitizeRoot(archivePath)
		encPath := filepath.Join(workDir, localName+".enc")
		plainPath := filepath.Join(workDir, localName)
		extractedDir := filepath.Join(workDir, "extracted", localName)
		extractDirFor[archivePath] = extractedDir

		emit(e.Observer, Progress{BackupID: label, Phase: PhaseDownloading, FilesTotal: len(files), FilesProcessed: processed, CurrentFile: archiveName})
		if present, err := e.Backend.Exists(archivePath); err == nil && !present {
			return nil, wrapErr(KindNotRestorable, label, fmt.Errorf("%w: %s", ErrArchiveMissing, archivePath))
		}
		if err := e.Backend.Download(archivePath, encPath, nil); err != nil {
			return nil, wrapErr(KindIOFatal, label, err)
		}

		emit(e.Observer, Progress{BackupID: label, Phase: PhaseDecrypting, FilesTotal: len(files), FilesProcessed: processed, CurrentFile: archiveName})
		if err := enc.DecryptFile(encPath, plainPath); err != nil {
			return nil, wrapErr(KindCrypto, label, err)
		}

		emit(e.Observer, Progress{BackupID: label, Phase: PhaseExtracting, FilesTotal: len(files), FilesProcessed: processed, CurrentFile: archiveName})
		if _, err := compressor.Extract(plainPath, extractedDir); err != nil {
			return nil, wrapErr(KindIOFatal, label, err)
		}

		processed += len(recs)
	}

	emit(e.Observer, Progress{BackupID: label, Phase: PhaseRestoring, FilesTotal: len(files)})

	var restored, skipped int
	for _, f := range files {
		root := sourceRootOf(f)
		archiveRel := filepath.ToSlash(filepath.Join(sanitizeRoot(root), f.RelativePath))
		stagedPath := filepath.Join(extractDirFor[f.ArchivePath], filepath.FromSlash(archiveRel))

		target := placementTarget(f, root, cfg)

		if info, statErr := os.Stat(target); statErr == nil {
			if info.IsDir() {
				result.Warnings = append(result.Warnings, fmt.Sprintf("replacing directory with file at %s", target))
				if err := os.RemoveAll(target); err != nil {
					return nil, wrapErr(KindIOFatal, label, err)
				}
			} else if !cfg.OverwriteExisting {
				skipped++
				continue
			}
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, wrapErr(KindIOFatal, label, err)
		}
		if err := copyWithProgress(stagedPath, target, nil); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("failed to place %s: %v", target, err))
			continue
		}
		restored++
	}

	emit(e.Observer, Progress{BackupID: label, Phase: PhaseDone, FilesTotal: len(files), FilesProcessed: restored + skipped})

	_ = e.Store.AddLog("info", fmt.Sprintf("restore %s complete: %d restored, %d skipped", label, restored, skipped), nil, runID)

	result.FilesRestored = restored
	result.FilesSkipped = skipped
	return result, nil
}

// placementTarget picks where a restored file lands. restore_to_original
// places the file back at its exact recorded source path; otherwise it
// lands under destination_path, namespaced by the source root's basename
// to keep multiple roots from colliding.
func placementTarget(f FileRecord, sourceRoot string, cfg RestoreConfig) string {
	if cfg.RestoreToOriginal && f.SourcePath != "" {
		return f.SourcePath
	}
	if sourceRoot == "" {
		return filepath.Join(cfg.DestinationPath, f.RelativePath)
	}
	return filepath.Join(cfg.DestinationPath, filepath.Base(sourceRoot), f.RelativePath)
}

// matchesAnyPattern reports whether name matches any of patterns using
// filepath.Match (glob/fnmatch semantics).
func matchesAnyPattern(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := filepath.Match(p, name); err == nil && ok {
			return true
		}
		if ok, err := filepath.Match(p, filepath.Base(name)); err == nil && ok {
			return true
		}
	}
	return false
}
