package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRestoreEngine(t *testing.T, store *MetadataStore, destRoot string) *RestoreEngine {
	t.Helper()
	backend := NewLocalBackend(destRoot)
	require.NoError(t, backend.Connect())
	return NewRestoreEngine(store, backend)
}

func TestRestoreEngine_FullRoundTrip(t *testing.T) {
	store := openTestStore(t)
	destRoot := t.TempDir()
	backend := NewLocalBackend(destRoot)
	require.NoError(t, backend.Connect())
	backupEngine := NewBackupEngine(store, backend)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("hello"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "sub", "b.txt"), []byte("world"), 0644))

	cfg := baseBackupConfig([]string{srcDir})
	full, err := backupEngine.Backup(cfg)
	require.NoError(t, err)
	require.Equal(t, 2, full.FilesTotal)

	restoreEngine := newTestRestoreEngine(t, store, destRoot)
	destDir := t.TempDir()
	res, err := restoreEngine.RestoreFullBackup(full.BackupID, RestoreConfig{
		Password:        cfg.Password,
		DestinationPath: destDir,
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.FilesRestored)
	require.Zero(t, res.FilesSkipped)

	base := filepath.Base(srcDir)
	gotA, err := os.ReadFile(filepath.Join(destDir, base, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(gotA))

	gotB, err := os.ReadFile(filepath.Join(destDir, base, "sub", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "world", string(gotB))
}

func TestRestoreEngine_RestoreToOriginalPlacesAtSourcePath(t *testing.T) {
	store := openTestStore(t)
	destRoot := t.TempDir()
	backend := NewLocalBackend(destRoot)
	require.NoError(t, backend.Connect())
	backupEngine := NewBackupEngine(store, backend)

	srcDir := t.TempDir()
	srcFile := filepath.Join(srcDir, "a.txt")
	require.NoError(t, os.WriteFile(srcFile, []byte("original"), 0644))

	cfg := baseBackupConfig([]string{srcDir})
	full, err := backupEngine.Backup(cfg)
	require.NoError(t, err)

	// Overwrite the original on disk to prove restore puts it back.
	require.NoError(t, os.WriteFile(srcFile, []byte("tampered"), 0644))

	restoreEngine := newTestRestoreEngine(t, store, destRoot)
	res, err := restoreEngine.RestoreFullBackup(full.BackupID, RestoreConfig{
		Password:          cfg.Password,
		RestoreToOriginal: true,
		OverwriteExisting: true,
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.FilesRestored)

	got, err := os.ReadFile(srcFile)
	require.NoError(t, err)
	require.Equal(t, "original", string(got))
}

func TestRestoreEngine_WrongPasswordFails(t *testing.T) {
	store := openTestStore(t)
	destRoot := t.TempDir()
	backend := NewLocalBackend(destRoot)
	require.NoError(t, backend.Connect())
	backupEngine := NewBackupEngine(store, backend)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("hello"), 0644))

	cfg := baseBackupConfig([]string{srcDir})
	full, err := backupEngine.Backup(cfg)
	require.NoError(t, err)

	restoreEngine := newTestRestoreEngine(t, store, destRoot)
	_, err = restoreEngine.RestoreFullBackup(full.BackupID, RestoreConfig{
		Password:        "totally wrong password",
		DestinationPath: t.TempDir(),
	})
	require.ErrorIs(t, err, ErrInvalidPassword)
}

func TestRestoreEngine_OverwriteExistingFalseSkips(t *testing.T) {
	store := openTestStore(t)
	destRoot := t.TempDir()
	backend := NewLocalBackend(destRoot)
	require.NoError(t, backend.Connect())
	backupEngine := NewBackupEngine(store, backend)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("hello"), 0644))

	cfg := baseBackupConfig([]string{srcDir})
	full, err := backupEngine.Backup(cfg)
	require.NoError(t, err)

	destDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(destDir, filepath.Base(srcDir)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, filepath.Base(srcDir), "a.txt"), []byte("preexisting"), 0644))

	restoreEngine := newTestRestoreEngine(t, store, destRoot)
	res, err := restoreEngine.RestoreFullBackup(full.BackupID, RestoreConfig{
		Password:          cfg.Password,
		DestinationPath:   destDir,
		OverwriteExisting: false,
	})
	require.NoError(t, err)
	require.Equal(t, 0, res.FilesRestored)
	require.Equal(t, 1, res.FilesSkipped)

	got, err := os.ReadFile(filepath.Join(destDir, filepath.Base(srcDir), "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "preexisting", string(got))
}

func TestRestoreEngine_PartialRestoreByPattern(t *testing.T) {
	store := openTestStore(t)
	destRoot := t.TempDir()
	backend := NewLocalBackend(destRoot)
	require.NoError(t, backend.Connect())
	backupEngine := NewBackupEngine(store, backend)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "notes.md"), []byte("notes"), 0644))

	cfg := baseBackupConfig([]string{srcDir})
	full, err := backupEngine.Backup(cfg)
	require.NoError(t, err)
	require.Equal(t, 2, full.FilesTotal)

	restoreEngine := newTestRestoreEngine(t, store, destRoot)
	destDir := t.TempDir()
	res, err := restoreEngine.RestoreFullBackup(full.BackupID, RestoreConfig{
		Password:        cfg.Password,
		DestinationPath: destDir,
		Patterns:        []string{"*.txt"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.FilesRestored)

	_, err = os.Stat(filepath.Join(destDir, filepath.Base(srcDir), "a.txt"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(destDir, filepath.Base(srcDir), "notes.md"))
	require.True(t, os.IsNotExist(err))
}

func TestRestoreEngine_PointInTimeFoldsIncrementals(t *testing.T) {
	store := openTestStore(t)
	destRoot := t.TempDir()
	backend := NewLocalBackend(destRoot)
	require.NoError(t, backend.Connect())
	backupEngine := NewBackupEngine(store, backend)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "b.txt"), []byte("world"), 0644))

	cfg := baseBackupConfig([]string{srcDir})
	full, err := backupEngine.Backup(cfg)
	require.NoError(t, err)

	modTime := time.Now().Add(5 * time.Second)
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("HELLO!"), 0644))
	require.NoError(t, os.Chtimes(filepath.Join(srcDir, "a.txt"), modTime, modTime))
	require.NoError(t, os.Remove(filepath.Join(srcDir, "b.txt")))

	_, err = backupEngine.BackupIncremental(cfg)
	require.NoError(t, err)

	fullRec, err := store.GetBackup(full.BackupID)
	require.NoError(t, err)

	restoreEngine := newTestRestoreEngine(t, store, destRoot)
	destDir := t.TempDir()
	res, err := restoreEngine.RestoreToPointInTime(time.Now().Add(time.Hour), RestoreConfig{
		Password:        cfg.Password,
		DestinationPath: destDir,
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.FilesRestored) // only a.txt survives; b.txt was deleted

	got, err := os.ReadFile(filepath.Join(destDir, filepath.Base(srcDir), "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "HELLO!", string(got))

	_, err = os.Stat(filepath.Join(destDir, filepath.Base(srcDir), "b.txt"))
	require.True(t, os.IsNotExist(err))

	// Restoring to a point before the incremental should still see both files.
	early, err := restoreEngine.RestoreToPointInTime(fullRec.Timestamp.Add(time.Millisecond), RestoreConfig{
		Password:        cfg.Password,
		DestinationPath: t.TempDir(),
	})
	require.NoError(t, err)
	require.Equal(t, 2, early.FilesRestored)
}

func TestRestoreEngine_LegacyContainerRestoresIdentically(t *testing.T) {
	store := openTestStore(t)
	destRoot := t.TempDir()
	backend := NewLocalBackend(destRoot)
	require.NoError(t, backend.Connect())
	backupEngine := NewBackupEngine(store, backend)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("hello"), 0644))

	cfg := baseBackupConfig([]string{srcDir})
	full, err := backupEngine.Backup(cfg)
	require.NoError(t, err)

	// Re-encode the stored archive in the legacy single-blob form:
	// nonce(12) || ciphertext, no magic, no chunk framing.
	rec, err := store.GetBackup(full.BackupID)
	require.NoError(t, err)
	enc, err := NewEncryptor(cfg.Password, rec.Salt)
	require.NoError(t, err)

	files, err := store.GetBackupFiles(full.BackupID)
	require.NoError(t, err)
	require.NotEmpty(t, files)
	encPath := filepath.Join(destRoot, filepath.FromSlash(files[0].ArchivePath))

	plainArchive := filepath.Join(t.TempDir(), "data.7z")
	require.NoError(t, enc.DecryptFile(encPath, plainArchive))
	archiveBytes, err := os.ReadFile(plainArchive)
	require.NoError(t, err)

	ct, nonce, err := enc.EncryptBytes(archiveBytes, nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(encPath, append(nonce, ct...), 0644))

	restoreEngine := newTestRestoreEngine(t, store, destRoot)
	destDir := t.TempDir()
	res, err := restoreEngine.RestoreFullBackup(full.BackupID, RestoreConfig{
		Password:        cfg.Password,
		DestinationPath: destDir,
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.FilesRestored)

	got, err := os.ReadFile(filepath.Join(destDir, filepath.Base(srcDir), "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestRestoreEngine_MissingArchiveIsNotRestorable(t *testing.T) {
	store := openTestStore(t)
	destRoot := t.TempDir()
	backend := NewLocalBackend(destRoot)
	require.NoError(t, backend.Connect())
	backupEngine := NewBackupEngine(store, backend)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("hello"), 0644))

	cfg := baseBackupConfig([]string{srcDir})
	full, err := backupEngine.Backup(cfg)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(filepath.Join(destRoot, full.BackupIDString)))

	restoreEngine := newTestRestoreEngine(t, store, destRoot)
	_, err = restoreEngine.RestoreFullBackup(full.BackupID, RestoreConfig{
		Password:        cfg.Password,
		DestinationPath: t.TempDir(),
	})
	require.ErrorIs(t, err, ErrArchiveMissing)

	var engErr *EngineError
	require.ErrorAs(t, err, &engErr)
	require.Equal(t, KindNotRestorable, engErr.Kind)
}

func TestRestoreEngine_MissingSaltIsNotRestorable(t *testing.T) {
	store := openTestStore(t)
	id, err := store.CreateBackupRecord(KindFull, "local", "", "hash", nil, nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted(id, 0))

	restoreEngine := newTestRestoreEngine(t, store, t.TempDir())
	_, err = restoreEngine.RestoreFullBackup(id, RestoreConfig{Password: "pw", DestinationPath: t.TempDir()})
	require.ErrorIs(t, err, ErrMissingSalt)
}

func TestRestoreEngine_DirReplacesFileWarns(t *testing.T) {
	store := openTestStore(t)
	destRoot := t.TempDir()
	backend := NewLocalBackend(destRoot)
	require.NoError(t, backend.Connect())
	backupEngine := NewBackupEngine(store, backend)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("hello"), 0644))

	cfg := baseBackupConfig([]string{srcDir})
	full, err := backupEngine.Backup(cfg)
	require.NoError(t, err)

	destDir := t.TempDir()
	conflictDir := filepath.Join(destDir, filepath.Base(srcDir), "a.txt")
	require.NoError(t, os.MkdirAll(conflictDir, 0o755))

	restoreEngine := newTestRestoreEngine(t, store, destRoot)
	res, err := restoreEngine.RestoreFullBackup(full.BackupID, RestoreConfig{
		Password:          cfg.Password,
		DestinationPath:   destDir,
		OverwriteExisting: true,
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.FilesRestored)
	require.NotEmpty(t, res.Warnings)

	info, err := os.Stat(conflictDir)
	require.NoError(t, err)
	require.False(t, info.IsDir())
}
