package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestBackupEngine(t *testing.T) (*BackupEngine, *MetadataStore, string) {
	t.Helper()
	store := openTestStore(t)
	destRoot := t.TempDir()
	backend := NewLocalBackend(destRoot)
	require.NoError(t, backend.Connect())
	engine := NewBackupEngine(store, backend)
	return engine, store, destRoot
}

func baseBackupConfig(sources []string) BackupConfig {
	return BackupConfig{
		Sources:          sources,
		DestinationKind:  "local",
		Password:         "correct horse battery staple",
		CompressionLevel: 1,
		SplitSize:        DefaultSplitSize,
		MaxVersions:      3,
	}
}

func TestBackupEngine_FullBackupRecordsFiles(t *testing.T) {
	engine, store, _ := newTestBackupEngine(t)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "b.txt"), []byte("world"), 0644))

	result, err := engine.Backup(baseBackupConfig([]string{srcDir}))
	require.NoError(t, err)
	require.Equal(t, 2, result.FilesTotal)

	rec, err := store.GetBackup(result.BackupID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, rec.Status)
	require.Equal(t, KindFull, rec.Kind)

	files, err := store.GetBackupFiles(result.BackupID)
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, f := range files {
		require.NotEmpty(t, f.ArchiveName)
		require.NotEmpty(t, f.ArchivePath)
	}
}

func TestBackupEngine_FullBackupWithNoFilesStillCompletes(t *testing.T) {
	engine, store, _ := newTestBackupEngine(t)
	srcDir := t.TempDir() // empty

	result, err := engine.Backup(baseBackupConfig([]string{srcDir}))
	require.NoError(t, err)
	require.Equal(t, 0, result.FilesTotal)

	rec, err := store.GetBackup(result.BackupID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, rec.Status)
}

func TestBackupEngine_IncrementalRequiresCompletedBase(t *testing.T) {
	engine, _, _ := newTestBackupEngine(t)
	srcDir := t.TempDir()

	_, err := engine.BackupIncremental(baseBackupConfig([]string{srcDir}))
	require.ErrorIs(t, err, ErrNoCompletedBase)
}

func TestBackupEngine_IncrementalCapturesModifyAndDelete(t *testing.T) {
	engine, store, _ := newTestBackupEngine(t)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "b.txt"), []byte("world"), 0644))

	full, err := engine.Backup(baseBackupConfig([]string{srcDir}))
	require.NoError(t, err)
	require.Equal(t, 2, full.FilesTotal)

	newModTime := time.Now().Add(5 * time.Second)
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("HELLO!"), 0644))
	require.NoError(t, os.Chtimes(filepath.Join(srcDir, "a.txt"), newModTime, newModTime))
	require.NoError(t, os.Remove(filepath.Join(srcDir, "b.txt")))

	inc, err := engine.BackupIncremental(baseBackupConfig([]string{srcDir}))
	require.NoError(t, err)
	require.Equal(t, 1, inc.FilesTotal) // only a.txt re-archived

	incRec, err := store.GetBackup(inc.BackupID)
	require.NoError(t, err)
	require.Equal(t, KindIncremental, incRec.Kind)
	require.True(t, incRec.BaseBackupID.Valid)
	require.Equal(t, full.BackupID, incRec.BaseBackupID.Int64)

	files, err := store.GetBackupFiles(inc.BackupID)
	require.NoError(t, err)
	var sawDeleted, sawModified bool
	for _, f := range files {
		if f.Deleted && f.RelativePath == "b.txt" {
			sawDeleted = true
		}
		if !f.Deleted && f.RelativePath == "a.txt" {
			sawModified = true
		}
	}
	require.True(t, sawDeleted, "b.txt should be tombstoned")
	require.True(t, sawModified, "a.txt should be re-recorded")
}

func TestBackupEngine_RotationPreservesIncrementalBase(t *testing.T) {
	engine, store, _ := newTestBackupEngine(t)
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("1"), 0644))

	cfg := baseBackupConfig([]string{srcDir})
	cfg.MaxVersions = 1

	full, err := engine.Backup(cfg)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "b.txt"), []byte("2"), 0644))
	_, err = engine.BackupIncremental(cfg)
	require.NoError(t, err)

	// A second full backup would normally push the rotation count over
	// MaxVersions=1; the first full must survive because an incremental
	// still depends on it as its base. Sleep past the one-second id
	// resolution so the two fulls get distinct destination directories.
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "c.txt"), []byte("3"), 0644))
	second, err := engine.Backup(cfg)
	require.NoError(t, err)

	rec, err := store.GetBackup(full.BackupID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, rec.Status)

	// The newest backup is never a rotation candidate.
	rec, err = store.GetBackup(second.BackupID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, rec.Status)
}

func TestBackupEngine_RotationKeepsNMostRecent(t *testing.T) {
	engine, store, destRoot := newTestBackupEngine(t)
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("x"), 0644))

	cfg := baseBackupConfig([]string{srcDir})
	cfg.MaxVersions = 3

	var results []*BackupResult
	for i := 0; i < 4; i++ {
		if i > 0 {
			time.Sleep(1100 * time.Millisecond) // distinct backup id strings
		}
		r, err := engine.Backup(cfg)
		require.NoError(t, err)
		results = append(results, r)
	}

	completed, err := store.GetAllBackups(string(StatusCompleted), 0)
	require.NoError(t, err)
	require.Len(t, completed, 3)

	// Oldest is gone from metadata and from the destination tree.
	_, err = store.GetBackup(results[0].BackupID)
	require.Error(t, err)
	_, err = os.Stat(filepath.Join(destRoot, results[0].BackupIDString))
	require.True(t, os.IsNotExist(err))

	// Survivors are the three most recent.
	for _, r := range results[1:] {
		rec, err := store.GetBackup(r.BackupID)
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, rec.Status)
	}
}

func TestBackupEngine_RecordsDestinationPath(t *testing.T) {
	engine, store, destRoot := newTestBackupEngine(t)
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("x"), 0644))

	cfg := baseBackupConfig([]string{srcDir})
	cfg.DestinationPath = destRoot

	result, err := engine.Backup(cfg)
	require.NoError(t, err)

	rec, err := store.GetBackup(result.BackupID)
	require.NoError(t, err)
	require.Equal(t, destRoot, rec.DestinationPath)
	require.Equal(t, "local", rec.DestinationKind)
}

func TestBackupEngine_ValidatesConfigBeforeAnyWork(t *testing.T) {
	engine, store, _ := newTestBackupEngine(t)

	_, err := engine.Backup(BackupConfig{})
	require.Error(t, err)
	var engErr *EngineError
	require.ErrorAs(t, err, &engErr)
	require.Equal(t, KindConfiguration, engErr.Kind)

	cfg := baseBackupConfig([]string{t.TempDir()})
	cfg.CompressionLevel = 11
	_, err = engine.Backup(cfg)
	require.ErrorIs(t, err, ErrInvalidCompression)

	cfg = baseBackupConfig([]string{t.TempDir()})
	cfg.SplitSize = 17
	_, err = engine.Backup(cfg)
	require.ErrorIs(t, err, ErrInvalidSplitSize)

	// No BackupRecord may exist after configuration failures.
	backups, err := store.GetAllBackups("", 0)
	require.NoError(t, err)
	require.Empty(t, backups)
}
