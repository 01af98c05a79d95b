// core/taskrunner.go
package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
)

// TaskTrigger selects what fires a recurring backup task.
type TaskTrigger string

const (
	TriggerCron  TaskTrigger = "cron"
	TriggerWatch TaskTrigger = "watch"
)

// TaskConfig carries everything one recurring task needs to run a backup.
// It is a superset of BackupConfig plus the trigger parameters.
type TaskConfig struct {
	SourcePaths      []string
	DestinationDir   string
	DestinationKind  string
	ExcludePatterns  []string
	CompressionLevel int
	SplitSize        int64
	MaxVersions      int
	Password         string
	Incremental      bool
	CronExpr         string
	WatchPaths       []string
	WatchDebounceMs  int
}

// AsBackupConfig projects a TaskConfig onto the BackupEngine's input shape.
func (c TaskConfig) AsBackupConfig() BackupConfig {
	return BackupConfig{
		Sources:          c.SourcePaths,
		DestinationKind:  c.DestinationKind,
		DestinationPath:  c.DestinationDir,
		Password:         c.Password,
		CompressionLevel: c.CompressionLevel,
		SplitSize:        c.SplitSize,
		ExcludePatterns:  c.ExcludePatterns,
		MaxVersions:      c.MaxVersions,
	}
}

// BackupTask is one registered recurring backup.
type BackupTask struct {
	ID      string
	Name    string
	Trigger TaskTrigger
	Enabled bool
	Config  TaskConfig
}

// TaskOutcome records a task's most recent run: the run id and backup id
// string the engine minted, the encrypted archive parts it wrote, and
// whether an incremental firing was promoted to a full backup because the
// destination had no Completed base yet.
type TaskOutcome struct {
	RunID          string
	BackupIDString string
	ArchivePaths   []string
	FilesTotal     int
	RanAt          time.Time
	PromotedToFull bool
	Err            string
}

// TaskExecutor runs one backup for a firing task. The runner decides
// full vs incremental per call via the incremental flag.
type TaskExecutor func(ctx context.Context, cfg BackupConfig, incremental bool) (*BackupResult, error)

// TaskRunner arms cron- and watch-triggered backup tasks and funnels every
// firing through one TaskExecutor. Runs of the same task never overlap: a
// trigger landing mid-run marks the task for a single follow-up run.
type TaskRunner struct {
	mu       sync.Mutex
	tasks    map[string]*taskState
	executor TaskExecutor

	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

type taskState struct {
	task    BackupTask
	outcome *TaskOutcome

	cronEntry cron.EntryID

	watcher   *fsnotify.Watcher
	watchStop chan struct{}
	debounce  *time.Timer

	running bool
	rerun   bool
}

// NewTaskRunner builds a TaskRunner over the executor that will perform
// every firing. Tasks are registered with Upsert and armed by Start.
func NewTaskRunner(executor TaskExecutor) *TaskRunner {
	return &TaskRunner{
		tasks:    make(map[string]*taskState),
		executor: executor,
		cron:     cron.New(),
	}
}

// Start arms every enabled task. A task that fails to arm (bad cron
// expression, unwatchable path) records the failure as its outcome rather
// than blocking the rest.
func (tr *TaskRunner) Start() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.started {
		return
	}
	tr.ctx, tr.cancel = context.WithCancel(context.Background())
	tr.started = true
	tr.cron.Start()

	for id, st := range tr.tasks {
		if err := tr.armLocked(id); err != nil {
			st.outcome = &TaskOutcome{RanAt: time.Now(), Err: err.Error()}
		}
	}
}

// Stop disarms every task and cancels the context handed to in-flight
// executors.
func (tr *TaskRunner) Stop() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.started {
		return
	}

	if tr.cancel != nil {
		tr.cancel()
	}
	tr.cron.Stop()

	for id := range tr.tasks {
		tr.disarmLocked(id)
	}
	tr.started = false
}

// Upsert registers or replaces a task. The task's projected BackupConfig
// is validated up front so a misconfigured schedule fails at registration,
// not at its first unattended firing.
func (tr *TaskRunner) Upsert(task BackupTask) error {
	if err := validateBackupConfig(task.Config.AsBackupConfig()); err != nil {
		return err
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	st, ok := tr.tasks[task.ID]
	if !ok {
		st = &taskState{task: task}
		tr.tasks[task.ID] = st
	} else {
		st.task = task
	}

	if tr.started {
		return tr.armLocked(task.ID)
	}
	return nil
}

// Remove disarms and forgets a task.
func (tr *TaskRunner) Remove(taskID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.disarmLocked(taskID)
	delete(tr.tasks, taskID)
}

// RunNow fires a task immediately, bypassing its trigger. The run happens
// on the calling goroutine; the result is readable via Outcome afterwards.
func (tr *TaskRunner) RunNow(taskID string) {
	tr.execute(taskID)
}

// List returns a snapshot of the registered tasks.
func (tr *TaskRunner) List() []BackupTask {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]BackupTask, 0, len(tr.tasks))
	for _, st := range tr.tasks {
		out = append(out, st.task)
	}
	return out
}

// Outcome returns a copy of a task's most recent run record, or nil if the
// task has never run. Copying follows the same snapshot discipline as
// Progress: callers may hold the value across later runs.
func (tr *TaskRunner) Outcome(taskID string) *TaskOutcome {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	st, ok := tr.tasks[taskID]
	if !ok || st.outcome == nil {
		return nil
	}
	out := *st.outcome
	out.ArchivePaths = append([]string(nil), st.outcome.ArchivePaths...)
	return &out
}

func (tr *TaskRunner) armLocked(taskID string) error {
	st, ok := tr.tasks[taskID]
	if !ok {
		return nil
	}

	tr.disarmLocked(taskID)

	if !st.task.Enabled {
		return nil
	}

	switch st.task.Trigger {
	case TriggerCron:
		entry, err := tr.cron.AddFunc(st.task.Config.CronExpr, func() {
			tr.execute(taskID)
		})
		if err != nil {
			return fmt.Errorf("cron expression %q: %w", st.task.Config.CronExpr, err)
		}
		st.cronEntry = entry
		return nil
	case TriggerWatch:
		return tr.armWatchLocked(st, taskID)
	}
	return fmt.Errorf("unknown task trigger %q", st.task.Trigger)
}

func (tr *TaskRunner) disarmLocked(taskID string) {
	st, ok := tr.tasks[taskID]
	if !ok {
		return
	}

	if st.cronEntry != 0 {
		tr.cron.Remove(st.cronEntry)
		st.cronEntry = 0
	}

	if st.debounce != nil {
		st.debounce.Stop()
		st.debounce = nil
	}

	if st.watcher != nil {
		close(st.watchStop)
		_ = st.watcher.Close()
		st.watcher = nil
	}
}

func (tr *TaskRunner) armWatchLocked(st *taskState, taskID string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	paths := st.task.Config.WatchPaths
	if len(paths) == 0 {
		paths = st.task.Config.SourcePaths
	}
	for _, p := range paths {
		if err := watchTree(watcher, p); err != nil {
			_ = watcher.Close()
			return err
		}
	}

	st.watcher = watcher
	st.watchStop = make(chan struct{})

	quiet := time.Duration(st.task.Config.WatchDebounceMs) * time.Millisecond
	if quiet <= 0 {
		quiet = 500 * time.Millisecond
	}

	go tr.watchLoop(taskID, watcher, st.watchStop, quiet)
	return nil
}

// watchLoop turns a stream of filesystem events into debounced task runs.
// A burst of writes (an editor save, a large copy) collapses into one
// backup once the tree has been quiet for the configured window.
func (tr *TaskRunner) watchLoop(taskID string, watcher *fsnotify.Watcher, stop chan struct{}, quiet time.Duration) {
	for {
		select {
		case <-stop:
			return
		case <-tr.ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			// A newly created subdirectory joins the watch so changes
			// under it keep triggering.
			if event.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					_ = watchTree(watcher, event.Name)
				}
			}
			tr.bump(taskID, quiet)
		case <-watcher.Errors:
			// A dropped event is recoverable: the next event re-triggers.
		}
	}
}

// watchTree registers root and every directory under it. A root that is a
// plain file is watched through its parent directory.
func watchTree(w *fsnotify.Watcher, root string) error {
	fi, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return w.Add(filepath.Dir(root))
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return w.Add(path)
	})
}

// bump restarts the task's quiet-window timer; the run fires only once the
// window elapses without another event.
func (tr *TaskRunner) bump(taskID string, quiet time.Duration) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	st, ok := tr.tasks[taskID]
	if !ok || !st.task.Enabled {
		return
	}
	if st.debounce == nil {
		st.debounce = time.AfterFunc(quiet, func() {
			tr.execute(taskID)
		})
		return
	}
	st.debounce.Reset(quiet)
}

// execute claims the task and drives one backup through the executor,
// recording the result as the task's outcome. An incremental task firing
// against a destination that has no Completed base yet (the first run of a
// fresh schedule) is promoted to a full backup instead of failing until an
// operator intervenes.
func (tr *TaskRunner) execute(taskID string) {
	tr.mu.Lock()
	st, ok := tr.tasks[taskID]
	if !ok || !st.task.Enabled {
		tr.mu.Unlock()
		return
	}
	if st.running {
		st.rerun = true
		tr.mu.Unlock()
		return
	}
	st.running = true
	cfg := st.task.Config.AsBackupConfig()
	incremental := st.task.Config.Incremental
	ctx := tr.ctx
	tr.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	outcome := TaskOutcome{RanAt: time.Now()}
	result, err := tr.executor(ctx, cfg, incremental)

	var engErr *EngineError
	if err != nil && incremental && errors.As(err, &engErr) && engErr.Kind == KindPrecondition {
		result, err = tr.executor(ctx, cfg, false)
		outcome.PromotedToFull = err == nil
	}

	if err != nil {
		outcome.Err = err.Error()
	} else if result != nil {
		outcome.RunID = result.RunID
		outcome.BackupIDString = result.BackupIDString
		outcome.ArchivePaths = append([]string(nil), result.ArchivePaths...)
		outcome.FilesTotal = result.FilesTotal
	}

	tr.mu.Lock()
	st.running = false
	st.outcome = &outcome
	rerun := st.rerun
	st.rerun = false
	tr.mu.Unlock()

	if rerun {
		go tr.execute(taskID)
	}
}
