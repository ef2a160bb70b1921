// Package navigator – delegate.go manages time-boxed delegated agent runs:
// spawning with a concurrency semaphore, tracking in memory, and recording
// outcomes in a SQLite ledger so completed runs survive a restart. The
// delegate itself is executed through a DelegateRunner supplied by the
// agent; the manager owns only lifecycle and bookkeeping.
package navigator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ─── Stall Budget ───

// StallBudgetError reports that a time-boxed delegate exhausted its stall
// continuation budget: the model stopped producing tool activity, every
// allowed continuation was spent, and nobody is watching to redirect it.
// It raises out of the delegate's run so the delegating tool call fails
// visibly instead of spinning forever.
type StallBudgetError struct {
	// Continuations is how many stall continuations were granted before
	// the budget ran out.
	Continuations int

	// Timeout is the activity window that expired on each stall.
	Timeout time.Duration
}

func (e *StallBudgetError) Error() string {
	return fmt.Sprintf("delegate stalled: no tool activity within %s after %d continuations", e.Timeout, e.Continuations)
}

// IsStallBudget reports whether err is (or wraps) a StallBudgetError.
func IsStallBudget(err error) bool {
	var sbe *StallBudgetError
	return errors.As(err, &sbe)
}

// ─── Delegate Run ───

// DelegateStatus represents the current state of a delegate run.
type DelegateStatus string

const (
	DelegateRunning   DelegateStatus = "running"
	DelegateCompleted DelegateStatus = "completed"
	DelegateFailed    DelegateStatus = "failed"
	DelegateTimeout   DelegateStatus = "timeout"
)

// DelegateRun tracks a single delegated execution.
type DelegateRun struct {
	// ID is a short unique identifier for this run.
	ID string `json:"id"`

	// Label is a human-readable tag for identification.
	Label string `json:"label"`

	// Task is the instruction given to the delegate.
	Task string `json:"task"`

	// Status is the current execution status.
	Status DelegateStatus `json:"status"`

	// Result is the delegate's final text (set on completion).
	Result string `json:"result,omitempty"`

	// Error holds the failure message if the delegate did not complete.
	Error string `json:"error,omitempty"`

	// Model is the chat model the delegate ran with.
	Model string `json:"model,omitempty"`

	// ParentSessionID is the session that spawned this delegate.
	ParentSessionID string `json:"parent_session_id"`

	// TokensUsed is the delegate's approximate total token consumption.
	TokensUsed int `json:"tokens_used,omitempty"`

	// StartedAt is when the delegate was spawned.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when it finished (zero while running).
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// Duration is the wall-clock execution time.
	Duration time.Duration `json:"duration,omitempty"`

	// cancel tears down the run's context.
	cancel context.CancelFunc

	// done is closed when the run finishes.
	done chan struct{}
}

// ─── Delegate Manager ───

// DelegateRunner executes one delegated task to completion and returns the
// final text plus total tokens consumed. The context carries the run's
// wall-clock budget; the runner is expected to honour it cooperatively.
type DelegateRunner func(ctx context.Context, run *DelegateRun) (result string, tokens int, err error)

// AnnounceFunc is called when a delegate completes, pushing the outcome to
// the parent instead of requiring it to poll.
type AnnounceFunc func(run *DelegateRun)

// SpawnParams holds parameters for spawning a delegate.
type SpawnParams struct {
	Task            string
	Label           string
	Model           string
	ParentSessionID string

	// TimeoutMinutes overrides the configured wall-clock budget (0 = use config).
	TimeoutMinutes int
}

// DelegateManager orchestrates delegate lifecycle: spawning, tracking,
// ledger persistence, and cleanup.
type DelegateManager struct {
	cfg    DelegateConfig
	runner DelegateRunner
	logger *slog.Logger

	// runs tracks all delegate runs (active plus in-memory completed).
	runs map[string]*DelegateRun

	// db is the SQLite ledger for completed runs. When nil, runs are only
	// kept in memory and are lost on restart.
	db *sql.DB

	// semaphore limits concurrently executing delegates.
	semaphore chan struct{}

	// announce is called when a delegate completes.
	announce AnnounceFunc

	// bus receives delegate lifecycle events when set.
	bus *Bus

	mu sync.RWMutex
}

// NewDelegateManager creates a manager and opens the run ledger. A ledger
// that cannot be opened degrades to memory-only tracking rather than
// failing construction; delegation still works, history just won't survive
// a restart.
func NewDelegateManager(cfg DelegateConfig, runner DelegateRunner, logger *slog.Logger) *DelegateManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.TimeoutMinutes <= 0 {
		cfg.TimeoutMinutes = 10
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &DelegateManager{
		cfg:       cfg,
		runner:    runner,
		logger:    logger.With("component", "delegates"),
		runs:      make(map[string]*DelegateRun),
		semaphore: make(chan struct{}, cfg.MaxConcurrent),
	}

	if cfg.LedgerPath != "" {
		db, err := openLedger(cfg.LedgerPath)
		if err != nil {
			m.logger.Warn("delegate ledger unavailable, tracking in memory only", "path", cfg.LedgerPath, "error", err)
		} else {
			m.db = db
			m.cleanupStaleRunning()
		}
	}

	return m
}

// SetAnnounce registers the completion callback.
func (m *DelegateManager) SetAnnounce(fn AnnounceFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.announce = fn
}

// SetBus registers an event bus for delegate lifecycle events.
func (m *DelegateManager) SetBus(bus *Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bus = bus
}

// emit publishes a delegate event scoped to the parent session.
func (m *DelegateManager) emit(run *DelegateRun, payload EventPayload) {
	m.mu.RLock()
	bus := m.bus
	m.mu.RUnlock()

	if bus != nil {
		bus.Emit(run.ParentSessionID, payload)
	}
}

// openLedger opens or creates the SQLite run ledger.
func openLedger(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}

	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS delegate_runs (
    id                TEXT PRIMARY KEY,
    label             TEXT NOT NULL,
    task              TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'running',
    result            TEXT DEFAULT '',
    error             TEXT DEFAULT '',
    model             TEXT DEFAULT '',
    parent_session_id TEXT DEFAULT '',
    tokens_used       INTEGER DEFAULT 0,
    started_at        TEXT NOT NULL,
    completed_at      TEXT DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_delegate_runs_parent ON delegate_runs(parent_session_id);
CREATE INDEX IF NOT EXISTS idx_delegate_runs_status ON delegate_runs(status);
`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}

	return db, nil
}

// persistRun upserts a run into the ledger. Errors are logged, never
// returned: ledger durability is best-effort relative to run progress.
func (m *DelegateManager) persistRun(run *DelegateRun) {
	if m.db == nil {
		return
	}

	completedAt := ""
	if !run.CompletedAt.IsZero() {
		completedAt = run.CompletedAt.Format(time.RFC3339)
	}

	_, err := m.db.Exec(`
		INSERT OR REPLACE INTO delegate_runs
		(id, label, task, status, result, error, model, parent_session_id, tokens_used, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Label, run.Task, string(run.Status),
		run.Result, run.Error, run.Model,
		run.ParentSessionID, run.TokensUsed,
		run.StartedAt.Format(time.RFC3339), completedAt,
	)
	if err != nil {
		m.logger.Warn("failed to persist delegate run", "run_id", run.ID, "error", err)
	}
}

// loadRunFromDB fetches a single run from the ledger, or nil.
func (m *DelegateManager) loadRunFromDB(runID string) *DelegateRun {
	if m.db == nil {
		return nil
	}

	row := m.db.QueryRow(`
		SELECT id, label, task, status, result, error, model, parent_session_id, tokens_used, started_at, completed_at
		FROM delegate_runs WHERE id = ?`, runID)

	run, err := scanRun(row)
	if err != nil {
		return nil
	}
	return run
}

// loadRecentRunsFromDB returns ledger runs started within the last N days.
func (m *DelegateManager) loadRecentRunsFromDB(days int) []*DelegateRun {
	if m.db == nil {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -days).Format(time.RFC3339)
	rows, err := m.db.Query(`
		SELECT id, label, task, status, result, error, model, parent_session_id, tokens_used, started_at, completed_at
		FROM delegate_runs
		WHERE started_at >= ?
		ORDER BY started_at DESC
		LIMIT 50`, cutoff)
	if err != nil {
		m.logger.Warn("failed to load recent delegate runs", "error", err)
		return nil
	}
	defer rows.Close()

	var runs []*DelegateRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}
	return runs
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*DelegateRun, error) {
	var run DelegateRun
	var status, startedAt, completedAt string

	if err := row.Scan(&run.ID, &run.Label, &run.Task, &status,
		&run.Result, &run.Error, &run.Model,
		&run.ParentSessionID, &run.TokensUsed,
		&startedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	run.Status = DelegateStatus(status)
	run.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	if completedAt != "" {
		run.CompletedAt, _ = time.Parse(time.RFC3339, completedAt)
		run.Duration = run.CompletedAt.Sub(run.StartedAt)
	}
	return &run, nil
}

// cleanupStaleRunning marks "running" ledger entries from previous crashes
// as failed. A delegate that was mid-flight when the process died cannot be
// recovered, so give the user an honest status instead of a permanent
// "running".
func (m *DelegateManager) cleanupStaleRunning() {
	result, err := m.db.Exec(`
		UPDATE delegate_runs
		SET status = 'failed', error = 'interrupted by process restart', completed_at = datetime('now')
		WHERE status = 'running'`,
	)
	if err != nil {
		m.logger.Warn("failed to clean up stale delegate runs", "error", err)
		return
	}

	affected, _ := result.RowsAffected()
	if affected > 0 {
		m.logger.Info("cleaned up stale delegate runs", "count", affected)
	}
}

// PruneOldRuns removes finished ledger entries older than the given number
// of days. Returns how many were deleted.
func (m *DelegateManager) PruneOldRuns(days int) int {
	if m.db == nil {
		return 0
	}

	cutoff := time.Now().AddDate(0, 0, -days).Format(time.RFC3339)
	result, err := m.db.Exec(`DELETE FROM delegate_runs WHERE started_at < ? AND status != 'running'`, cutoff)
	if err != nil {
		m.logger.Warn("failed to prune delegate runs", "error", err)
		return 0
	}

	affected, _ := result.RowsAffected()
	if affected > 0 {
		m.logger.Info("pruned old delegate runs", "deleted", affected, "cutoff_days", days)
	}
	return int(affected)
}

// ─── Spawning ───

// Spawn creates and starts a delegate, returning its run immediately. The
// delegate executes in a background goroutine under a wall-clock budget;
// call Wait to block for the outcome, or register an AnnounceFunc for a
// push notification.
func (m *DelegateManager) Spawn(parentCtx context.Context, params SpawnParams) (*DelegateRun, error) {
	if !m.cfg.Enabled {
		return nil, fmt.Errorf("delegation is disabled")
	}
	if m.runner == nil {
		return nil, fmt.Errorf("no delegate runner configured")
	}
	if params.Task == "" {
		return nil, fmt.Errorf("delegate task is empty")
	}

	runID := uuid.New().String()[:8]
	timeout := time.Duration(m.cfg.TimeoutMinutes) * time.Minute
	if params.TimeoutMinutes > 0 {
		timeout = time.Duration(params.TimeoutMinutes) * time.Minute
	}

	model := params.Model
	if model == "" {
		model = m.cfg.Model
	}

	ctx, cancel := context.WithTimeout(parentCtx, timeout)

	run := &DelegateRun{
		ID:              runID,
		Label:           params.Label,
		Task:            params.Task,
		Status:          DelegateRunning,
		Model:           model,
		ParentSessionID: params.ParentSessionID,
		StartedAt:       time.Now(),
		cancel:          cancel,
		done:            make(chan struct{}),
	}
	if run.Label == "" {
		run.Label = fmt.Sprintf("delegate-%s", runID)
	}

	// Check the concurrency limit and register atomically so two Spawn
	// callers cannot both squeeze past the cap.
	m.mu.Lock()
	activeCount := 0
	for _, r := range m.runs {
		if r.Status == DelegateRunning {
			activeCount++
		}
	}
	if activeCount >= m.cfg.MaxConcurrent {
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("max concurrent delegates reached (%d/%d)", activeCount, m.cfg.MaxConcurrent)
	}
	m.runs[runID] = run
	m.mu.Unlock()

	// Persist the running state so a crash leaves a traceable record.
	m.persistRun(run)

	m.logger.Info("spawning delegate",
		"run_id", runID,
		"label", run.Label,
		"task_preview", truncate(params.Task, 80),
		"timeout", timeout,
	)
	m.emit(run, DelegateStartPayload{
		DelegateID: runID,
		Label:      run.Label,
		Task:       truncate(params.Task, 200),
	})

	go func() {
		defer close(run.done)
		defer cancel()

		select {
		case m.semaphore <- struct{}{}:
			defer func() { <-m.semaphore }()
		case <-ctx.Done():
			m.completeRun(run, "", 0, fmt.Errorf("timeout waiting for delegate slot"))
			return
		}

		result, tokens, err := m.runner(ctx, run)

		if ctx.Err() == context.DeadlineExceeded {
			m.completeRun(run, result, tokens, fmt.Errorf("timeout after %v: %w", timeout, context.DeadlineExceeded))
			return
		}
		m.completeRun(run, result, tokens, err)
	}()

	return run, nil
}

// completeRun finalizes a run with its result or error, persists it, and
// fires the announce callback.
func (m *DelegateManager) completeRun(run *DelegateRun, result string, tokens int, err error) {
	m.mu.Lock()

	run.CompletedAt = time.Now()
	run.Duration = run.CompletedAt.Sub(run.StartedAt)
	run.TokensUsed = tokens

	switch {
	case err == nil:
		run.Status = DelegateCompleted
		run.Result = result
		m.logger.Info("delegate completed",
			"run_id", run.ID,
			"label", run.Label,
			"duration", run.Duration,
			"result_len", len(result),
		)
	case errors.Is(err, context.DeadlineExceeded):
		run.Status = DelegateTimeout
		run.Error = err.Error()
		run.Result = result // may hold partial output
		m.logger.Warn("delegate timed out",
			"run_id", run.ID,
			"label", run.Label,
			"duration", run.Duration,
		)
	default:
		run.Status = DelegateFailed
		run.Error = err.Error()
		run.Result = result
		m.logger.Error("delegate failed",
			"run_id", run.ID,
			"label", run.Label,
			"error", err,
			"duration", run.Duration,
		)
	}

	cb := m.announce
	m.mu.Unlock()

	m.persistRun(run)
	m.emit(run, DelegateEndPayload{
		DelegateID: run.ID,
		Label:      run.Label,
		Status:     string(run.Status),
		Duration:   run.Duration,
	})

	if cb != nil {
		go cb(run)
	}
}

// ─── Queries ───

// Wait blocks until the run completes or the context is cancelled, and
// returns the final run state.
func (m *DelegateManager) Wait(ctx context.Context, runID string) (*DelegateRun, error) {
	m.mu.RLock()
	run, ok := m.runs[runID]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("delegate run %q not found", runID)
	}

	select {
	case <-run.done:
		return run, nil
	case <-ctx.Done():
		return run, ctx.Err()
	}
}

// Get returns a run by ID, checking memory first and the ledger second.
func (m *DelegateManager) Get(runID string) (*DelegateRun, bool) {
	m.mu.RLock()
	run, ok := m.runs[runID]
	m.mu.RUnlock()

	if ok {
		return run, true
	}
	if dbRun := m.loadRunFromDB(runID); dbRun != nil {
		return dbRun, true
	}
	return nil, false
}

// List returns all known runs: active and completed from memory, merged
// with the last week of ledger history, deduplicated by ID.
func (m *DelegateManager) List() []*DelegateRun {
	m.mu.RLock()
	seen := make(map[string]bool, len(m.runs))
	runs := make([]*DelegateRun, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
		seen[run.ID] = true
	}
	m.mu.RUnlock()

	for _, run := range m.loadRecentRunsFromDB(7) {
		if !seen[run.ID] {
			runs = append(runs, run)
			seen[run.ID] = true
		}
	}
	return runs
}

// ActiveCount returns the number of currently running delegates.
func (m *DelegateManager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, run := range m.runs {
		if run.Status == DelegateRunning {
			count++
		}
	}
	return count
}

// Stop cancels a running delegate. Cancellation is cooperative: the run's
// context is torn down, and the delegate winds up at its next poll point.
func (m *DelegateManager) Stop(runID string) error {
	m.mu.RLock()
	run, ok := m.runs[runID]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("delegate run %q not found", runID)
	}
	if run.Status != DelegateRunning {
		return fmt.Errorf("delegate %q is not running (status: %s)", runID, run.Status)
	}

	run.cancel()
	m.logger.Info("delegate stop requested", "run_id", runID)
	return nil
}

// DeniedTools returns the tool names delegates must not call.
func (m *DelegateManager) DeniedTools() []string {
	return m.cfg.DeniedTools
}

// Close releases the ledger handle.
func (m *DelegateManager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}
