// Package navigator – store.go implements the durable session store:
// crash-safe JSON-per-session persistence with atomic renames, per-session
// write chaining, a short-TTL read cache, debounced auto-saves, quarantine
// for corrupted files, and scheduled retention pruning.
//
// The write path is lock-free in the sense that no lock is held across
// I/O: a writer captures whichever write handle currently occupies its
// session's slot, replaces the slot with its own handle before any
// asynchronous work begins, then awaits the predecessor (ignoring its
// outcome) and performs temp-write plus rename. Overlapping saves for the
// same session therefore land in submission order and the file on disk is
// always one complete submitted state.
package navigator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ErrSessionNotFound is returned when no usable session exists for an id.
// Corrupted files are quarantined and reported the same way.
var ErrSessionNotFound = errors.New("session not found")

// sessionIDSanitizer replaces path-hostile characters in session ids.
var sessionIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// quarantineSubdir is where corrupted session files are moved.
const quarantineSubdir = "quarantine"

// writeOp is one chained write. done closes when the write finished; err
// is valid only after done is closed.
type writeOp struct {
	done chan struct{}
	err  error
}

// cacheEntry is one read-cache slot.
type cacheEntry struct {
	session    *Session
	insertedAt time.Time
}

// pendingSave is the debounce state for one session's auto-saves.
type pendingSave struct {
	snapshot *Session
	timer    *time.Timer
}

// Store persists sessions under a directory, one JSON file each.
type Store struct {
	cfg           StoreConfig
	dir           string
	quarantineDir string
	logger        *slog.Logger

	// mu guards slots, cache, and cacheOrder. Never held across I/O.
	mu         sync.Mutex
	slots      map[string]*writeOp
	cache      map[string]cacheEntry
	cacheOrder []string

	pendingMu sync.Mutex
	pending   map[string]*pendingSave

	cron *cron.Cron
}

// NewStore opens (creating if needed) the session directory, removes temp
// files left behind by a crash, and returns the store.
func NewStore(cfg StoreConfig, logger *slog.Logger) (*Store, error) {
	if cfg.Dir == "" {
		cfg.Dir = "./data/sessions"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 16
	}
	if cfg.AutoSaveDebounce <= 0 {
		cfg.AutoSaveDebounce = 500 * time.Millisecond
	}

	s := &Store{
		cfg:           cfg,
		dir:           cfg.Dir,
		quarantineDir: filepath.Join(cfg.Dir, quarantineSubdir),
		logger:        logger.With("component", "store"),
		slots:         make(map[string]*writeOp),
		cache:         make(map[string]cacheEntry),
		pending:       make(map[string]*pendingSave),
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	s.cleanupTemp()
	return s, nil
}

// Dir returns the session directory.
func (s *Store) Dir() string {
	return s.dir
}

// ─── Contract ───

// CreateSession makes a new session and writes it immediately.
func (s *Store) CreateSession(name, workDir string) (*Session, error) {
	sess := NewSession(name, workDir)
	if err := s.SaveSession(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// LoadSession reads one session, serving cached copies younger than the
// TTL. Corrupted files are quarantined and reported as not found.
func (s *Store) LoadSession(id string) (*Session, error) {
	id = sanitizeSessionID(id)
	if id == "" {
		return nil, ErrSessionNotFound
	}

	if sess := s.cacheGet(id); sess != nil {
		return sess, nil
	}

	path := s.sessionPath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("reading session %s: %w", id, err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		s.quarantine(path, id)
		return nil, ErrSessionNotFound
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		s.logger.Warn("session file corrupted", "id", id, "error", err)
		s.quarantine(path, id)
		return nil, ErrSessionNotFound
	}
	if sess.ID == "" {
		sess.ID = id
	}

	s.mu.Lock()
	s.cachePut(&sess)
	s.mu.Unlock()
	return &sess, nil
}

// SaveSession writes the session synchronously, waiting for its chained
// write to land.
func (s *Store) SaveSession(sess *Session) error {
	snapshot := s.prepareSnapshot(sess)
	op := s.enqueueWrite(snapshot)
	<-op.done
	return op.err
}

// AutoSave schedules a debounced write: the first call in a window arms the
// timer, later calls within it just replace the snapshot. Best-effort; a
// failed auto-save is logged, never surfaced.
func (s *Store) AutoSave(sess *Session) {
	snapshot := s.prepareSnapshot(sess)

	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	p, ok := s.pending[snapshot.ID]
	if !ok {
		p = &pendingSave{}
		s.pending[snapshot.ID] = p
		id := snapshot.ID
		p.timer = time.AfterFunc(s.cfg.AutoSaveDebounce, func() {
			s.flushPendingSave(id)
		})
	}
	p.snapshot = snapshot
}

// DeleteSession removes a session from disk, cache, and pending saves.
func (s *Store) DeleteSession(id string) error {
	id = sanitizeSessionID(id)

	s.pendingMu.Lock()
	if p, ok := s.pending[id]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()

	// Let any in-flight write land so the remove is not raced by a rename.
	s.mu.Lock()
	op := s.slots[id]
	delete(s.cache, id)
	s.mu.Unlock()
	if op != nil {
		<-op.done
	}

	if err := os.Remove(s.sessionPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

// SessionsInfo lists stored sessions, newest first.
func (s *Store) SessionsInfo() ([]SessionInfo, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, err
	}

	infos := make([]SessionInfo, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		id := strings.TrimSuffix(filepath.Base(path), ".json")
		if len(bytes.TrimSpace(data)) == 0 {
			s.quarantine(path, id)
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			s.logger.Warn("skipping corrupted session file", "file", path, "error", err)
			s.quarantine(path, id)
			continue
		}
		infos = append(infos, sess.Info())
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos, nil
}

// Flush writes all pending auto-saves and waits for every in-flight write.
// Called on shutdown.
func (s *Store) Flush() {
	s.pendingMu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id, p := range s.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		ids = append(ids, id)
	}
	s.pendingMu.Unlock()

	for _, id := range ids {
		s.flushPendingSave(id)
	}

	s.mu.Lock()
	ops := make([]*writeOp, 0, len(s.slots))
	for _, op := range s.slots {
		ops = append(ops, op)
	}
	s.mu.Unlock()

	for _, op := range ops {
		<-op.done
	}
}

// Close stops the retention scheduler and flushes outstanding writes.
func (s *Store) Close() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn("retention scheduler stop timed out")
		}
	}
	s.Flush()
}

// ─── Write chaining ───

// prepareSnapshot clones the session and applies the persistence filter so
// later caller mutations never leak into the queued write.
func (s *Store) prepareSnapshot(sess *Session) *Session {
	snapshot := sess.Clone()
	snapshot.ID = sanitizeSessionID(snapshot.ID)
	snapshot.Messages = FilterMessagesForPersistence(snapshot.Messages)
	snapshot.Touch()
	return snapshot
}

// enqueueWrite chains a write behind whatever currently occupies the
// session's slot. The slot is replaced before any asynchronous work, which
// closes the race window between capture and replace. The cache is updated
// immediately so reads see the submitted state without waiting for disk.
func (s *Store) enqueueWrite(snapshot *Session) *writeOp {
	op := &writeOp{done: make(chan struct{})}

	s.mu.Lock()
	prev := s.slots[snapshot.ID]
	s.slots[snapshot.ID] = op
	s.cachePut(snapshot)
	s.mu.Unlock()

	go func() {
		defer close(op.done)
		if prev != nil {
			<-prev.done
		}
		op.err = s.writeSessionFile(snapshot)
		if op.err != nil {
			s.logger.Error("session write failed", "id", snapshot.ID, "error", op.err)
		}

		s.mu.Lock()
		if s.slots[snapshot.ID] == op {
			delete(s.slots, snapshot.ID)
		}
		s.mu.Unlock()
	}()
	return op
}

// writeSessionFile writes to a uniquely named temp file and renames it over
// the destination. Readers never observe a partial file.
func (s *Store) writeSessionFile(snapshot *Session) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	final := s.sessionPath(snapshot.ID)
	tmp := fmt.Sprintf("%s.tmp.%d.%s", final, time.Now().UnixMilli(), uuid.NewString()[:8])

	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// flushPendingSave submits the debounced snapshot for one session.
func (s *Store) flushPendingSave(id string) {
	s.pendingMu.Lock()
	p := s.pending[id]
	delete(s.pending, id)
	s.pendingMu.Unlock()

	if p == nil || p.snapshot == nil {
		return
	}
	s.enqueueWrite(p.snapshot)
}

// ─── Read cache ───

// cacheGet returns a copy of a fresh cache entry, or nil. Copy-on-read
// keeps callers from mutating cached state.
func (s *Store) cacheGet(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[id]
	if !ok {
		return nil
	}
	if time.Since(entry.insertedAt) >= s.cfg.CacheTTL {
		return nil
	}
	return entry.session.Clone()
}

// cachePut stores a copy under FIFO eviction: entries leave in insertion
// order, regardless of how recently they were read. The TTL already bounds
// staleness. Caller holds s.mu.
func (s *Store) cachePut(sess *Session) {
	id := sess.ID
	if _, exists := s.cache[id]; !exists {
		s.cacheOrder = append(s.cacheOrder, id)
	}
	s.cache[id] = cacheEntry{session: sess.Clone(), insertedAt: time.Now()}

	for len(s.cacheOrder) > s.cfg.CacheSize {
		oldest := s.cacheOrder[0]
		s.cacheOrder = s.cacheOrder[1:]
		delete(s.cache, oldest)
	}
}

// ─── Quarantine, cleanup, retention ───

// quarantine moves a corrupted file aside for forensic recovery; deletion
// is the last resort when the move fails.
func (s *Store) quarantine(path, id string) {
	if err := os.MkdirAll(s.quarantineDir, 0o755); err != nil {
		s.logger.Error("creating quarantine dir failed, deleting corrupted file",
			"file", path, "error", err)
		os.Remove(path)
		return
	}

	dest := filepath.Join(s.quarantineDir, fmt.Sprintf("%s_%d.json", id, time.Now().UnixMilli()))
	if err := os.Rename(path, dest); err != nil {
		s.logger.Error("quarantine failed, deleting corrupted file",
			"file", path, "error", err)
		os.Remove(path)
		return
	}
	s.logger.Warn("corrupted session quarantined", "id", id, "dest", dest)
}

// cleanupTemp removes temp files left behind by a crash mid-write. Safe at
// startup only, when no writes are in flight.
func (s *Store) cleanupTemp() {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json.tmp.*"))
	if err != nil || len(matches) == 0 {
		return
	}
	for _, m := range matches {
		os.Remove(m)
	}
	s.logger.Info("removed stale temp files", "count", len(matches))
}

// PruneSessions deletes the oldest sessions by file modification time until
// at most the configured maximum remain. The active session is exempt.
// Returns how many files were removed.
func (s *Store) PruneSessions(activeID string) (int, error) {
	if s.cfg.MaxSessions <= 0 {
		return 0, nil
	}
	activeID = sanitizeSessionID(activeID)

	paths, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return 0, err
	}
	if len(paths) <= s.cfg.MaxSessions {
		return 0, nil
	}

	type fileAge struct {
		path  string
		id    string
		mtime time.Time
	}
	files := make([]fileAge, 0, len(paths))
	for _, path := range paths {
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		files = append(files, fileAge{
			path:  path,
			id:    strings.TrimSuffix(filepath.Base(path), ".json"),
			mtime: fi.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].mtime.Before(files[j].mtime)
	})

	pruned := 0
	excess := len(files) - s.cfg.MaxSessions
	for _, f := range files {
		if excess <= 0 {
			break
		}
		if f.id == activeID {
			continue
		}
		if err := s.DeleteSession(f.id); err != nil {
			s.logger.Warn("pruning session failed", "id", f.id, "error", err)
			continue
		}
		pruned++
		excess--
	}
	if pruned > 0 {
		s.logger.Info("pruned old sessions", "count", pruned, "max", s.cfg.MaxSessions)
	}
	return pruned, nil
}

// StartRetention schedules the pruning sweep on the configured cron
// expression. activeID is consulted at sweep time so the current session is
// never pruned.
func (s *Store) StartRetention(activeID func() string) error {
	if s.cfg.MaxSessions <= 0 || s.cfg.RetentionSchedule == "" {
		return nil
	}

	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.cfg.RetentionSchedule, func() {
		current := ""
		if activeID != nil {
			current = activeID()
		}
		if _, err := s.PruneSessions(current); err != nil {
			s.logger.Warn("retention sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", s.cfg.RetentionSchedule, err)
	}
	s.cron.Start()
	s.logger.Info("retention sweep scheduled",
		"schedule", s.cfg.RetentionSchedule,
		"max_sessions", s.cfg.MaxSessions,
	)
	return nil
}

// ─── Helpers ───

// sessionPath returns the on-disk path for a session id.
func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// sanitizeSessionID keeps session ids filesystem-safe.
func sanitizeSessionID(id string) string {
	return sessionIDSanitizer.ReplaceAllString(strings.TrimSpace(id), "_")
}
