package navigator

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T, mutate func(*StoreConfig)) *Store {
	t.Helper()
	cfg := DefaultStoreConfig()
	cfg.Dir = t.TempDir()
	cfg.CacheTTL = time.Hour
	cfg.RetentionSchedule = ""
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewStore(cfg, slog.Default())
	if err != nil {
		t.Fatalf("expected store to open, got error: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// reopenStore opens a second store over the same directory so reads are
// forced to come from disk rather than the first store's cache.
func reopenStore(t *testing.T, s *Store) *Store {
	t.Helper()
	cfg := s.cfg
	fresh, err := NewStore(cfg, slog.Default())
	if err != nil {
		t.Fatalf("expected store to reopen, got error: %v", err)
	}
	t.Cleanup(fresh.Close)
	return fresh
}

func TestStore_SaveLoadRoundtrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, nil)

	sess := NewSession("roundtrip", "/tmp/work")
	sess.Messages = []Message{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hi"},
	}
	sess.Todos = []Todo{{ID: 1, Content: "write tests", Status: TodoInProgress}}
	sess.IdleQueue = []string{"and then this"}
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("expected save to succeed, got error: %v", err)
	}

	loaded, err := reopenStore(t, s).LoadSession(sess.ID)
	if err != nil {
		t.Fatalf("expected load to succeed, got error: %v", err)
	}
	if loaded.Name != "roundtrip" || loaded.WorkDir != "/tmp/work" {
		t.Errorf("unexpected session header: %+v", loaded)
	}
	if len(loaded.Messages) != 2 || loaded.Messages[0].Content != "hello" {
		t.Errorf("unexpected messages: %+v", loaded.Messages)
	}
	if len(loaded.Todos) != 1 || loaded.Todos[0].Status != TodoInProgress {
		t.Errorf("unexpected todos: %+v", loaded.Todos)
	}
	if len(loaded.IdleQueue) != 1 || loaded.IdleQueue[0] != "and then this" {
		t.Errorf("unexpected idle queue: %+v", loaded.IdleQueue)
	}
}

func TestStore_SaveAppliesPersistenceFilter(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, nil)

	sess := NewSession("", "")
	sess.Messages = []Message{
		{Role: RoleSystem, Content: "prompt"},
		{Role: RoleUser, Content: "go"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1"}}},
	}
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("expected save to succeed, got error: %v", err)
	}

	loaded, err := reopenStore(t, s).LoadSession(sess.ID)
	if err != nil {
		t.Fatalf("expected load to succeed, got error: %v", err)
	}
	if len(loaded.Messages) != 1 || loaded.Messages[0].Role != RoleUser {
		t.Errorf("expected only the user message on disk, got %+v", loaded.Messages)
	}
}

func TestStore_CreateSessionWritesImmediately(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, nil)

	sess, err := s.CreateSession("fresh", "")
	if err != nil {
		t.Fatalf("expected create to succeed, got error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), sess.ID+".json")); err != nil {
		t.Errorf("expected session file on disk: %v", err)
	}
}

func TestStore_LoadReturnsIndependentCopies(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, nil)

	sess := NewSession("", "")
	sess.Messages = []Message{{Role: RoleUser, Content: "original"}}
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("expected save to succeed, got error: %v", err)
	}

	first, err := s.LoadSession(sess.ID)
	if err != nil {
		t.Fatalf("expected load to succeed, got error: %v", err)
	}
	first.Messages[0].Content = "mutated"

	second, err := s.LoadSession(sess.ID)
	if err != nil {
		t.Fatalf("expected second load to succeed, got error: %v", err)
	}
	if second.Messages[0].Content != "original" {
		t.Error("expected cached reads to be isolated from caller mutations")
	}
}

func TestStore_ConcurrentSavesLeaveOneCompleteFile(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, nil)

	sess := NewSession("contended", "")
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("expected initial save to succeed, got error: %v", err)
	}

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			snap := sess.Clone()
			snap.Messages = make([]Message, n+1)
			for j := range snap.Messages {
				snap.Messages[j] = Message{Role: RoleUser, Content: fmt.Sprintf("m%d", j)}
			}
			if err := s.SaveSession(snap); err != nil {
				t.Errorf("expected save %d to succeed, got error: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	loaded, err := reopenStore(t, s).LoadSession(sess.ID)
	if err != nil {
		t.Fatalf("expected a readable file after contention, got error: %v", err)
	}
	if n := len(loaded.Messages); n < 1 || n > writers {
		t.Errorf("expected one of the submitted states, got %d messages", n)
	}

	temps, _ := filepath.Glob(filepath.Join(s.Dir(), "*.json.tmp.*"))
	if len(temps) != 0 {
		t.Errorf("expected no temp files left behind, found %d", len(temps))
	}
}

func TestStore_RemovesStaleTempFilesAtOpen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	stale := filepath.Join(dir, "abc.json.tmp.12345.deadbeef")
	if err := os.WriteFile(stale, []byte("partial"), 0o600); err != nil {
		t.Fatalf("expected to plant a stale temp file, got error: %v", err)
	}
	keep := filepath.Join(dir, "abc.json")
	if err := os.WriteFile(keep, []byte(`{"id":"abc","messages":[]}`), 0o600); err != nil {
		t.Fatalf("expected to plant a session file, got error: %v", err)
	}

	cfg := DefaultStoreConfig()
	cfg.Dir = dir
	cfg.RetentionSchedule = ""
	s, err := NewStore(cfg, slog.Default())
	if err != nil {
		t.Fatalf("expected store to open, got error: %v", err)
	}
	t.Cleanup(s.Close)

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("expected the stale temp file to be removed at open")
	}
	if _, err := os.Stat(keep); err != nil {
		t.Errorf("expected the real session file to survive: %v", err)
	}
}

func TestStore_CorruptedFileQuarantined(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, nil)

	path := filepath.Join(s.Dir(), "broken.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("expected to plant a corrupted file, got error: %v", err)
	}

	if _, err := s.LoadSession("broken"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound for a corrupted file, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected the corrupted file to be moved out of the session dir")
	}

	moved, _ := filepath.Glob(filepath.Join(s.Dir(), quarantineSubdir, "broken_*.json"))
	if len(moved) != 1 {
		t.Errorf("expected one quarantined file, found %d", len(moved))
	}
}

func TestStore_EmptyFileQuarantined(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, nil)

	path := filepath.Join(s.Dir(), "hollow.json")
	if err := os.WriteFile(path, []byte("  \n\t"), 0o600); err != nil {
		t.Fatalf("expected to plant an empty file, got error: %v", err)
	}

	if _, err := s.LoadSession("hollow"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound for an empty file, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected the empty file to be quarantined")
	}
}

func TestStore_LoadMissing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, nil)

	if _, err := s.LoadSession("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := s.LoadSession(""); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound for an empty id, got %v", err)
	}
}

func TestStore_SessionsInfoNewestFirst(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, nil)

	ids := make([]string, 3)
	for i := range ids {
		sess := NewSession(fmt.Sprintf("s%d", i), "")
		if err := s.SaveSession(sess); err != nil {
			t.Fatalf("expected save %d to succeed, got error: %v", i, err)
		}
		ids[i] = sess.ID
		time.Sleep(5 * time.Millisecond)
	}

	infos, err := s.SessionsInfo()
	if err != nil {
		t.Fatalf("expected listing to succeed, got error: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(infos))
	}
	if infos[0].ID != ids[2] || infos[2].ID != ids[0] {
		t.Errorf("expected newest-first ordering, got %s, %s, %s",
			infos[0].Name, infos[1].Name, infos[2].Name)
	}
}

func TestStore_SessionsInfoSkipsCorrupted(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, nil)

	if err := s.SaveSession(NewSession("good", "")); err != nil {
		t.Fatalf("expected save to succeed, got error: %v", err)
	}
	bad := filepath.Join(s.Dir(), "bad.json")
	if err := os.WriteFile(bad, []byte("]["), 0o600); err != nil {
		t.Fatalf("expected to plant a corrupted file, got error: %v", err)
	}

	infos, err := s.SessionsInfo()
	if err != nil {
		t.Fatalf("expected listing to succeed, got error: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "good" {
		t.Errorf("expected the corrupted file to be skipped, got %+v", infos)
	}
	if _, err := os.Stat(bad); !os.IsNotExist(err) {
		t.Error("expected the corrupted file to be quarantined during listing")
	}
}

func TestStore_AutoSaveCoalescesToLatestSnapshot(t *testing.T) {
	t.Parallel()
	// A debounce long enough to never fire on its own: the write must come
	// from Flush, carrying the last submitted snapshot.
	s := newTestStore(t, func(cfg *StoreConfig) {
		cfg.AutoSaveDebounce = time.Hour
	})

	sess := NewSession("debounced", "")
	sess.Messages = []Message{{Role: RoleUser, Content: "first"}}
	s.AutoSave(sess)
	sess.Messages = append(sess.Messages, Message{Role: RoleAssistant, Content: "second"})
	s.AutoSave(sess)

	s.pendingMu.Lock()
	pendingCount := len(s.pending)
	s.pendingMu.Unlock()
	if pendingCount != 1 {
		t.Errorf("expected one pending save for the session, got %d", pendingCount)
	}

	s.Flush()

	loaded, err := reopenStore(t, s).LoadSession(sess.ID)
	if err != nil {
		t.Fatalf("expected load after flush to succeed, got error: %v", err)
	}
	if len(loaded.Messages) != 2 {
		t.Errorf("expected the later snapshot on disk, got %d messages", len(loaded.Messages))
	}
}

func TestStore_AutoSaveTimerFires(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, func(cfg *StoreConfig) {
		cfg.AutoSaveDebounce = 10 * time.Millisecond
	})

	sess := NewSession("timed", "")
	s.AutoSave(sess)

	path := filepath.Join(s.Dir(), sess.ID+".json")
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected the debounced save to land on disk")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStore_CacheServesWithinTTL(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, func(cfg *StoreConfig) {
		cfg.CacheTTL = 50 * time.Millisecond
	})

	sess := NewSession("cached", "")
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("expected save to succeed, got error: %v", err)
	}

	// Remove the backing file: a successful load can only come from cache.
	if err := os.Remove(filepath.Join(s.Dir(), sess.ID+".json")); err != nil {
		t.Fatalf("expected to remove the backing file, got error: %v", err)
	}
	if _, err := s.LoadSession(sess.ID); err != nil {
		t.Errorf("expected a cache hit within the TTL, got error: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := s.LoadSession(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected the expired entry to fall through to disk, got %v", err)
	}
}

func TestStore_CacheEvictsOldestFirst(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, func(cfg *StoreConfig) {
		cfg.CacheSize = 2
	})

	sessions := make([]*Session, 3)
	for i := range sessions {
		sessions[i] = NewSession(fmt.Sprintf("s%d", i), "")
		if err := s.SaveSession(sessions[i]); err != nil {
			t.Fatalf("expected save %d to succeed, got error: %v", i, err)
		}
	}

	// With capacity 2 the first insert is gone and the last two remain.
	// Removing the files makes cache state observable through LoadSession.
	for _, sess := range sessions {
		os.Remove(filepath.Join(s.Dir(), sess.ID+".json"))
	}

	if _, err := s.LoadSession(sessions[0].ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected the oldest entry to be evicted, got %v", err)
	}
	if _, err := s.LoadSession(sessions[1].ID); err != nil {
		t.Errorf("expected the second entry to remain cached, got error: %v", err)
	}
	if _, err := s.LoadSession(sessions[2].ID); err != nil {
		t.Errorf("expected the newest entry to remain cached, got error: %v", err)
	}
}

func TestStore_DeleteSession(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, nil)

	sess := NewSession("doomed", "")
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("expected save to succeed, got error: %v", err)
	}

	if err := s.DeleteSession(sess.ID); err != nil {
		t.Fatalf("expected delete to succeed, got error: %v", err)
	}
	if _, err := s.LoadSession(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected the session to be gone from cache and disk, got %v", err)
	}
	if err := s.DeleteSession(sess.ID); err != nil {
		t.Errorf("expected deleting a missing session to be a no-op, got error: %v", err)
	}
}

func TestStore_DeleteCancelsPendingAutoSave(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, func(cfg *StoreConfig) {
		cfg.AutoSaveDebounce = time.Hour
	})

	sess := NewSession("fleeting", "")
	s.AutoSave(sess)
	if err := s.DeleteSession(sess.ID); err != nil {
		t.Fatalf("expected delete to succeed, got error: %v", err)
	}

	s.Flush()
	if _, err := os.Stat(filepath.Join(s.Dir(), sess.ID+".json")); !os.IsNotExist(err) {
		t.Error("expected the cancelled auto-save never to reach disk")
	}
}

func TestStore_PruneKeepsNewestAndActive(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, func(cfg *StoreConfig) {
		cfg.MaxSessions = 2
	})

	ids := make([]string, 4)
	for i := range ids {
		sess := NewSession(fmt.Sprintf("s%d", i), "")
		if err := s.SaveSession(sess); err != nil {
			t.Fatalf("expected save %d to succeed, got error: %v", i, err)
		}
		ids[i] = sess.ID
		time.Sleep(5 * time.Millisecond)
	}

	// The oldest session is active, so pruning removes the next-oldest two.
	pruned, err := s.PruneSessions(ids[0])
	if err != nil {
		t.Fatalf("expected prune to succeed, got error: %v", err)
	}
	if pruned != 2 {
		t.Errorf("expected 2 pruned sessions, got %d", pruned)
	}

	for i, id := range ids {
		_, statErr := os.Stat(filepath.Join(s.Dir(), id+".json"))
		switch i {
		case 0, 3:
			if statErr != nil {
				t.Errorf("expected session %d to survive: %v", i, statErr)
			}
		default:
			if !os.IsNotExist(statErr) {
				t.Errorf("expected session %d to be pruned", i)
			}
		}
	}
}

func TestStore_PruneDisabledOrUnderLimit(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, func(cfg *StoreConfig) {
		cfg.MaxSessions = 0
	})
	for i := 0; i < 3; i++ {
		if err := s.SaveSession(NewSession("", "")); err != nil {
			t.Fatalf("expected save to succeed, got error: %v", err)
		}
	}
	if pruned, err := s.PruneSessions(""); err != nil || pruned != 0 {
		t.Errorf("expected disabled pruning to be a no-op, got %d, %v", pruned, err)
	}

	limited := newTestStore(t, func(cfg *StoreConfig) {
		cfg.MaxSessions = 5
	})
	if err := limited.SaveSession(NewSession("", "")); err != nil {
		t.Fatalf("expected save to succeed, got error: %v", err)
	}
	if pruned, err := limited.PruneSessions(""); err != nil || pruned != 0 {
		t.Errorf("expected pruning under the limit to be a no-op, got %d, %v", pruned, err)
	}
}

func TestStore_SanitizesSessionIDs(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, nil)

	sess := NewSession("", "")
	sess.ID = "../escape/attempt"
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("expected save to succeed, got error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(s.Dir(), "___escape_attempt.json")); err != nil {
		t.Errorf("expected the sanitized file inside the session dir: %v", err)
	}
	if _, err := s.LoadSession("../escape/attempt"); err != nil {
		t.Errorf("expected load through the same sanitization to succeed, got error: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(s.Dir()))
	if err == nil {
		for _, e := range entries {
			if e.Name() == "escape" {
				t.Error("expected no files outside the session dir")
			}
		}
	}
}
