// Package storetest holds behaviour checks shared by every store.Store implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/loykin/playground/internal/store"
)

// Run exercises s, which must have an empty schema already ensured.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	t.Run("ExecutionLifecycle", func(t *testing.T) { executionLifecycle(t, s) })
	t.Run("SingleTerminalWrite", func(t *testing.T) { singleTerminalWrite(t, s) })
	t.Run("ListAndCount", func(t *testing.T) { listAndCount(t, s) })
	t.Run("FailOrphaned", func(t *testing.T) { failOrphaned(t, s) })
	t.Run("UsersAndSessions", func(t *testing.T) { usersAndSessions(t, s) })
	t.Run("StatisticsAndRunning", func(t *testing.T) { statisticsAndRunning(t, s) })
}

func intPtr(v int) *int { return &v }

func executionLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := &store.Execution{ID: "life-1", UserID: "u1", Category: "scripting", Scenario: "demo", Script: "hello"}
	if err := s.CreateExecution(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.GetExecution(ctx, "life-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.StatusPending || got.CompletedAt != nil || got.ExitCode != nil || got.Script != "hello" {
		t.Fatalf("unexpected pending record: %+v", got)
	}
	if err := s.MarkRunning(ctx, "life-1"); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	done := time.Now().UTC()
	if err := s.CompleteExecution(ctx, "life-1", store.Completion{
		Status: store.StatusSuccess, Logs: "hi\n", ExitCode: intPtr(0), CompletedAt: done,
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err = s.GetExecution(ctx, "life-1")
	if err != nil {
		t.Fatalf("get after complete: %v", err)
	}
	if got.Status != store.StatusSuccess || got.Logs != "hi\n" || got.ExitCode == nil || *got.ExitCode != 0 {
		t.Fatalf("unexpected terminal record: %+v", got)
	}
	if got.CompletedAt == nil || got.CompletedAt.Before(got.StartedAt.Add(-time.Second)) {
		t.Fatalf("completedAt not set correctly: %+v", got)
	}
	if err := s.MarkRunning(ctx, "life-1"); !errors.Is(err, store.ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal on mark running, got %v", err)
	}
	if _, err := s.GetExecution(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.CompleteExecution(ctx, "missing", store.Completion{Status: store.StatusFailed}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on complete, got %v", err)
	}
	if err := s.CompleteExecution(ctx, "life-1", store.Completion{Status: store.StatusRunning}); !errors.Is(err, store.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func singleTerminalWrite(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreateExecution(ctx, &store.Execution{ID: "race-1", UserID: "u1", Category: "scripting", Scenario: "demo"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st := store.StatusSuccess
			if i%2 == 1 {
				st = store.StatusFailed
			}
			results <- s.CompleteExecution(ctx, "race-1", store.Completion{Status: st, ExitCode: intPtr(i)})
		}(i)
	}
	wg.Wait()
	close(results)
	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrAlreadyTerminal):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one terminal write, got %d", wins)
	}
}

func listAndCount(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	mk := func(id, user, scenario string, st store.Status, offset time.Duration) {
		t.Helper()
		e := &store.Execution{ID: id, UserID: user, Category: "docker", Scenario: scenario, StartedAt: base.Add(offset)}
		if err := s.CreateExecution(ctx, e); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		if st.Terminal() {
			if err := s.CompleteExecution(ctx, id, store.Completion{Status: st, ExitCode: intPtr(0)}); err != nil {
				t.Fatalf("complete %s: %v", id, err)
			}
		}
	}
	mk("l-1", "lister", "web", store.StatusSuccess, 1*time.Minute)
	mk("l-2", "lister", "web", store.StatusFailed, 2*time.Minute)
	mk("l-3", "lister", "web", store.StatusSuccess, 3*time.Minute)
	mk("l-4", "lister", "db", store.StatusPending, 4*time.Minute)
	mk("l-5", "other", "db", store.StatusSuccess, 5*time.Minute)

	list, err := s.ListExecutions(ctx, "lister", 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "l-4" || list[1].ID != "l-3" {
		t.Fatalf("unexpected page: %+v", list)
	}
	page2, err := s.ListExecutions(ctx, "lister", 2, 2)
	if err != nil || len(page2) != 2 || page2[0].ID != "l-2" {
		t.Fatalf("unexpected second page: %+v %v", page2, err)
	}

	counts, err := s.CountOutcomes(ctx)
	if err != nil {
		t.Fatalf("count outcomes: %v", err)
	}
	want := map[string]int64{"docker/web/success": 2, "docker/web/failed": 1, "docker/db/success": 1}
	got := map[string]int64{}
	for _, c := range counts {
		if c.Category == "docker" {
			got[c.Category+"/"+c.Scenario+"/"+string(c.Status)] = c.Count
		}
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("count %s: got %d want %d (all %v)", k, got[k], v, got)
		}
	}
	if _, ok := got["docker/db/pending"]; ok {
		t.Fatalf("non-terminal status counted: %v", got)
	}

	active, err := s.CountActiveUsers(ctx, base)
	if err != nil || active < 2 {
		t.Fatalf("active users: %d %v", active, err)
	}
	none, err := s.CountActiveUsers(ctx, time.Now().Add(time.Hour))
	if err != nil || none != 0 {
		t.Fatalf("expected no active users in the future: %d %v", none, err)
	}
}

func failOrphaned(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreateExecution(ctx, &store.Execution{ID: "orphan-1", UserID: "u9", Category: "scripting", Scenario: "demo"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.MarkRunning(ctx, "orphan-1"); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	n, err := s.FailOrphaned(ctx, "interrupted by restart")
	if err != nil || n < 1 {
		t.Fatalf("fail orphaned: n=%d err=%v", n, err)
	}
	got, err := s.GetExecution(ctx, "orphan-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.StatusFailed || got.CompletedAt == nil || got.Logs != "interrupted by restart" {
		t.Fatalf("orphan not failed: %+v", got)
	}
}

func usersAndSessions(t *testing.T, s store.Store) {
	ctx := context.Background()
	before, err := s.CountUsers(ctx)
	if err != nil {
		t.Fatalf("count users: %v", err)
	}
	u := &store.User{ID: "user-1", Username: "alice", PasswordHash: "x", Active: true}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.CreateUser(ctx, &store.User{ID: "user-2", Username: "alice"}); !errors.Is(err, store.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
	after, _ := s.CountUsers(ctx)
	if after != before+1 {
		t.Fatalf("user count: before=%d after=%d", before, after)
	}
	got, err := s.GetUserByUsername(ctx, "alice")
	if err != nil || got.ID != "user-1" || !got.Active {
		t.Fatalf("get by username: %+v %v", got, err)
	}
	if _, err := s.GetUser(ctx, "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	exp := time.Now().Add(time.Hour).UTC()
	if err := s.CreateSession(ctx, store.Session{ID: "jti-1", UserID: "user-1", ExpiresAt: exp}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	ss, err := s.GetSession(ctx, "jti-1")
	if err != nil || ss.UserID != "user-1" || ss.ExpiresAt.Sub(exp).Abs() > time.Second {
		t.Fatalf("get session: %+v %v", ss, err)
	}
	if err := s.DeleteSession(ctx, "jti-1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := s.GetSession(ctx, "jti-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func statisticsAndRunning(t *testing.T, s store.Store) {
	ctx := context.Background()
	empty, err := s.UserStatistics(ctx, "stats-nobody")
	if err != nil {
		t.Fatalf("empty statistics: %v", err)
	}
	if empty.Total != 0 || empty.Successful != 0 || empty.Failed != 0 || empty.LastExecution != nil {
		t.Fatalf("unexpected empty statistics: %+v", empty)
	}

	if err := s.CreateUser(ctx, &store.User{ID: "stats-u", Username: "stats-user", PasswordHash: "x", Active: true}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	outcomes := []store.Status{store.StatusSuccess, store.StatusFailed, store.StatusFailed, store.StatusRunning}
	for i, st := range outcomes {
		e := &store.Execution{ID: fmt.Sprintf("stats-%d", i), UserID: "stats-u", Category: "scripting", Scenario: "demo",
			StartedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.CreateExecution(ctx, e); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.MarkRunning(ctx, e.ID); err != nil {
			t.Fatalf("mark running: %v", err)
		}
		if st.Terminal() {
			if err := s.CompleteExecution(ctx, e.ID, store.Completion{Status: st, ExitCode: intPtr(0)}); err != nil {
				t.Fatalf("complete: %v", err)
			}
		}
	}
	if err := s.CreateExecution(ctx, &store.Execution{ID: "stats-cli", UserID: "cli", Category: "scripting", Scenario: "demo", StartedAt: base}); err != nil {
		t.Fatalf("create cli: %v", err)
	}
	if err := s.MarkRunning(ctx, "stats-cli"); err != nil {
		t.Fatalf("mark running cli: %v", err)
	}

	got, err := s.UserStatistics(ctx, "stats-u")
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if got.Total != 4 || got.Successful != 1 || got.Failed != 2 {
		t.Fatalf("unexpected statistics: %+v", got)
	}
	if got.LastExecution == nil || !got.LastExecution.Equal(base.Add(3*time.Minute)) {
		t.Fatalf("unexpected last execution: %v", got.LastExecution)
	}

	running, err := s.ListRunning(ctx)
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	names := map[string]string{}
	for _, r := range running {
		if r.Status != store.StatusRunning {
			t.Fatalf("non-running row listed: %+v", r)
		}
		names[r.ID] = r.Username
	}
	if len(names) != 2 || names["stats-3"] != "stats-user" || names["stats-cli"] != "" {
		t.Fatalf("unexpected running executions: %+v", running)
	}
	if running[0].ID != "stats-3" {
		t.Fatalf("expected newest first, got %+v", running)
	}
}
