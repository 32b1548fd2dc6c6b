package worker_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"labline/internal/agents"
	"labline/internal/config"
	"labline/internal/db"
	"labline/internal/domain"
	"labline/internal/engine"
	"labline/internal/llm"
	"labline/internal/migrate"
	"labline/internal/queue"
	"labline/internal/storage"
	"labline/internal/worker"
)

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine  engine.Engine
	Runtime *worker.Runtime
	Queue   *queue.Memory
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := &queue.Memory{}
	cfg := config.Default()
	store := storage.Store{BasePath: dir + "/files"}
	eng := engine.New(conn, cfg, store, q, log)
	eng.Now = func() time.Time { return testNow }
	reg := agents.NewRegistry(agents.PIAgent{LLM: llm.Stub{}, Now: func() time.Time { return testNow }})
	rt := worker.New(conn, cfg, q, reg, log)
	ctx := context.Background()
	u := domain.User{
		UserID:     "user-1",
		Email:      "pi@example.org",
		Profession: "Senior Virologist",
		Institute:  "FANG Research Labs",
		CreatedAt:  testNow.Format(time.RFC3339),
	}
	if err := eng.Repo.InsertUser(ctx, u); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	return testEnv{Engine: eng, Runtime: rt, Queue: q, Ctx: ctx}
}

func TestProcessRunsPlanningJob(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.StartNewProject(env.Ctx, "user-1", "Study ACE2 binding affinity", nil)
	if err != nil {
		t.Fatalf("start project: %v", err)
	}

	job, err := env.Queue.Dequeue(env.Ctx, "worker-a")
	if err != nil || job == nil {
		t.Fatalf("expected enqueued job: %v", err)
	}
	env.Runtime.Process(env.Ctx, "worker-a", job)

	got, err := env.Engine.Repo.GetProject(env.Ctx, p.ProjectID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentPhase != domain.PhasePlanningComplete {
		t.Fatalf("expected planning_complete, got %s", got.CurrentPhase)
	}
	if got.NextAgent != domain.AgentUserApproval {
		t.Fatalf("expected handoff to user_approval, got %s", got.NextAgent)
	}
	if got.StateVersion != 2 {
		t.Fatalf("expected state_version 2, got %d", got.StateVersion)
	}
	if got.RefinedResearchGoal == nil {
		t.Fatalf("expected refined goal promoted to project row")
	}

	st, err := env.Engine.Repo.LoadState(env.Ctx, p.ProjectID)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Messages) != 2 {
		t.Fatalf("expected assistant reply persisted: %+v", st.Messages)
	}
	if len(st.TaskList) == 0 {
		t.Fatalf("expected drafted tasks persisted")
	}
	if len(st.AuditLog) != 3 {
		t.Fatalf("expected three audit entries, got %d", len(st.AuditLog))
	}

	// Completed job is acked away.
	if n := len(env.Queue.All()); n != 0 {
		t.Fatalf("expected empty queue, got %d jobs", n)
	}
}

func TestProcessBuriesUnknownAgent(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.StartNewProject(env.Ctx, "user-1", "goal", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Queue.Enqueue(env.Ctx, p.ProjectID, "no_such_agent", queue.TaskData{}); err != nil {
		t.Fatal(err)
	}

	for {
		job, err := env.Queue.Dequeue(env.Ctx, "worker-a")
		if err != nil {
			t.Fatal(err)
		}
		if job == nil {
			break
		}
		env.Runtime.Process(env.Ctx, "worker-a", job)
	}

	if env.Queue.Dead() != 1 {
		t.Fatalf("expected the unknown-agent job dead-lettered, got %d", env.Queue.Dead())
	}
}

func TestProcessBuriesDeletedProject(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.StartNewProject(env.Ctx, "user-1", "goal", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.DeleteProject(env.Ctx, p.ProjectID); err != nil {
		t.Fatal(err)
	}

	job, err := env.Queue.Dequeue(env.Ctx, "worker-a")
	if err != nil || job == nil {
		t.Fatalf("expected enqueued job: %v", err)
	}
	env.Runtime.Process(env.Ctx, "worker-a", job)

	if env.Queue.Dead() != 1 {
		t.Fatalf("expected job buried after project deletion, got %d dead", env.Queue.Dead())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan error, 1)
	go func() { done <- env.Runtime.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil && err != context.Canceled {
			t.Fatalf("unexpected runtime error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runtime did not stop on cancel")
	}
}
