// Package worker runs the queue-consumer side of the pipeline: claim a job,
// rebuild the workbench state, hand it to the named agent, persist the
// mutated state, acknowledge. Each poller is independent; mutual exclusion
// between concurrent deliveries of the same project is enforced by the
// optimistic version check at save time, not by the pollers.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"labline/internal/agents"
	"labline/internal/config"
	"labline/internal/queue"
	"labline/internal/repo"
)

type Runtime struct {
	DB       *sql.DB
	Repo     repo.Repo
	Queue    queue.Queue
	Registry *agents.Registry
	Config   *config.Config
	Log      *slog.Logger
	Now      func() time.Time
}

func New(dbConn *sql.DB, cfg *config.Config, q queue.Queue, reg *agents.Registry, log *slog.Logger) *Runtime {
	return &Runtime{
		DB:       dbConn,
		Repo:     repo.Repo{DB: dbConn},
		Queue:    q,
		Registry: reg,
		Config:   cfg,
		Log:      log,
		Now:      time.Now,
	}
}

// Run starts Config.Worker.Concurrency pollers and blocks until ctx is
// cancelled. A poller that fails on queue access brings the group down;
// job-level failures are handled per job and never stop the runtime.
func (r *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.Config.Worker.Concurrency; i++ {
		workerID := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
		g.Go(func() error {
			return r.poll(ctx, workerID)
		})
	}
	return g.Wait()
}

func (r *Runtime) poll(ctx context.Context, workerID string) error {
	log := r.Log.With("worker_id", workerID)
	log.Info("poller started")
	ticker := time.NewTicker(r.Config.PollInterval())
	defer ticker.Stop()
	for {
		job, err := r.Queue.Dequeue(ctx, workerID)
		if err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		if job != nil {
			r.Process(ctx, workerID, job)
			continue
		}
		select {
		case <-ctx.Done():
			log.Info("poller stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Process runs one claimed job to completion: execute under the job timeout,
// then ack, nack, or bury depending on the failure class.
func (r *Runtime) Process(ctx context.Context, workerID string, job *queue.Job) {
	log := r.Log.With("worker_id", workerID, "job_id", job.ID, "project_id", job.ProjectID, "agent", job.AgentName, "attempt", job.Attempts)

	jobCtx, cancel := context.WithTimeout(ctx, r.Config.JobTimeout())
	defer cancel()

	err := r.execute(jobCtx, job)
	switch {
	case err == nil:
		if err := r.Queue.Ack(ctx, job.ID); err != nil {
			log.Error("ack failed", "err", err)
			return
		}
		log.Info("job completed")
	case isPermanent(err):
		log.Error("job buried", "err", err)
		if err := r.Queue.Bury(ctx, job.ID, err.Error()); err != nil {
			log.Error("bury failed", "err", err)
		}
	default:
		log.Warn("job failed, returning for redelivery", "err", err)
		if err := r.Queue.Nack(ctx, job.ID, err.Error()); err != nil {
			log.Error("nack failed", "err", err)
		}
	}
}

// execute does the dequeue-load-mutate-persist cycle on a connection checked
// out for this job alone, so every run gets a fresh storage session.
func (r *Runtime) execute(ctx context.Context, job *queue.Job) error {
	agent, err := r.Registry.Lookup(job.AgentName)
	if err != nil {
		return err
	}

	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("checkout connection: %w", err)
	}
	defer conn.Close()

	p, err := repo.GetProjectWith(ctx, conn, job.ProjectID)
	if err != nil {
		return err
	}
	st, err := repo.LoadState(ctx, conn, job.ProjectID)
	if err != nil {
		return err
	}

	inv := agents.Invocation{
		ProjectID:        job.ProjectID,
		ResearchGoal:     job.Data.OriginalResearchGoal,
		ContextFilePaths: job.Data.ContextFilePaths,
		UserMetadata:     job.Data.UserMetadata,
	}
	if err := agent.Execute(ctx, &st, inv); err != nil {
		return fmt.Errorf("agent %s: %w", job.AgentName, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.Repo.SaveStateTx(ctx, tx, job.ProjectID, st, p.StateVersion); err != nil {
		return err
	}
	return tx.Commit()
}

// isPermanent reports whether retrying the job cannot succeed. A missing
// project is permanent too: the row was deleted after the job was enqueued.
func isPermanent(err error) bool {
	var unknown agents.UnknownAgentError
	return errors.As(err, &unknown) || errors.Is(err, repo.ErrNotFound)
}
