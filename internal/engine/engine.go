package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"labline/internal/config"
	"labline/internal/domain"
	"labline/internal/queue"
	"labline/internal/repo"
	"labline/internal/storage"
)

// FileStore persists uploaded context documents as blobs on disk.
type FileStore interface {
	Save(projectID string, up storage.Upload) (domain.ProjectFile, error)
	Cleanup(projectID string) error
}

// Engine is the request-path orchestration service. It owns the project
// intake saga: validate, store file blobs, commit the project and its
// initial state in one transaction, then hand off to the agent queue.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Storage FileStore
	Queue   queue.Queue
	Config  *config.Config
	Log     *slog.Logger
	Now     func() time.Time
}

func New(dbConn *sql.DB, cfg *config.Config, store FileStore, q queue.Queue, log *slog.Logger) Engine {
	return Engine{
		DB:      dbConn,
		Repo:    repo.Repo{DB: dbConn},
		Storage: store,
		Queue:   q,
		Config:  cfg,
		Log:     log,
		Now:     time.Now,
	}
}

// StartNewProject runs the intake saga for ownerID. On any failure before the
// database commit, already-stored file blobs are removed. A failure to enqueue
// after the commit leaves the project in place and returns it alongside a
// QueueError.
func (e Engine) StartNewProject(ctx context.Context, ownerID, researchGoal string, docs []storage.Upload) (domain.Project, error) {
	goal := strings.TrimSpace(researchGoal)
	if goal == "" {
		return domain.Project{}, ValidationError{Field: "original_research_goal", Reason: "must not be empty"}
	}

	owner, err := e.Repo.GetUser(ctx, ownerID)
	if err != nil {
		return domain.Project{}, err
	}

	now := e.Now().UTC()
	projectID := uuid.NewString()

	files := make([]domain.ProjectFile, 0, len(docs))
	paths := make([]string, 0, len(docs))
	for _, doc := range docs {
		f, err := e.Storage.Save(projectID, doc)
		if err != nil {
			e.cleanup(projectID)
			return domain.Project{}, StorageError{Err: err}
		}
		files = append(files, f)
		paths = append(paths, f.StoragePath)
	}

	st, err := domain.NewInitialState(projectID, goal, now)
	if err != nil {
		e.cleanup(projectID)
		return domain.Project{}, err
	}

	p := domain.Project{
		ProjectID:            projectID,
		OwnerID:              owner.UserID,
		OriginalResearchGoal: goal,
		CurrentPhase:         st.CurrentPhase,
		NextAgent:            st.NextAgent,
		StateVersion:         1,
		CreatedAt:            now.Format(time.RFC3339),
	}

	if err := e.Repo.CreateProjectAndFiles(ctx, p, files, st); err != nil {
		e.cleanup(projectID)
		return domain.Project{}, err
	}

	data := queue.TaskData{
		OriginalResearchGoal: goal,
		ContextFilePaths:     paths,
		UserMetadata: queue.UserMetadata{
			UserID:      owner.UserID,
			Profession:  owner.Profession,
			Institution: owner.Institute,
		},
	}
	if err := e.Queue.Enqueue(ctx, projectID, domain.AgentPI, data); err != nil {
		e.Log.Error("enqueue after commit failed", "project_id", projectID, "err", err)
		return p, QueueError{Err: err}
	}

	e.Log.Info("project accepted", "project_id", projectID, "owner_id", owner.UserID, "files", len(files))
	return p, nil
}

// GetState returns a project together with its full workbench state.
func (e Engine) GetState(ctx context.Context, projectID string) (domain.Project, domain.LabState, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, domain.LabState{}, err
	}
	st, err := repo.LoadState(ctx, e.DB, projectID)
	if err != nil {
		return domain.Project{}, domain.LabState{}, err
	}
	return p, st, nil
}

// SweepStalledIntake lists projects stuck in the intake phase longer than
// olderThan with no pending or leased job. These are the never-dispatched
// leftovers of enqueue failures.
func (e Engine) SweepStalledIntake(ctx context.Context, olderThan time.Duration) ([]domain.Project, error) {
	cutoff := e.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	return e.Repo.ListStalledIntake(ctx, cutoff)
}

func (e Engine) cleanup(projectID string) {
	if err := e.Storage.Cleanup(projectID); err != nil {
		e.Log.Warn("cleanup failed", "project_id", projectID, "err", err)
	}
}
