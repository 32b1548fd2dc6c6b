package repo

import (
	"context"
	"database/sql"
	"fmt"

	"labline/internal/domain"
)

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var title, refined sql.NullString
	err := row.Scan(&p.ProjectID, &p.OwnerID, &title, &p.OriginalResearchGoal, &refined,
		&p.CurrentPhase, &p.NextAgent, &p.StateVersion, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if title.Valid {
		p.Title = &title.String
	}
	if refined.Valid {
		p.RefinedResearchGoal = &refined.String
	}
	return p, nil
}

const projectColumns = `project_id,owner_id,title,original_research_goal,refined_research_goal,current_phase,next_agent,state_version,created_at`

func (r Repo) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	return getProject(ctx, r.DB, projectID)
}

// GetProjectWith is the session-scoped variant; q may be a job-exclusive
// *sql.Conn or an open transaction.
func GetProjectWith(ctx context.Context, q Queryable, projectID string) (domain.Project, error) {
	return getProject(ctx, q, projectID)
}

func getProject(ctx context.Context, q Queryable, projectID string) (domain.Project, error) {
	return scanProject(q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE project_id=?`, projectID))
}

func (r Repo) ListProjectsByOwner(ctx context.Context, ownerID string) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE owner_id=? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProjects(rows)
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProjects(rows)
}

func collectProjects(rows *sql.Rows) ([]domain.Project, error) {
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var title, refined sql.NullString
		if err := rows.Scan(&p.ProjectID, &p.OwnerID, &title, &p.OriginalResearchGoal, &refined,
			&p.CurrentPhase, &p.NextAgent, &p.StateVersion, &p.CreatedAt); err != nil {
			return nil, err
		}
		if title.Valid {
			p.Title = &title.String
		}
		if refined.Valid {
			p.RefinedResearchGoal = &refined.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// DeleteProject removes the project and, by cascade, all owned rows.
func (r Repo) DeleteProject(ctx context.Context, projectID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE project_id=?`, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ProjectID, p.OwnerID, nullableStringPtr(p.Title), p.OriginalResearchGoal, nullableStringPtr(p.RefinedResearchGoal),
		p.CurrentPhase, p.NextAgent, p.StateVersion, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (r Repo) InsertProjectFileTx(ctx context.Context, tx *sql.Tx, f domain.ProjectFile) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO project_files(file_id,project_id,filename,file_size,storage_path,file_type,uploaded_at) VALUES (?,?,?,?,?,?,?)`,
		f.FileID, f.ProjectID, f.Filename, f.FileSize, f.StoragePath, f.FileType, f.UploadedAt)
	if err != nil {
		return fmt.Errorf("insert project file: %w", err)
	}
	return nil
}

func (r Repo) ListProjectFiles(ctx context.Context, projectID string) ([]domain.ProjectFile, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT file_id,project_id,filename,file_size,storage_path,file_type,uploaded_at FROM project_files WHERE project_id=? ORDER BY uploaded_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectFile
	for rows.Next() {
		var f domain.ProjectFile
		if err := rows.Scan(&f.FileID, &f.ProjectID, &f.Filename, &f.FileSize, &f.StoragePath, &f.FileType, &f.UploadedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// ListStalledIntake returns projects still in the intake phase created before
// the cutoff that have no pending or leased job. These are projects whose
// enqueue failed after the commit; a sweep can re-dispatch or surface them.
func (r Repo) ListStalledIntake(ctx context.Context, cutoff string) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects
WHERE current_phase=? AND created_at < ?
AND NOT EXISTS (SELECT 1 FROM jobs WHERE jobs.project_id=projects.project_id AND jobs.status IN ('pending','leased'))
ORDER BY created_at`, domain.PhaseIntake, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProjects(rows)
}
