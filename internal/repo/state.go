package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"labline/internal/audit"
	"labline/internal/domain"
)

// CreateProjectAndFiles persists the project row, its file metadata, and the
// initial workbench state in one transaction. All-or-nothing: a failure on
// any row rolls everything back.
func (r Repo) CreateProjectAndFiles(ctx context.Context, p domain.Project, files []domain.ProjectFile, st domain.LabState) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := r.InsertProjectTx(ctx, tx, p); err != nil {
		return err
	}
	for _, f := range files {
		if err := r.InsertProjectFileTx(ctx, tx, f); err != nil {
			return err
		}
	}
	if err := writeStateRows(ctx, tx, p.ProjectID, st); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadState reconstructs the full workbench aggregate from normalized rows,
// ordered by insertion order. Unknown project ids signal ErrNotFound.
func (r Repo) LoadState(ctx context.Context, projectID string) (domain.LabState, error) {
	return LoadState(ctx, r.DB, projectID)
}

// LoadState is the session-scoped variant; q may be a job-exclusive *sql.Conn.
func LoadState(ctx context.Context, q Queryable, projectID string) (domain.LabState, error) {
	p, err := getProject(ctx, q, projectID)
	if err != nil {
		return domain.LabState{}, err
	}
	st := domain.LabState{
		Scratchpad:   map[string]any{},
		NextAgent:    p.NextAgent,
		CurrentPhase: p.CurrentPhase,
	}

	rows, err := q.QueryContext(ctx, `SELECT message_id,project_id,role,content,created_at FROM messages WHERE project_id=? ORDER BY seq`, projectID)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.MessageID, &m.ProjectID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return st, err
		}
		st.Messages = append(st.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	taskRows, err := q.QueryContext(ctx, `SELECT task_id,project_id,description,status,result,created_at FROM tasks WHERE project_id=? ORDER BY seq`, projectID)
	if err != nil {
		return st, err
	}
	defer taskRows.Close()
	for taskRows.Next() {
		var t domain.Task
		var result sql.NullString
		if err := taskRows.Scan(&t.TaskID, &t.ProjectID, &t.Description, &t.Status, &result, &t.CreatedAt); err != nil {
			return st, err
		}
		if result.Valid {
			t.Result = &result.String
		}
		st.TaskList = append(st.TaskList, t)
	}
	if err := taskRows.Err(); err != nil {
		return st, err
	}

	auditRows, err := q.QueryContext(ctx, `SELECT entry_id,project_id,ts,agent,action,current_phase,details_json FROM audit_log_entries WHERE project_id=? ORDER BY seq`, projectID)
	if err != nil {
		return st, err
	}
	defer auditRows.Close()
	for auditRows.Next() {
		var e domain.AuditEntry
		var details string
		if err := auditRows.Scan(&e.EntryID, &e.ProjectID, &e.Timestamp, &e.Agent, &e.Action, &e.CurrentPhase, &details); err != nil {
			return st, err
		}
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return st, fmt.Errorf("decode audit details %s: %w", e.EntryID, err)
		}
		st.AuditLog = append(st.AuditLog, e)
	}
	if err := auditRows.Err(); err != nil {
		return st, err
	}

	padRows, err := q.QueryContext(ctx, `SELECT key,value_json FROM scratchpad_entries WHERE project_id=?`, projectID)
	if err != nil {
		return st, err
	}
	defer padRows.Close()
	for padRows.Next() {
		var key, value string
		if err := padRows.Scan(&key, &value); err != nil {
			return st, err
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err != nil {
			return st, fmt.Errorf("decode scratchpad %s: %w", key, err)
		}
		st.Scratchpad[key] = decoded
	}
	return st, padRows.Err()
}

// SaveStateTx reconciles the full mutated workbench back into rows. Messages
// and audit entries are append-only (existing rows untouched); tasks are
// upserted since agents may both extend and mutate the task list; the
// scratchpad is replaced wholesale. The project pointer row is updated with
// an optimistic version check: if state_version moved since the load this
// save belongs to, ErrStaleState is returned and nothing is written.
func (r Repo) SaveStateTx(ctx context.Context, tx *sql.Tx, projectID string, st domain.LabState, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET current_phase=?, next_agent=?, state_version=state_version+1 WHERE project_id=? AND state_version=?`,
		st.CurrentPhase, st.NextAgent, projectID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := getProject(ctx, tx, projectID); err != nil {
			return err
		}
		return ErrStaleState
	}

	// The refined goal is agent output; promote it from the scratchpad to
	// the project row so metadata reads don't need the full state.
	if refined, ok := st.Scratchpad["refined_research_goal"].(string); ok && refined != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE projects SET refined_research_goal=? WHERE project_id=?`, refined, projectID); err != nil {
			return err
		}
	}
	return writeStateRows(ctx, tx, projectID, st)
}

func writeStateRows(ctx context.Context, tx *sql.Tx, projectID string, st domain.LabState) error {
	for _, m := range st.Messages {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO messages(message_id,project_id,role,content,created_at) VALUES (?,?,?,?,?)`,
			m.MessageID, projectID, m.Role, m.Content, m.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	for _, t := range st.TaskList {
		// Task status only moves forward. A replayed or racing save that
		// would rewind an already-advanced task fails the whole transaction.
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id=?`, t.TaskID).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err == nil {
			if terr := domain.EnsureTaskTransition(current, t.Status); terr != nil {
				return fmt.Errorf("task %s: %w", t.TaskID, terr)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO tasks(task_id,project_id,description,status,result,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET description=excluded.description, status=excluded.status, result=excluded.result`,
			t.TaskID, projectID, t.Description, t.Status, nullableStringPtr(t.Result), t.CreatedAt); err != nil {
			return fmt.Errorf("upsert task: %w", err)
		}
	}
	w := audit.Writer{}
	for _, e := range st.AuditLog {
		e.ProjectID = projectID
		if err := w.Append(ctx, tx, e); err != nil {
			return fmt.Errorf("append audit entry: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scratchpad_entries WHERE project_id=?`, projectID); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for key, value := range st.Scratchpad {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal scratchpad %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO scratchpad_entries(project_id,key,value_json,updated_at) VALUES (?,?,?,?)`,
			projectID, key, string(data), now); err != nil {
			return err
		}
	}
	return nil
}
