package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"labline/internal/domain"
)

// Writer appends audit log entries inside a caller-owned transaction. The
// audit log is the only source of truth for what happened when; it is never
// rewritten, only appended.
type Writer struct {
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append inserts one entry. A zero EntryID or Timestamp is filled in.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e domain.AuditEntry) error {
	if e.EntryID == "" {
		e.EntryID = uuid.New().String()
	}
	if e.Timestamp == "" {
		e.Timestamp = w.now().UTC().Format(time.RFC3339)
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	data, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO audit_log_entries(entry_id,project_id,ts,agent,action,current_phase,details_json) VALUES (?,?,?,?,?,?,?)`,
		e.EntryID, e.ProjectID, e.Timestamp, e.Agent, e.Action, e.CurrentPhase, string(data))
	return err
}
