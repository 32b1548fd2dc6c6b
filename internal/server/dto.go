package server

import (
	"labline/internal/domain"
)

// Response payloads

// ProjectAccepted is the intake acknowledgment. The workbench state it points
// at is still being built when this goes out.
type ProjectAccepted struct {
	ProjectID            string `json:"project_id"`
	OriginalResearchGoal string `json:"original_research_goal"`
	Status               string `json:"status" enum:"accepted"`
	NextAgent            string `json:"next_agent"`
	Message              string `json:"message"`
}

type ProjectResponse struct {
	ProjectID            string  `json:"project_id"`
	OwnerID              string  `json:"owner_id"`
	Title                *string `json:"title,omitempty"`
	OriginalResearchGoal string  `json:"original_research_goal"`
	RefinedResearchGoal  *string `json:"refined_research_goal,omitempty"`
	CurrentPhase         string  `json:"current_phase"`
	NextAgent            string  `json:"next_agent"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
}

// ProjectStateResponse is the full workbench read model: project metadata
// plus the reconstructed conversation, tasks, scratchpad and audit trail.
type ProjectStateResponse struct {
	ProjectResponse
	Messages   []domain.Message    `json:"messages"`
	TaskList   []domain.Task       `json:"task_list"`
	Scratchpad map[string]any      `json:"scratchpad"`
	AuditLog   []domain.AuditEntry `json:"audit_log"`
}

type FileResponse struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	FileSize int64  `json:"file_size"`
	FileType string `json:"file_type"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ProjectID:            p.ProjectID,
		OwnerID:              p.OwnerID,
		Title:                p.Title,
		OriginalResearchGoal: p.OriginalResearchGoal,
		RefinedResearchGoal:  p.RefinedResearchGoal,
		CurrentPhase:         p.CurrentPhase,
		NextAgent:            p.NextAgent,
		CreatedAt:            p.CreatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func mapFiles(items []domain.ProjectFile) []FileResponse {
	res := make([]FileResponse, 0, len(items))
	for _, f := range items {
		res = append(res, FileResponse{
			FileID:   f.FileID,
			Filename: f.Filename,
			FileSize: f.FileSize,
			FileType: f.FileType,
		})
	}
	return res
}

func stateResponse(p domain.Project, st domain.LabState) ProjectStateResponse {
	if st.Messages == nil {
		st.Messages = []domain.Message{}
	}
	if st.TaskList == nil {
		st.TaskList = []domain.Task{}
	}
	if st.Scratchpad == nil {
		st.Scratchpad = map[string]any{}
	}
	if st.AuditLog == nil {
		st.AuditLog = []domain.AuditEntry{}
	}
	return ProjectStateResponse{
		ProjectResponse: projectResponse(p),
		Messages:        st.Messages,
		TaskList:        st.TaskList,
		Scratchpad:      st.Scratchpad,
		AuditLog:        st.AuditLog,
	}
}
