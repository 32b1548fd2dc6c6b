// Package lablinesdk is a minimal Labline HTTP API client.
package lablinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Client talks to a Labline API server.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "api/v1",
		Timeout:  30 * time.Second,
	}
}

// ProjectAccepted is the intake acknowledgment.
type ProjectAccepted struct {
	ProjectID            string `json:"project_id"`
	OriginalResearchGoal string `json:"original_research_goal"`
	Status               string `json:"status"`
	NextAgent            string `json:"next_agent"`
	Message              string `json:"message"`

	// Location echoes the response's Location header, the URL to poll for
	// the workbench state.
	Location string `json:"-"`
}

type Project struct {
	ProjectID            string  `json:"project_id"`
	OwnerID              string  `json:"owner_id"`
	Title                *string `json:"title,omitempty"`
	OriginalResearchGoal string  `json:"original_research_goal"`
	RefinedResearchGoal  *string `json:"refined_research_goal,omitempty"`
	CurrentPhase         string  `json:"current_phase"`
	NextAgent            string  `json:"next_agent"`
	CreatedAt            string  `json:"created_at"`
}

type Message struct {
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

type Task struct {
	TaskID      string  `json:"task_id"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	Result      *string `json:"result,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

type AuditEntry struct {
	EntryID      string         `json:"entry_id"`
	Timestamp    string         `json:"timestamp"`
	Agent        string         `json:"agent"`
	Action       string         `json:"action"`
	CurrentPhase string         `json:"current_phase"`
	Details      map[string]any `json:"details"`
}

// ProjectState is the full workbench read model.
type ProjectState struct {
	Project
	Messages   []Message      `json:"messages"`
	TaskList   []Task         `json:"task_list"`
	Scratchpad map[string]any `json:"scratchpad"`
	AuditLog   []AuditEntry   `json:"audit_log"`
}

type File struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	FileSize int64  `json:"file_size"`
	FileType string `json:"file_type"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartProject submits a research goal with optional context documents as a
// multipart request. filePaths are read from disk at call time.
func (c *Client) StartProject(ctx context.Context, researchGoal string, filePaths ...string) (ProjectAccepted, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("original_research_goal", researchGoal); err != nil {
		return ProjectAccepted{}, err
	}
	for _, p := range filePaths {
		f, err := os.Open(p)
		if err != nil {
			return ProjectAccepted{}, err
		}
		part, err := mw.CreateFormFile("context_docs", filepath.Base(p))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		f.Close()
		if err != nil {
			return ProjectAccepted{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return ProjectAccepted{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("projects"), &buf)
	if err != nil {
		return ProjectAccepted{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return ProjectAccepted{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		return ProjectAccepted{}, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var ack ProjectAccepted
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return ProjectAccepted{}, err
	}
	ack.Location = resp.Header.Get("Location")
	return ack, nil
}

// GetState fetches the full workbench state for a project.
func (c *Client) GetState(ctx context.Context, projectID string) (ProjectState, error) {
	var resp ProjectState
	err := c.get(ctx, fmt.Sprintf("projects/%s", url.PathEscape(projectID)), &resp)
	return resp, err
}

// ListProjects lists the caller's projects.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.get(ctx, "projects", &resp)
	return resp, err
}

// ListFiles lists the context documents attached to a project.
func (c *Client) ListFiles(ctx context.Context, projectID string) ([]File, error) {
	var resp []File
	err := c.get(ctx, fmt.Sprintf("projects/%s/files", url.PathEscape(projectID)), &resp)
	return resp, err
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(endpoint), nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) authorize(req *http.Request) {
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) endpoint(p string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	return base + "/" + strings.Trim(c.BasePath, "/") + "/" + strings.TrimLeft(p, "/")
}
