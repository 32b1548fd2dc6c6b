package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"labline/internal/config"
	"labline/internal/db"
	"labline/internal/domain"
	"labline/internal/engine"
	"labline/internal/migrate"
	"labline/internal/queue"
	"labline/internal/storage"
	lablinesdk "labline/sdk/go"
)

const (
	testToken  = "TEST_AUTH_TOKEN"
	testUserID = "test-user-f81d4"
	testSecret = "unit-test-secret"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	Queue  *queue.Memory
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	q := &queue.Memory{}
	store := storage.Store{BasePath: filepath.Join(workspace, "files")}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := engine.New(conn, config.Default(), store, q, log)

	u := domain.User{
		UserID:     testUserID,
		Email:      "virologist@fang.example",
		Profession: "Senior Virologist",
		Institute:  "FANG Research Labs",
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertUser(context.Background(), u); err != nil {
		t.Fatalf("insert user: %v", err)
	}

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/api/v1",
		Auth: AuthConfig{
			JWTSecret:  testSecret,
			TestToken:  testToken,
			TestUserID: testUserID,
		},
		Log: log,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Queue:  q,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func newClient(srv *testServer, token string) *lablinesdk.Client {
	c := lablinesdk.New(srv.URL)
	c.BearerToken = token
	return c
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return p
}

func TestStartProjectAccepted(t *testing.T) {
	srv := newTestServer(t)
	client := newClient(srv, testToken)
	ctx := context.Background()

	notes := writeTempFile(t, "notes.txt", "binding affinity notes")
	ack, err := client.StartProject(ctx, "Study ACE2 binding affinity", notes)
	if err != nil {
		t.Fatalf("start project: %v", err)
	}
	if ack.Status != "accepted" {
		t.Fatalf("expected accepted, got %s", ack.Status)
	}
	if ack.ProjectID == "" || ack.OriginalResearchGoal != "Study ACE2 binding affinity" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if ack.NextAgent != domain.AgentPI {
		t.Fatalf("expected handoff to %s, got %s", domain.AgentPI, ack.NextAgent)
	}
	if ack.Location != "/api/v1/projects/"+ack.ProjectID {
		t.Fatalf("unexpected Location: %s", ack.Location)
	}

	// The acknowledgment precedes any agent work: the project is still in
	// intake with exactly the intake message, and the job is queued.
	st, err := client.GetState(ctx, ack.ProjectID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.CurrentPhase != domain.PhaseIntake {
		t.Fatalf("expected intake phase, got %s", st.CurrentPhase)
	}
	if len(st.Messages) != 1 || st.Messages[0].Role != "user" {
		t.Fatalf("expected the intake message: %+v", st.Messages)
	}
	if len(st.AuditLog) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(st.AuditLog))
	}
	if srv.Queue.Pending() != 1 {
		t.Fatalf("expected one pending job, got %d", srv.Queue.Pending())
	}

	files, err := client.ListFiles(ctx, ack.ProjectID)
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 1 || files[0].Filename != "notes.txt" {
		t.Fatalf("unexpected files: %+v", files)
	}
}

func TestStartProjectEmptyGoal(t *testing.T) {
	srv := newTestServer(t)
	client := newClient(srv, testToken)

	_, err := client.StartProject(context.Background(), "   ")
	apiErr, ok := err.(*lablinesdk.APIError)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", apiErr.StatusCode)
	}
	if srv.Queue.Pending() != 0 {
		t.Fatalf("nothing should reach the queue")
	}
}

func TestStartProjectRequiresAuth(t *testing.T) {
	srv := newTestServer(t)

	for _, token := range []string{"", "wrong-token"} {
		client := newClient(srv, token)
		_, err := client.StartProject(context.Background(), "goal")
		apiErr, ok := err.(*lablinesdk.APIError)
		if !ok {
			t.Fatalf("expected APIError for token %q, got %v", token, err)
		}
		if apiErr.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401 for token %q, got %d", token, apiErr.StatusCode)
		}
	}
}

func TestJWTAuth(t *testing.T) {
	srv := newTestServer(t)

	claims := jwt.RegisteredClaims{
		Subject:   testUserID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	client := newClient(srv, token)

	ack, err := client.StartProject(context.Background(), "Study ACE2 binding affinity")
	if err != nil {
		t.Fatalf("start project with jwt: %v", err)
	}
	if ack.Status != "accepted" {
		t.Fatalf("expected accepted, got %s", ack.Status)
	}

	items, err := client.ListProjects(context.Background())
	if err != nil {
		t.Fatalf("list projects: %v", err)
	}
	if len(items) != 1 || items[0].OwnerID != testUserID {
		t.Fatalf("unexpected projects: %+v", items)
	}
}

func TestGetStateNotFound(t *testing.T) {
	srv := newTestServer(t)
	client := newClient(srv, testToken)

	_, err := client.GetState(context.Background(), "no-such-project")
	apiErr, ok := err.(*lablinesdk.APIError)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", apiErr.StatusCode)
	}
}

func TestHealthSkipsAuth(t *testing.T) {
	srv := newTestServer(t)

	res, err := http.Get(srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
}
