package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tieubaoca/workspace-assistant/database"
	"github.com/tieubaoca/workspace-assistant/middleware"
	"github.com/tieubaoca/workspace-assistant/service"
	"github.com/tieubaoca/workspace-assistant/types"
	"go.uber.org/zap/zaptest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeTeam struct {
	res   *types.SynthesizedResponse
	err   error
	calls int
	delay time.Duration
}

func (f *fakeTeam) Synthesize(ctx context.Context, query string) (*types.SynthesizedResponse, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

type fakeDirect struct {
	answer string
	err    error
	calls  int
}

func (f *fakeDirect) Answer(ctx context.Context, query string) (string, error) {
	f.calls++
	return f.answer, f.err
}

func teamResponse() *types.SynthesizedResponse {
	return &types.SynthesizedResponse{
		Query:         "status of project Y",
		NarrativeText: "Team answer for \"status of project Y\"\nFrom Jira: ...\nFrom Confluence: ...\nFrom Notion: ...",
		PerSource: []types.SourceResult{
			{AgentName: types.SourceTracker.AgentName(), Source: types.SourceTracker, Completeness: types.Complete,
				Citations: []types.Citation{{ID: "PRJ-1", Title: "Project Y"}}},
			{AgentName: types.SourceWiki.AgentName(), Source: types.SourceWiki, Completeness: types.TimedOut, Citations: []types.Citation{}},
			{AgentName: types.SourceNotes.AgentName(), Source: types.SourceNotes, Completeness: types.Complete,
				Citations: []types.Citation{{ID: "n1", Title: "Project Y sync"}}},
		},
		Discrepancies: []string{},
	}
}

type indexAdmin interface {
	IndexAdmin
	IndexSearcher
}

func newTestRouter(t *testing.T, team TeamService, direct DirectService, admin indexAdmin, token string) *gin.Engine {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return NewRouter(RouterConfig{
		Chat:           NewChatHandler(team, direct, logger),
		Admin:          NewAdminHandler(admin, logger),
		Search:         NewSearchHandler(admin, logger),
		AdminToken:     token,
		RequestTimeout: time.Second,
		Logger:         logger,
	})
}

func do(t *testing.T, r http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTeamChat(t *testing.T) {
	team := &fakeTeam{res: teamResponse()}
	r := newTestRouter(t, team, nil, nil, "")

	w := do(t, r, http.MethodPost, "/team_chat", types.ChatRequest{Message: "status of project Y"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp types.TeamChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, teamResponse().NarrativeText, resp.Responses["team"])
	require.Len(t, resp.Sources, 3)
	assert.Equal(t, "Jira Project Management Specialist", resp.Sources[0].Agent)
	assert.Equal(t, []string{"Project Y"}, resp.Sources[0].Sources)
	assert.Equal(t, "TIMED_OUT", resp.Sources[1].Status)
	assert.Equal(t, []string{}, resp.Sources[1].Sources)
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
}

func TestTeamChat_Errors(t *testing.T) {
	team := &fakeTeam{err: errors.New("weaviate: class JiraDocuments schema mismatch")}
	r := newTestRouter(t, team, nil, nil, "")

	w := do(t, r, http.MethodPost, "/team_chat", types.ChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "schema")
	assert.Contains(t, w.Body.String(), msgTeamFailed)

	w = do(t, r, http.MethodPost, "/team_chat", types.ChatRequest{Message: "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, r, http.MethodPost, "/team_chat", "{broken")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 1, team.calls)
}

func TestTeamChat_RequestTimeout(t *testing.T) {
	team := &fakeTeam{res: teamResponse(), delay: 5 * time.Second}
	logger := zaptest.NewLogger(t)
	r := NewRouter(RouterConfig{
		Chat:           NewChatHandler(team, nil, logger),
		Admin:          NewAdminHandler(nil, logger),
		RequestTimeout: 50 * time.Millisecond,
		Logger:         logger,
	})
	w := do(t, r, http.MethodPost, "/team_chat", types.ChatRequest{Message: "slow"})
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestChat_DirectAnswer(t *testing.T) {
	team := &fakeTeam{res: teamResponse()}
	direct := &fakeDirect{answer: "PRJ-1 is in progress."}
	r := newTestRouter(t, team, direct, nil, "")

	w := do(t, r, http.MethodPost, "/chat", types.ChatRequest{Message: "status of PRJ-1"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp types.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "PRJ-1 is in progress.", resp.Response)
	assert.Zero(t, team.calls)
}

func TestChat_FallsBackToTeam(t *testing.T) {
	cases := map[string]error{
		"upstream":  &types.UpstreamUnavailableError{Provider: "openai", Err: errors.New("503")},
		"transport": &types.ToolInvocationError{Tool: "list_tools", Err: errors.New("exited")},
	}
	for name, derr := range cases {
		t.Run(name, func(t *testing.T) {
			team := &fakeTeam{res: teamResponse()}
			r := newTestRouter(t, team, &fakeDirect{err: derr}, nil, "")

			w := do(t, r, http.MethodPost, "/chat", types.ChatRequest{Message: "status of project Y"})
			require.Equal(t, http.StatusOK, w.Code)
			var resp types.ChatResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, teamResponse().NarrativeText, resp.Response)
			assert.Equal(t, 1, team.calls)
		})
	}

	t.Run("no direct agent", func(t *testing.T) {
		team := &fakeTeam{res: teamResponse()}
		r := newTestRouter(t, team, nil, nil, "")
		w := do(t, r, http.MethodPost, "/chat", types.ChatRequest{Message: "q"})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 1, team.calls)
	})
}

func TestChat_BothPathsFail(t *testing.T) {
	team := &fakeTeam{err: &types.UpstreamUnavailableError{Provider: "openai", Err: errors.New("down")}}
	direct := &fakeDirect{err: &types.UpstreamUnavailableError{Provider: "openai", Err: errors.New("down")}}
	r := newTestRouter(t, team, direct, nil, "")

	w := do(t, r, http.MethodPost, "/chat", types.ChatRequest{Message: "q"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp types.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, msgUnavailable, resp.Error)
}

func TestChat_RejectedRequestDoesNotFallBack(t *testing.T) {
	team := &fakeTeam{res: teamResponse()}
	direct := &fakeDirect{err: fmt.Errorf("%w: openai status 401: invalid api key", types.ErrReasonerRejected)}
	r := newTestRouter(t, team, direct, nil, "")

	w := do(t, r, http.MethodPost, "/chat", types.ChatRequest{Message: "q"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "api key")
	assert.Zero(t, team.calls)
}

func TestChat_EmptyMessage(t *testing.T) {
	direct := &fakeDirect{answer: "x"}
	r := newTestRouter(t, &fakeTeam{}, direct, nil, "")
	w := do(t, r, http.MethodPost, "/chat", types.ChatRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, direct.calls)
}

func TestHealthAndCors(t *testing.T) {
	r := newTestRouter(t, &fakeTeam{}, nil, nil, "")
	w := do(t, r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = do(t, r, http.MethodOptions, "/team_chat", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(t, r, http.MethodGet, "/healthz", nil, middleware.RequestIDHeader, "req-42")
	assert.Equal(t, "req-42", w.Header().Get(middleware.RequestIDHeader))
}

func writeExport(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestRegistry(t *testing.T) *service.IndexRegistry {
	t.Helper()
	dir := t.TempDir()
	specs := []service.SourceSpec{
		{System: types.SourceTracker, ExportPath: writeExport(t, dir, "jira.csv", "issue_key,summary,body\nPRJ-1,Project Y,Status: Open\n")},
		{System: types.SourceWiki, ExportPath: writeExport(t, dir, "confluence.csv", "page_id,title,text\n101,Project Y plan,Release: Q3\n")},
		{System: types.SourceNotes, ExportPath: filepath.Join(dir, "missing.csv")},
	}
	reg, err := service.NewIndexRegistry(database.NewMemoryStore(), service.NewHashEmbedder(64), specs,
		service.IndexOptions{QueryTimeout: time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return reg
}

func TestAdminIndexes(t *testing.T) {
	reg := newTestRegistry(t)
	reg.WarmUp(context.Background())
	r := newTestRouter(t, &fakeTeam{}, nil, reg, "s3cret")

	w := do(t, r, http.MethodGet, "/admin/indexes", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = do(t, r, http.MethodGet, "/admin/indexes", nil, middleware.AdminTokenHeader, "wrong")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, http.MethodGet, "/admin/indexes", nil, middleware.AdminTokenHeader, "s3cret")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Indexes []types.IndexStatus `json:"indexes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Indexes, 3)
	assert.True(t, list.Indexes[0].Loaded)
	assert.False(t, list.Indexes[2].Loaded)
	assert.NotEmpty(t, list.Indexes[2].Error)

	w = do(t, r, http.MethodPost, "/admin/indexes/jira/rebuild", nil, middleware.AdminTokenHeader, "s3cret")
	require.Equal(t, http.StatusOK, w.Code)
	var st types.IndexStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, types.SourceTracker, st.Source)
	assert.Equal(t, uint64(2), st.Generation)

	w = do(t, r, http.MethodPost, "/admin/indexes/NOTES/rebuild", nil, middleware.AdminTokenHeader, "s3cret")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "missing.csv")

	w = do(t, r, http.MethodPost, "/admin/indexes/WIKI/reset", nil, middleware.AdminTokenHeader, "s3cret")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.False(t, st.Loaded)

	w = do(t, r, http.MethodPost, "/admin/indexes/github/reset", nil, middleware.AdminTokenHeader, "s3cret")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminIndexSearch(t *testing.T) {
	reg := newTestRegistry(t)
	r := newTestRouter(t, &fakeTeam{}, nil, reg, "")

	w := do(t, r, http.MethodGet, "/admin/indexes/jira/search?q=project+Y+status&limit=3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp SearchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, types.SourceTracker, resp.Source)
	require.Len(t, resp.Documents, 1)
	assert.Equal(t, "PRJ-1", resp.Documents[0].ID)

	w = do(t, r, http.MethodGet, "/admin/indexes/jira/search", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, r, http.MethodGet, "/admin/indexes/jira/search?q=x&limit=500", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/admin/indexes/notes/search?q=x", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "missing.csv")
}
