package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fixdad/server/internal/config"
	"fixdad/server/internal/gateway"
	"fixdad/server/internal/intake"
	"fixdad/server/internal/model"
	"fixdad/server/internal/orchestrator"
	"fixdad/server/internal/session"
	"fixdad/server/internal/timeline"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

type stubClassifier struct {
	mu          sync.Mutex
	transcripts []string
}

func (s *stubClassifier) Classify(_ context.Context, _ []byte, transcript string) (*model.AnalysisSnapshot, error) {
	s.mu.Lock()
	s.transcripts = append(s.transcripts, transcript)
	s.mu.Unlock()
	return &model.AnalysisSnapshot{
		Issues: []model.Issue{
			{Rank: 1, Name: "Clogged drain", Category: "plumbing", Confidence: 0.8},
			{Rank: 2, Name: "Vent blockage", Category: "plumbing", Confidence: 0.1},
			{Rank: 3, Name: "Sewer backup", Category: "plumbing", Confidence: 0.1},
		},
		DangerLevel: model.DangerLow,
		Fixture:     "sink",
	}, nil
}

type stubAdvisor struct{}

func (stubAdvisor) Solve(_ context.Context, _ string, _ *model.AnalysisSnapshot, focus *model.Focus) (*model.Solution, error) {
	return &model.Solution{Text: "Use a plunger [DOC #1]", FocusQuery: "likely issue: " + focus.IssueName}, nil
}

type testEnv struct {
	handler    http.Handler
	classifier *stubClassifier
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Intake.MinGap = 0
	if mutate != nil {
		mutate(cfg)
	}
	store := session.NewInMemoryStore(time.Hour, cfg.Store.HistoryLimit)
	hub := gateway.NewHub(cfg.Gateway, nil)
	orch := orchestrator.New(store, session.NewLocker(), nil, timeline.NewInMemoryStore(0), orchestrator.Options{
		Advisor:  stubAdvisor{},
		Notifier: hub,
	})
	cls := &stubClassifier{}
	in := intake.NewCoordinator(cls, orch, intake.Config{
		MinGap:      cfg.Intake.MinGap,
		DedupFrames: cfg.Intake.DedupFrames,
	}, intake.Options{Listeners: []intake.Listener{hub}})

	return &testEnv{
		handler:    NewServer(cfg, store, orch, in, hub, nil).Routes(),
		classifier: cls,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) frame(t *testing.T, sessionID string, image []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if image != nil {
		part, err := w.CreateFormFile("image", "frame.jpg")
		require.NoError(t, err)
		_, _ = part.Write(image)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+sessionID+"/frames", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthzReportsStorage(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "memory", decode(t, rec)["storage"])
}

func TestCreateSession(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, err := uuid.Parse(decode(t, rec)["session_id"].(string))
	assert.NoError(t, err)
}

// 场景：一次完整的引导修复：提交帧 → init → 逐步 done → 查询最新、历史、时间线与解决方案。
func TestGuidedFixOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.frame(t, "s1", []byte("jpeg-1"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.NotNil(t, body["analysis"])
	assert.Nil(t, body["guide_overlay"])

	rec = env.do(t, http.MethodPost, "/api/sessions/s1/guide/init", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view model.GuideView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "plumbing-sink", view.PlanID)
	assert.Equal(t, 1, view.State.CurrentStep)

	rec = env.do(t, http.MethodPost, "/api/sessions/s1/guide/init", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already-active", decode(t, rec)["reason"])

	for i := 0; i < len(view.Steps); i++ {
		rec = env.do(t, http.MethodPost, "/api/sessions/s1/guide/next", gin.H{"outcome": "done"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodGet, "/api/sessions/s1/guide", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, model.GuideDone, view.State.Status)

	rec = env.do(t, http.MethodPost, "/api/sessions/s1/guide/next", gin.H{"outcome": "done"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "session-complete", decode(t, rec)["reason"])

	rec = env.do(t, http.MethodGet, "/api/sessions/s1/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "idle", body["intake_status"])
	assert.NotNil(t, body["guide"])

	rec = env.do(t, http.MethodGet, "/api/sessions/s1/history?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = env.do(t, http.MethodGet, "/api/sessions/s1/timeline?after_seq=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode(t, rec)["events"].([]any)
	// analysis_committed + guide_init + 4 x guide_next，跳过 seq=1。
	assert.Len(t, events, 1+len(view.Steps))

	rec = env.do(t, http.MethodGet, "/api/sessions/s1/solution", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sol model.Solution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sol))
	assert.Equal(t, "s1", sol.SessionID)
	assert.Equal(t, "likely issue: Clogged drain", sol.FocusQuery)

	rec = env.do(t, http.MethodPost, "/api/sessions/s1/guide/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/sessions/s1/guide", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFrameInputFailures(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Server.MaxImageBytes = 16 })

	rec := env.frame(t, "s1", nil, map[string]string{"transcript": "hello"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "no-frame", body["reason"])
	assert.Equal(t, "input", body["class"])

	rec = env.frame(t, "s1", []byte{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "video-not-ready", decode(t, rec)["reason"])

	rec = env.frame(t, "s1", bytes.Repeat([]byte("x"), 32), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

// 场景：节流与重复帧都属于准入失败，返回 429 且 skipped=true。
func TestFrameAdmissionFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	require.Equal(t, http.StatusOK, env.frame(t, "s1", []byte("same"), nil).Code)

	rec := env.frame(t, "s1", []byte("same"), nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "duplicate", body["reason"])
	assert.Equal(t, true, body["skipped"])

	throttled := newTestEnv(t, func(cfg *config.Config) { cfg.Intake.MinGap = time.Hour })
	require.Equal(t, http.StatusOK, throttled.frame(t, "s1", []byte("a"), nil).Code)
	rec = throttled.frame(t, "s1", []byte("b"), nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "throttled", decode(t, rec)["reason"])
}

// 场景：先单独提交转写，下一帧会带上它；帧自带的转写优先。
func TestTranscriptAttachesToNextFrame(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/sessions/s1/transcript", gin.H{"text": "it keeps running"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, http.StatusOK, env.frame(t, "s1", []byte("f1"), nil).Code)

	ts := time.Now().UTC().Format(time.RFC3339)
	require.Equal(t, http.StatusOK, env.frame(t, "s1", []byte("f2"),
		map[string]string{"transcript": "now it's leaking", "transcript_ts": ts}).Code)
	require.Equal(t, http.StatusOK, env.frame(t, "s1", []byte("f3"), nil).Code)

	assert.Equal(t, []string{"it keeps running", "now it's leaking", ""}, env.classifier.transcripts)

	rec = env.do(t, http.MethodPost, "/api/sessions/s1/transcript", gin.H{"text": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGuideFailures(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/sessions/s1/guide/init", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "no-active-issue", decode(t, rec)["reason"])

	rec = env.do(t, http.MethodPost, "/api/sessions/s1/guide/next", gin.H{"outcome": "done"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no-session", decode(t, rec)["reason"])

	rec = env.do(t, http.MethodPost, "/api/sessions/s1/guide/next", gin.H{"outcome": "maybe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid-outcome", decode(t, rec)["reason"])

	rec = env.do(t, http.MethodGet, "/api/sessions/s1/latest", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/sessions/s1/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/sessions/s1/timeline?after_seq=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusForFailures(t *testing.T) {
	cases := map[model.FailureCode]int{
		model.CodeBusy:             http.StatusTooManyRequests,
		model.CodeThrottled:        http.StatusTooManyRequests,
		model.CodeClassifierFailed: http.StatusBadGateway,
		model.CodeAdvisorFailed:    http.StatusBadGateway,
		model.CodeNetwork:          http.StatusGatewayTimeout,
		model.CodeAlreadyActive:    http.StatusConflict,
		model.CodeNoSession:        http.StatusNotFound,
		model.CodeNoFrame:          http.StatusBadRequest,
	}
	for code, want := range cases {
		assert.Equalf(t, want, statusFor(model.Fail(code, nil)), "code %s", code)
	}
}

func TestParseCapturedAt(t *testing.T) {
	assert.True(t, parseCapturedAt("").IsZero())
	assert.True(t, parseCapturedAt("yesterday").IsZero())
	assert.Equal(t, int64(1700000000500), parseCapturedAt("1700000000.5").UnixMilli())
	assert.Equal(t, 2024, parseCapturedAt("2024-03-01T10:00:00Z").Year())
}
