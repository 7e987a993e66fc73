package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"reelcast/server/internal/assemble"
	"reelcast/server/internal/asset"
	"reelcast/server/internal/assign"
	"reelcast/server/internal/auth"
	"reelcast/server/internal/clock"
	"reelcast/server/internal/compose"
	"reelcast/server/internal/events"
	"reelcast/server/internal/job"
	"reelcast/server/internal/model"
	"reelcast/server/internal/provider"
	"reelcast/server/internal/schedule"
	"reelcast/server/internal/storage"
	"reelcast/server/internal/store"

	"golang.org/x/crypto/bcrypt"
)

type failingRenderer struct{}

func (failingRenderer) Render(ctx context.Context, desc model.ChapterDescriptor, progress chan<- model.RenderProgress) (model.MediaBlob, error) {
	return model.MediaBlob{}, errors.New("encoder crashed")
}

type gatedRenderer struct {
	release chan struct{}
}

func (g gatedRenderer) Render(ctx context.Context, desc model.ChapterDescriptor, progress chan<- model.RenderProgress) (model.MediaBlob, error) {
	<-g.release
	return model.MediaBlob{Data: []byte("x"), ContentType: "video/mp4", Extension: "mp4"}, nil
}

type testEnv struct {
	handler http.Handler
	jobs    *job.Service
	store   *store.MemoryStore
}

func setupTestRouter(t *testing.T, renderer schedule.Renderer, waitTimeout time.Duration) *testEnv {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("alice-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash key: %v", err)
	}
	bobHash, err := bcrypt.GenerateFromPassword([]byte("bob-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash key: %v", err)
	}
	authSvc := auth.NewService(map[string]string{"alice": string(hash), "bob": string(bobHash)}, "test-secret", 15*time.Minute)

	st := store.NewMemoryStore()
	hub := events.NewHub()
	rec := events.NewRecorder(st, hub, nil, nil)
	loader := asset.NewLoader(nil, nil)
	engine := assign.NewEngine(provider.MockImages{}, nil, assign.Options{MinDimension: 100}, nil)
	asm := assemble.New(loader, provider.MockVideos{}, provider.MockSpeaker{SampleRate: 8000}, nil, assemble.Options{}, nil)
	if renderer == nil {
		renderer = compose.New(compose.Options{Width: 36, Height: 64, FPS: 4}, loader, compose.AVIEncoder{Quality: 50}, nil, nil, nil)
	}
	mediaDir := t.TempDir()
	uploader, err := storage.NewLocal(mediaDir, "http://example.test/media")
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	sched := schedule.New(renderer, uploader, st, rec, nil, nil, schedule.Options{ChapterWaitTimeout: waitTimeout})
	jobs := job.NewService(context.Background(), st, rec, engine, asm, sched, clock.Real{}, nil, 2)
	t.Cleanup(jobs.Wait)

	s := NewServer(authSvc, jobs, hub, mediaDir, nil)
	return &testEnv{handler: s.Router(), jobs: jobs, store: st}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) token(t *testing.T, owner, key string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/auth/token", "", map[string]string{"owner": owner, "api_key": key})
	if rec.Code != http.StatusOK {
		t.Fatalf("token status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data struct {
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	if resp.Data.AccessToken == "" {
		t.Fatalf("empty access token")
	}
	return resp.Data.AccessToken
}

func (e *testEnv) createVideo(t *testing.T, token string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/videos", token, testPlan())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create video status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data model.VideoRecord `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return resp.Data.ID
}

func testPlan() model.ChapterPlan {
	return model.ChapterPlan{
		Title: "Tides",
		Chapters: []model.ChapterInfo{
			{ID: "c1", Text: "The moon pulls the ocean.", Duration: 1, Keywords: []string{"moon", "ocean"}},
			{ID: "c2", Text: "High tide floods the shore.", Duration: 1, Keywords: []string{"tide", "shore"}},
		},
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var resp struct {
		Error   APIError `json:"error"`
		TraceID string   `json:"trace_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error: %v body=%s", err, rec.Body.String())
	}
	if resp.TraceID == "" {
		t.Fatalf("error envelope missing trace id: %s", rec.Body.String())
	}
	return resp.Error
}

func TestTokenExchangeRejectsBadKey(t *testing.T) {
	env := setupTestRouter(t, nil, 30*time.Second)
	rec := env.do(t, http.MethodPost, "/api/v1/auth/token", "", map[string]string{"owner": "alice", "api_key": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if e := decodeError(t, rec); e.Code != "INVALID_CREDENTIALS" {
		t.Fatalf("unexpected error %+v", e)
	}
}

func TestVideoRoutesRequireToken(t *testing.T) {
	env := setupTestRouter(t, nil, 30*time.Second)
	rec := env.do(t, http.MethodPost, "/api/v1/videos", "", testPlan())
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/videos/x", "garbage", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
}

func TestCreateVideoAndWaitForFirstChapter(t *testing.T) {
	env := setupTestRouter(t, nil, 30*time.Second)
	token := env.token(t, "alice", "alice-key")
	videoID := env.createVideo(t, token)

	rec := env.do(t, http.MethodGet, "/api/v1/videos/"+videoID+"/chapters/c1/wait", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("wait status=%d body=%s", rec.Code, rec.Body.String())
	}
	var waitResp struct {
		Data struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &waitResp); err != nil {
		t.Fatalf("decode wait: %v", err)
	}
	if !strings.HasPrefix(waitResp.Data.URL, "http://example.test/media/"+videoID+"/c1.") {
		t.Fatalf("unexpected chapter url %q", waitResp.Data.URL)
	}

	media := env.do(t, http.MethodGet, strings.TrimPrefix(waitResp.Data.URL, "http://example.test"), "", nil)
	if media.Code != http.StatusOK || media.Body.Len() == 0 {
		t.Fatalf("media status=%d len=%d", media.Code, media.Body.Len())
	}

	rec = env.do(t, http.MethodGet, "/api/v1/videos/"+videoID+"/chapters/c2/wait", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("second wait status=%d body=%s", rec.Code, rec.Body.String())
	}
	env.jobs.Wait()

	rec = env.do(t, http.MethodGet, "/api/v1/videos/"+videoID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get video status=%d body=%s", rec.Code, rec.Body.String())
	}
	var getResp struct {
		Data struct {
			Video    model.VideoRecord     `json:"video"`
			Chapters []model.ChapterRecord `json:"chapters"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &getResp); err != nil {
		t.Fatalf("decode video: %v", err)
	}
	if getResp.Data.Video.Status != model.VideoReady || len(getResp.Data.Chapters) != 2 {
		t.Fatalf("unexpected video %+v", getResp.Data)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/videos/"+videoID+"/chapters/c2", token, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"state":"ready"`) {
		t.Fatalf("chapter status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestCreateVideoRejectsInvalidPlan(t *testing.T) {
	env := setupTestRouter(t, nil, 30*time.Second)
	token := env.token(t, "alice", "alice-key")
	dotdot := testPlan()
	dotdot.VideoID = ".."
	dot := testPlan()
	dot.VideoID = "."
	for name, plan := range map[string]model.ChapterPlan{
		"no chapters":  {Title: "empty"},
		"dotdot video": dotdot,
		"dot video":    dot,
	} {
		rec := env.do(t, http.MethodPost, "/api/v1/videos", token, plan)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d body=%s", name, rec.Code, rec.Body.String())
		}
		if e := decodeError(t, rec); e.Code != "INVALID_PLAN" {
			t.Fatalf("%s: unexpected error %+v", name, e)
		}
	}
}

func TestOtherOwnerIsForbidden(t *testing.T) {
	env := setupTestRouter(t, nil, 30*time.Second)
	alice := env.token(t, "alice", "alice-key")
	bob := env.token(t, "bob", "bob-key")
	videoID := env.createVideo(t, alice)

	for _, path := range []string{
		"/api/v1/videos/" + videoID,
		"/api/v1/videos/" + videoID + "/chapters/c1",
		"/api/v1/videos/" + videoID + "/chapters/c1/wait",
		"/api/v1/videos/" + videoID + "/events",
	} {
		rec := env.do(t, http.MethodGet, path, bob, nil)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403, got %d", path, rec.Code)
		}
	}
	rec := env.do(t, http.MethodGet, "/api/v1/videos/missing", alice, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestWaitReportsFailedChapter(t *testing.T) {
	env := setupTestRouter(t, failingRenderer{}, 30*time.Second)
	token := env.token(t, "alice", "alice-key")
	videoID := env.createVideo(t, token)

	rec := env.do(t, http.MethodGet, "/api/v1/videos/"+videoID+"/chapters/c1/wait", token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rec.Code, rec.Body.String())
	}
	if e := decodeError(t, rec); e.Code != "CHAPTER_FAILED" {
		t.Fatalf("unexpected error %+v", e)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/videos/"+videoID+"/chapters/c2/wait", token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected halted chapter to report 409, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestWaitReportsStillRendering(t *testing.T) {
	gate := gatedRenderer{release: make(chan struct{})}
	env := setupTestRouter(t, gate, 50*time.Millisecond)
	token := env.token(t, "alice", "alice-key")
	videoID := env.createVideo(t, token)

	rec := env.do(t, http.MethodGet, "/api/v1/videos/"+videoID+"/chapters/c1/wait", token, nil)
	close(gate.release)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}
	e := decodeError(t, rec)
	if e.Code != "STILL_RENDERING" || !e.Retryable {
		t.Fatalf("unexpected error %+v", e)
	}
}

func TestEventStreamReplaysAndEnds(t *testing.T) {
	env := setupTestRouter(t, nil, 30*time.Second)
	token := env.token(t, "alice", "alice-key")
	videoID := env.createVideo(t, token)

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/videos/"+videoID+"/events", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	var types []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if typ, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			types = append(types, typ)
		}
	}
	if len(types) == 0 || types[0] != string(model.EventVideoCreated) || types[len(types)-1] != string(model.EventVideoReady) {
		t.Fatalf("unexpected event sequence %v", types)
	}

	// Resuming after seq 1 skips what the client already saw.
	logged, _ := env.store.ListVideoEventsFromSeq(context.Background(), videoID, 0)
	last := logged[len(logged)-1].Seq
	req, _ = http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/videos/"+videoID+"/events", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Last-Event-ID", "1")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("resume stream: %v", err)
	}
	defer resp2.Body.Close()
	scanner = bufio.NewScanner(resp2.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var ids []string
	for scanner.Scan() {
		if id, ok := strings.CutPrefix(scanner.Text(), "id: "); ok {
			ids = append(ids, id)
		}
	}
	if len(ids) != int(last-1) || ids[0] != "2" {
		t.Fatalf("expected resume from seq 2 through %d, got %v", last, ids)
	}
}

func TestEventStreamEndsWhenVideoIsStuck(t *testing.T) {
	env := setupTestRouter(t, failingRenderer{}, 30*time.Second)
	token := env.token(t, "alice", "alice-key")
	videoID := env.createVideo(t, token)

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/videos/"+videoID+"/events", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	var types []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if typ, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			types = append(types, typ)
		}
	}
	if err := ctx.Err(); err != nil {
		t.Fatalf("stream did not end on its own: %v (events %v)", err, types)
	}
	if len(types) == 0 || types[len(types)-1] != string(model.EventVideoStuck) {
		t.Fatalf("expected the stream to end on %s, got %v", model.EventVideoStuck, types)
	}
}
