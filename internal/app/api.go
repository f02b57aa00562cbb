package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/elevated/internal/health"
	"github.com/MrWong99/elevated/internal/observe"
	"github.com/MrWong99/elevated/internal/study"
	"github.com/MrWong99/elevated/internal/voice"
)

// maxBodyBytes caps request bodies. Materials carry extracted document text.
const maxBodyBytes = 16 << 20

// Handler returns the full HTTP API wrapped in the observability middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	health.New(a.checkers, health.WithVersion(a.version), health.WithLogger(a.log)).Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)

	mux.HandleFunc("GET /api/voice", a.handleVoiceStatus)
	mux.HandleFunc("POST /api/voice/connect", a.handleVoiceConnect)
	mux.HandleFunc("POST /api/voice/disconnect", a.handleVoiceDisconnect)
	mux.Handle("GET /api/voice/events", a.hub)

	mux.HandleFunc("GET /api/materials", a.handleListMaterials)
	mux.HandleFunc("POST /api/materials", a.handleAddMaterial)
	mux.HandleFunc("POST /api/materials/image", a.handleAddImage)
	mux.HandleFunc("GET /api/materials/search", a.handleSearchMaterials)
	mux.HandleFunc("GET /api/materials/{id}", a.handleGetMaterial)
	mux.HandleFunc("DELETE /api/materials/{id}", a.handleDeleteMaterial)

	mux.HandleFunc("POST /api/flashcards", a.handleFlashcards)
	mux.HandleFunc("POST /api/flashcards/review", a.handleReview)
	mux.HandleFunc("POST /api/quiz", a.handleQuiz)
	mux.HandleFunc("POST /api/quiz/result", a.handleQuizResult)
	mux.HandleFunc("POST /api/chat", a.handleChat)
	mux.HandleFunc("POST /api/web/search", a.handleWebSearch)
	mux.HandleFunc("POST /api/videos/analyze", a.handleAnalyzeVideo)
	mux.HandleFunc("POST /api/videos/podcast", a.handlePodcast)

	mux.HandleFunc("GET /api/activity", a.handleActivity)
	mux.HandleFunc("GET /api/stats", a.handleStats)

	return observe.Middleware(a.metrics)(mux)
}

// ── Voice ────────────────────────────────────────────────────────────────────

// voiceStatus is the body of every voice endpoint.
type voiceStatus struct {
	Snapshot voice.Snapshot `json:"snapshot"`
	Session  *SessionInfo   `json:"session,omitempty"`
}

func (a *App) voiceStatus() voiceStatus {
	st := voiceStatus{Snapshot: a.ctrl.Snapshot()}
	if a.sessions.IsActive() {
		info := a.sessions.Info()
		st.Session = &info
	}
	return st
}

func (a *App) handleVoiceStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.voiceStatus())
}

type connectRequest struct {
	DeepReasoning bool `json:"deep_reasoning"`
}

// handleVoiceConnect blocks until the session is live or the attempt failed.
// An empty body connects in the fast mode.
func (a *App) handleVoiceConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	if err := a.sessions.Start(r.Context(), req.DeepReasoning); err != nil {
		observe.Logger(r.Context()).Warn("app: voice connect failed", "err", err)
		writeError(w, voiceErrorStatus(err), voiceErrorMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, a.voiceStatus())
}

func (a *App) handleVoiceDisconnect(w http.ResponseWriter, _ *http.Request) {
	a.sessions.Stop()
	writeJSON(w, http.StatusOK, a.voiceStatus())
}

// voiceErrorStatus maps a connect error to an HTTP status.
func voiceErrorStatus(err error) int {
	var (
		capErr  *voice.CaptureUnavailableError
		connErr *voice.ConnectionError
	)
	switch {
	case errors.Is(err, voice.ErrAlreadyActive), errors.Is(err, voice.ErrConnectCancelled):
		return http.StatusConflict
	case errors.As(err, &capErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &connErr):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func voiceErrorMessage(err error) string {
	if errors.Is(err, voice.ErrConnectCancelled) {
		return "The connection attempt was cancelled."
	}
	return voice.UserMessage(err)
}

// ── Materials ────────────────────────────────────────────────────────────────

type addMaterialRequest struct {
	Title   string             `json:"title"`
	Type    study.MaterialType `json:"type"`
	Content string             `json:"content"`
}

func (a *App) handleListMaterials(w http.ResponseWriter, r *http.Request) {
	ms, err := a.library.Materials(r.Context())
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	if ms == nil {
		ms = []study.Material{}
	}
	writeJSON(w, http.StatusOK, ms)
}

func (a *App) handleAddMaterial(w http.ResponseWriter, r *http.Request) {
	var req addMaterialRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	candidate := study.Material{Title: req.Title, Type: req.Type}
	if err := candidate.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.library.AddMaterial(r.Context(), req.Title, req.Type, req.Content)
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// defaultSearchLimit caps search hits when the request names no limit.
const defaultSearchLimit = 10

func (a *App) handleSearchMaterials(w http.ResponseWriter, r *http.Request) {
	limit := defaultSearchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	hits, err := a.library.Search(r.Context(), r.URL.Query().Get("q"), limit)
	switch {
	case errors.Is(err, study.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, "query must not be empty")
		return
	case err != nil:
		a.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

func (a *App) handleGetMaterial(w http.ResponseWriter, r *http.Request) {
	m, err := a.library.Material(r.Context(), r.PathValue("id"))
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "material not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *App) handleDeleteMaterial(w http.ResponseWriter, r *http.Request) {
	if err := a.library.DeleteMaterial(r.Context(), r.PathValue("id")); err != nil {
		a.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sourceText returns the content of one material, or of every material
// joined by newlines when id is empty. found is false for an unknown id.
func (a *App) sourceText(ctx context.Context, id string) (text string, found bool, err error) {
	if id != "" {
		m, err := a.library.Material(ctx, id)
		if err != nil || m == nil {
			return "", false, err
		}
		return m.Content, true, nil
	}
	ms, err := a.library.Materials(ctx)
	if err != nil {
		return "", false, err
	}
	parts := make([]string, 0, len(ms))
	for _, m := range ms {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n"), true, nil
}

// ── Generation ───────────────────────────────────────────────────────────────

type flashcardsRequest struct {
	MaterialID string `json:"material_id"`
	Count      int    `json:"count"`
}

type quizRequest struct {
	MaterialID string `json:"material_id"`
}

type chatRequest struct {
	History       []study.ChatMessage `json:"history"`
	Message       string              `json:"message"`
	DeepReasoning bool                `json:"deep_reasoning"`
}

func (a *App) handleFlashcards(w http.ResponseWriter, r *http.Request) {
	var req flashcardsRequest
	if !decodeBody(w, r, &req, true) || !a.requireGenerator(w) {
		return
	}
	text, ok := a.loadSource(w, r, req.MaterialID)
	if !ok {
		return
	}
	cards, err := a.generator.Flashcards(r.Context(), text, req.Count)
	if err != nil {
		a.generationError(w, r, err)
		return
	}
	for i := range cards {
		if cards[i].MaterialID == "" {
			cards[i].MaterialID = req.MaterialID
		}
	}
	a.library.LogActivity("Generated new flashcard deck", study.ActivityReview)
	writeJSON(w, http.StatusOK, map[string]any{"flashcards": cards})
}

type reviewRequest struct {
	Count int `json:"count"`
}

func (a *App) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.Count <= 0 {
		writeError(w, http.StatusBadRequest, "count must be positive")
		return
	}
	writeJSON(w, http.StatusOK, a.library.RecordReview(req.Count))
}

func (a *App) handleQuiz(w http.ResponseWriter, r *http.Request) {
	var req quizRequest
	if !decodeBody(w, r, &req, true) || !a.requireGenerator(w) {
		return
	}
	text, ok := a.loadSource(w, r, req.MaterialID)
	if !ok {
		return
	}
	qs, err := a.generator.Quiz(r.Context(), text)
	if err != nil {
		a.generationError(w, r, err)
		return
	}
	a.library.LogActivity("Started a new quiz", study.ActivityQuiz)
	writeJSON(w, http.StatusOK, map[string]any{"questions": qs})
}

type quizResultRequest struct {
	Score *float64 `json:"score"`
}

func (a *App) handleQuizResult(w http.ResponseWriter, r *http.Request) {
	var req quizResultRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.Score == nil || *req.Score < 0 || *req.Score > 100 || math.IsNaN(*req.Score) {
		writeError(w, http.StatusBadRequest, "score must be a percentage between 0 and 100")
		return
	}
	stats := a.library.RecordQuiz(*req.Score)
	a.library.LogActivity(fmt.Sprintf("Completed quiz: %d%% score", int(math.Round(*req.Score))), study.ActivityQuiz)
	writeJSON(w, http.StatusOK, stats)
}

func (a *App) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req, false) || !a.requireGenerator(w) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message must not be empty")
		return
	}
	ms, err := a.library.Materials(r.Context())
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	answer, err := a.generator.Chat(r.Context(), req.History, req.Message, ms, req.DeepReasoning)
	if err != nil {
		a.generationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"answer": answer})
}

type webSearchRequest struct {
	Query         string `json:"query"`
	DeepReasoning bool   `json:"deep_reasoning"`
}

func (a *App) handleWebSearch(w http.ResponseWriter, r *http.Request) {
	var req webSearchRequest
	if !decodeBody(w, r, &req, false) || !a.requireGenerator(w) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query must not be empty")
		return
	}
	ans, err := a.generator.WebAnswer(r.Context(), req.Query, req.DeepReasoning)
	if err != nil {
		a.generationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

// ── Video ────────────────────────────────────────────────────────────────────

type videoRequest struct {
	URL        string `json:"url"`
	Transcript string `json:"transcript"`
}

// videoAnalysis is the body of a successful video analysis.
type videoAnalysis struct {
	Material study.Material       `json:"material"`
	Analysis *study.VideoAnalysis `json:"analysis"`
}

// handleAnalyzeVideo summarises a pasted transcript and keeps the transcript
// as a youtube material.
func (a *App) handleAnalyzeVideo(w http.ResponseWriter, r *http.Request) {
	var req videoRequest
	if !decodeBody(w, r, &req, false) || !a.requireGenerator(w) {
		return
	}
	if strings.TrimSpace(req.Transcript) == "" {
		writeError(w, http.StatusBadRequest, "transcript must not be empty")
		return
	}
	analysis, err := a.generator.AnalyzeTranscript(r.Context(), req.Transcript)
	if err != nil {
		a.generationError(w, r, err)
		return
	}
	title := study.VideoTitle(req.URL, time.Now())
	m, err := a.library.AddMaterial(r.Context(), title, study.TypeYouTube, req.Transcript)
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	a.library.LogActivity("Analyzed video: "+title, study.ActivityUpload)
	writeJSON(w, http.StatusCreated, videoAnalysis{Material: m, Analysis: analysis})
}

func (a *App) handlePodcast(w http.ResponseWriter, r *http.Request) {
	var req videoRequest
	if !decodeBody(w, r, &req, false) || !a.requireGenerator(w) {
		return
	}
	if strings.TrimSpace(req.Transcript) == "" {
		writeError(w, http.StatusBadRequest, "transcript must not be empty")
		return
	}
	script, err := a.generator.PodcastScript(r.Context(), req.Transcript)
	if err != nil {
		a.generationError(w, r, err)
		return
	}
	a.library.LogActivity("Generated podcast from video", study.ActivityReview)
	writeJSON(w, http.StatusOK, map[string]string{"script": script})
}

// ── Image upload ─────────────────────────────────────────────────────────────

// maxImageBytes caps an uploaded image.
const maxImageBytes = 10 << 20

// handleAddImage reads a multipart "file" upload and stores the model's
// reading of it as an image material named after the file.
func (a *App) handleAddImage(w http.ResponseWriter, r *http.Request) {
	if !a.requireGenerator(w) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes+1<<20)
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart upload with a \"file\" field")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxImageBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}
	if len(data) > maxImageBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "image is too large")
		return
	}
	mimeType := hdr.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}

	text, err := a.generator.ReadImage(r.Context(), data, mimeType)
	if err != nil {
		a.generationError(w, r, err)
		return
	}
	m, err := a.library.AddMaterial(r.Context(), hdr.Filename, study.TypeImage, text)
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *App) requireGenerator(w http.ResponseWriter) bool {
	if a.generator == nil {
		writeError(w, http.StatusServiceUnavailable, "no model provider is configured")
		return false
	}
	return true
}

// loadSource resolves the generation input and writes the error response
// itself when it reports false.
func (a *App) loadSource(w http.ResponseWriter, r *http.Request, materialID string) (string, bool) {
	text, found, err := a.sourceText(r.Context(), materialID)
	if err != nil {
		a.internalError(w, r, err)
		return "", false
	}
	if !found {
		writeError(w, http.StatusNotFound, "material not found")
		return "", false
	}
	return text, true
}

func (a *App) generationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, study.ErrNoLanguageModel):
		writeError(w, http.StatusServiceUnavailable, "no language model is configured")
	case errors.Is(err, study.ErrNoGrounding):
		writeError(w, http.StatusServiceUnavailable, "web search and image reading are not configured")
	case errors.Is(err, study.ErrUnsupportedImage):
		writeError(w, http.StatusUnsupportedMediaType, "only image uploads are supported")
	case errors.Is(err, study.ErrEmptyInput):
		writeError(w, http.StatusUnprocessableEntity, "add some study material first")
	case errors.Is(err, study.ErrMalformedOutput):
		observe.Logger(r.Context()).Warn("app: malformed model output", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusBadGateway, "the model returned an unusable answer, please try again")
	default:
		observe.Logger(r.Context()).Error("app: generation failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusBadGateway, "the language model request failed")
	}
}

// ── Dashboard ────────────────────────────────────────────────────────────────

func (a *App) handleActivity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.library.RecentActivity())
}

func (a *App) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.library.Stats())
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// errorBody is the JSON body of every error response.
type errorBody struct {
	Error string `json:"error"`
}

// decodeBody decodes the JSON request body into v. An empty body is accepted
// when optional is set. On failure it writes a 400 and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (a *App) internalError(w http.ResponseWriter, r *http.Request, err error) {
	observe.Logger(r.Context()).Error("app: request failed", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
