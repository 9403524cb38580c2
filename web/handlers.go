package web

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/eventscope/eventscope/jobs"
	"github.com/eventscope/eventscope/models"
)

type scrapeRequest struct {
	SourceID          string `json:"sourceId"`
	TestMode          bool   `json:"testMode,omitempty"`
	PaginationOptions *struct {
		StartDate *time.Time `json:"startDate,omitempty"`
		EndDate   *time.Time `json:"endDate,omitempty"`
	} `json:"paginationOptions,omitempty"`
	UploadedFile *models.UploadedFile `json:"uploadedFile,omitempty"`
}

type scrapeResponse struct {
	RunID string `json:"runId"`
	JobID string `json:"jobId"`
}

func (s *Server) submitScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, http.StatusUnprocessableEntity, "invalid request body", err.Error())

		return
	}

	sourceID, err := uuid.Parse(req.SourceID)
	if err != nil {
		renderError(w, http.StatusUnprocessableEntity, "invalid sourceId", err.Error())

		return
	}

	opts := jobs.ScrapeOptions{
		TestMode:     req.TestMode,
		UploadedFile: req.UploadedFile,
	}

	if req.PaginationOptions != nil {
		opts.StartDate = req.PaginationOptions.StartDate
		opts.EndDate = req.PaginationOptions.EndDate
	}

	run, err := s.deps.Jobs.SubmitScrape(r.Context(), sourceID, opts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			renderError(w, http.StatusNotFound, "source not found", "")

			return
		}

		s.deps.Logger.Error("scrape submit failed", zap.Error(err))
		renderError(w, http.StatusInternalServerError, "failed to submit scrape", "")

		return
	}

	renderJSON(w, http.StatusCreated, scrapeResponse{
		RunID: run.ID.String(),
		JobID: "scrape-" + run.ID.String(),
	})
}

type matchRequest struct {
	SourceIDs []string   `json:"sourceIds,omitempty"`
	StartDate *time.Time `json:"startDate,omitempty"`
	EndDate   *time.Time `json:"endDate,omitempty"`
}

func (s *Server) submitMatch(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, http.StatusUnprocessableEntity, "invalid request body", err.Error())

		return
	}

	payload := models.MatchPayload{
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
	}

	for _, raw := range req.SourceIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			renderError(w, http.StatusUnprocessableEntity, "invalid sourceIds", err.Error())

			return
		}

		payload.SourceIDs = append(payload.SourceIDs, id)
	}

	jobID, err := s.deps.Jobs.SubmitMatch(r.Context(), payload)
	if err != nil {
		s.deps.Logger.Error("match submit failed", zap.Error(err))
		renderError(w, http.StatusInternalServerError, "failed to submit match", "")

		return
	}

	renderJSON(w, http.StatusCreated, map[string]string{"jobId": jobID})
}

type instagramFetchRequest struct {
	SourceID  string `json:"sourceId"`
	PostLimit int    `json:"postLimit,omitempty"`
}

func (s *Server) submitInstagramFetch(w http.ResponseWriter, r *http.Request) {
	var req instagramFetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, http.StatusUnprocessableEntity, "invalid request body", err.Error())

		return
	}

	sourceID, err := uuid.Parse(req.SourceID)
	if err != nil {
		renderError(w, http.StatusUnprocessableEntity, "invalid sourceId", err.Error())

		return
	}

	run, err := s.deps.Jobs.SubmitInstagramFetch(r.Context(), sourceID, req.PostLimit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			renderError(w, http.StatusNotFound, "source not found", "")

			return
		}

		renderError(w, http.StatusUnprocessableEntity, "failed to submit instagram fetch", err.Error())

		return
	}

	renderJSON(w, http.StatusCreated, scrapeResponse{
		RunID: run.ID.String(),
		JobID: "instagram-" + run.ID.String(),
	})
}

func (s *Server) queueStatus(w http.ResponseWriter, _ *http.Request) {
	counts, err := s.deps.Jobs.QueueStatus()
	if err != nil {
		s.deps.Logger.Error("queue status failed", zap.Error(err))
		renderError(w, http.StatusInternalServerError, "failed to read queue status", "")

		return
	}

	renderJSON(w, http.StatusOK, counts)
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]

	if err := s.deps.Jobs.RetryJob(jobID); err != nil {
		renderError(w, http.StatusNotFound, "job not found", "")

		return
	}

	renderJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

func (s *Server) cleanQueues(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.Jobs.CleanQueues(); err != nil {
		s.deps.Logger.Error("queue clean failed", zap.Error(err))
		renderError(w, http.StatusInternalServerError, "failed to clean queues", "")

		return
	}

	renderJSON(w, http.StatusOK, map[string]string{"status": "cleaned"})
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	filter := models.SourceFilter{}

	if v := r.URL.Query().Get("active"); v != "" {
		active := v == "true"
		filter.Active = &active
	}

	if v := r.URL.Query().Get("type"); v != "" {
		filter.SourceType = v
	}

	sources, err := s.deps.Sources.Select(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("source list failed", zap.Error(err))
		renderError(w, http.StatusInternalServerError, "failed to list sources", "")

		return
	}

	if sources == nil {
		sources = []models.Source{}
	}

	renderJSON(w, http.StatusOK, sources)
}

func (s *Server) createSource(w http.ResponseWriter, r *http.Request) {
	var src models.Source
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		renderError(w, http.StatusUnprocessableEntity, "invalid request body", err.Error())

		return
	}

	if src.Name == "" || src.ModuleKey == "" {
		renderError(w, http.StatusUnprocessableEntity, "name and module_key are required", "")

		return
	}

	if _, ok := s.deps.Registry.Get(src.ModuleKey); !ok {
		renderError(w, http.StatusUnprocessableEntity, "unknown module_key", src.ModuleKey)

		return
	}

	if src.DefaultTimezone == "" {
		src.DefaultTimezone = "UTC"
	}

	if src.RateLimitPerMin <= 0 {
		src.RateLimitPerMin = 30
	}

	if src.SourceType == "" {
		src.SourceType = models.SourceTypeWebsite
	}

	if src.SourceType == models.SourceTypeInstagram && src.InstagramUsername == "" {
		renderError(w, http.StatusUnprocessableEntity, "instagram sources require instagram_username", "")

		return
	}

	if err := s.deps.Sources.Create(r.Context(), &src); err != nil {
		if errors.Is(err, models.ErrDuplicateSource) {
			renderError(w, http.StatusConflict, "duplicate source", err.Error())

			return
		}

		s.deps.Logger.Error("source create failed", zap.Error(err))
		renderError(w, http.StatusInternalServerError, "failed to create source", "")

		return
	}

	renderJSON(w, http.StatusCreated, src)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	filter := models.RunFilter{Limit: 50}

	if v := r.URL.Query().Get("sourceId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			renderError(w, http.StatusUnprocessableEntity, "invalid sourceId", err.Error())

			return
		}

		filter.SourceID = &id
	}

	if v := r.URL.Query().Get("status"); v != "" {
		filter.Status = v
	}

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Offset = n
		}
	}

	runs, err := s.deps.Runs.Select(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("run list failed", zap.Error(err))
		renderError(w, http.StatusInternalServerError, "failed to list runs", "")

		return
	}

	if runs == nil {
		runs = []models.Run{}
	}

	renderJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		renderError(w, http.StatusUnprocessableEntity, "invalid run id", err.Error())

		return
	}

	run, err := s.deps.Runs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			renderError(w, http.StatusNotFound, "run not found", "")

			return
		}

		s.deps.Logger.Error("run get failed", zap.Error(err))
		renderError(w, http.StatusInternalServerError, "failed to get run", "")

		return
	}

	renderJSON(w, http.StatusOK, run)
}

func (s *Server) listMatches(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = models.MatchStatusOpen
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	matches, err := s.deps.Matches.Select(r.Context(), status, limit)
	if err != nil {
		s.deps.Logger.Error("match list failed", zap.Error(err))
		renderError(w, http.StatusInternalServerError, "failed to list matches", "")

		return
	}

	if matches == nil {
		matches = []models.Match{}
	}

	renderJSON(w, http.StatusOK, matches)
}

type matchStatusRequest struct {
	Status string `json:"status"`
	Actor  string `json:"actor,omitempty"`
}

func (s *Server) updateMatchStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		renderError(w, http.StatusUnprocessableEntity, "invalid match id", err.Error())

		return
	}

	var req matchStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, http.StatusUnprocessableEntity, "invalid request body", err.Error())

		return
	}

	if req.Status != models.MatchStatusConfirmed && req.Status != models.MatchStatusRejected {
		renderError(w, http.StatusUnprocessableEntity, "status must be confirmed or rejected", "")

		return
	}

	actor := req.Actor
	if actor == "" {
		actor = "user:unknown"
	}

	if err := s.deps.Matches.UpdateStatus(r.Context(), id, req.Status, actor); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			renderError(w, http.StatusNotFound, "match not found", "")

			return
		}

		s.deps.Logger.Error("match update failed", zap.Error(err))
		renderError(w, http.StatusInternalServerError, "failed to update match", "")

		return
	}

	renderJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

func (s *Server) listModules(w http.ResponseWriter, _ *http.Request) {
	keys := s.deps.Registry.Keys()
	out := make([]any, 0, len(keys))

	for _, key := range keys {
		if m, ok := s.deps.Registry.Get(key); ok {
			out = append(out, m.Meta())
		}
	}

	renderJSON(w, http.StatusOK, out)
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.deps.Settings.Settings(r.Context())
	if err != nil {
		s.deps.Logger.Error("settings read failed", zap.Error(err))
		renderError(w, http.StatusInternalServerError, "failed to read settings", "")

		return
	}

	renderJSON(w, http.StatusOK, settings)
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var patch models.SettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		renderError(w, http.StatusUnprocessableEntity, "invalid request body", err.Error())

		return
	}

	settings, err := s.deps.Settings.UpdateSettings(r.Context(), patch)
	if err != nil {
		s.deps.Logger.Error("settings update failed", zap.Error(err))
		renderError(w, http.StatusInternalServerError, "failed to update settings", "")

		return
	}

	renderJSON(w, http.StatusOK, settings)
}
