// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ClientAuthenticator extracts the authenticated user from HTTP requests.
// Implementations should validate auth (e.g., JWT) and provide the user id.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (int64, error)
}

// HTTPHandlers provides the engine's HTTP API: heartbeat ingest, sessions,
// leaderboards and sync endpoint management.
type HTTPHandlers struct {
	service       *Service
	builder       *LeaderboardBuilder
	publisher     *MirrorPublisher
	engine        *ImportEngine
	scheduler     Scheduler
	cache         *LeaderboardCache // optional
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPHandlers creates a new instance of the engine handlers
func NewHTTPHandlers(service *Service, builder *LeaderboardBuilder, publisher *MirrorPublisher,
	engine *ImportEngine, scheduler Scheduler, cache *LeaderboardCache,
	authenticator ClientAuthenticator, logger *slog.Logger) *HTTPHandlers {
	return &HTTPHandlers{
		service:       service,
		builder:       builder,
		publisher:     publisher,
		engine:        engine,
		scheduler:     scheduler,
		cache:         cache,
		authenticator: authenticator,
		logger:        logger,
	}
}

// Register wires every handler onto the mux.
func (h *HTTPHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/users/current/heartbeats", h.HandleHeartbeats)
	mux.HandleFunc("/api/v1/users/current/heartbeats.bulk", h.HandleHeartbeats)
	mux.HandleFunc("/api/v1/users/current/heartbeats/import", h.HandleHeartbeatsImport)
	mux.HandleFunc("/api/v1/users/current/sessions", h.HandleSessions)
	mux.HandleFunc("/api/v1/leaderboard", h.HandleLeaderboard)
	mux.HandleFunc("/api/v1/users/current/import_source", h.HandleImportSource)
	mux.HandleFunc("/api/v1/users/current/import_source/reset", h.HandleImportSourceReset)
	mux.HandleFunc("/api/v1/users/current/mirrors", h.HandleMirrors)
}

// HandleHeartbeats ingests one heartbeat or a batch (POST), or tombstones a
// filtered range (DELETE). The POST body may be a single object or an array;
// the response always carries per-row statuses in input order. Valid rows are
// never rejected because a sibling row is malformed.
func (h *HTTPHandlers) HandleHeartbeats(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
	case http.MethodDelete:
		h.handleHeartbeatsDelete(w, r)
		return
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST and DELETE methods are allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	uploads, err := decodeHeartbeatUploads(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse heartbeat upload")
		return
	}

	statuses := make([]HeartbeatUploadStatus, len(uploads))
	accepted := 0
	for i := range uploads {
		hb, ok := normalizeExternalRow(userID, uploadAsExternal(&uploads[i]))
		if !ok {
			statuses[i] = HeartbeatUploadStatus{Status: "invalid", Message: "missing or unparseable time"}
			continue
		}
		hb.SourceType = SourceDirectEntry
		hb.FieldsHash = GenerateFieldsHash(&hb)

		created, err := h.service.InsertHeartbeat(r.Context(), &hb)
		if err != nil {
			h.logger.Error("Failed to ingest heartbeat", "error", err, "user_id", userID)
			h.writeError(w, http.StatusInternalServerError, "ingest_failed", "Failed to store heartbeats")
			return
		}
		if created {
			id := hb.ID
			statuses[i] = HeartbeatUploadStatus{Status: "created", ID: &id}
		} else {
			statuses[i] = HeartbeatUploadStatus{Status: "coalesced"}
		}
		accepted++
	}

	if accepted > 0 && h.publisher != nil {
		if err := h.publisher.FanoutForUser(r.Context(), userID); err != nil {
			h.logger.Warn("Mirror fanout failed", "error", err, "user_id", userID)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(HeartbeatUploadResponse{Responses: statuses}); err != nil {
		h.logger.Error("Failed to encode ingest response", "error", err)
	}
}

// handleHeartbeatsDelete soft-deletes the authenticated user's heartbeats
// matching ?project= and/or ?from=/?to= (epoch seconds, half-open). At least
// one filter is required so a stray request cannot wipe a whole account.
func (h *HTTPHandlers) handleHeartbeatsDelete(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	q := r.URL.Query()
	spec := QuerySpec{UserIDs: []int64{userID}, Project: q.Get("project")}
	if from := q.Get("from"); from != "" {
		spec.Start, err = strconv.ParseFloat(from, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "from must be epoch seconds")
			return
		}
	}
	if to := q.Get("to"); to != "" {
		spec.End, err = strconv.ParseFloat(to, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "to must be epoch seconds")
			return
		}
	}
	if spec.Project == "" && spec.End == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "at least one of project or from/to is required")
		return
	}

	deleted, err := h.service.SoftDelete(r.Context(), spec)
	if err != nil {
		h.logger.Error("Failed to delete heartbeats", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "delete_failed", "Failed to delete heartbeats")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int64{"deleted": deleted})
}

// HandleHeartbeatsImport ingests a full wakatime-style JSON dump uploaded as
// the request body. The body is streamed, so dump size is not bounded by
// memory; the response reports partial-success counts.
func (h *HTTPHandlers) HandleHeartbeatsImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	counts, err := h.service.ImportFile(r.Context(), userID, r.Body, h.logger)
	if err != nil {
		h.logger.Error("File import failed", "error", err, "user_id", userID)
		h.writeError(w, http.StatusBadRequest, "import_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(counts)
}

// decodeHeartbeatUploads accepts a single object or an array body.
func decodeHeartbeatUploads(r *http.Request) ([]HeartbeatUpload, error) {
	dec := json.NewDecoder(r.Body)
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); ok && delim == '[' {
		var uploads []HeartbeatUpload
		for dec.More() {
			var u HeartbeatUpload
			if err := dec.Decode(&u); err != nil {
				return nil, err
			}
			uploads = append(uploads, u)
		}
		return uploads, nil
	}
	// Single object: the first token was '{'; re-decoding the body is not
	// possible, so rebuild from the remaining stream.
	var single HeartbeatUpload
	if err := decodeObjectAfterBrace(dec, &single); err != nil {
		return nil, err
	}
	return []HeartbeatUpload{single}, nil
}

func decodeObjectAfterBrace(dec *json.Decoder, out *HeartbeatUpload) error {
	raw := map[string]json.RawMessage{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return err
		}
		raw[key] = val
	}
	merged, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, out)
}

func uploadAsExternal(u *HeartbeatUpload) *ExternalHeartbeat {
	return &ExternalHeartbeat{
		Entity:           u.Entity,
		Type:             u.Type,
		Category:         u.Category,
		Project:          u.Project,
		Branch:           u.Branch,
		Language:         u.Language,
		Editor:           u.Editor,
		OperatingSystem:  u.OperatingSystem,
		Machine:          u.Machine,
		UserAgent:        u.UserAgent,
		LineAdditions:    u.LineAdditions,
		LineDeletions:    u.LineDeletions,
		Lineno:           u.Lineno,
		Lines:            u.Lines,
		Cursorpos:        u.Cursorpos,
		ProjectRootCount: u.ProjectRootCount,
		Dependencies:     u.Dependencies,
		IsWrite:          u.IsWrite,
		Time:             u.Time,
	}
}

// HandleSessions returns the authenticated user's reconstructed sessions for
// one local calendar day (?date=YYYY-MM-DD, default today).
func (h *HTTPHandlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	users, err := h.service.UsersByID(r.Context(), []int64{userID})
	if err != nil {
		h.logger.Error("Failed to load user", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "sessions_failed", "Failed to load sessions")
		return
	}
	loc := users[userID].Location()

	day := time.Now().In(loc)
	if ds := r.URL.Query().Get("date"); ds != "" {
		parsed, err := time.ParseInLocation("2006-01-02", ds, loc)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}

	spans, err := h.service.SessionsForDay(r.Context(), userID, day, loc)
	if err != nil {
		h.logger.Error("Failed to reconstruct sessions", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "sessions_failed", "Failed to load sessions")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(SessionsResponse{
		Date:  day.Format("2006-01-02"),
		Spans: spans,
	})
}

// HandleLeaderboard serves boards. Global boards read cache, then store; a
// missing or stale board gets a build enqueued and the request answers 202.
// Timezone boards (?tz_offset=) are computed on demand and served from cache.
func (h *HTTPHandlers) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	period := PeriodDaily
	switch r.URL.Query().Get("period") {
	case "", "daily":
	case "last_7_days":
		period = PeriodLast7Days
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "period must be daily or last_7_days")
		return
	}

	date := time.Now().UTC()
	if ds := r.URL.Query().Get("date"); ds != "" {
		parsed, err := time.Parse("2006-01-02", ds)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
			return
		}
		date = parsed
	}
	startDate := NormalizeBoardDate(date)

	if offsetStr := r.URL.Query().Get("tz_offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < -12 || offset > 14 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "tz_offset must be an integer between -12 and 14")
			return
		}
		board, err := h.builder.BuildTimezone(r.Context(), period, startDate, offset)
		if err == ErrBuildInProgress {
			h.writeGenerating(w)
			return
		}
		if err != nil {
			h.logger.Error("Timezone leaderboard build failed", "error", err)
			h.writeError(w, http.StatusInternalServerError, "leaderboard_failed", "Failed to build leaderboard")
			return
		}
		h.writeBoard(w, board)
		return
	}

	if h.cache != nil {
		cached, err := h.cache.GetBoard(r.Context(), period, startDate, nil)
		if err != nil {
			h.logger.Warn("Leaderboard cache read failed", "error", err)
		} else if cached != nil {
			h.writeBoard(w, cached)
			return
		}
	}

	board, err := h.service.FindBoard(r.Context(), period, startDate, nil)
	if err != nil {
		h.logger.Error("Leaderboard lookup failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "leaderboard_failed", "Failed to load leaderboard")
		return
	}
	if board.Finished() {
		if h.cache != nil {
			if err := h.cache.PutBoard(r.Context(), board); err != nil {
				h.logger.Warn("Leaderboard cache write failed", "error", err)
			}
		}
		h.writeBoard(w, board)
		return
	}

	if h.scheduler != nil {
		h.scheduler.Enqueue(Job{
			Type: "leaderboard_build",
			Key:  boardJobKey(period, startDate, nil),
			Run: func(ctx context.Context) error {
				_, err := h.builder.Build(ctx, period, startDate, false)
				if err == ErrBuildInProgress {
					return nil
				}
				return err
			},
		})
	}
	h.writeGenerating(w)
}

func (h *HTTPHandlers) writeBoard(w http.ResponseWriter, board *Leaderboard) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(board); err != nil {
		h.logger.Error("Failed to encode leaderboard response", "error", err)
	}
}

func (h *HTTPHandlers) writeGenerating(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "generating"})
}

// HandleImportSource registers (POST) or reports (GET) the authenticated
// user's inbound sync source.
func (h *HTTPHandlers) HandleImportSource(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req CreateSourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse request")
			return
		}
		src := &ImportSource{
			UserID:      userID,
			EndpointURL: req.EndpointURL,
			APIKey:      req.APIKey,
			SyncEnabled: true,
			Status:      StatusIdle,
		}
		if req.StartDate != nil {
			parsed, err := time.Parse("2006-01-02", *req.StartDate)
			if err != nil {
				h.writeError(w, http.StatusBadRequest, "invalid_request", "start_date must be YYYY-MM-DD")
				return
			}
			src.InitialBackfillStartDate = &parsed
		}
		if err := h.service.CreateImportSource(r.Context(), src); err != nil {
			if strings.Contains(err.Error(), ErrBadEndpoint.Error()) {
				h.writeError(w, http.StatusBadRequest, "bad_endpoint", err.Error())
				return
			}
			h.logger.Error("Failed to create import source", "error", err, "user_id", userID)
			h.writeError(w, http.StatusInternalServerError, "create_failed", "Failed to create import source")
			return
		}
		if h.engine != nil {
			h.engine.enqueueSource(src.ID)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(sourceStatus(src))

	case http.MethodGet:
		idStr := r.URL.Query().Get("id")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil || id <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "missing or invalid id")
			return
		}
		src, err := h.service.GetImportSource(r.Context(), id)
		if err != nil {
			h.logger.Error("Failed to load import source", "error", err, "id", id)
			h.writeError(w, http.StatusInternalServerError, "lookup_failed", "Failed to load import source")
			return
		}
		if src == nil || src.UserID != userID {
			h.writeError(w, http.StatusNotFound, "not_found", "import source not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sourceStatus(src))

	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET and POST methods are allowed")
	}
}

// HandleImportSourceReset puts the user's source back to idle with cursor and
// error state cleared, then kicks off a fresh sync. Recovery path for sources
// stuck failed on remote data problems.
func (h *HTTPHandlers) HandleImportSourceReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "missing or invalid id")
		return
	}
	src, err := h.service.GetImportSource(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to load import source", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "lookup_failed", "Failed to load import source")
		return
	}
	if src == nil || src.UserID != userID {
		h.writeError(w, http.StatusNotFound, "not_found", "import source not found")
		return
	}

	if err := h.service.ResetImportSource(r.Context(), id); err != nil {
		h.logger.Error("Failed to reset import source", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "reset_failed", "Failed to reset import source")
		return
	}
	if h.engine != nil {
		h.engine.enqueueSource(id)
	}
	src, err = h.service.GetImportSource(r.Context(), id)
	if err != nil || src == nil {
		h.writeError(w, http.StatusInternalServerError, "lookup_failed", "Failed to load import source")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sourceStatus(src))
}

// HandleMirrors registers (POST) or reports (GET) the authenticated user's
// outbound mirrors.
func (h *HTTPHandlers) HandleMirrors(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req CreateMirrorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse request")
			return
		}
		m := &Mirror{
			UserID:      userID,
			EndpointURL: req.EndpointURL,
			APIKey:      req.APIKey,
			Enabled:     true,
		}
		if err := h.service.CreateMirror(r.Context(), m); err != nil {
			if strings.Contains(err.Error(), ErrBadEndpoint.Error()) {
				h.writeError(w, http.StatusBadRequest, "bad_endpoint", err.Error())
				return
			}
			h.logger.Error("Failed to create mirror", "error", err, "user_id", userID)
			h.writeError(w, http.StatusInternalServerError, "create_failed", "Failed to create mirror")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(mirrorStatus(m))

	case http.MethodGet:
		idStr := r.URL.Query().Get("id")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil || id <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "missing or invalid id")
			return
		}
		m, err := h.service.GetMirror(r.Context(), id)
		if err != nil {
			h.logger.Error("Failed to load mirror", "error", err, "id", id)
			h.writeError(w, http.StatusInternalServerError, "lookup_failed", "Failed to load mirror")
			return
		}
		if m == nil || m.UserID != userID {
			h.writeError(w, http.StatusNotFound, "not_found", "mirror not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(mirrorStatus(m))

	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET and POST methods are allowed")
	}
}

func sourceStatus(src *ImportSource) SourceStatusResponse {
	resp := SourceStatusResponse{
		ID:                  src.ID,
		Status:              src.Status.String(),
		SyncEnabled:         src.SyncEnabled,
		LastErrorMessage:    src.LastErrorMessage,
		ConsecutiveFailures: src.ConsecutiveFailures,
	}
	if src.BackfillCursorDate != nil {
		s := src.BackfillCursorDate.Format("2006-01-02")
		resp.BackfillCursorDate = &s
	}
	if src.LastSyncedAt != nil {
		s := src.LastSyncedAt.Format(time.RFC3339)
		resp.LastSyncedAt = &s
	}
	return resp
}

func mirrorStatus(m *Mirror) MirrorStatusResponse {
	resp := MirrorStatusResponse{
		ID:                    m.ID,
		Enabled:               m.Enabled,
		LastSyncedHeartbeatID: m.LastSyncedHeartbeatID,
		LastErrorMessage:      m.LastErrorMessage,
		ConsecutiveFailures:   m.ConsecutiveFailures,
	}
	if m.LastSyncedAt != nil {
		s := m.LastSyncedAt.Format(time.RFC3339)
		resp.LastSyncedAt = &s
	}
	return resp
}

// writeError writes a standardized error response
func (h *HTTPHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	_ = json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
