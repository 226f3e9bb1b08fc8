package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/revisions/internal/notes"
	"github.com/MarcoPoloResearchLab/revisions/internal/versioning"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "revisions_user_id"
	accessTokenQueryParam    = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingNotesService  = errors.New("notes service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
	errUnknownOperation     = errors.New("unknown operation")
)

// TokenValidator resolves a bearer token to its subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	TokenManager      TokenValidator
	NotesService      *notes.Service
	Logger            *zap.Logger
	Realtime          *RealtimeDispatcher
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.NotesService == nil {
		return nil, errMissingNotesService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:            deps.TokenManager,
		notesService:      deps.NotesService,
		logger:            logger,
		realtime:          realtime,
		heartbeatInterval: heartbeat,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/notes", handler.handleListNotes)
	protected.POST("/notes/sync", handler.handleNotesSync)
	protected.GET("/notes/stream", handler.handleNotesStream)
	protected.GET("/notes/:note_id/versions", handler.handleListVersions)
	protected.DELETE("/notes/:note_id/versions", handler.handlePurgeVersions)
	protected.GET("/notes/:note_id/versions/:version", handler.handleGetVersion)
	protected.POST("/notes/:note_id/revert", handler.handleRevertNote)
	protected.GET("/notes/:note_id/history/:column", handler.handleColumnHistory)
	protected.POST("/notebooks", handler.handleUpsertNotebook)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens            TokenValidator
	notesService      *notes.Service
	logger            *zap.Logger
	realtime          *RealtimeDispatcher
	heartbeatInterval time.Duration
}

type syncRequestPayload struct {
	Operations []syncOperationPayload `json:"operations"`
}

type syncOperationPayload struct {
	NoteID            string          `json:"note_id"`
	Operation         string          `json:"operation"`
	Kind              string          `json:"kind"`
	NotebookID        string          `json:"notebook_id"`
	BaseVersion       int64           `json:"base_version"`
	ClientEditSeq     int64           `json:"client_edit_seq"`
	ClientDevice      string          `json:"client_device"`
	ClientTimeSeconds int64           `json:"client_time_s"`
	CreatedAtSeconds  int64           `json:"created_at_s"`
	UpdatedAtSeconds  int64           `json:"updated_at_s"`
	Payload           json.RawMessage `json:"payload"`
}

type syncResponsePayload struct {
	Results []syncResultPayload `json:"results"`
}

type syncResultPayload struct {
	Accepted bool `json:"accepted"`
	notePayload
}

type notePayload struct {
	NoteID            string          `json:"note_id"`
	Kind              string          `json:"kind"`
	NotebookID        *string         `json:"notebook_id"`
	Version           int64           `json:"version"`
	UpdatedAtSeconds  int64           `json:"updated_at_s"`
	LastWriterEditSeq int64           `json:"last_writer_edit_seq"`
	IsDeleted         bool            `json:"is_deleted"`
	Payload           json.RawMessage `json:"payload"`
}

type notebookRequestPayload struct {
	NotebookID string `json:"notebook_id"`
	Title      string `json:"title"`
}

type notebookPayload struct {
	NotebookID       string `json:"notebook_id"`
	Title            string `json:"title"`
	Version          int64  `json:"version"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

type versionPayload struct {
	Number            int64           `json:"version"`
	HistoryID         int64           `json:"history_id"`
	Kind              string          `json:"kind"`
	NotebookID        *string         `json:"notebook_id"`
	NotebookVersionID *int64          `json:"notebook_version_id"`
	UpdatedAtSeconds  int64           `json:"updated_at_s"`
	LastWriterDevice  string          `json:"last_writer_device"`
	IsDeleted         bool            `json:"is_deleted"`
	Payload           json.RawMessage `json:"payload"`
}

type revertRequestPayload struct {
	Version int64 `json:"version"`
	Save    bool  `json:"save"`
}

type columnRunPayload struct {
	Value        interface{} `json:"value"`
	FirstVersion int64       `json:"first_version"`
	LastVersion  int64       `json:"last_version"`
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	stored, err := h.notesService.ListNotes(c.Request.Context(), userID)
	if err != nil {
		h.respondServiceError(c, "list_failed", err)
		return
	}
	response := make([]notePayload, 0, len(stored))
	for i := range stored {
		response = append(response, newNotePayload(&stored[i]))
	}
	c.JSON(http.StatusOK, gin.H{"notes": response})
}

func (h *httpHandler) handleNotesSync(c *gin.Context) {
	userID, ok := h.requestUser(c)
	if !ok {
		return
	}

	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Operations) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	changes := make([]notes.ChangeRequest, 0, len(request.Operations))
	for _, op := range request.Operations {
		change, reason := newChangeRequest(op)
		if reason != "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": reason})
			return
		}
		changes = append(changes, change)
	}

	result, err := h.notesService.ApplyChanges(c.Request.Context(), userID, changes)
	if err != nil {
		h.respondServiceError(c, "sync_failed", err)
		return
	}

	response := syncResponsePayload{Results: make([]syncResultPayload, 0, len(result.ChangeOutcomes))}
	versions := make(map[string]int64)
	for _, outcome := range result.ChangeOutcomes {
		note := outcome.Outcome.UpdatedNote
		response.Results = append(response.Results, syncResultPayload{
			Accepted:    outcome.Outcome.Accepted,
			notePayload: newNotePayload(note),
		})
		if outcome.Outcome.Accepted {
			versions[note.NoteID] = note.Version
		}
	}

	if noteIDs := collectAcceptedNoteIDs(result.ChangeOutcomes); len(noteIDs) > 0 {
		h.realtime.Publish(RealtimeMessage{
			UserID:    userID.String(),
			EventType: RealtimeEventNoteVersion,
			NoteIDs:   noteIDs,
			Versions:  versions,
			Timestamp: time.Now().UTC(),
		})
	}

	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleUpsertNotebook(c *gin.Context) {
	userID, ok := h.requestUser(c)
	if !ok {
		return
	}
	var request notebookRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	notebook, err := h.notesService.UpsertNotebook(c.Request.Context(), userID, notes.NotebookRequest{
		NotebookID: request.NotebookID,
		Title:      request.Title,
	})
	if err != nil {
		h.respondServiceError(c, "notebook_failed", err)
		return
	}
	c.JSON(http.StatusOK, notebookPayload{
		NotebookID:       notebook.NotebookID,
		Title:            notebook.Title,
		Version:          notebook.Version,
		CreatedAtSeconds: notebook.CreatedAtSeconds,
		UpdatedAtSeconds: notebook.UpdatedAtSeconds,
	})
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	userID, noteID, ok := h.requestNote(c)
	if !ok {
		return
	}
	snapshots, err := h.notesService.ListVersions(c.Request.Context(), userID, noteID)
	if err != nil {
		h.respondServiceError(c, "versions_failed", err)
		return
	}
	response := make([]versionPayload, 0, len(snapshots))
	for _, snapshot := range snapshots {
		response = append(response, newVersionPayload(snapshot))
	}
	c.JSON(http.StatusOK, gin.H{"note_id": noteID.String(), "versions": response})
}

func (h *httpHandler) handlePurgeVersions(c *gin.Context) {
	userID, noteID, ok := h.requestNote(c)
	if !ok {
		return
	}
	removed, err := h.notesService.PurgeVersions(c.Request.Context(), userID, noteID)
	if err != nil {
		h.respondServiceError(c, "purge_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"note_id": noteID.String(), "removed": removed})
}

func (h *httpHandler) handleGetVersion(c *gin.Context) {
	userID, noteID, ok := h.requestNote(c)
	if !ok {
		return
	}
	number, err := strconv.ParseInt(c.Param("version"), 10, 64)
	if err != nil || number <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version"})
		return
	}
	snapshot, err := h.notesService.GetVersion(c.Request.Context(), userID, noteID, number)
	if err != nil {
		h.respondServiceError(c, "version_failed", err)
		return
	}
	c.JSON(http.StatusOK, newVersionPayload(snapshot))
}

func (h *httpHandler) handleRevertNote(c *gin.Context) {
	userID, noteID, ok := h.requestNote(c)
	if !ok {
		return
	}
	var request revertRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Version <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version"})
		return
	}
	note, err := h.notesService.RevertNote(c.Request.Context(), userID, noteID, request.Version, request.Save)
	if err != nil {
		h.respondServiceError(c, "revert_failed", err)
		return
	}
	if request.Save {
		h.realtime.Publish(RealtimeMessage{
			UserID:    userID.String(),
			EventType: RealtimeEventNoteRevert,
			NoteIDs:   []string{note.NoteID},
			Versions:  map[string]int64{note.NoteID: note.Version},
			Timestamp: time.Now().UTC(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"saved": request.Save, "note": newNotePayload(&note)})
}

func (h *httpHandler) handleColumnHistory(c *gin.Context) {
	userID, noteID, ok := h.requestNote(c)
	if !ok {
		return
	}
	column := c.Param("column")
	runs, err := h.notesService.ColumnHistory(c.Request.Context(), userID, noteID, column)
	if err != nil {
		h.respondServiceError(c, "history_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"note_id": noteID.String(), "column": column, "runs": newColumnRunPayloads(runs)})
}

func (h *httpHandler) handleNotesStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message, open := <-stream:
			if !open {
				return
			}
			c.SSEvent(message.EventType, gin.H{
				"noteIds":   message.NoteIDs,
				"versions":  message.Versions,
				"timestamp": message.Timestamp.Unix(),
				"source":    realtimeSourceBackend,
			})
			c.Writer.Flush()
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{
				"timestamp": tick.UTC().Unix(),
				"source":    realtimeSourceBackend,
			})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// bearerToken reads the Authorization header. EventSource clients cannot set headers, so
// the access_token query parameter is accepted as well.
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", false
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		return token, token != ""
	}
	token := strings.TrimSpace(c.Query(accessTokenQueryParam))
	return token, token != ""
}

func (h *httpHandler) requestUser(c *gin.Context) (notes.UserID, bool) {
	userID, err := notes.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) requestNote(c *gin.Context) (notes.UserID, notes.NoteID, bool) {
	userID, ok := h.requestUser(c)
	if !ok {
		return "", "", false
	}
	noteID, err := notes.NewNoteID(c.Param("note_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return "", "", false
	}
	return userID, noteID, true
}

func (h *httpHandler) respondServiceError(c *gin.Context, fallback string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, notes.ErrNoteNotFound),
		errors.Is(err, notes.ErrNotebookNotFound),
		errors.Is(err, notes.ErrVersionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, versioning.ErrUnknownColumn):
		status = http.StatusBadRequest
	}

	body := gin.H{"error": fallback}
	var serviceErr *notes.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("notes request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}

func newChangeRequest(op syncOperationPayload) (notes.ChangeRequest, string) {
	noteID, err := notes.NewNoteID(op.NoteID)
	if err != nil {
		return notes.ChangeRequest{}, "invalid_note_id"
	}
	opType, err := parseOperation(op.Operation)
	if err != nil {
		return notes.ChangeRequest{}, "invalid_operation"
	}
	kind, err := notes.ParseNoteKind(op.Kind)
	if err != nil {
		return notes.ChangeRequest{}, "invalid_kind"
	}
	if op.BaseVersion < 0 {
		return notes.ChangeRequest{}, "invalid_base_version"
	}
	clientTime, err := notes.NewUnixTimestamp(op.ClientTimeSeconds)
	if err != nil {
		return notes.ChangeRequest{}, "invalid_timestamp"
	}
	updatedAt, err := notes.NewUnixTimestamp(op.UpdatedAtSeconds)
	if err != nil {
		return notes.ChangeRequest{}, "invalid_timestamp"
	}
	var createdAt notes.UnixTimestamp
	if op.CreatedAtSeconds != 0 {
		createdAt, err = notes.NewUnixTimestamp(op.CreatedAtSeconds)
		if err != nil {
			return notes.ChangeRequest{}, "invalid_timestamp"
		}
	}

	payloadJSON := ""
	if len(op.Payload) > 0 && string(op.Payload) != "null" {
		payloadJSON = string(op.Payload)
	}
	return notes.ChangeRequest{
		NoteID:            noteID,
		NotebookID:        strings.TrimSpace(op.NotebookID),
		Kind:              kind,
		BaseVersion:       op.BaseVersion,
		Operation:         opType,
		ClientEditSeq:     op.ClientEditSeq,
		ClientDevice:      op.ClientDevice,
		ClientTimeSeconds: clientTime,
		CreatedAtSeconds:  createdAt,
		UpdatedAtSeconds:  updatedAt,
		PayloadJSON:       payloadJSON,
	}, ""
}

func newNotePayload(note *notes.Note) notePayload {
	if note == nil {
		return notePayload{}
	}
	payload := json.RawMessage(nil)
	if len(note.Payload) > 0 {
		payload = json.RawMessage(note.Payload)
	}
	return notePayload{
		NoteID:            note.NoteID,
		Kind:              string(note.Kind),
		NotebookID:        note.NotebookID,
		Version:           note.Version,
		UpdatedAtSeconds:  note.UpdatedAtSeconds,
		LastWriterEditSeq: note.LastWriterEditSeq,
		IsDeleted:         note.IsDeleted,
		Payload:           payload,
	}
}

func newVersionPayload(snapshot notes.NoteSnapshot) versionPayload {
	payload := json.RawMessage(nil)
	if len(snapshot.Payload) > 0 {
		payload = json.RawMessage(snapshot.Payload)
	}
	return versionPayload{
		Number:            snapshot.Number,
		HistoryID:         snapshot.HistoryID,
		Kind:              string(snapshot.Kind),
		NotebookID:        snapshot.NotebookID,
		NotebookVersionID: snapshot.NotebookVersionID,
		UpdatedAtSeconds:  snapshot.UpdatedAtSeconds,
		LastWriterDevice:  snapshot.LastWriterDevice,
		IsDeleted:         snapshot.IsDeleted,
		Payload:           payload,
	}
}

func newColumnRunPayloads(runs []versioning.ValueRun) []columnRunPayload {
	payloads := make([]columnRunPayload, 0, len(runs))
	for _, run := range runs {
		payloads = append(payloads, columnRunPayload{
			Value:        run.Value,
			FirstVersion: run.FirstVersion,
			LastVersion:  run.LastVersion,
		})
	}
	return payloads
}

// collectAcceptedNoteIDs returns the sorted unique identifiers of accepted changes.
func collectAcceptedNoteIDs(outcomes []notes.ChangeOutcome) []string {
	seen := make(map[string]struct{}, len(outcomes))
	var noteIDs []string
	for _, outcome := range outcomes {
		if !outcome.Outcome.Accepted || outcome.Outcome.UpdatedNote == nil {
			continue
		}
		noteID := outcome.Outcome.UpdatedNote.NoteID
		if noteID == "" {
			continue
		}
		if _, ok := seen[noteID]; ok {
			continue
		}
		seen[noteID] = struct{}{}
		noteIDs = append(noteIDs, noteID)
	}
	sort.Strings(noteIDs)
	return noteIDs
}

func parseOperation(value string) (notes.OperationType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(notes.OperationTypeUpsert):
		return notes.OperationTypeUpsert, nil
	case string(notes.OperationTypeDelete):
		return notes.OperationTypeDelete, nil
	default:
		return "", errUnknownOperation
	}
}
