package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"noteflow/internal/auth"
	"noteflow/internal/domain"
	"noteflow/internal/realtime"
	"noteflow/internal/service"
	"noteflow/internal/storage"
)

const maxImportBytes = 4 << 20

// Handler wires HTTP routes to domain services.
type Handler struct {
	users     service.UserService
	notes     service.NoteService
	tokens    *auth.TokenManager
	gateway   *realtime.Gateway
	storage   storage.Service
	bucket    string
	keyPrefix string
	logger    *logrus.Logger
}

func NewHandler(
	users service.UserService,
	notes service.NoteService,
	tokens *auth.TokenManager,
	gateway *realtime.Gateway,
	store storage.Service,
	bucket, keyPrefix string,
	logger *logrus.Logger,
) *Handler {
	return &Handler{
		users:     users,
		notes:     notes,
		tokens:    tokens,
		gateway:   gateway,
		storage:   store,
		bucket:    bucket,
		keyPrefix: keyPrefix,
		logger:    logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	router.GET("/ws", gin.WrapF(h.gateway.HandleUpgrade))

	api := router.Group("/api")
	{
		api.POST("/auth/register", h.register)
		api.POST("/auth/login", h.login)
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})

		notes := api.Group("/notes")
		notes.Use(h.requireUser())
		{
			notes.POST("", h.createNote)
			notes.GET("", h.listNotes)
			notes.GET("/export", h.exportNotes)
			notes.POST("/import", h.importNotes)
			notes.GET("/snapshots", h.listSnapshots)
			notes.GET("/snapshots/url", h.snapshotURL)
			notes.DELETE("/snapshots", h.deleteSnapshots)
			notes.GET("/:id", h.getNote)
			notes.PUT("/:id", h.updateNote)
			notes.DELETE("/:id", h.deleteNote)
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

type createNoteRequest struct {
	Title   string `json:"title" binding:"required"`
	Content string `json:"content" binding:"required"`
}

type updateNoteRequest struct {
	Title   string `json:"title" binding:"required"`
	Content string `json:"content"`
}

func (h *Handler) createNote(c *gin.Context) {
	var req createNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	note, err := h.notes.CreateNote(c.Request.Context(), currentUserID(c), req.Title, req.Content)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, noteToResponse(*note))
}

func (h *Handler) listNotes(c *gin.Context) {
	notes, err := h.notes.ListNotes(c.Request.Context(), currentUserID(c), c.Query("q"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]NoteResponse, len(notes))
	for i := range notes {
		resp[i] = noteToResponse(notes[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getNote(c *gin.Context) {
	id, ok := noteID(c)
	if !ok {
		return
	}

	note, err := h.notes.GetNote(c.Request.Context(), currentUserID(c), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrNoteNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, noteToResponse(*note))
}

func (h *Handler) updateNote(c *gin.Context) {
	id, ok := noteID(c)
	if !ok {
		return
	}

	var req updateNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	note, err := h.notes.UpdateNote(c.Request.Context(), currentUserID(c), id, req.Title, req.Content)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrNoteNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, noteToResponse(*note))
}

func (h *Handler) deleteNote(c *gin.Context) {
	id, ok := noteID(c)
	if !ok {
		return
	}

	if err := h.notes.DeleteNote(c.Request.Context(), currentUserID(c), id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrNoteNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (h *Handler) exportNotes(c *gin.Context) {
	userID := currentUserID(c)

	snapshot, err := h.notes.ExportNotes(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if h.storage != nil && h.bucket != "" {
		data, err := json.Marshal(snapshot)
		if err == nil {
			archiveCtx, cancel := contextWithArchiveTimeout(c)
			defer cancel()
			location, err := h.storage.UploadSnapshot(archiveCtx, userID, data, storage.UploadOptions{
				Bucket:    h.bucket,
				KeyPrefix: h.keyPrefix,
			})
			if err != nil {
				h.logger.WithError(err).Warn("archive snapshot")
			} else {
				c.Header("X-Snapshot-Location", location)
			}
		}
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=notes-%s.json", time.Now().UTC().Format("20060102")))
	c.JSON(http.StatusOK, snapshot)
}

func (h *Handler) importNotes(c *gin.Context) {
	data, err := h.readImportPayload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snapshot, err := parseSnapshot(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	notes, err := h.notes.ImportNotes(c.Request.Context(), currentUserID(c), *snapshot)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp := make([]NoteResponse, len(notes))
	for i := range notes {
		resp[i] = noteToResponse(notes[i])
	}
	c.JSON(http.StatusOK, gin.H{"imported": len(resp), "notes": resp})
}

// readImportPayload accepts either a multipart upload (field "file") or a raw
// JSON body, and rejects anything that does not sniff as JSON.
func (h *Handler) readImportPayload(c *gin.Context) ([]byte, error) {
	var reader io.Reader = c.Request.Body

	if file, _, err := c.Request.FormFile("file"); err == nil {
		defer file.Close()
		reader = file
	}

	data, err := io.ReadAll(io.LimitReader(reader, maxImportBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read import payload: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("import payload is empty")
	}
	if len(data) > maxImportBytes {
		return nil, errors.New("import payload too large")
	}

	mtype := mimetype.Detect(data)
	if !mtype.Is("application/json") && !mtype.Is("text/plain") {
		return nil, fmt.Errorf("unsupported import type %s, expected JSON", mtype.String())
	}
	if !json.Valid(data) {
		return nil, errors.New("import payload is not valid JSON")
	}

	return data, nil
}

// parseSnapshot accepts both the export envelope and a bare note array.
func parseSnapshot(data []byte) (*service.Snapshot, error) {
	var snapshot service.Snapshot
	if err := json.Unmarshal(data, &snapshot); err == nil && snapshot.Notes != nil {
		return &snapshot, nil
	}

	var notes []service.SnapshotNote
	if err := json.Unmarshal(data, &notes); err == nil {
		return &service.Snapshot{Notes: notes}, nil
	}

	return nil, errors.New("import payload must be a snapshot object or a note array")
}

func (h *Handler) listSnapshots(c *gin.Context) {
	if h.storage == nil || h.bucket == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot storage not configured"})
		return
	}

	objects, err := h.storage.ListSnapshots(c.Request.Context(), h.bucket, h.keyPrefix, currentUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]SnapshotObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

const snapshotURLTTL = 15 * time.Minute

// snapshotURL returns a time-limited download link for one archived
// snapshot. Keys are namespaced per user; a key outside the caller's own
// prefix reads as not found.
func (h *Handler) snapshotURL(c *gin.Context) {
	if h.storage == nil || h.bucket == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot storage not configured"})
		return
	}

	key := c.Query("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "snapshot key is required"})
		return
	}
	if !strings.HasPrefix(key, storage.SnapshotPrefix(h.keyPrefix, currentUserID(c))) {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
		return
	}

	url, err := h.storage.GetObjectURL(c.Request.Context(), h.bucket, key, snapshotURLTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url, "expires_in": int64(snapshotURLTTL.Seconds())})
}

func (h *Handler) deleteSnapshots(c *gin.Context) {
	if h.storage == nil || h.bucket == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot storage not configured"})
		return
	}

	prefix := storage.SnapshotPrefix(h.keyPrefix, currentUserID(c))
	if err := h.storage.DeletePrefix(c.Request.Context(), h.bucket, prefix); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted_prefix": prefix})
}

func contextWithArchiveTimeout(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 30*time.Second)
}

func noteID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid note id"})
		return 0, false
	}
	return id, true
}

type NoteResponse struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"user_id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type SnapshotObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func noteToResponse(note domain.Note) NoteResponse {
	return NoteResponse{
		ID:        note.ID,
		UserID:    note.UserID,
		Title:     note.Title,
		Content:   note.Content,
		CreatedAt: note.CreatedAt.Format(time.RFC3339),
		UpdatedAt: note.UpdatedAt.Format(time.RFC3339),
	}
}

func objectToResponse(obj storage.ObjectInfo) SnapshotObjectResponse {
	resp := SnapshotObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}
