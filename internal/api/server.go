// Package api exposes the attachment lifecycle over HTTP. Each editing
// session owns one engine instance; session tokens are HMAC-signed so a
// stale or forged token is rejected before any registry lookup.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stagevault/internal/config"
	"stagevault/internal/engine"
	"stagevault/internal/gateway"
	"stagevault/internal/model"
	"stagevault/internal/session"
	"stagevault/internal/signing"
	"stagevault/internal/staging"
)

// BlobStore is everything the API's engines need from the blob client.
type BlobStore interface {
	staging.BlobStore
	engine.BlobStore
}

// Gateway extends the engine-facing gateway with the record-loading read
// used by the listing route.
type Gateway interface {
	gateway.Gateway
	ListByRecord(ctx context.Context, recordID string) ([]model.PermanentAttachment, error)
}

// Sweeper enqueues background sweeps; nil-able in tests.
type Sweeper interface {
	engine.LeakSweeper
	EnqueueTempSweep(ctx context.Context, actorID string) error
}

// Server hosts the HTTP handlers and the session registry.
type Server struct {
	cfg      *config.Config
	blob     BlobStore
	gw       Gateway
	sweeper  Sweeper
	reclaim  staging.Reclaimer
	registry *session.Registry
	signer   *signing.Signer
	log      *slog.Logger
	server   *http.Server
	once     sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, blob BlobStore, gw Gateway, sweeper Sweeper, reclaim staging.Reclaimer, log *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		blob:     blob,
		gw:       gw,
		sweeper:  sweeper,
		reclaim:  reclaim,
		registry: session.NewRegistry(),
		signer:   signing.NewSigner(cfg.SigningSecret),
		log:      log,
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.Routes(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info("api listening", "addr", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Routes assembles the handler tree; exported so tests can drive it with
// httptest.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/", s.handleSessionRoute)
	mux.HandleFunc("/records/", s.handleRecordRoute)
	return corsMiddleware(loggingMiddleware(s.log, mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- sessions ---

type createSessionRequest struct {
	ActorID string `json:"actorId"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ActorID == "" {
		http.Error(w, "actorId is required", http.StatusBadRequest)
		return
	}
	id := uuid.NewString()
	expires := time.Now().Add(s.cfg.SessionTTL)
	area := staging.New(req.ActorID, s.blob, s.reclaim, s.log)
	eng := engine.New(req.ActorID, area, s.blob, s.gw, s.sweeper, s.cfg.SignedURLTTL, s.log)
	s.registry.Put(&session.Session{
		ID:        id,
		ActorID:   req.ActorID,
		Engine:    eng,
		ExpiresAt: expires,
	})
	token := fmt.Sprintf("%s.%d.%s", id, expires.Unix(), s.signer.Sign(id, expires.Unix()))
	respondJSON(w, http.StatusCreated, map[string]string{
		"token":     token,
		"expiresAt": expires.UTC().Format(time.RFC3339),
	})
}

// resolveSession validates the signed token and returns the live session.
func (s *Server) resolveSession(token string) (*session.Session, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, session.ErrNotFound
	}
	id, expires, sig := parts[0], parts[1], parts[2]
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || time.Unix(exp, 0).Before(time.Now()) {
		return nil, session.ErrNotFound
	}
	if !s.signer.Validate(id, expires, sig) {
		return nil, session.ErrNotFound
	}
	return s.registry.Get(id)
}

func (s *Server) handleSessionRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	sess, err := s.resolveSession(parts[0])
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	rest := parts[1:]
	switch {
	case len(rest) == 0:
		s.handleSessionClose(w, r, sess)
	case rest[0] == "files" && len(rest) == 1:
		s.handleFiles(w, r, sess)
	case rest[0] == "files" && len(rest) == 2:
		s.handleStagedFile(w, r, sess, rest[1])
	case rest[0] == "commit" && len(rest) == 1:
		s.handleCommit(w, r, sess)
	case rest[0] == "clear" && len(rest) == 1:
		s.handleClear(w, r, sess)
	case rest[0] == "attachments" && len(rest) == 2:
		s.handleDeleteAttachment(w, r, sess, rest[1])
	case rest[0] == "records" && len(rest) == 3 && rest[2] == "files":
		s.handleDirectUpload(w, r, sess, rest[1])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess.Engine.ClearTempFiles(r.Context())
	if s.sweeper != nil {
		if err := s.sweeper.EnqueueTempSweep(r.Context(), sess.ActorID); err != nil {
			s.log.Warn("enqueue temp sweep failed", "actor", sess.ActorID, "error", err)
		}
	}
	s.registry.Delete(sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

// --- staged files ---

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r, sess)
	case http.MethodGet:
		staged := sess.Engine.StagedFiles()
		out := make([]model.Attachment, 0, len(staged))
		for i := range staged {
			out = append(out, model.StagedAttachment(&staged[i]))
		}
		respondJSON(w, http.StatusOK, out)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	inputs, err := s.readMultipart(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(inputs) == 0 {
		http.Error(w, "missing file parts", http.StatusBadRequest)
		return
	}
	uploadErr := sess.Engine.UploadToTemp(r.Context(), inputs)
	var conflict *staging.CommitConflictError
	if errors.As(uploadErr, &conflict) {
		http.Error(w, uploadErr.Error(), http.StatusConflict)
		return
	}
	staged := sess.Engine.StagedFiles()
	status := http.StatusCreated
	var message string
	if uploadErr != nil {
		// Some files staged, some rejected or failed: report both.
		status = http.StatusMultiStatus
		message = uploadErr.Error()
	}
	respondJSON(w, status, map[string]any{
		"staged": staged,
		"error":  message,
	})
}

// readMultipart buffers every file part so actual sizes are known before
// validation. The body cap is deliberately above the per-file policy limit
// so oversized files are rejected by policy with their real size in the
// message, not cut off mid-transfer.
func (s *Server) readMultipart(w http.ResponseWriter, r *http.Request) ([]model.FileInput, error) {
	r.Body = http.MaxBytesReader(w, r.Body, 4*s.cfg.MaxFileSize+1<<20)
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, errors.New("expecting multipart form")
	}
	var inputs []model.FileInput
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.New("failed to read upload")
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, fmt.Errorf("read file part: %w", err)
		}
		inputs = append(inputs, model.FileInput{
			Name:      part.FileName(),
			MimeType:  part.Header.Get("Content-Type"),
			SizeBytes: int64(len(data)),
			Content:   bytes.NewReader(data),
			Origin:    "multipart:" + part.FileName(),
		})
	}
	return inputs, nil
}

func (s *Server) handleStagedFile(w http.ResponseWriter, r *http.Request, sess *session.Session, stagingKey string) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := sess.Engine.DeleteAttachment(r.Context(), stagingKey, nil); err != nil {
		http.Error(w, "staged file not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- promotion ---

type commitRequest struct {
	RecordID   string `json:"recordId"`
	ClearAfter *bool  `json:"clearAfter"`
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RecordID == "" {
		http.Error(w, "recordId is required", http.StatusBadRequest)
		return
	}
	clearAfter := true
	if req.ClearAfter != nil {
		clearAfter = *req.ClearAfter
	}
	rows, err := sess.Engine.CommitTempFiles(r.Context(), req.RecordID, clearAfter)
	if err != nil {
		var conflict *staging.CommitConflictError
		if errors.As(err, &conflict) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if rows == nil {
		rows = []model.PermanentAttachment{}
	}
	respondJSON(w, http.StatusOK, rows)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess.Engine.ClearTempFiles(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// --- deletion and direct upload ---

func (s *Server) handleDeleteAttachment(w http.ResponseWriter, r *http.Request, sess *session.Session, id string) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	recordID := r.URL.Query().Get("record")
	if recordID == "" {
		http.Error(w, "record query parameter is required", http.StatusBadRequest)
		return
	}
	rows, err := s.gw.ListByRecord(r.Context(), recordID)
	if err != nil {
		http.Error(w, "load attachments failed", http.StatusBadGateway)
		return
	}
	if err := sess.Engine.DeleteAttachment(r.Context(), id, rows); err != nil {
		if errors.Is(err, engine.ErrUnknownAttachment) {
			http.Error(w, "attachment not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDirectUpload(w http.ResponseWriter, r *http.Request, sess *session.Session, recordID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	role := model.AttachmentRole(r.URL.Query().Get("role"))
	if role != model.RoleSource {
		role = model.RoleAttachment
	}
	inputs, err := s.readMultipart(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(inputs) != 1 {
		http.Error(w, "exactly one file part expected", http.StatusBadRequest)
		return
	}
	row, err := sess.Engine.UploadDirect(r.Context(), recordID, inputs[0], role)
	if err != nil {
		var invalid *staging.ValidationError
		if errors.As(err, &invalid) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	respondJSON(w, http.StatusCreated, row)
}

// --- record-loading flow ---

type attachmentView struct {
	model.PermanentAttachment
	PreviewURL string `json:"previewUrl,omitempty"`
}

func (s *Server) handleRecordRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/records/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "attachments" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rows, err := s.gw.ListByRecord(r.Context(), parts[0])
	if err != nil {
		http.Error(w, "load attachments failed", http.StatusBadGateway)
		return
	}
	views := make([]attachmentView, 0, len(rows))
	for _, row := range rows {
		view := attachmentView{PermanentAttachment: row}
		// Permanent storage is private; a fresh signed URL is minted on
		// every listing.
		if url, err := s.blob.SignedURL(r.Context(), row.StorageKey, s.cfg.SignedURLTTL); err == nil {
			view.PreviewURL = url
		} else {
			s.log.Warn("presign failed", "storageKey", row.StorageKey, "error", err)
		}
		views = append(views, view)
	}
	respondJSON(w, http.StatusOK, views)
}

// --- middleware and helpers ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Info("request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("encode response", "error", err)
	}
}
