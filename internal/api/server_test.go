package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagevault/internal/cleanup"
	"stagevault/internal/config"
	"stagevault/internal/model"
)

// -------- test fakes --------

type fakeBlob struct {
	permObjects map[string]bool
	signedCalls int
}

func newFakeBlob() *fakeBlob {
	return &fakeBlob{permObjects: make(map[string]bool)}
}

func (f *fakeBlob) PutTemp(ctx context.Context, path string, r io.Reader, size int64, contentType string) error {
	return nil
}

func (f *fakeBlob) PublicURL(path string) string {
	return "http://blob.local/temp/" + path
}

func (f *fakeBlob) CopyToPerm(ctx context.Context, srcPath, dstPath string) error {
	f.permObjects[dstPath] = true
	return nil
}

func (f *fakeBlob) PutPerm(ctx context.Context, path string, r io.Reader, size int64, contentType string) error {
	f.permObjects[path] = true
	return nil
}

func (f *fakeBlob) RemovePerm(ctx context.Context, paths []string) ([]string, error) {
	for _, p := range paths {
		delete(f.permObjects, p)
	}
	return nil, nil
}

func (f *fakeBlob) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	f.signedCalls++
	return fmt.Sprintf("http://blob.local/signed/%s?n=%d", path, f.signedCalls), nil
}

type fakeGateway struct {
	rows    []model.PermanentAttachment
	nextID  int
	deleted []string
}

func (g *fakeGateway) CreateAssociations(ctx context.Context, recordID string, specs []model.AssociationSpec) ([]model.PermanentAttachment, error) {
	out := make([]model.PermanentAttachment, 0, len(specs))
	for _, spec := range specs {
		g.nextID++
		row := model.PermanentAttachment{
			ID:          fmt.Sprintf("row-%d", g.nextID),
			RecordID:    recordID,
			StorageKey:  spec.StorageKey,
			DisplayName: spec.DisplayName,
			MimeType:    spec.MimeType,
			Role:        spec.Role,
			CreatedAt:   time.Now().UTC(),
		}
		g.rows = append(g.rows, row)
		out = append(out, row)
	}
	return out, nil
}

func (g *fakeGateway) DeleteAssociation(ctx context.Context, id string) error {
	g.deleted = append(g.deleted, id)
	for i := range g.rows {
		if g.rows[i].ID == id {
			g.rows = append(g.rows[:i], g.rows[i+1:]...)
			break
		}
	}
	return nil
}

func (g *fakeGateway) ListByRecord(ctx context.Context, recordID string) ([]model.PermanentAttachment, error) {
	var out []model.PermanentAttachment
	for _, row := range g.rows {
		if row.RecordID == recordID {
			out = append(out, row)
		}
	}
	return out, nil
}

type fakeSweeper struct {
	leaked [][]string
	swept  []string
}

func (s *fakeSweeper) EnqueueLeakedBlobs(ctx context.Context, paths []string) error {
	s.leaked = append(s.leaked, paths)
	return nil
}

func (s *fakeSweeper) EnqueueTempSweep(ctx context.Context, actorID string) error {
	s.swept = append(s.swept, actorID)
	return nil
}

type noopReclaimer struct{}

func (noopReclaimer) Submit(cleanup.Job) {}

func newTestServer(t *testing.T) (*Server, *fakeBlob, *fakeGateway, *fakeSweeper) {
	t.Helper()
	cfg := &config.Config{
		Address:       ":0",
		MaxFileSize:   50 << 20,
		SignedURLTTL:  5 * time.Minute,
		SessionTTL:    time.Hour,
		SigningSecret: []byte("test-secret"),
	}
	blob := newFakeBlob()
	gw := &fakeGateway{}
	sweeper := &fakeSweeper{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, blob, gw, sweeper, noopReclaimer{}, log), blob, gw, sweeper
}

func createSession(t *testing.T, h http.Handler) string {
	t.Helper()
	body := strings.NewReader(`{"actorId":"actor-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/sessions", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["token"])
	return resp["token"]
}

func multipartBody(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for name, contentType := range files {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
		header.Set("Content-Type", contentType)
		part, err := w.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write([]byte("filebytes"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func uploadFiles(t *testing.T, h http.Handler, token string, files map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, files)
	req := httptest.NewRequest(http.MethodPost, "/sessions/"+token+"/files", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// -------- tests --------

func TestUploadListCommitFlow(t *testing.T) {
	srv, blob, _, _ := newTestServer(t)
	h := srv.Routes()
	token := createSession(t, h)

	rec := uploadFiles(t, h, token, map[string]string{
		"front.jpg": "image/jpeg",
		"back.png":  "image/png",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Staged listing comes back as the tagged union.
	req := httptest.NewRequest(http.MethodGet, "/sessions/"+token+"/files", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []model.Attachment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 2)
	for _, att := range listed {
		assert.Equal(t, model.KindStaged, att.Kind)
		require.NotNil(t, att.Staged)
		assert.Equal(t, model.UploadUploaded, att.Staged.State)
		assert.NotEmpty(t, att.Staged.ReadURL)
	}

	// Commit binds rows to the record and clears the staged set.
	commitBody := strings.NewReader(`{"recordId":"42"}`)
	req = httptest.NewRequest(http.MethodPost, "/sessions/"+token+"/commit", commitBody)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rows []model.PermanentAttachment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, "42", row.RecordID)
		assert.True(t, blob.permObjects[row.StorageKey])
	}

	req = httptest.NewRequest(http.MethodGet, "/sessions/"+token+"/files", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Empty(t, listed)
}

func TestUploadRejectsInvalidFileButKeepsSiblings(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	h := srv.Routes()
	token := createSession(t, h)

	rec := uploadFiles(t, h, token, map[string]string{
		"good.pdf": "application/pdf",
		"tool.exe": "application/x-executable",
	})
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "exe")

	var resp struct {
		Staged []model.StagedFile `json:"staged"`
		Error  string             `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Staged, 1)
	assert.Equal(t, "good.pdf", resp.Staged[0].DisplayName)
}

func TestRecordListingMintsPreviewURLs(t *testing.T) {
	srv, blob, _, _ := newTestServer(t)
	h := srv.Routes()
	token := createSession(t, h)

	uploadFiles(t, h, token, map[string]string{"a.jpg": "image/jpeg"})
	req := httptest.NewRequest(http.MethodPost, "/sessions/"+token+"/commit",
		strings.NewReader(`{"recordId":"7"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/records/7/attachments", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var views []attachmentView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.NotEmpty(t, views[0].PreviewURL)
	assert.Positive(t, blob.signedCalls)
}

func TestDeleteStagedFile(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	h := srv.Routes()
	token := createSession(t, h)

	uploadFiles(t, h, token, map[string]string{"a.jpg": "image/jpeg"})
	req := httptest.NewRequest(http.MethodGet, "/sessions/"+token+"/files", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var listed []model.Attachment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)

	req = httptest.NewRequest(http.MethodDelete, "/sessions/"+token+"/files/"+listed[0].Staged.StagingKey, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDeletePermanentAttachment(t *testing.T) {
	srv, blob, gw, _ := newTestServer(t)
	h := srv.Routes()
	token := createSession(t, h)

	uploadFiles(t, h, token, map[string]string{"a.jpg": "image/jpeg"})
	req := httptest.NewRequest(http.MethodPost, "/sessions/"+token+"/commit",
		strings.NewReader(`{"recordId":"7"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, gw.rows, 1)
	id := gw.rows[0].ID
	key := gw.rows[0].StorageKey

	req = httptest.NewRequest(http.MethodDelete,
		"/sessions/"+token+"/attachments/"+id+"?record=7", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.False(t, blob.permObjects[key], "blob removed before row")
	assert.Empty(t, gw.rows)
}

func TestDirectUpload(t *testing.T) {
	srv, blob, _, _ := newTestServer(t)
	h := srv.Routes()
	token := createSession(t, h)

	body, contentType := multipartBody(t, map[string]string{"original.pdf": "application/pdf"})
	req := httptest.NewRequest(http.MethodPost,
		"/sessions/"+token+"/records/42/files?role=source", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var row model.PermanentAttachment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))
	assert.Equal(t, model.RoleSource, row.Role)
	assert.True(t, blob.permObjects[row.StorageKey])
}

func TestSessionCloseEnqueuesSweep(t *testing.T) {
	srv, _, _, sweeper := newTestServer(t)
	h := srv.Routes()
	token := createSession(t, h)

	req := httptest.NewRequest(http.MethodDelete, "/sessions/"+token, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"actor-1"}, sweeper.swept)

	// The closed session is gone.
	req = httptest.NewRequest(http.MethodPost, "/sessions/"+token+"/clear", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestForgedTokenRejected(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	h := srv.Routes()
	createSession(t, h)

	forged := fmt.Sprintf("some-id.%d.deadbeef", time.Now().Add(time.Hour).Unix())
	req := httptest.NewRequest(http.MethodGet, "/sessions/"+forged+"/files", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClearNeverFails(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	h := srv.Routes()
	token := createSession(t, h)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/sessions/"+token+"/clear", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}
