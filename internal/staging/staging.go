// Package staging holds the in-memory registry of files uploaded into the
// temporary storage prefix but not yet promoted. An Area is owned by one
// editing session and injected into the engine; nothing here is persisted,
// so a process restart loses unsaved attachments by design.
package staging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"stagevault/internal/blobstore"
	"stagevault/internal/cleanup"
	"stagevault/internal/model"
	"stagevault/internal/policy"
)

// BlobStore is the slice of the blob client the staging area uses.
type BlobStore interface {
	PutTemp(ctx context.Context, path string, reader io.Reader, size int64, contentType string) error
	PublicURL(path string) string
}

// Reclaimer accepts fire-and-forget reclaim jobs for temp prefixes.
type Reclaimer interface {
	Submit(job cleanup.Job)
}

// Area is the staging registry for one actor's editing session. At most
// one batch's files live here at a time; beginning a new batch supersedes
// and best-effort-reclaims the previous one.
type Area struct {
	actorID string
	blob    BlobStore
	reclaim Reclaimer
	log     *slog.Logger

	mu         sync.Mutex
	batchID    string
	files      []*model.StagedFile
	uploading  bool
	committing bool
}

// New builds an empty Area for one actor.
func New(actorID string, blob BlobStore, reclaim Reclaimer, log *slog.Logger) *Area {
	return &Area{
		actorID: actorID,
		blob:    blob,
		reclaim: reclaim,
		log:     log,
	}
}

// ActorID returns the owning actor.
func (a *Area) ActorID() string { return a.actorID }

// BatchID returns the current batch id, empty when no batch is active.
func (a *Area) BatchID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.batchID
}

// BeginBatch mints a new batch id, queues a best-effort reclaim of the
// actor's entire temp tree (not just the previous batch, so abandoned
// sessions are recovered too), and resets local state. Refused while a
// commit is running.
func (a *Area) BeginBatch(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.committing {
		return "", &CommitConflictError{Op: "begin batch"}
	}
	a.reclaim.Submit(cleanup.Job{Prefix: blobstore.TempPrefix(a.actorID)})
	a.batchID = uuid.NewString()
	a.files = nil
	return a.batchID, nil
}

// Add validates and uploads candidate files into the current batch,
// starting one implicitly when none is active. Uploads run sequentially so
// network load stays bounded and failure attribution is unambiguous.
// Invalid files are rejected before any network call; a failed upload
// removes that file from the staged set and stops the loop, leaving
// already-uploaded siblings staged. The returned error names every
// rejected or failed file; nil means everything staged.
func (a *Area) Add(ctx context.Context, inputs []model.FileInput) error {
	a.mu.Lock()
	if a.committing {
		a.mu.Unlock()
		return &CommitConflictError{Op: "upload"}
	}
	if a.batchID == "" {
		a.batchID = uuid.NewString()
	}
	batchID := a.batchID
	a.uploading = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.uploading = false
		a.mu.Unlock()
	}()

	var errs []error
	for _, input := range inputs {
		// The storage key is generated for every file, valid or not, so a
		// rejected file can never reuse another file's staging key.
		key := policy.StorageKey(input.Name)
		verdict := policy.Validate(input.MimeType, input.SizeBytes, input.Name)
		if !verdict.Valid {
			errs = append(errs, &ValidationError{Filename: input.Name, Reason: verdict.Reason})
			continue
		}
		staged := &model.StagedFile{
			StagingKey:  key,
			DisplayName: input.Name,
			MimeType:    input.MimeType,
			SizeBytes:   input.SizeBytes,
			LocalSource: input.Origin,
			State:       model.UploadUploading,
		}
		a.append(staged)
		path := blobstore.TempPath(a.actorID, batchID, key)
		size := input.SizeBytes
		if size <= 0 {
			size = -1 // unknown, streamed
		}
		if err := a.blob.PutTemp(ctx, path, input.Content, size, input.MimeType); err != nil {
			a.drop(key)
			a.log.Warn("temp upload failed", "file", input.Name, "path", path, "error", err)
			errs = append(errs, &UploadError{Filename: input.Name, Err: err})
			break
		}
		// StoragePath and ReadURL are set together with the state change so
		// the uploaded-implies-both-URLs invariant holds at every instant.
		a.markUploaded(key, path, a.blob.PublicURL(path))
	}
	return errors.Join(errs...)
}

// Remove drops one staged file locally. No remote call: temp objects are
// reclaimed by the next BeginBatch or Clear, since temp storage is scoped
// per actor and self-cleaning.
func (a *Area) Remove(stagingKey string) bool {
	return a.drop(stagingKey)
}

// Clear queues a best-effort reclaim of the whole actor temp prefix and
// empties local state. It never fails: failing to tidy temp storage must
// not block the user. Calling it again with nothing staged is a no-op.
func (a *Area) Clear(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.batchID == "" && len(a.files) == 0 {
		return
	}
	a.reclaim.Submit(cleanup.Job{Prefix: blobstore.TempPrefix(a.actorID)})
	a.batchID = ""
	a.files = nil
}

// ClearLocal empties the staged list without touching remote objects. The
// commit path uses it after a successful promotion: the temp copies stay
// behind for the next BeginBatch/Clear to reclaim.
func (a *Area) ClearLocal() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batchID = ""
	a.files = nil
}

// Snapshot returns copies of every staged file in upload order.
func (a *Area) Snapshot() []model.StagedFile {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.StagedFile, 0, len(a.files))
	for _, f := range a.files {
		out = append(out, *f)
	}
	return out
}

// Uploaded returns copies of the files eligible for promotion: uploaded
// only, in-flight and failed files are skipped, not waited on.
func (a *Area) Uploaded() []model.StagedFile {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []model.StagedFile
	for _, f := range a.files {
		if f.State == model.UploadUploaded {
			out = append(out, *f)
		}
	}
	return out
}

// IsUploading reports whether the staged file is still in flight.
func (a *Area) IsUploading(stagingKey string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, f := range a.files {
		if f.StagingKey == stagingKey {
			return f.State == model.UploadUploading
		}
	}
	return false
}

// TryBeginCommit acquires the committing guard. It fails when an upload is
// in flight or another commit holds the guard; the two flags are mutually
// exclusive.
func (a *Area) TryBeginCommit() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.committing || a.uploading {
		return false
	}
	a.committing = true
	return true
}

// EndCommit releases the committing guard.
func (a *Area) EndCommit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.committing = false
}

func (a *Area) append(f *model.StagedFile) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files = append(a.files, f)
}

func (a *Area) drop(stagingKey string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, f := range a.files {
		if f.StagingKey == stagingKey {
			a.files = append(a.files[:i], a.files[i+1:]...)
			return true
		}
	}
	return false
}

func (a *Area) markUploaded(stagingKey, storagePath, readURL string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, f := range a.files {
		if f.StagingKey == stagingKey {
			f.StoragePath = storagePath
			f.ReadURL = readURL
			f.State = model.UploadUploaded
			return
		}
	}
}
