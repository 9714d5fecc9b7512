// Package engine orchestrates the temp-to-permanent attachment lifecycle:
// staging uploads, promoting staged blobs to permanent storage bound to a
// record id, deleting attachments, and resolving preview URLs. Its central
// guarantee is that the association store and blob storage never disagree:
// if Commit returns an error, no association row references a blob that the
// commit created.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"
	"time"

	"stagevault/internal/blobstore"
	"stagevault/internal/gateway"
	"stagevault/internal/model"
	"stagevault/internal/policy"
	"stagevault/internal/staging"
)

// ErrUnknownAttachment is returned when a deletion target matches neither a
// staged file nor any of the caller's known permanent rows.
var ErrUnknownAttachment = errors.New("unknown attachment id")

// ErrNoPreview is returned when a staged file has no preview URL yet.
var ErrNoPreview = errors.New("file has no preview url yet")

// BlobStore is the slice of the blob client the engine itself uses; the
// temp-upload side is owned by the staging area.
type BlobStore interface {
	CopyToPerm(ctx context.Context, srcPath, dstPath string) error
	PutPerm(ctx context.Context, path string, reader io.Reader, size int64, contentType string) error
	RemovePerm(ctx context.Context, paths []string) ([]string, error)
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// LeakSweeper receives permanent blob paths whose rollback deletion failed
// so a background sweep can reconcile them later.
type LeakSweeper interface {
	EnqueueLeakedBlobs(ctx context.Context, paths []string) error
}

// Engine drives one editing session's attachment lifecycle. It exclusively
// owns the staging area's list and guard flags; everything handed out is a
// copy.
type Engine struct {
	actorID   string
	area      *staging.Area
	blob      BlobStore
	gw        gateway.Gateway
	sweeper   LeakSweeper
	signedTTL time.Duration
	log       *slog.Logger

	mu       sync.Mutex
	deleting map[string]struct{}
}

// New wires an engine for one actor's session.
func New(actorID string, area *staging.Area, blob BlobStore, gw gateway.Gateway, sweeper LeakSweeper, signedTTL time.Duration, log *slog.Logger) *Engine {
	return &Engine{
		actorID:   actorID,
		area:      area,
		blob:      blob,
		gw:        gw,
		sweeper:   sweeper,
		signedTTL: signedTTL,
		log:       log,
		deleting:  make(map[string]struct{}),
	}
}

// ActorID returns the session's owning actor.
func (e *Engine) ActorID() string { return e.actorID }

// StagedFiles returns a copy of the current staged set.
func (e *Engine) StagedFiles() []model.StagedFile { return e.area.Snapshot() }

// BeginBatch supersedes any previous batch and starts a fresh one,
// reclaiming the actor's temp tree in the background.
func (e *Engine) BeginBatch(ctx context.Context) (string, error) {
	return e.area.BeginBatch(ctx)
}

// UploadToTemp validates and stages candidate files. It returns an error
// when any file was rejected or failed to upload, or a CommitConflictError
// when a commit is in progress; files that did upload remain staged either
// way.
func (e *Engine) UploadToTemp(ctx context.Context, files []model.FileInput) error {
	return e.area.Add(ctx, files)
}

// CommitTempFiles promotes every uploaded staged file to permanent storage
// under recordID and creates their association rows in one batched call,
// returning the gateway's authoritative rows. Copies run sequentially and
// stop at the first failure; any failure after that point rolls back the
// permanent blobs already copied, best-effort, and returns a CommitError
// with the file count and underlying cause. The staged list is untouched
// on failure so the caller can retry without re-uploading. When clearAfter
// is true and the commit succeeds, the local staged list is emptied; a
// multi-step workflow passes false until its final step.
func (e *Engine) CommitTempFiles(ctx context.Context, recordID string, clearAfter bool) ([]model.PermanentAttachment, error) {
	if !e.area.TryBeginCommit() {
		return nil, &staging.CommitConflictError{Op: "commit"}
	}
	defer e.area.EndCommit()

	eligible := e.area.Uploaded()
	if len(eligible) == 0 {
		return nil, nil
	}

	// Phase one: copy temp blobs to their permanent paths. Copy, not move,
	// so a failed commit never destroys the only uploaded copy.
	copied := make([]string, 0, len(eligible))
	specs := make([]model.AssociationSpec, 0, len(eligible))
	for _, f := range eligible {
		permPath := blobstore.PermPath(e.actorID, recordID, path.Base(f.StoragePath))
		if err := e.blob.CopyToPerm(ctx, f.StoragePath, permPath); err != nil {
			e.rollback(ctx, copied)
			return nil, &CommitError{Files: len(eligible), Err: err}
		}
		copied = append(copied, permPath)
		specs = append(specs, model.AssociationSpec{
			DisplayName: f.DisplayName,
			StorageKey:  permPath,
			MimeType:    f.MimeType,
			Role:        model.RoleAttachment,
		})
	}

	// Phase two: one batched association insert. Partial inserts are the
	// gateway's concern; any error here rolls back every permanent copy.
	rows, err := e.gw.CreateAssociations(ctx, recordID, specs)
	if err != nil {
		e.rollback(ctx, copied)
		return nil, &CommitError{Files: len(eligible), Err: err}
	}

	if clearAfter {
		e.area.ClearLocal()
	}
	return rows, nil
}

// rollback deletes permanent blobs created by a failed commit. Each
// deletion is attempted independently; failures are logged and handed to
// the leak sweep, never returned, so the commit's own error stays primary.
func (e *Engine) rollback(ctx context.Context, permPaths []string) {
	if len(permPaths) == 0 {
		return
	}
	failed, err := e.blob.RemovePerm(ctx, permPaths)
	if err != nil {
		e.log.Warn("rollback deletions incomplete", "failed", len(failed), "error", err)
	}
	if len(failed) == 0 {
		return
	}
	if e.sweeper == nil {
		e.log.Warn("leaked permanent blobs with no sweeper configured", "paths", failed)
		return
	}
	if err := e.sweeper.EnqueueLeakedBlobs(ctx, failed); err != nil {
		e.log.Warn("enqueue leaked blob sweep failed", "paths", failed, "error", err)
	}
}

// ClearTempFiles discards the staged set, reclaiming remote temp objects
// in the background. It never returns an error and is safe to call twice.
func (e *Engine) ClearTempFiles(ctx context.Context) {
	e.area.Clear(ctx)
}

// UploadDirect stores one file straight into permanent storage and creates
// its association row, for the case where the owning record already
// exists. The blob is written first; if the row insert fails the blob is
// removed again so the two stores stay consistent.
func (e *Engine) UploadDirect(ctx context.Context, recordID string, file model.FileInput, role model.AttachmentRole) (*model.PermanentAttachment, error) {
	verdict := policy.Validate(file.MimeType, file.SizeBytes, file.Name)
	if !verdict.Valid {
		return nil, &staging.ValidationError{Filename: file.Name, Reason: verdict.Reason}
	}
	key := policy.StorageKey(file.Name)
	permPath := blobstore.PermPath(e.actorID, recordID, key)
	size := file.SizeBytes
	if size <= 0 {
		size = -1
	}
	if err := e.blob.PutPerm(ctx, permPath, file.Content, size, file.MimeType); err != nil {
		return nil, fmt.Errorf("direct upload %q: %w", file.Name, err)
	}
	rows, err := e.gw.CreateAssociations(ctx, recordID, []model.AssociationSpec{{
		DisplayName: file.Name,
		StorageKey:  permPath,
		MimeType:    file.MimeType,
		Role:        role,
	}})
	if err != nil {
		e.rollback(ctx, []string{permPath})
		return nil, fmt.Errorf("direct upload %q: %w", file.Name, err)
	}
	return &rows[0], nil
}

// DeleteAttachment removes a staged file or a permanent attachment,
// dispatching on whether id matches a currently staged file. Permanent
// deletion removes the blob first and only then the association row: an
// orphaned blob is an acceptable leak, a row pointing at a missing blob is
// not.
func (e *Engine) DeleteAttachment(ctx context.Context, id string, knownRows []model.PermanentAttachment) error {
	e.markDeleting(id)
	defer e.unmarkDeleting(id)

	if e.area.Remove(id) {
		return nil
	}
	var target *model.PermanentAttachment
	for i := range knownRows {
		if knownRows[i].ID == id {
			target = &knownRows[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownAttachment, id)
	}

	if failed, err := e.blob.RemovePerm(ctx, []string{target.StorageKey}); err != nil || len(failed) > 0 {
		if err == nil {
			err = fmt.Errorf("remove %s failed", target.StorageKey)
		}
		return fmt.Errorf("delete attachment blob: %w", err)
	}
	if err := e.gw.DeleteAssociation(ctx, id); err != nil {
		return fmt.Errorf("delete association: %w", err)
	}
	return nil
}

// PreviewURL resolves a displayable URL for either attachment variant.
// Staged files return the public URL cached at upload time with no extra
// network call; permanent attachments mint a fresh time-limited signed URL
// on every call because permanent storage is private.
func (e *Engine) PreviewURL(ctx context.Context, att model.Attachment) (string, error) {
	switch att.Kind {
	case model.KindStaged:
		if att.Staged.State != model.UploadUploaded || att.Staged.ReadURL == "" {
			return "", ErrNoPreview
		}
		return att.Staged.ReadURL, nil
	case model.KindPermanent:
		return e.blob.SignedURL(ctx, att.Permanent.StorageKey, e.signedTTL)
	default:
		return "", fmt.Errorf("unknown attachment kind %q", att.Kind)
	}
}

// IsUploading reports whether a staged file's upload is still in flight,
// for UI disabled-state.
func (e *Engine) IsUploading(id string) bool {
	return e.area.IsUploading(id)
}

// IsDeleting reports whether a deletion for id is in flight.
func (e *Engine) IsDeleting(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.deleting[id]
	return ok
}

func (e *Engine) markDeleting(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deleting[id] = struct{}{}
}

func (e *Engine) unmarkDeleting(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.deleting, id)
}
