// Package model contains the attachment data model shared across packages.
package model

import (
	"io"
	"time"
)

// UploadState describes where a staged file is in its upload lifecycle.
type UploadState string

const (
	UploadPending   UploadState = "pending"
	UploadUploading UploadState = "uploading"
	UploadUploaded  UploadState = "uploaded"
	UploadFailed    UploadState = "failed"
)

// StagedFile is an ephemeral, process-local record of a file uploaded into
// the temporary storage prefix but not yet bound to a durable parent record.
//
// Invariant: State == UploadUploaded implies both StoragePath and ReadURL
// are set; in every other state both are empty.
type StagedFile struct {
	// StagingKey is unique within the current batch and doubles as the
	// file's temporary id.
	StagingKey  string      `json:"stagingKey"`
	DisplayName string      `json:"displayName"`
	MimeType    string      `json:"mimeType"`
	SizeBytes   int64       `json:"sizeBytes"`
	// LocalSource is an opaque reference to where the bytes originated
	// (device URI, form field name); kept for diagnostics only.
	LocalSource string      `json:"-"`
	StoragePath string      `json:"storagePath,omitempty"`
	ReadURL     string      `json:"readUrl,omitempty"`
	State       UploadState `json:"state"`
}

// AttachmentRole distinguishes the primary source document of a record from
// supplementary attachments.
type AttachmentRole string

const (
	RoleSource     AttachmentRole = "source"
	RoleAttachment AttachmentRole = "attachment"
)

// PermanentAttachment is the durable association between a record and a
// blob under the permanent storage prefix. The row exists if and only if
// the blob at StorageKey exists; the promotion algorithm upholds this
// across the two stores.
type PermanentAttachment struct {
	ID          string         `json:"id"`
	RecordID    string         `json:"recordId"`
	StorageKey  string         `json:"storageKey"`
	DisplayName string         `json:"displayName"`
	MimeType    string         `json:"mimeType"`
	Role        AttachmentRole `json:"role"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// AttachmentKind discriminates the Attachment union.
type AttachmentKind string

const (
	KindStaged    AttachmentKind = "staged"
	KindPermanent AttachmentKind = "permanent"
)

// Attachment is a tagged union over a staged file and a permanent
// attachment. Exactly one of Staged/Permanent is non-nil, matching Kind.
// Callers switch on Kind rather than probing fields.
type Attachment struct {
	Kind      AttachmentKind       `json:"kind"`
	Staged    *StagedFile          `json:"staged,omitempty"`
	Permanent *PermanentAttachment `json:"permanent,omitempty"`
}

// StagedAttachment wraps a staged file in the union.
func StagedAttachment(f *StagedFile) Attachment {
	return Attachment{Kind: KindStaged, Staged: f}
}

// PermanentAttachmentOf wraps a durable row in the union.
func PermanentAttachmentOf(a *PermanentAttachment) Attachment {
	return Attachment{Kind: KindPermanent, Permanent: a}
}

// ID returns the identifier of whichever variant is set.
func (a Attachment) ID() string {
	switch a.Kind {
	case KindStaged:
		return a.Staged.StagingKey
	case KindPermanent:
		return a.Permanent.ID
	}
	return ""
}

// FileInput is a candidate file handed to the engine for staging. Content
// is read exactly once during the temp upload.
type FileInput struct {
	Name     string
	MimeType string
	// SizeBytes may be zero or negative when the client did not declare a
	// size; the validation policy treats that as zero.
	SizeBytes int64
	Content   io.Reader
	// Origin is an opaque client-side reference (device URI, form field).
	Origin string
}

// AssociationSpec is one row of a batched create-associations call.
type AssociationSpec struct {
	DisplayName string
	StorageKey  string
	MimeType    string
	Role        AttachmentRole
}
