// Package policy decides whether a candidate file may be staged and
// derives collision-free storage keys. It performs no I/O.
package policy

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// MaxFileSize is the ceiling applied to every file regardless of type.
const MaxFileSize int64 = 50 << 20 // 50 MiB

// Category groups the allow-list so error messages and UI affordances can
// reason about what kind of file was offered.
type Category string

const (
	CategoryImage    Category = "image"
	CategoryDocument Category = "document"
	CategoryAudio    Category = "audio"
	CategoryVideo    Category = "video"
	CategoryUnknown  Category = "unknown"
)

// allowedMimeTypes maps accepted MIME types to their category.
var allowedMimeTypes = map[string]Category{
	"image/jpeg": CategoryImage,
	"image/png":  CategoryImage,
	"image/gif":  CategoryImage,
	"image/webp": CategoryImage,
	"image/heic": CategoryImage,
	"image/heif": CategoryImage,

	"application/pdf":    CategoryDocument,
	"text/plain":         CategoryDocument,
	"text/csv":           CategoryDocument,
	"application/msword": CategoryDocument,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": CategoryDocument,
	"application/vnd.ms-excel": CategoryDocument,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": CategoryDocument,

	"audio/mpeg":  CategoryAudio,
	"audio/mp4":   CategoryAudio,
	"audio/aac":   CategoryAudio,
	"audio/wav":   CategoryAudio,
	"audio/x-m4a": CategoryAudio,

	"video/mp4":       CategoryVideo,
	"video/quicktime": CategoryVideo,
	"video/webm":      CategoryVideo,
}

// allowedExtensions is consulted when the declared MIME type is absent or
// unrecognized. Keys are lower-case without the leading dot.
var allowedExtensions = map[string]Category{
	"jpg": CategoryImage, "jpeg": CategoryImage, "png": CategoryImage,
	"gif": CategoryImage, "webp": CategoryImage, "heic": CategoryImage,

	"pdf": CategoryDocument, "txt": CategoryDocument, "csv": CategoryDocument,
	"doc": CategoryDocument, "docx": CategoryDocument,
	"xls": CategoryDocument, "xlsx": CategoryDocument,

	"mp3": CategoryAudio, "m4a": CategoryAudio, "aac": CategoryAudio,
	"wav": CategoryAudio,

	"mp4": CategoryVideo, "mov": CategoryVideo, "webm": CategoryVideo,
}

// Result reports the outcome of validating one candidate file.
type Result struct {
	Valid    bool
	Category Category
	// Reason is set when Valid is false and names what was rejected.
	Reason string
}

// Validate checks a candidate's declared MIME type, size, and filename
// against the allow-list and size ceiling. A zero or negative size is
// treated as an undeclared size and passes the ceiling check.
func Validate(mimeType string, sizeBytes int64, filename string) Result {
	if sizeBytes > MaxFileSize {
		return Result{
			Valid: false,
			Reason: fmt.Sprintf("file size %.1fMB exceeds %dMB limit",
				float64(sizeBytes)/(1<<20), MaxFileSize>>20),
		}
	}
	mime := normalizeMime(mimeType)
	if cat, ok := allowedMimeTypes[mime]; ok {
		return Result{Valid: true, Category: cat}
	}
	ext := Extension(filename)
	if cat, ok := allowedExtensions[ext]; ok && mime == "" {
		return Result{Valid: true, Category: cat}
	}
	// Rejected: report the extension when we have one, since that is what
	// the user recognizes, otherwise the declared MIME type.
	offender := ext
	if offender == "" {
		offender = mime
	}
	if offender == "" {
		offender = "unknown"
	}
	return Result{
		Valid:  false,
		Reason: fmt.Sprintf("file type %q is not allowed", offender),
	}
}

// normalizeMime lower-cases and strips any parameters ("; charset=...").
// Unrecognizable declarations collapse to empty so the extension fallback
// applies.
func normalizeMime(mimeType string) string {
	mime := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if _, ok := allowedMimeTypes[mime]; ok {
		return mime
	}
	return ""
}

// Extension returns the lower-cased filename extension without the dot.
func Extension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	return strings.TrimPrefix(ext, ".")
}

// StorageKey derives a storage-safe, collision-free key from a filename.
// The random suffix makes keys unique within and across batches; the
// original extension is preserved so content types remain inferable. It is
// applied to every file regardless of validity so a rejected file never
// reuses another file's staging key.
func StorageKey(filename string) string {
	ext := Extension(filename)
	key := uuid.NewString()
	if ext != "" {
		return key + "." + ext
	}
	return key
}
