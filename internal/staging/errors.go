package staging

import "fmt"

// ValidationError reports a file rejected by policy before any network
// call. Always recoverable locally.
type ValidationError struct {
	Filename string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Filename, e.Reason)
}

// UploadError reports that one file's temp upload failed. Siblings already
// uploaded remain staged.
type UploadError struct {
	Filename string
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed for %q: %v", e.Filename, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// CommitConflictError is the sequencing guard: an upload or batch start was
// attempted while a commit is in progress. Retryable as soon as the commit
// finishes.
type CommitConflictError struct {
	Op string
}

func (e *CommitConflictError) Error() string {
	return fmt.Sprintf("%s rejected: saving in progress", e.Op)
}
