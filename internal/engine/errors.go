package engine

import "fmt"

// CommitError reports a promotion that failed partway. By the time the
// caller sees it, rollback of any permanent copies already made has been
// attempted, and the staged files are still present for retry. A failed
// rollback may leak permanent blobs; those paths are handed to the
// background sweep rather than surfaced here.
type CommitError struct {
	// Files is how many staged files were part of the failed commit.
	Files int
	Err   error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit failed for %d file(s): %v", e.Files, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }
