package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagevault/internal/blobstore"
	"stagevault/internal/queue"
)

type fakeStore struct {
	tempObjects []blobstore.ObjectInfo
	removedTemp []string
	removedPerm []string
	permFail    []string
}

func (f *fakeStore) ListTempPrefix(ctx context.Context, prefix string) ([]blobstore.ObjectInfo, error) {
	return f.tempObjects, nil
}

func (f *fakeStore) RemoveTemp(ctx context.Context, paths []string) ([]string, error) {
	f.removedTemp = append(f.removedTemp, paths...)
	return nil, nil
}

func (f *fakeStore) RemovePerm(ctx context.Context, paths []string) ([]string, error) {
	var failed []string
	for _, p := range paths {
		fail := false
		for _, bad := range f.permFail {
			if p == bad {
				fail = true
				break
			}
		}
		if fail {
			failed = append(failed, p)
			continue
		}
		f.removedPerm = append(f.removedPerm, p)
	}
	return failed, nil
}

func newTask(t *testing.T, typ string, payload any) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(typ, data)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleTempSweep(t *testing.T) {
	store := &fakeStore{tempObjects: []blobstore.ObjectInfo{
		{Name: "temp/actor-1/b1/x.jpg"},
		{Name: "temp/actor-1/b2/y.jpg"},
	}}
	p := NewProcessor(store, testLogger())

	task := newTask(t, queue.TempSweepTask, queue.TempSweepPayload{ActorID: "actor-1"})
	err := p.handleTempSweep(context.Background(), task)
	require.NoError(t, err)
	assert.Len(t, store.removedTemp, 2)
}

func TestHandleLeakedBlobs(t *testing.T) {
	store := &fakeStore{}
	p := NewProcessor(store, testLogger())

	task := newTask(t, queue.LeakedBlobsTask, queue.LeakedBlobsPayload{
		Paths: []string{"perm/actor-1/42/a.jpg"},
	})
	require.NoError(t, p.handleLeakedBlobs(context.Background(), task))
	assert.Equal(t, []string{"perm/actor-1/42/a.jpg"}, store.removedPerm)
}

func TestHandleLeakedBlobsRetriesOnFailure(t *testing.T) {
	store := &fakeStore{permFail: []string{"perm/actor-1/42/a.jpg"}}
	p := NewProcessor(store, testLogger())

	task := newTask(t, queue.LeakedBlobsTask, queue.LeakedBlobsPayload{
		Paths: []string{"perm/actor-1/42/a.jpg"},
	})
	// The handler reports failure so asynq retries the sweep.
	assert.Error(t, p.handleLeakedBlobs(context.Background(), task))
}

func TestHandleBadPayload(t *testing.T) {
	p := NewProcessor(&fakeStore{}, testLogger())
	task := asynq.NewTask(queue.TempSweepTask, []byte("{"))
	assert.Error(t, p.handleTempSweep(context.Background(), task))
}
