package mutate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanwatch/report-sync/internal/api"
	"github.com/urbanwatch/report-sync/internal/cache"
	"github.com/urbanwatch/report-sync/internal/entity"
)

type fakeCommentAPI struct {
	mu         sync.Mutex
	createGate chan struct{}
	createResp *entity.Comment
	createErr  error
	updateResp *entity.Comment
	updateErr  error
	deleteErr  error
	deleted    []string
}

func (f *fakeCommentAPI) CreateComment(_ context.Context, _, _ string) (*entity.Comment, error) {
	if f.createGate != nil {
		<-f.createGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.createResp, f.createErr
}

func (f *fakeCommentAPI) UpdateComment(_ context.Context, _, _ string) (*entity.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.updateResp, f.updateErr
}

func (f *fakeCommentAPI) DeleteComment(_ context.Context, commentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted = append(f.deleted, commentID)

	return f.deleteErr
}

func (f *fakeCommentAPI) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.deleted...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCommentFixture(fake *fakeCommentAPI) (*Comments, *cache.Store) {
	store := cache.New(cache.Options{Logger: testLogger()})
	store.Store("r-1", map[string]any{entity.FieldCommentsCount: 10}, false)

	return NewComments(fake, store, NewPendingRegistry(), testLogger()), store
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("mutation did not complete")
		return nil
	}
}

func TestCreate_OptimisticThenConfirmed(t *testing.T) {
	t.Parallel()

	fake := &fakeCommentAPI{createResp: &entity.Comment{ID: "c-77", ReportID: "r-1", Body: "me too"}}
	ctrl, store := newCommentFixture(fake)
	store.Store("c-old", map[string]any{entity.FieldBody: "first!"}, false)
	store.Append(commentListRef("r-1"), "c-old")

	tentativeID, done := ctrl.Create("r-1", "me too")

	// The tentative comment is visible immediately, at the head of the
	// thread.
	assert.True(t, store.Optimistic(tentativeID))
	assert.Equal(t, []string{tentativeID, "c-old"}, store.List(entity.CommentListKey("r-1")))

	fields, _ := store.Get("r-1")
	assert.Equal(t, 12, fields[entity.FieldCommentsCount])

	require.NoError(t, waitDone(t, done))

	// Confirmation swapped the identity in place without moving the
	// counter again or reordering the thread.
	assert.Equal(t, []string{"c-77", "c-old"}, store.List(entity.CommentListKey("r-1")))
	assert.False(t, store.Optimistic("c-77"))

	fields, _ = store.Get("r-1")
	assert.Equal(t, 12, fields[entity.FieldCommentsCount])
}

func TestCreate_FailureRollsBack(t *testing.T) {
	t.Parallel()

	fake := &fakeCommentAPI{createErr: errors.New("backend down")}
	ctrl, store := newCommentFixture(fake)

	tentativeID, done := ctrl.Create("r-1", "me too")

	require.Error(t, waitDone(t, done))

	_, ok := store.Get(tentativeID)
	assert.False(t, ok)
	assert.Empty(t, store.List(entity.CommentListKey("r-1")))

	fields, _ := store.Get("r-1")
	assert.Equal(t, 10, fields[entity.FieldCommentsCount])
}

func TestDelete_PendingTentativeCancelsWithoutNetwork(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	fake := &fakeCommentAPI{
		createGate: gate,
		createResp: &entity.Comment{ID: "c-77", ReportID: "r-1"},
	}
	ctrl, store := newCommentFixture(fake)

	tentativeID, createDone := ctrl.Create("r-1", "typo")

	// Delete while the create is still in flight: resolves immediately,
	// removes the tentative entry, and issues no delete call.
	require.NoError(t, waitDone(t, ctrl.Delete("r-1", tentativeID)))

	_, ok := store.Get(tentativeID)
	assert.False(t, ok)
	assert.Empty(t, fake.deletedIDs())

	fields, _ := store.Get("r-1")
	assert.Equal(t, 10, fields[entity.FieldCommentsCount])

	// Once the create lands, the confirmed comment is deleted on the
	// backend to compensate, and the cache stays clean.
	close(gate)
	require.NoError(t, waitDone(t, createDone))

	assert.Equal(t, []string{"c-77"}, fake.deletedIDs())
	_, ok = store.Get("c-77")
	assert.False(t, ok)
}

func TestUpdate_ConfirmsBody(t *testing.T) {
	t.Parallel()

	fake := &fakeCommentAPI{updateResp: &entity.Comment{ID: "c-1", Body: "fixed"}}
	ctrl, store := newCommentFixture(fake)
	store.Store("c-1", map[string]any{entity.FieldBody: "broken"}, false)

	done := ctrl.Update("c-1", "fixed")

	fields, _ := store.Get("c-1")
	assert.Equal(t, "fixed", fields[entity.FieldBody])

	require.NoError(t, waitDone(t, done))

	fields, _ = store.Get("c-1")
	assert.Equal(t, "fixed", fields[entity.FieldBody])
}

func TestUpdate_FailureRollsBack(t *testing.T) {
	t.Parallel()

	fake := &fakeCommentAPI{updateErr: errors.New("rejected")}
	ctrl, store := newCommentFixture(fake)
	store.Store("c-1", map[string]any{entity.FieldBody: "original"}, false)

	require.Error(t, waitDone(t, ctrl.Update("c-1", "edited")))

	fields, _ := store.Get("c-1")
	assert.Equal(t, "original", fields[entity.FieldBody])
}

func TestUpdate_MissingCommentFailsFast(t *testing.T) {
	t.Parallel()

	ctrl, _ := newCommentFixture(&fakeCommentAPI{})

	err := waitDone(t, ctrl.Update("ghost", "text"))
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestDelete_OptimisticWithRollback(t *testing.T) {
	t.Parallel()

	fake := &fakeCommentAPI{deleteErr: errors.New("backend down")}
	ctrl, store := newCommentFixture(fake)

	ref := commentListRef("r-1")
	store.Store("c-1", map[string]any{entity.FieldBody: "keep me"}, false)
	store.Append(ref, "c-1")

	done := ctrl.Delete("r-1", "c-1")

	// Gone immediately.
	_, ok := store.Get("c-1")
	assert.False(t, ok)

	require.Error(t, waitDone(t, done))

	// Rolled back: entry, membership, and counter restored.
	fields, ok := store.Get("c-1")
	require.True(t, ok)
	assert.Equal(t, "keep me", fields[entity.FieldBody])
	assert.Equal(t, []string{"c-1"}, store.List(ref.Key))

	parent, _ := store.Get("r-1")
	assert.Equal(t, 11, parent[entity.FieldCommentsCount])
}

func TestDelete_NotFoundIsSuccess(t *testing.T) {
	t.Parallel()

	fake := &fakeCommentAPI{deleteErr: api.ErrNotFound}
	ctrl, store := newCommentFixture(fake)

	store.Store("c-1", map[string]any{}, false)
	store.Append(commentListRef("r-1"), "c-1")

	require.NoError(t, waitDone(t, ctrl.Delete("r-1", "c-1")))

	_, ok := store.Get("c-1")
	assert.False(t, ok, "a comment already gone on the backend stays removed")
}
