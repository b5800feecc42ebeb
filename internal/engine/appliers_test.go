package engine

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanwatch/report-sync/internal/cache"
	"github.com/urbanwatch/report-sync/internal/entity"
	"github.com/urbanwatch/report-sync/internal/mutate"
	"github.com/urbanwatch/report-sync/internal/realtime"
)

func newAppliers() (*appliers, *cache.Store) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := cache.New(cache.Options{Logger: logger})

	return &appliers{
		store:   store,
		reports: mutate.NewReports(nil, store, logger),
		logger:  logger,
	}, store
}

func env(kind realtime.Kind, payload string) realtime.Envelope {
	return realtime.Envelope{Kind: kind, ID: "evt-1", Payload: []byte(payload)}
}

func TestReportCreated_StoresAndPrepends(t *testing.T) {
	t.Parallel()

	a, store := newAppliers()

	require.NoError(t, a.reportCreated(env(realtime.KindReportCreated,
		`{"id":"r-1","title":"Pothole","comments_count":0}`)))

	fields, ok := store.Get("r-1")
	require.True(t, ok)
	assert.Equal(t, "Pothole", fields["title"])
	assert.NotContains(t, fields, "id")
	assert.Equal(t, []string{"r-1"}, store.List(entity.ReportListKey))

	// Replaying the creation neither duplicates the feed nor resets the
	// entry wholesale.
	store.PatchOptimistic("r-1", map[string]any{entity.FieldIsLiked: true})
	require.NoError(t, a.reportCreated(env(realtime.KindReportCreated,
		`{"id":"r-1","title":"Pothole","is_liked":false}`)))

	fields, _ = store.Get("r-1")
	assert.Equal(t, true, fields[entity.FieldIsLiked], "pending fields survive the echo")
	assert.Equal(t, []string{"r-1"}, store.List(entity.ReportListKey))
}

func TestReportCreated_MissingID(t *testing.T) {
	t.Parallel()

	a, _ := newAppliers()

	assert.Error(t, a.reportCreated(env(realtime.KindReportCreated, `{"title":"no id"}`)))
}

func TestReportUpdated_PatchesFields(t *testing.T) {
	t.Parallel()

	a, store := newAppliers()
	store.Store("r-1", map[string]any{"status": "open", "body": "text"}, false)

	require.NoError(t, a.reportUpdated(env(realtime.KindReportUpdated,
		`{"id":"r-1","status":"resolved"}`)))

	fields, _ := store.Get("r-1")
	assert.Equal(t, "resolved", fields["status"])
	assert.Equal(t, "text", fields["body"])
}

func TestReportDeleted_RemovesEntry(t *testing.T) {
	t.Parallel()

	a, store := newAppliers()
	store.Store("r-1", map[string]any{}, false)
	store.Prepend(cache.ListRef{Key: entity.ReportListKey}, "r-1")

	require.NoError(t, a.reportDeleted(env(realtime.KindReportDeleted, `{"id":"r-1"}`)))

	_, ok := store.Get("r-1")
	assert.False(t, ok)
	assert.Empty(t, store.List(entity.ReportListKey))
}

func TestCommentCreated_EchoKeepsCounterSettled(t *testing.T) {
	t.Parallel()

	a, store := newAppliers()
	store.Store("r-1", map[string]any{entity.FieldCommentsCount: 10}, false)

	// Our own optimistic comment, already swapped to its confirmed id.
	store.Store("tmp-1", map[string]any{"body": "me too"}, true)
	ref := cache.ListRef{
		Key:          entity.CommentListKey("r-1"),
		ParentID:     "r-1",
		CounterField: entity.FieldCommentsCount,
	}
	store.Append(ref, "tmp-1")
	store.SwapID("tmp-1", "c-77", nil)

	require.NoError(t, a.commentCreated(env(realtime.KindCommentCreated,
		`{"id":"c-77","report_id":"r-1","body":"me too","author_id":"u-1"}`)))

	fields, _ := store.Get("r-1")
	assert.Equal(t, 11, fields[entity.FieldCommentsCount])
	assert.Equal(t, []string{"c-77"}, store.List(ref.Key))

	comment, _ := store.Get("c-77")
	assert.Equal(t, "u-1", comment["author_id"], "echo fills in server-side fields")
}

func TestCommentDeleted_DecrementsCounter(t *testing.T) {
	t.Parallel()

	a, store := newAppliers()
	store.Store("r-1", map[string]any{entity.FieldCommentsCount: 0}, false)

	require.NoError(t, a.commentCreated(env(realtime.KindCommentCreated,
		`{"id":"c-1","report_id":"r-1","body":"hi"}`)))
	require.NoError(t, a.commentDeleted(env(realtime.KindCommentDeleted, `{"id":"c-1"}`)))

	fields, _ := store.Get("r-1")
	assert.Equal(t, 0, fields[entity.FieldCommentsCount])
}

func TestReaction_PatchesAggregate(t *testing.T) {
	t.Parallel()

	a, store := newAppliers()
	store.Store("r-1", map[string]any{entity.FieldUpvotesCount: 7}, false)

	require.NoError(t, a.reaction(env(realtime.KindReaction,
		`{"report_id":"r-1","upvotes_count":9}`)))

	fields, _ := store.Get("r-1")
	assert.Equal(t, 9, fields[entity.FieldUpvotesCount])
}

func TestPin_PatchesFlag(t *testing.T) {
	t.Parallel()

	a, store := newAppliers()
	store.Store("r-1", map[string]any{}, false)

	require.NoError(t, a.pin(env(realtime.KindPin, `{"report_id":"r-1","pinned":true}`)))

	fields, _ := store.Get("r-1")
	assert.Equal(t, true, fields["is_pinned"])
}
