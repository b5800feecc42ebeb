package mutate

import (
	"context"
	"log/slog"
	"sync"

	"github.com/urbanwatch/report-sync/internal/api"
	"github.com/urbanwatch/report-sync/internal/cache"
	"github.com/urbanwatch/report-sync/internal/entity"
)

// ReportAPI is the backend surface the report controller mutates
// through.
type ReportAPI interface {
	UpdateReport(ctx context.Context, reportID string, update api.ReportUpdate) (*entity.Report, error)
	SetLike(ctx context.Context, reportID string, liked bool) (*entity.Report, error)
	SetFavorite(ctx context.Context, reportID string, favorited bool) (*entity.Report, error)
}

// Reports is the optimistic controller for report mutations: field
// updates, the like/favourite toggles, and body edits with three-way
// merge against concurrent remote edits.
type Reports struct {
	api    ReportAPI
	cache  *cache.Store
	logger *slog.Logger

	mu sync.Mutex
	// editBases holds, per report, the body text the local edit started
	// from. It is the merge base when a remote edit lands mid-flight.
	editBases map[string]string
}

// NewReports builds a report controller over the cache and API.
func NewReports(apiClient ReportAPI, store *cache.Store, logger *slog.Logger) *Reports {
	if logger == nil {
		logger = slog.Default()
	}

	return &Reports{
		api:       apiClient,
		cache:     store,
		logger:    logger,
		editBases: make(map[string]string),
	}
}

// SetLike toggles the caller's upvote optimistically, moving the
// counter with it, and reconciles with the backend's confirmed state.
func (r *Reports) SetLike(reportID string, liked bool) <-chan error {
	result := make(chan error, 1)

	snap := r.cache.Snapshot([]string{reportID}, nil)

	fields, ok := r.cache.Get(reportID)
	if !ok {
		result <- api.ErrNotFound
		return result
	}

	count, _ := asCount(fields[entity.FieldUpvotesCount])
	if liked {
		count++
	} else if count > 0 {
		count--
	}

	r.cache.PatchOptimistic(reportID, map[string]any{
		entity.FieldIsLiked:      liked,
		entity.FieldUpvotesCount: count,
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		report, err := r.api.SetLike(ctx, reportID, liked)
		if err != nil {
			r.logger.Warn("like toggle failed, rolling back",
				"report_id", reportID, "error", err)
			r.cache.Restore(snap)
			result <- err

			return
		}

		r.cache.Confirm(reportID, map[string]any{
			entity.FieldIsLiked:      report.IsLiked,
			entity.FieldUpvotesCount: report.UpvotesCount,
		})
		result <- nil
	}()

	return result
}

// SetFavorite toggles the caller's favourite mark optimistically.
func (r *Reports) SetFavorite(reportID string, favorited bool) <-chan error {
	result := make(chan error, 1)

	snap := r.cache.Snapshot([]string{reportID}, nil)

	if !r.cache.PatchOptimistic(reportID, map[string]any{entity.FieldIsFavorited: favorited}) {
		result <- api.ErrNotFound
		return result
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		report, err := r.api.SetFavorite(ctx, reportID, favorited)
		if err != nil {
			r.logger.Warn("favorite toggle failed, rolling back",
				"report_id", reportID, "error", err)
			r.cache.Restore(snap)
			result <- err

			return
		}

		r.cache.Confirm(reportID, map[string]any{
			entity.FieldIsFavorited: report.IsFavorited,
		})
		result <- nil
	}()

	return result
}

// Update applies a partial report update (title, status) optimistically
// and reconciles with the backend's answer. Body edits go through
// UpdateBody, which carries merge state.
func (r *Reports) Update(reportID string, update api.ReportUpdate) <-chan error {
	result := make(chan error, 1)

	fields := make(map[string]any)
	if update.Title != nil {
		fields[entity.FieldTitle] = *update.Title
	}

	if update.Status != nil {
		fields[entity.FieldStatus] = *update.Status
	}

	snap := r.cache.Snapshot([]string{reportID}, nil)

	if !r.cache.PatchOptimistic(reportID, fields) {
		result <- api.ErrNotFound
		return result
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		report, err := r.api.UpdateReport(ctx, reportID, update)
		if err != nil {
			r.logger.Warn("report update failed, rolling back",
				"report_id", reportID, "error", err)
			r.cache.Restore(snap)
			result <- err

			return
		}

		confirmed := make(map[string]any, len(fields))
		if update.Title != nil {
			confirmed[entity.FieldTitle] = report.Title
		}

		if update.Status != nil {
			confirmed[entity.FieldStatus] = report.Status
		}

		r.cache.Confirm(reportID, confirmed)
		result <- nil
	}()

	return result
}

// UpdateBody replaces the report body optimistically, remembering the
// text the edit started from so a concurrent remote edit can be merged
// instead of clobbered.
func (r *Reports) UpdateBody(reportID, body string) <-chan error {
	result := make(chan error, 1)

	snap := r.cache.Snapshot([]string{reportID}, nil)

	fields, ok := r.cache.Get(reportID)
	if !ok {
		result <- api.ErrNotFound
		return result
	}

	base, _ := fields[entity.FieldBody].(string)

	r.mu.Lock()
	r.editBases[reportID] = base
	r.mu.Unlock()

	r.cache.PatchOptimistic(reportID, map[string]any{entity.FieldBody: body})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		current, _ := r.cache.Get(reportID)
		// Send whatever the body is now: a remote edit may have been
		// merged in after the optimistic patch.
		sendBody, _ := current[entity.FieldBody].(string)

		report, err := r.api.UpdateReport(ctx, reportID, api.ReportUpdate{Body: &sendBody})

		r.mu.Lock()
		delete(r.editBases, reportID)
		r.mu.Unlock()

		if err != nil {
			r.logger.Warn("report body update failed, rolling back",
				"report_id", reportID, "error", err)
			r.cache.Restore(snap)
			result <- err

			return
		}

		r.cache.Confirm(reportID, map[string]any{entity.FieldBody: report.Body})
		result <- nil
	}()

	return result
}

// ApplyRemoteBody reconciles a pushed body change with any local edit
// in flight. With no pending edit it reports false and the caller
// patches normally; with one, the remote text is three-way merged into
// the local edit (local wins the conflicting hunks) and true is
// returned.
func (r *Reports) ApplyRemoteBody(reportID, remoteBody string) bool {
	r.mu.Lock()
	base, editing := r.editBases[reportID]
	r.mu.Unlock()

	if !editing {
		return false
	}

	fields, ok := r.cache.Get(reportID)
	if !ok {
		return false
	}

	local, _ := fields[entity.FieldBody].(string)

	merged, clean := mergeBody(base, local, remoteBody)
	if !clean {
		r.logger.Warn("remote body edit conflicts with local edit, keeping local",
			"report_id", reportID)

		return true
	}

	r.cache.PatchOptimistic(reportID, map[string]any{entity.FieldBody: merged})

	r.mu.Lock()
	if _, still := r.editBases[reportID]; still {
		r.editBases[reportID] = remoteBody
	}
	r.mu.Unlock()

	return true
}

// asCount matches the cache's numeric normalisation for counter fields.
func asCount(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
