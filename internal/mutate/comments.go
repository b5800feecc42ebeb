package mutate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/urbanwatch/report-sync/internal/api"
	"github.com/urbanwatch/report-sync/internal/cache"
	"github.com/urbanwatch/report-sync/internal/entity"
)

// opTimeout bounds each mutation's network round trip.
const opTimeout = 15 * time.Second

// CommentAPI is the backend surface the comment controller mutates
// through.
type CommentAPI interface {
	CreateComment(ctx context.Context, reportID, body string) (*entity.Comment, error)
	UpdateComment(ctx context.Context, commentID, body string) (*entity.Comment, error)
	DeleteComment(ctx context.Context, commentID string) error
}

// Comments is the optimistic controller for comment mutations.
type Comments struct {
	api     CommentAPI
	cache   *cache.Store
	pending *PendingRegistry
	logger  *slog.Logger
}

// NewComments builds a comment controller over the cache and API.
func NewComments(apiClient CommentAPI, store *cache.Store, pending *PendingRegistry, logger *slog.Logger) *Comments {
	if logger == nil {
		logger = slog.Default()
	}

	return &Comments{
		api:     apiClient,
		cache:   store,
		pending: pending,
		logger:  logger,
	}
}

func commentListRef(reportID string) cache.ListRef {
	return cache.ListRef{
		Key:          entity.CommentListKey(reportID),
		ParentID:     reportID,
		CounterField: entity.FieldCommentsCount,
	}
}

// Create inserts the comment optimistically under a tentative identity
// and posts it to the backend. The tentative ID is returned immediately
// so the UI can render the comment; done resolves once the backend
// confirms (the entry is renamed to its real identity) or rejects (the
// cache rolls back).
func (c *Comments) Create(reportID, body string) (tentativeID string, done <-chan error) {
	tentativeID = "tmp-" + uuid.NewString()
	ref := commentListRef(reportID)
	result := make(chan error, 1)

	snap := c.cache.Snapshot([]string{tentativeID, reportID}, []string{ref.Key})

	c.cache.Store(tentativeID, map[string]any{
		"report_id":      reportID,
		entity.FieldBody: body,
	}, true)
	// Newest first: the tentative comment renders at the head of the
	// thread, where the confirmed one will stay after the ID swap.
	c.cache.Prepend(ref, tentativeID)
	c.pending.Register(tentativeID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		comment, err := c.api.CreateComment(ctx, reportID, body)
		cancelled := c.pending.Complete(tentativeID)

		switch {
		case err != nil && cancelled:
			// Nothing to undo: the user already removed the tentative
			// comment and the backend never saw it.
			result <- nil
		case err != nil:
			c.logger.Warn("comment create failed, rolling back",
				"report_id", reportID, "error", err)
			c.cache.Restore(snap)
			result <- err
		case cancelled:
			// The create landed after the user deleted the tentative
			// comment; compensate on the backend.
			if delErr := c.api.DeleteComment(ctx, comment.ID); delErr != nil && !errors.Is(delErr, api.ErrNotFound) {
				c.logger.Warn("compensating delete failed",
					"comment_id", comment.ID, "error", delErr)
			}

			result <- nil
		default:
			c.cache.SwapID(tentativeID, comment.ID, comment.Fields())
			result <- nil
		}
	}()

	return tentativeID, result
}

// Update replaces a comment's body optimistically and confirms or rolls
// back on the backend's answer.
func (c *Comments) Update(commentID, body string) <-chan error {
	result := make(chan error, 1)

	snap := c.cache.Snapshot([]string{commentID}, nil)

	if !c.cache.PatchOptimistic(commentID, map[string]any{entity.FieldBody: body}) {
		result <- api.ErrNotFound
		return result
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		comment, err := c.api.UpdateComment(ctx, commentID, body)
		if err != nil {
			c.logger.Warn("comment update failed, rolling back",
				"comment_id", commentID, "error", err)
			c.cache.Restore(snap)
			result <- err

			return
		}

		c.cache.Confirm(commentID, map[string]any{entity.FieldBody: comment.Body})
		result <- nil
	}()

	return result
}

// Delete removes a comment. Deleting a still-tentative comment cancels
// the in-flight create and never issues its own network call; otherwise
// the removal is optimistic with rollback on failure. A backend 404 is
// treated as success, since the comment is gone either way.
func (c *Comments) Delete(reportID, commentID string) <-chan error {
	result := make(chan error, 1)
	ref := commentListRef(reportID)

	if c.pending.Cancel(commentID) {
		c.cache.Remove(commentID)
		result <- nil

		return result
	}

	snap := c.cache.Snapshot([]string{commentID, reportID}, []string{ref.Key})

	if _, existed := c.cache.Remove(commentID); !existed {
		result <- api.ErrNotFound
		return result
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		err := c.api.DeleteComment(ctx, commentID)
		if err != nil && !errors.Is(err, api.ErrNotFound) {
			c.logger.Warn("comment delete failed, rolling back",
				"comment_id", commentID, "error", err)
			c.cache.Restore(snap)
			result <- err

			return
		}

		result <- nil
	}()

	return result
}
