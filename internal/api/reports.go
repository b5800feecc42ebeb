package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/urbanwatch/report-sync/internal/entity"
)

// ReportUpdate carries the report fields a client may change. Nil
// pointers leave the field untouched on the backend.
type ReportUpdate struct {
	Title  *string `json:"title,omitempty"`
	Body   *string `json:"body,omitempty"`
	Status *string `json:"status,omitempty"`
}

// GetReport fetches the current backend state of a report.
func (c *Client) GetReport(ctx context.Context, reportID string) (*entity.Report, error) {
	var report entity.Report
	if err := c.do(ctx, http.MethodGet, "/reports/"+url.PathEscape(reportID), nil, &report); err != nil {
		return nil, fmt.Errorf("fetching report: %w", err)
	}

	return &report, nil
}

// UpdateReport applies a partial update and returns the confirmed
// report.
func (c *Client) UpdateReport(ctx context.Context, reportID string, update ReportUpdate) (*entity.Report, error) {
	var report entity.Report
	if err := c.do(ctx, http.MethodPatch, "/reports/"+url.PathEscape(reportID), update, &report); err != nil {
		return nil, fmt.Errorf("updating report: %w", err)
	}

	return &report, nil
}

// SetLike sets or clears the caller's upvote on a report and returns
// the confirmed state.
func (c *Client) SetLike(ctx context.Context, reportID string, liked bool) (*entity.Report, error) {
	body := map[string]bool{"liked": liked}

	var report entity.Report
	if err := c.do(ctx, http.MethodPut, "/reports/"+url.PathEscape(reportID)+"/like", body, &report); err != nil {
		return nil, fmt.Errorf("setting like: %w", err)
	}

	return &report, nil
}

// SetFavorite sets or clears the caller's favourite mark on a report
// and returns the confirmed state.
func (c *Client) SetFavorite(ctx context.Context, reportID string, favorited bool) (*entity.Report, error) {
	body := map[string]bool{"favorited": favorited}

	var report entity.Report
	if err := c.do(ctx, http.MethodPut, "/reports/"+url.PathEscape(reportID)+"/favorite", body, &report); err != nil {
		return nil, fmt.Errorf("setting favorite: %w", err)
	}

	return &report, nil
}

// CreateComment posts a comment on a report and returns the confirmed
// comment with its backend-assigned identity.
func (c *Client) CreateComment(ctx context.Context, reportID, body string) (*entity.Comment, error) {
	req := map[string]string{"body": body}

	var comment entity.Comment
	if err := c.do(ctx, http.MethodPost, "/reports/"+url.PathEscape(reportID)+"/comments", req, &comment); err != nil {
		return nil, fmt.Errorf("creating comment: %w", err)
	}

	return &comment, nil
}

// UpdateComment replaces a comment's body and returns the confirmed
// comment.
func (c *Client) UpdateComment(ctx context.Context, commentID, body string) (*entity.Comment, error) {
	req := map[string]string{"body": body}

	var comment entity.Comment
	if err := c.do(ctx, http.MethodPatch, "/comments/"+url.PathEscape(commentID), req, &comment); err != nil {
		return nil, fmt.Errorf("updating comment: %w", err)
	}

	return &comment, nil
}

// DeleteComment removes a comment.
func (c *Client) DeleteComment(ctx context.Context, commentID string) error {
	if err := c.do(ctx, http.MethodDelete, "/comments/"+url.PathEscape(commentID), nil, nil); err != nil {
		return fmt.Errorf("deleting comment: %w", err)
	}

	return nil
}

// AcknowledgeDelivered confirms push delivery of an event.
func (c *Client) AcknowledgeDelivered(ctx context.Context, eventID string) error {
	if err := c.do(ctx, http.MethodPost, "/events/"+url.PathEscape(eventID)+"/ack", nil, nil); err != nil {
		return fmt.Errorf("acknowledging delivery: %w", err)
	}

	return nil
}

// PushEvent is one event returned by the catch-up endpoint, shaped like
// a live push frame.
type PushEvent struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// MissedEvents fetches the events a channel published after the replay
// cursor. An empty cursor asks for the backend's default recent window.
func (c *Client) MissedEvents(ctx context.Context, channelKey, cursor string) ([]PushEvent, error) {
	endpoint := "/channels/" + url.PathEscape(channelKey) + "/events"
	if cursor != "" {
		endpoint += "?after=" + url.QueryEscape(cursor)
	}

	var events []PushEvent
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &events); err != nil {
		return nil, fmt.Errorf("fetching missed events: %w", err)
	}

	return events, nil
}
