// Package entity holds the domain records exchanged with the backend
// and the cache field names shared by the reconciliation and mutation
// layers.
package entity

import "time"

// Canonical cache field names. The cache patches fields by name, so the
// reconciliation layer and the mutation controllers must agree on them.
const (
	FieldTitle         = "title"
	FieldBody          = "body"
	FieldStatus        = "status"
	FieldUpvotesCount  = "upvotes_count"
	FieldCommentsCount = "comments_count"
	FieldIsLiked       = "is_liked"
	FieldIsFavorited   = "is_favorited"
)

// Report is one citizen incident report.
type Report struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Body          string    `json:"body"`
	Status        string    `json:"status"`
	AuthorID      string    `json:"author_id"`
	UpvotesCount  int       `json:"upvotes_count"`
	CommentsCount int       `json:"comments_count"`
	IsLiked       bool      `json:"is_liked"`
	IsFavorited   bool      `json:"is_favorited"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Fields flattens the report into a cache field map.
func (r Report) Fields() map[string]any {
	return map[string]any{
		FieldTitle:         r.Title,
		FieldBody:          r.Body,
		FieldStatus:        r.Status,
		"author_id":        r.AuthorID,
		FieldUpvotesCount:  r.UpvotesCount,
		FieldCommentsCount: r.CommentsCount,
		FieldIsLiked:       r.IsLiked,
		FieldIsFavorited:   r.IsFavorited,
	}
}

// Comment is one comment on a report.
type Comment struct {
	ID        string    `json:"id"`
	ReportID  string    `json:"report_id"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Fields flattens the comment into a cache field map.
func (c Comment) Fields() map[string]any {
	return map[string]any{
		"report_id": c.ReportID,
		"author_id": c.AuthorID,
		FieldBody:   c.Body,
	}
}

// CommentListKey returns the cache list key holding a report's comments.
func CommentListKey(reportID string) string {
	return "comments:" + reportID
}

// ReportListKey is the cache list key for the main report feed.
const ReportListKey = "reports"
