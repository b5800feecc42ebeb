package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/urbanwatch/report-sync/internal/cache"
	"github.com/urbanwatch/report-sync/internal/entity"
	"github.com/urbanwatch/report-sync/internal/mutate"
	"github.com/urbanwatch/report-sync/internal/realtime"
)

// appliers translate typed push events into cache operations. They are
// the only writers the push path has; mutations write through the
// controllers instead.
type appliers struct {
	store   *cache.Store
	reports *mutate.Reports
	logger  *slog.Logger
}

// register wires every cache-affecting event kind into the
// orchestrator. Kinds without cache state (chat, presence, typing,
// receipts, notifications) are left to the embedding application's own
// handlers.
func (a *appliers) register(orch *realtime.Orchestrator) {
	orch.OnEvent(realtime.KindReportCreated, a.reportCreated)
	orch.OnEvent(realtime.KindReportUpdated, a.reportUpdated)
	orch.OnEvent(realtime.KindReportDeleted, a.reportDeleted)
	orch.OnEvent(realtime.KindCommentCreated, a.commentCreated)
	orch.OnEvent(realtime.KindCommentUpdated, a.commentUpdated)
	orch.OnEvent(realtime.KindCommentDeleted, a.commentDeleted)
	orch.OnEvent(realtime.KindReaction, a.reaction)
	orch.OnEvent(realtime.KindPin, a.pin)
}

func decodeFields(payload []byte) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("decoding event payload: %w", err)
	}

	delete(fields, "id")

	return fields, nil
}

func (a *appliers) reportCreated(env realtime.Envelope) error {
	id := gjson.GetBytes(env.Payload, "id").String()
	if id == "" {
		return fmt.Errorf("report created event without id")
	}

	fields, err := decodeFields(env.Payload)
	if err != nil {
		return err
	}

	// The entry may already exist from our own mutation; the upsert
	// keeps pending optimistic fields across the echo.
	a.store.Store(id, fields, false)

	a.store.Prepend(cache.ListRef{Key: entity.ReportListKey}, id)

	return nil
}

func (a *appliers) reportUpdated(env realtime.Envelope) error {
	id := gjson.GetBytes(env.Payload, "id").String()
	if id == "" {
		return fmt.Errorf("report updated event without id")
	}

	fields, err := decodeFields(env.Payload)
	if err != nil {
		return err
	}

	// A body change races any local edit in flight; the controller
	// merges it when one exists.
	if body := gjson.GetBytes(env.Payload, "body"); body.Exists() {
		if a.reports.ApplyRemoteBody(id, body.String()) {
			delete(fields, entity.FieldBody)
		}
	}

	a.store.Patch(id, fields)

	return nil
}

func (a *appliers) reportDeleted(env realtime.Envelope) error {
	id := gjson.GetBytes(env.Payload, "id").String()
	if id == "" {
		return fmt.Errorf("report deleted event without id")
	}

	a.store.Remove(id)

	return nil
}

func (a *appliers) commentCreated(env realtime.Envelope) error {
	id := gjson.GetBytes(env.Payload, "id").String()
	reportID := gjson.GetBytes(env.Payload, "report_id").String()

	if id == "" || reportID == "" {
		return fmt.Errorf("comment created event missing id or report_id")
	}

	fields, err := decodeFields(env.Payload)
	if err != nil {
		return err
	}

	a.store.Store(id, fields, false)

	// Membership is checked first, so an echo of our own confirmed
	// comment neither duplicates the list nor moves the counter again.
	a.store.Append(cache.ListRef{
		Key:          entity.CommentListKey(reportID),
		ParentID:     reportID,
		CounterField: entity.FieldCommentsCount,
	}, id)

	return nil
}

func (a *appliers) commentUpdated(env realtime.Envelope) error {
	id := gjson.GetBytes(env.Payload, "id").String()
	if id == "" {
		return fmt.Errorf("comment updated event without id")
	}

	fields, err := decodeFields(env.Payload)
	if err != nil {
		return err
	}

	a.store.Patch(id, fields)

	return nil
}

func (a *appliers) commentDeleted(env realtime.Envelope) error {
	id := gjson.GetBytes(env.Payload, "id").String()
	if id == "" {
		return fmt.Errorf("comment deleted event without id")
	}

	a.store.Remove(id)

	return nil
}

// reaction events carry the report's recomputed aggregate, not a delta,
// so applying one is a plain patch.
func (a *appliers) reaction(env realtime.Envelope) error {
	reportID := gjson.GetBytes(env.Payload, "report_id").String()
	if reportID == "" {
		return fmt.Errorf("reaction event without report_id")
	}

	fields := map[string]any{}
	if count := gjson.GetBytes(env.Payload, "upvotes_count"); count.Exists() {
		fields[entity.FieldUpvotesCount] = int(count.Int())
	}

	a.store.Patch(reportID, fields)

	return nil
}

func (a *appliers) pin(env realtime.Envelope) error {
	reportID := gjson.GetBytes(env.Payload, "report_id").String()
	if reportID == "" {
		return fmt.Errorf("pin event without report_id")
	}

	a.store.Patch(reportID, map[string]any{
		"is_pinned": gjson.GetBytes(env.Payload, "pinned").Bool(),
	})

	return nil
}
