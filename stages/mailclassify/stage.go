// Package mailclassify runs imported messages through the LLM
// classifier in sub-batches and writes category and confidence back
// onto each row. It consumes what mail.import produces and is the last
// stage of the mail pipeline.
package mailclassify

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/plumehq/plume/errors"
	"github.com/plumehq/plume/logger"
	"github.com/plumehq/plume/provider/classifier"
	"github.com/plumehq/plume/stint"
)

// StageName is the registry key for the classification stage.
const StageName = "mail.classify"

// Stage adapts message classification to the stint engine. The cursor
// is the last listed row id; because processed rows leave the pending
// set, the source is query-shaped and the cursor only guards against
// re-listing rows a sub-batch left failed.
type Stage struct {
	db     *sql.DB
	client *classifier.Client
	store  *Store
	log    *zap.SugaredLogger
}

// New creates the classification stage over the shared database and
// classifier client.
func New(db *sql.DB, client *classifier.Client) *Stage {
	return &Stage{
		db:     db,
		client: client,
		store:  NewStore(db),
		log:    logger.ComponentLogger("mail.classify"),
	}
}

func (s *Stage) Name() string { return StageName }

// NextStage is empty: classification ends the mail pipeline.
func (s *Stage) NextStage() string { return "" }

// CountWork requeues earlier per-message failures and then counts the
// pending backlog, so a new job always owns its retries.
func (s *Stage) CountWork(ctx context.Context, workspaceID string) (int, error) {
	requeued, err := s.store.RequeueFailed(ctx, workspaceID)
	if err != nil {
		return 0, err
	}
	if requeued > 0 {
		s.log.Infow("Requeued failed classifications",
			"workspace_id", workspaceID, "count", requeued)
	}
	return s.store.CountPending(ctx, workspaceID)
}

// FetchPage lists the next slice of pending rows past the cursor.
func (s *Stage) FetchPage(ctx context.Context, workspaceID, cursor string, limit int) (*stint.Page, error) {
	after := int64(0)
	if cursor != "" {
		var err error
		after, err = strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed classify cursor %q", cursor)
		}
	}

	msgs, err := s.store.ListPendingAfter(ctx, workspaceID, after, limit)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return &stint.Page{}, nil
	}

	items := make([]stint.Item, len(msgs))
	for i, msg := range msgs {
		items[i] = stint.Item{
			ExternalID:  msg.ExternalID,
			Payload:     msg,
			Processable: true,
		}
	}
	return &stint.Page{
		Items:      items,
		NextCursor: strconv.FormatInt(msgs[len(msgs)-1].RowID, 10),
		HasMore:    len(msgs) == limit,
	}, nil
}

// ProcessBatch classifies one sub-batch with a single chat-completions
// call and reconciles the answer array back onto the items by index.
// Items the provider skipped, duplicated, or answered outside the
// category set are failed for the next job, never dropped.
func (s *Stage) ProcessBatch(ctx context.Context, workspaceID string, items []stint.Item) (*stint.BatchResult, error) {
	msgs := make([]*PendingMessage, len(items))
	for i, item := range items {
		msgs[i] = item.Payload.(*PendingMessage)
	}

	system, user := buildPrompt(msgs)
	content, err := s.client.Complete(ctx, system, user)
	if err != nil {
		return nil, err
	}

	entries, err := classifier.ExtractJSONArray(content)
	if err != nil {
		return nil, err
	}

	rec := stint.ReconcileByIndex(len(items), entries)
	if rec.Malformed > 0 {
		s.log.Warnw("Classifier returned malformed entries",
			"workspace_id", workspaceID, "malformed", rec.Malformed)
	}

	res := &stint.BatchResult{}
	for i, msg := range msgs {
		raw, ok := rec.Matched[i]
		if !ok {
			if err := s.store.MarkFailed(ctx, workspaceID, msg.ExternalID,
				"classifier returned no result for this message"); err != nil {
				return nil, err
			}
			res.Failed++
			continue
		}

		var c classification
		category := ""
		if err := json.Unmarshal(raw, &c); err == nil {
			category = strings.ToLower(strings.TrimSpace(c.Category))
		}
		if !validCategory(category) {
			if err := s.store.MarkFailed(ctx, workspaceID, msg.ExternalID,
				"classifier answered with unrecognized category "+strconv.Quote(c.Category)); err != nil {
				return nil, err
			}
			res.Failed++
			continue
		}

		if err := s.store.MarkClassified(ctx, workspaceID, msg.ExternalID,
			category, clampConfidence(c.Confidence)); err != nil {
			return nil, err
		}
		res.Done++
	}
	return res, nil
}
