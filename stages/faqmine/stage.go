// Package faqmine extracts FAQ content from competitor site pages with
// the LLM classifier. Pages arrive as bare URLs; a separate hydration
// pass (Hydrator) fetches their bodies through the SSRF-hardened crawl
// client. The miner drains hydrated pages first and reports itself
// blocked when only unhydrated ones remain, so a job never spins on
// pages it cannot mine yet.
package faqmine

import (
	"context"
	"database/sql"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/plumehq/plume/logger"
	"github.com/plumehq/plume/provider/classifier"
	"github.com/plumehq/plume/stint"
)

// StageName is the registry key for the mining stage.
const StageName = "faq.mine"

// Stage adapts FAQ mining to the stint engine. The source is query
// shaped: pending pages leave the queue as they are mined, so no cursor
// is needed and re-listing is harmless.
type Stage struct {
	db     *sql.DB
	client *classifier.Client
	store  *Store
	log    *zap.SugaredLogger
}

// New creates the mining stage over the shared database and classifier
// client.
func New(db *sql.DB, client *classifier.Client) *Stage {
	return &Stage{
		db:     db,
		client: client,
		store:  NewStore(db),
		log:    logger.ComponentLogger("faq.mine"),
	}
}

// Store exposes the page queue for the server's enqueue surface and the
// hydrator.
func (s *Stage) Store() *Store { return s.store }

func (s *Stage) Name() string { return StageName }

// NextStage is empty: mining is terminal.
func (s *Stage) NextStage() string { return "" }

// CountWork requeues earlier failures and counts the pending queue.
// Unhydrated pages count too: they are owed work, the job just waits on
// hydration to reach them.
func (s *Stage) CountWork(ctx context.Context, workspaceID string) (int, error) {
	requeued, err := s.store.RequeueFailed(ctx, workspaceID)
	if err != nil {
		return 0, err
	}
	if requeued > 0 {
		s.log.Infow("Requeued failed pages",
			"workspace_id", workspaceID, "count", requeued)
	}
	return s.store.CountPending(ctx, workspaceID)
}

// FetchPage lists pending pages, hydrated first. Unhydrated pages are
// returned unprocessable; a page of nothing but those parks the job in
// waiting until the hydrator's completion re-triggers it.
func (s *Stage) FetchPage(ctx context.Context, workspaceID, cursor string, limit int) (*stint.Page, error) {
	pages, err := s.store.ListPending(ctx, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return &stint.Page{}, nil
	}

	items := make([]stint.Item, len(pages))
	for i, page := range pages {
		items[i] = stint.Item{
			ExternalID:  page.ExternalID,
			Payload:     page,
			Processable: page.Hydrated && page.Content != "",
		}
	}
	return &stint.Page{
		Items:   items,
		HasMore: len(pages) == limit,
	}, nil
}

// ProcessBatch mines one sub-batch with a single chat-completions call
// and reconciles the answer array back onto the pages by index. An
// empty faqs array is a legitimate result; a skipped or garbled entry
// fails the page for the next job.
func (s *Stage) ProcessBatch(ctx context.Context, workspaceID string, items []stint.Item) (*stint.BatchResult, error) {
	pages := make([]*SitePage, len(items))
	for i, item := range items {
		pages[i] = item.Payload.(*SitePage)
	}

	system, user := buildPrompt(pages)
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
		s.log.Warnw("Miner returned malformed entries",
			"workspace_id", workspaceID, "malformed", rec.Malformed)
	}

	res := &stint.BatchResult{}
	for i, page := range pages {
		raw, ok := rec.Matched[i]
		if !ok {
			if err := s.store.MarkFailed(ctx, workspaceID, page.ExternalID,
				"miner returned no result for this page"); err != nil {
				return nil, err
			}
			res.Failed++
			continue
		}

		var entry minedEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			if err := s.store.MarkFailed(ctx, workspaceID, page.ExternalID,
				"miner entry did not parse"); err != nil {
				return nil, err
			}
			res.Failed++
			continue
		}
		if entry.FAQs == nil {
			entry.FAQs = []FAQ{}
		}
		faqJSON, err := json.Marshal(entry.FAQs)
		if err != nil {
			return nil, err
		}

		if err := s.store.MarkMined(ctx, workspaceID, page.ExternalID, string(faqJSON)); err != nil {
			return nil, err
		}
		res.Done++
	}
	return res, nil
}
