// Package mailimport pulls full message content for a workspace's
// connected mailbox into the local messages table. It is the first
// stage of the mail pipeline; mail.classify consumes its output.
package mailimport

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/plumehq/plume/errors"
	"github.com/plumehq/plume/logger"
	"github.com/plumehq/plume/provider/mailhub"
	"github.com/plumehq/plume/stages"
	"github.com/plumehq/plume/stint"
)

// StageName is the registry key for the import stage.
const StageName = "mail.import"

// maxScanPages bounds the skip-scan inside one FetchPage call. A fetch
// that walks this many fully-imported provider pages gives up for the
// invocation; the remainder surfaces in the next job because failed
// rows keep CountWork non-zero.
const maxScanPages = 10

// Stage adapts mailbox import to the stint engine. The provider cursor
// is the job cursor; pages are re-filtered against the local table on
// every fetch so a resumed job never re-downloads applied messages.
type Stage struct {
	db     *sql.DB
	client *mailhub.Client
	store  *Store
	log    *zap.SugaredLogger
}

// New creates the import stage over the shared database and mailhub
// client.
func New(db *sql.DB, client *mailhub.Client) *Stage {
	return &Stage{
		db:     db,
		client: client,
		store:  NewStore(db),
		log:    logger.ComponentLogger("mail.import"),
	}
}

func (s *Stage) Name() string { return StageName }

// NextStage chains classification after a completed import.
func (s *Stage) NextStage() string { return "mail.classify" }

// CountWork sizes an import as the provider's mailbox total minus the
// messages already applied locally. Failed rows and body-less rows from
// a mailbox sync are not counted as applied, so they re-enter through
// the same number.
func (s *Stage) CountWork(ctx context.Context, workspaceID string) (int, error) {
	account, err := stages.LoadMailboxAccount(ctx, s.db, workspaceID)
	if err != nil {
		return 0, err
	}
	total, err := s.client.CountMessages(ctx, account.AccessToken, "")
	if err != nil {
		return 0, err
	}
	imported, err := s.store.CountImported(ctx, workspaceID)
	if err != nil {
		return 0, err
	}
	remaining := total - imported
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// FetchPage lists the next provider page and drops messages the local
// table already holds. When a whole page is already applied it advances
// to the following one inside the same call, so the runner never
// mistakes an all-duplicate page for the end of the mailbox.
func (s *Stage) FetchPage(ctx context.Context, workspaceID, cursor string, limit int) (*stint.Page, error) {
	account, err := stages.LoadMailboxAccount(ctx, s.db, workspaceID)
	if err != nil {
		return nil, err
	}

	for scanned := 0; scanned < maxScanPages; scanned++ {
		page, err := s.client.ListMessages(ctx, account.AccessToken, cursor, limit)
		if err != nil {
			return nil, err
		}
		if len(page.Messages) == 0 {
			return &stint.Page{NextCursor: page.NextCursor}, nil
		}

		ids := make([]string, len(page.Messages))
		for i, msg := range page.Messages {
			ids[i] = msg.ID
		}
		existing, err := s.store.ExistingIDs(ctx, workspaceID, ids)
		if err != nil {
			return nil, err
		}

		items := make([]stint.Item, 0, len(page.Messages))
		for _, msg := range page.Messages {
			if _, ok := existing[msg.ID]; ok {
				continue
			}
			items = append(items, stint.Item{
				ExternalID:  msg.ID,
				Payload:     msg,
				Processable: true,
			})
		}

		if len(items) > 0 || !page.HasMore {
			return &stint.Page{
				Items:      items,
				NextCursor: page.NextCursor,
				HasMore:    page.HasMore,
			}, nil
		}
		cursor = page.NextCursor
	}

	s.log.Warnw("Import fetch hit scan bound on fully-imported pages",
		"workspace_id", workspaceID, "pages", maxScanPages)
	return &stint.Page{}, nil
}

// ProcessBatch hydrates message bodies concurrently and applies them.
// Throttle and credential errors anywhere in the batch fail the whole
// call so the engine can back off; other per-item errors leave a failed
// row behind for the next job.
func (s *Stage) ProcessBatch(ctx context.Context, workspaceID string, items []stint.Item) (*stint.BatchResult, error) {
	account, err := stages.LoadMailboxAccount(ctx, s.db, workspaceID)
	if err != nil {
		return nil, err
	}

	bodies, errs := stint.FanOut(ctx, items, stint.MaxFanOut,
		func(ctx context.Context, item stint.Item) (string, error) {
			msg := item.Payload.(mailhub.Message)
			return s.client.GetMessageBody(ctx, account.AccessToken, msg.ID)
		})

	for _, err := range errs {
		if err == nil {
			continue
		}
		if errors.IsRateLimitedError(err) || errors.IsCredentialError(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
	}

	res := &stint.BatchResult{}
	for i, item := range items {
		msg := item.Payload.(mailhub.Message)
		if errs[i] != nil {
			if markErr := s.store.MarkFailed(ctx, workspaceID, msg, errs[i].Error()); markErr != nil {
				return nil, markErr
			}
			s.log.Warnw("Message body fetch failed",
				"workspace_id", workspaceID, "message_id", msg.ID, "error", errs[i])
			res.Failed++
			continue
		}
		if err := s.store.Upsert(ctx, workspaceID, msg, bodies[i]); err != nil {
			return nil, err
		}
		res.Done++
	}
	return res, nil
}
