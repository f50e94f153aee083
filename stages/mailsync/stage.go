// Package mailsync keeps a connected mailbox fresh without re-importing
// it: it drains per-folder change deltas from the provider, lands them
// as body-less metadata rows, and advances the workspace's per-folder
// sync tokens. mail.import hydrates the bodies on its next run.
//
// The provider prepares a delta snapshot asynchronously, so a fresh job
// may have to wait: the stage reports the provider run id and an
// unprocessable placeholder, and the watchdog re-drives the job once
// polling says the snapshot is ready.
package mailsync

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/plumehq/plume/logger"
	"github.com/plumehq/plume/provider/mailhub"
	"github.com/plumehq/plume/stages"
	"github.com/plumehq/plume/stint"
)

// StageName is the registry key for the sync stage.
const StageName = "mail.sync"

// maxFolderScan bounds how many empty or finished folders one FetchPage
// call may advance over before giving the invocation's slot back.
const maxFolderScan = 20

// deltaItem is one unit of sync work. When the item closes a folder it
// carries the workspace's next durable token baseline; ProcessBatch
// persists that baseline at the moment the item lands, which keeps token
// advancement strictly behind applied work.
type deltaItem struct {
	msg    mailhub.Message
	tokens map[string]string
}

// Stage adapts mailbox delta sync to the stint engine.
type Stage struct {
	db     *sql.DB
	client *mailhub.Client
	store  *Store
	log    *zap.SugaredLogger
}

// New creates the sync stage over the shared database and mailhub
// client.
func New(db *sql.DB, client *mailhub.Client) *Stage {
	return &Stage{
		db:     db,
		client: client,
		store:  NewStore(db),
		log:    logger.ComponentLogger("mail.sync"),
	}
}

func (s *Stage) Name() string { return StageName }

// NextStage is empty: sync is terminal, the next import run picks up the
// metadata rows it leaves behind.
func (s *Stage) NextStage() string { return "" }

// CountWork sums the provider's per-folder delta counts against the
// workspace's current token baseline.
func (s *Stage) CountWork(ctx context.Context, workspaceID string) (int, error) {
	account, err := stages.LoadMailboxAccount(ctx, s.db, workspaceID)
	if err != nil {
		return 0, err
	}
	folders, err := s.client.ListFolders(ctx, account.AccessToken)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, folder := range folders {
		n, err := s.client.CountFolderDelta(ctx, account.AccessToken, folder, account.SyncTokens[folder])
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// FetchPage drains the next slice of folder deltas. A fresh job first
// ensures the provider's delta snapshot is prepared; while preparation
// is pending it returns the run id and a placeholder the runner cannot
// process, parking the job in waiting.
func (s *Stage) FetchPage(ctx context.Context, workspaceID, cursor string, limit int) (*stint.Page, error) {
	account, err := stages.LoadMailboxAccount(ctx, s.db, workspaceID)
	if err != nil {
		return nil, err
	}

	cur, err := parseSyncCursor(cursor)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		runID, err := s.client.StartSyncRun(ctx, account.AccessToken)
		if err != nil {
			return nil, err
		}
		done, err := s.client.GetSyncRunStatus(ctx, account.AccessToken, runID)
		if err != nil {
			return nil, err
		}
		if !done {
			s.log.Infow("Provider still preparing sync snapshot",
				"workspace_id", workspaceID, "run_id", runID)
			return &stint.Page{
				Items:       []stint.Item{{ExternalID: "sync-prepare:" + runID, Processable: false}},
				HasMore:     true,
				ExternalRef: runID,
			}, nil
		}
		folders, err := s.client.ListFolders(ctx, account.AccessToken)
		if err != nil {
			return nil, err
		}
		tokens := make(map[string]string, len(account.SyncTokens))
		for k, v := range account.SyncTokens {
			tokens[k] = v
		}
		cur = &syncCursor{Folders: folders, SyncTokens: tokens}
	}

	for scanned := 0; !cur.drained() && scanned < maxFolderScan; scanned++ {
		folder := cur.folder()
		token := cur.PageToken
		if token == "" {
			token = cur.SyncTokens[folder]
		}

		delta, err := s.client.ListFolderDelta(ctx, account.AccessToken, folder, token, limit)
		if err != nil {
			return nil, err
		}

		if len(delta.Messages) == 0 {
			if delta.HasMore {
				cur.PageToken = delta.NextToken
				continue
			}
			// Folder had nothing; bank its fresh token and move on.
			cur.SyncTokens[folder] = delta.NextToken
			cur.Current++
			cur.PageToken = ""
			continue
		}

		items := make([]stint.Item, len(delta.Messages))
		for i, msg := range delta.Messages {
			items[i] = stint.Item{
				ExternalID:  msg.ID,
				Payload:     deltaItem{msg: msg},
				Processable: true,
			}
		}

		next := cur.clone()
		if delta.HasMore {
			next.PageToken = delta.NextToken
		} else {
			next.SyncTokens[folder] = delta.NextToken
			next.Current++
			next.PageToken = ""
			// The folder's last item carries the new baseline out.
			last := items[len(items)-1].Payload.(deltaItem)
			last.tokens = next.SyncTokens
			items[len(items)-1].Payload = last
		}

		enc, err := next.encode()
		if err != nil {
			return nil, err
		}
		return &stint.Page{
			Items:      items,
			NextCursor: enc,
			HasMore:    !next.drained(),
		}, nil
	}

	return &stint.Page{}, nil
}

// ProcessBatch lands delta metadata and, when an item closes a folder,
// persists the advanced token baseline for the workspace.
func (s *Stage) ProcessBatch(ctx context.Context, workspaceID string, items []stint.Item) (*stint.BatchResult, error) {
	res := &stint.BatchResult{}
	for _, item := range items {
		di := item.Payload.(deltaItem)
		if err := s.store.UpsertMetadata(ctx, workspaceID, di.msg); err != nil {
			return nil, err
		}
		res.Done++

		if di.tokens != nil {
			if err := stages.SaveSyncTokens(ctx, s.db, workspaceID, di.tokens); err != nil {
				return nil, err
			}
			s.log.Infow("Folder sync baseline advanced",
				"workspace_id", workspaceID, "folders", len(di.tokens))
		}
	}
	return res, nil
}

// PollRunStatus lets the watchdog ask the provider whether the snapshot
// a waiting job depends on has finished preparing.
func (s *Stage) PollRunStatus(ctx context.Context, workspaceID, externalRef string) (bool, error) {
	account, err := stages.LoadMailboxAccount(ctx, s.db, workspaceID)
	if err != nil {
		return false, err
	}
	return s.client.GetSyncRunStatus(ctx, account.AccessToken, externalRef)
}
