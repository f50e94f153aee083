package faqmine

import (
	"context"
	"database/sql"
	"time"

	"github.com/plumehq/plume/errors"
	"github.com/plumehq/plume/internal/util"
	"github.com/plumehq/plume/stages"
)

const maxErrorLen = 500

// SitePage is one competitor page queued for FAQ mining. Content stays
// empty until the hydration pass has fetched the page.
type SitePage struct {
	RowID      int64
	ExternalID string
	Site       string
	URL        string
	Title      string
	Content    string
	Hydrated   bool
}

// Store reads and writes mining state on the site_pages table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// AddPage queues a page for mining. The URL doubles as the external id,
// so re-adding a known page is a no-op instead of a duplicate.
func (s *Store) AddPage(ctx context.Context, workspaceID, site, url, title string) error {
	nowS := stages.FmtTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO site_pages (workspace_id, external_id, site, url, title, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT (workspace_id, external_id) DO NOTHING`,
		workspaceID, url, site, url, title, nowS, nowS)
	if err != nil {
		return errors.Wrapf(err, "failed to queue page %s", url)
	}
	return nil
}

// RequeueFailed flips failed pages back to pending so a new job retries
// them, hydration failures included.
func (s *Store) RequeueFailed(ctx context.Context, workspaceID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE site_pages SET status = 'pending', updated_at = ?
		WHERE workspace_id = ? AND status = 'failed'`,
		stages.FmtTime(s.now()), workspaceID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to requeue failed pages")
	}
	return res.RowsAffected()
}

// CountPending counts pages still owed mining, hydrated or not.
func (s *Store) CountPending(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM site_pages
		WHERE workspace_id = ? AND status = 'pending'`,
		workspaceID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count pending pages")
	}
	return n, nil
}

// ListPending returns up to limit pending pages, hydrated ones first.
// The ordering is what lets the miner drain ready work before deciding
// it is blocked on hydration.
func (s *Store) ListPending(ctx context.Context, workspaceID string, limit int) ([]*SitePage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, external_id, site, url, title, COALESCE(content, ''), hydrated_at IS NOT NULL
		FROM site_pages
		WHERE workspace_id = ? AND status = 'pending'
		ORDER BY (content IS NULL), id
		LIMIT ?`,
		workspaceID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending pages")
	}
	defer rows.Close()
	return scanPages(rows)
}

// ListUnhydrated returns pending pages the hydrator still owes a fetch.
func (s *Store) ListUnhydrated(ctx context.Context, workspaceID string, limit int) ([]*SitePage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, external_id, site, url, title, COALESCE(content, ''), hydrated_at IS NOT NULL
		FROM site_pages
		WHERE workspace_id = ? AND status = 'pending' AND content IS NULL
		ORDER BY id
		LIMIT ?`,
		workspaceID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list unhydrated pages")
	}
	defer rows.Close()
	return scanPages(rows)
}

// WorkspacesWithUnhydrated lists workspaces whose mining queue is
// blocked on page fetches; the daemon's hydration sweep walks these.
func (s *Store) WorkspacesWithUnhydrated(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT workspace_id FROM site_pages
		WHERE status = 'pending' AND content IS NULL
		ORDER BY workspace_id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workspaces awaiting hydration")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan workspace id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveContent lands a hydrated page body.
func (s *Store) SaveContent(ctx context.Context, workspaceID, externalID, content string) error {
	nowS := stages.FmtTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE site_pages
		SET content = ?, hydrated_at = ?, last_error = NULL, updated_at = ?
		WHERE workspace_id = ? AND external_id = ?`,
		content, nowS, nowS, workspaceID, externalID)
	if err != nil {
		return errors.Wrapf(err, "failed to save content for page %s", externalID)
	}
	return nil
}

// MarkMined applies one mining result.
func (s *Store) MarkMined(ctx context.Context, workspaceID, externalID, faqJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE site_pages
		SET status = 'processed', faq_json = ?, last_error = NULL, updated_at = ?
		WHERE workspace_id = ? AND external_id = ?`,
		faqJSON, stages.FmtTime(s.now()), workspaceID, externalID)
	if err != nil {
		return errors.Wrapf(err, "failed to mark page %s mined", externalID)
	}
	return nil
}

// MarkFailed records a hydration or mining failure for the requeue path.
func (s *Store) MarkFailed(ctx context.Context, workspaceID, externalID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE site_pages SET status = 'failed', last_error = ?, updated_at = ?
		WHERE workspace_id = ? AND external_id = ?`,
		util.Truncate(reason, maxErrorLen), stages.FmtTime(s.now()),
		workspaceID, externalID)
	if err != nil {
		return errors.Wrapf(err, "failed to mark page %s failed", externalID)
	}
	return nil
}

func scanPages(rows *sql.Rows) ([]*SitePage, error) {
	var pages []*SitePage
	for rows.Next() {
		page := &SitePage{}
		if err := rows.Scan(&page.RowID, &page.ExternalID, &page.Site,
			&page.URL, &page.Title, &page.Content, &page.Hydrated); err != nil {
			return nil, errors.Wrap(err, "failed to scan site page")
		}
		pages = append(pages, page)
	}
	return pages, rows.Err()
}
