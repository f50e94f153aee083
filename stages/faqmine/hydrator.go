package faqmine

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/plumehq/plume/config"
	"github.com/plumehq/plume/errors"
	"github.com/plumehq/plume/internal/httpclient"
	"github.com/plumehq/plume/internal/util"
	"github.com/plumehq/plume/logger"
	"github.com/plumehq/plume/stint"
)

const (
	defaultCrawlTimeout = 15 * time.Second
	defaultCrawlRPM     = 30
	defaultUserAgent    = "PlumeBot/1.0 (+https://plumehq.com/bot)"

	// maxContentBytes caps one page body; the prompt builder truncates
	// much harder, this only bounds what the row stores.
	maxContentBytes = 512 << 10

	hydrateBatchSize = 25
)

// Hydrator fetches competitor page bodies through the SSRF-hardened
// crawl client so the miner has content to work on. The daemon runs
// Sweep on a timer; when a sweep lands new content for a workspace it
// re-triggers faq.mine through the continuer, which is what wakes jobs
// parked in waiting.
type Hydrator struct {
	db        *sql.DB
	store     *Store
	client    *httpclient.SaferClient
	limiter   *rate.Limiter
	continuer stint.Continuer
	userAgent string
	log       *zap.SugaredLogger
}

// NewHydrator builds the hydration pass from crawler configuration.
// Crawled URLs are customer supplied, so the client blocks private
// address space and re-validates every redirect hop.
func NewHydrator(db *sql.DB, cfg config.CrawlerConfig) *Hydrator {
	timeout := defaultCrawlTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = defaultCrawlRPM
	}
	opts := httpclient.SaferClientOptions{}
	if cfg.MaxRedirects > 0 {
		opts.MaxRedirects = util.Ptr(cfg.MaxRedirects)
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Hydrator{
		db:        db,
		store:     NewStore(db),
		client:    httpclient.NewSaferClientWithOptions(timeout, opts),
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 2),
		userAgent: userAgent,
		log:       logger.ComponentLogger("hydrator"),
	}
}

// SetContinuer wires the re-trigger path. Without one, hydration still
// lands content; waiting jobs then resume on their next trigger instead
// of immediately.
func (h *Hydrator) SetContinuer(c stint.Continuer) { h.continuer = c }

// Sweep hydrates every workspace whose mining queue is blocked on page
// fetches. One workspace's trouble does not stop the others.
func (h *Hydrator) Sweep(ctx context.Context) (int, error) {
	workspaces, err := h.store.WorkspacesWithUnhydrated(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, workspaceID := range workspaces {
		n, err := h.HydrateBatch(ctx, workspaceID, hydrateBatchSize)
		total += n
		if err != nil {
			if ctx.Err() != nil {
				return total, err
			}
			h.log.Warnw("Hydration batch failed",
				"workspace_id", workspaceID, "error", err)
		}
	}
	return total, nil
}

// HydrateBatch fetches up to limit unhydrated pages for one workspace.
// Fetch failures fail the page row for the next job's requeue; when any
// content landed, the miner is re-triggered so a waiting job picks it
// up.
func (h *Hydrator) HydrateBatch(ctx context.Context, workspaceID string, limit int) (int, error) {
	pages, err := h.store.ListUnhydrated(ctx, workspaceID, limit)
	if err != nil || len(pages) == 0 {
		return 0, err
	}

	items := make([]stint.Item, len(pages))
	for i, page := range pages {
		items[i] = stint.Item{ExternalID: page.ExternalID, Payload: page}
	}
	bodies, errs := stint.FanOut(ctx, items, stint.MaxFanOut,
		func(ctx context.Context, item stint.Item) (string, error) {
			return h.fetch(ctx, item.Payload.(*SitePage).URL)
		})

	hydrated := 0
	for i, page := range pages {
		if errs[i] != nil {
			if ctx.Err() != nil {
				return hydrated, errs[i]
			}
			h.log.Warnw("Page fetch failed",
				"workspace_id", workspaceID, "url", page.URL, "error", errs[i])
			if err := h.store.MarkFailed(ctx, workspaceID, page.ExternalID, errs[i].Error()); err != nil {
				return hydrated, err
			}
			continue
		}
		if err := h.store.SaveContent(ctx, workspaceID, page.ExternalID, bodies[i]); err != nil {
			return hydrated, err
		}
		hydrated++
	}

	if hydrated > 0 {
		h.log.Infow("Hydration landed content",
			"workspace_id", workspaceID, "pages", hydrated)
		if h.continuer != nil {
			if err := h.continuer.ContinueLater(workspaceID, StageName, "", 0, 0); err != nil {
				h.log.Warnw("Failed to re-trigger miner after hydration",
					"workspace_id", workspaceID, "error", err)
			}
		}
	}
	return hydrated, nil
}

func (h *Hydrator) fetch(ctx context.Context, pageURL string) (string, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return "", errors.Wrap(err, "crawl limiter wait interrupted")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to build page request")
	}
	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.Newf("page fetch returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxContentBytes))
	if err != nil {
		return "", errors.Wrap(err, "failed to read page body")
	}
	return string(body), nil
}
