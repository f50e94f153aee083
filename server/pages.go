package server

import (
	"net/http"
	"net/url"
)

// QueuePagesRequest asks for competitor pages to be queued for FAQ
// mining. Site defaults to the URL host when omitted.
type QueuePagesRequest struct {
	WorkspaceID string          `json:"workspace_id"`
	Pages       []QueuePageSpec `json:"pages"`
}

// QueuePageSpec is one page to queue.
type QueuePageSpec struct {
	URL   string `json:"url"`
	Site  string `json:"site,omitempty"`
	Title string `json:"title,omitempty"`
}

// QueuePagesResponse reports how many pages were accepted.
type QueuePagesResponse struct {
	Queued int    `json:"queued"`
	Stage  string `json:"stage"`
}

// HandlePages queues pages for the FAQ miner.
// POST /api/v1/pages {workspace_id, pages: [{url, site?, title?}]}
//
// Queueing is idempotent per (workspace, url). Only scheme syntax is
// checked here; the crawler's hardened client enforces the private
// address policy when it actually fetches.
func (s *PlumeServer) HandlePages(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req QueuePagesRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.WorkspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspace_id is required")
		return
	}
	if len(req.Pages) == 0 {
		writeError(w, http.StatusBadRequest, "at least one page is required")
		return
	}

	queued := 0
	for _, page := range req.Pages {
		parsed, err := url.Parse(page.URL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			writeError(w, http.StatusBadRequest, "invalid page url: "+page.URL)
			return
		}
		site := page.Site
		if site == "" {
			site = parsed.Host
		}
		if err := s.pages.AddPage(r.Context(), req.WorkspaceID, site, page.URL, page.Title); err != nil {
			s.logger.Errorw("Failed to queue page",
				"workspace_id", req.WorkspaceID,
				"url", page.URL,
				"error", err,
			)
			writeError(w, http.StatusInternalServerError, "Failed to queue page")
			return
		}
		queued++
	}

	s.logger.Infow("Queued pages for FAQ mining",
		"workspace_id", req.WorkspaceID,
		"pages", queued,
	)
	writeJSON(w, http.StatusAccepted, QueuePagesResponse{Queued: queued, Stage: "faq.mine"})
}
