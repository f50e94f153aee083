package mailimport

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plumehq/plume/config"
	"github.com/plumehq/plume/errors"
	plumetest "github.com/plumehq/plume/internal/testing"
	"github.com/plumehq/plume/provider/mailhub"
	"github.com/plumehq/plume/stages"
	"github.com/plumehq/plume/stint"
)

// fakeHub serves the slice of the Mailhub API the import stage touches:
// message counting, cursor-paginated listing, and per-message bodies.
type fakeHub struct {
	mu        sync.Mutex
	messages  []mailhub.Message
	bodies    map[string]string
	bodyCodes map[string]int
	listCalls int
}

func (h *fakeHub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages/count", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		n := len(h.messages)
		h.mu.Unlock()
		writeJSON(w, map[string]int{"count": n})
	})
	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.listCalls++
		off := 0
		if c := r.URL.Query().Get("cursor"); c != "" {
			off, _ = strconv.Atoi(c)
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		end := off + limit
		if end > len(h.messages) {
			end = len(h.messages)
		}
		if off > end {
			off = end
		}
		writeJSON(w, mailhub.MessagePage{
			Messages:   h.messages[off:end],
			NextCursor: strconv.Itoa(end),
			HasMore:    end < len(h.messages),
		})
	})
	mux.HandleFunc("/v1/messages/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/v1/messages/")
		h.mu.Lock()
		code, failed := h.bodyCodes[id]
		body := h.bodies[id]
		h.mu.Unlock()
		if failed {
			if code == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "5")
			}
			w.WriteHeader(code)
			return
		}
		writeJSON(w, map[string]string{"body": body})
	})
	return mux
}

func (h *fakeHub) listCallCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listCalls
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func hubMessages(n int) []mailhub.Message {
	msgs := make([]mailhub.Message, n)
	for i := range msgs {
		msgs[i] = mailhub.Message{
			ID:         fmt.Sprintf("MSG_%d", i+1),
			Folder:     "inbox",
			Subject:    fmt.Sprintf("Subject %d", i+1),
			From:       "customer@example.com",
			Snippet:    "snippet",
			ReceivedAt: "2025-05-01T10:00:00Z",
		}
	}
	return msgs
}

type importFixture struct {
	db    *sql.DB
	hub   *fakeHub
	stage *Stage
}

func newImportFixture(t *testing.T, total int) *importFixture {
	t.Helper()
	hub := &fakeHub{
		messages:  hubMessages(total),
		bodies:    map[string]string{},
		bodyCodes: map[string]int{},
	}
	for _, msg := range hub.messages {
		hub.bodies[msg.ID] = "Full body of " + msg.ID
	}
	srv := httptest.NewServer(hub.handler())
	t.Cleanup(srv.Close)

	db := plumetest.CreateMigratedTestDB(t)
	client := mailhub.NewClient(config.MailhubConfig{
		BaseURL:           srv.URL,
		APIKey:            "test-key",
		RequestsPerMinute: 6000,
	})
	return &importFixture{db: db, hub: hub, stage: New(db, client)}
}

func seedAccount(t *testing.T, db *sql.DB, workspaceID string) {
	t.Helper()
	now := stages.FmtTime(time.Now())
	_, err := db.Exec(`
		INSERT INTO mailbox_accounts (workspace_id, provider, address, access_token, status, connected_at, updated_at)
		VALUES (?, 'mailhub', 'owner@plume.test', 'MBX_TOKEN', 'connected', ?, ?)`,
		workspaceID, now, now)
	require.NoError(t, err)
}

// seedMessage plants a local row. Non-failed rows get a body, matching
// what a real import writes; failed rows stay body-less like a real
// failed import.
func seedMessage(t *testing.T, db *sql.DB, workspaceID, externalID, status string) {
	t.Helper()
	now := stages.FmtTime(time.Now())
	var body interface{}
	if status != "failed" {
		body = "seeded body of " + externalID
	}
	_, err := db.Exec(`
		INSERT INTO messages (workspace_id, external_id, folder, body, status, created_at, updated_at)
		VALUES (?, ?, 'inbox', ?, ?, ?, ?)`,
		workspaceID, externalID, body, status, now, now)
	require.NoError(t, err)
}

// seedMetadataRow plants the body-less pending row a mailbox sync leaves
// behind for the import stage to hydrate.
func seedMetadataRow(t *testing.T, db *sql.DB, workspaceID, externalID string) {
	t.Helper()
	now := stages.FmtTime(time.Now())
	_, err := db.Exec(`
		INSERT INTO messages (workspace_id, external_id, folder, status, created_at, updated_at)
		VALUES (?, ?, 'inbox', 'pending', ?, ?)`,
		workspaceID, externalID, now, now)
	require.NoError(t, err)
}

func importItems(msgs []mailhub.Message) []stint.Item {
	items := make([]stint.Item, len(msgs))
	for i, m := range msgs {
		items[i] = stint.Item{ExternalID: m.ID, Payload: m, Processable: true}
	}
	return items
}

func TestStageIdentity(t *testing.T) {
	f := newImportFixture(t, 0)
	assert.Equal(t, "mail.import", f.stage.Name())
	assert.Equal(t, "mail.classify", f.stage.NextStage())
}

func TestCountWorkSubtractsImported(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t, 30)
	seedAccount(t, f.db, "WS_1")

	n, err := f.stage.CountWork(ctx, "WS_1")
	require.NoError(t, err)
	assert.Equal(t, 30, n)

	for i := 1; i <= 10; i++ {
		seedMessage(t, f.db, "WS_1", fmt.Sprintf("MSG_%d", i), "pending")
	}
	for i := 11; i <= 13; i++ {
		seedMessage(t, f.db, "WS_1", fmt.Sprintf("MSG_%d", i), "failed")
	}

	// Failed local rows are not applied, so they stay inside the count.
	n, err = f.stage.CountWork(ctx, "WS_1")
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestCountWorkRequiresConnectedMailbox(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t, 5)

	_, err := f.stage.CountWork(ctx, "WS_1")
	require.Error(t, err)
	assert.True(t, errors.IsCredentialError(err))
}

func TestFetchPageSkipsAlreadyImported(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t, 4)
	seedAccount(t, f.db, "WS_1")
	seedMessage(t, f.db, "WS_1", "MSG_2", "processed")

	page, err := f.stage.FetchPage(ctx, "WS_1", "", 4)
	require.NoError(t, err)

	ids := make([]string, len(page.Items))
	for i, item := range page.Items {
		ids[i] = item.ExternalID
	}
	assert.Equal(t, []string{"MSG_1", "MSG_3", "MSG_4"}, ids)
	assert.Equal(t, "4", page.NextCursor)
	assert.False(t, page.HasMore)
	for _, item := range page.Items {
		assert.True(t, item.Processable)
	}
}

func TestFetchPageScansPastFullyImportedPages(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t, 6)
	seedAccount(t, f.db, "WS_1")
	for i := 1; i <= 3; i++ {
		seedMessage(t, f.db, "WS_1", fmt.Sprintf("MSG_%d", i), "processed")
	}

	// The first provider page is fully imported; one FetchPage call must
	// advance past it rather than hand the runner an empty page.
	page, err := f.stage.FetchPage(ctx, "WS_1", "", 3)
	require.NoError(t, err)

	require.Len(t, page.Items, 3)
	assert.Equal(t, "MSG_4", page.Items[0].ExternalID)
	assert.Equal(t, "6", page.NextCursor)
	assert.False(t, page.HasMore)
	assert.Equal(t, 2, f.hub.listCallCount())
}

func TestFetchPageRequeuesFailedImports(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t, 3)
	seedAccount(t, f.db, "WS_1")
	seedMessage(t, f.db, "WS_1", "MSG_1", "processed")
	seedMessage(t, f.db, "WS_1", "MSG_2", "failed")

	page, err := f.stage.FetchPage(ctx, "WS_1", "", 3)
	require.NoError(t, err)

	ids := make([]string, len(page.Items))
	for i, item := range page.Items {
		ids[i] = item.ExternalID
	}
	assert.Equal(t, []string{"MSG_2", "MSG_3"}, ids)
}

func TestFetchPageHydratesSyncMetadataRows(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t, 3)
	seedAccount(t, f.db, "WS_1")
	seedMessage(t, f.db, "WS_1", "MSG_1", "processed")
	seedMetadataRow(t, f.db, "WS_1", "MSG_2")

	// A sync run recorded MSG_2 without its body; import owes it a fetch.
	page, err := f.stage.FetchPage(ctx, "WS_1", "", 3)
	require.NoError(t, err)

	ids := make([]string, len(page.Items))
	for i, item := range page.Items {
		ids[i] = item.ExternalID
	}
	assert.Equal(t, []string{"MSG_2", "MSG_3"}, ids)
}

func TestFetchPageEmptyMailbox(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t, 0)
	seedAccount(t, f.db, "WS_1")

	page, err := f.stage.FetchPage(ctx, "WS_1", "", 50)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.False(t, page.HasMore)
}

func TestProcessBatchImportsBodies(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t, 3)
	seedAccount(t, f.db, "WS_1")

	res, err := f.stage.ProcessBatch(ctx, "WS_1", importItems(f.hub.messages))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Done)
	assert.Equal(t, 0, res.Failed)

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("MSG_%d", i)
		var body, status string
		err := f.db.QueryRow(`
			SELECT body, status FROM messages
			WHERE workspace_id = 'WS_1' AND external_id = ?`, id).
			Scan(&body, &status)
		require.NoError(t, err)
		assert.Equal(t, "Full body of "+id, body)
		assert.Equal(t, "pending", status)
	}
}

func TestProcessBatchReimportClearsEarlierFailure(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t, 1)
	seedAccount(t, f.db, "WS_1")
	seedMessage(t, f.db, "WS_1", "MSG_1", "failed")

	res, err := f.stage.ProcessBatch(ctx, "WS_1", importItems(f.hub.messages))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Done)

	var status string
	var lastErr sql.NullString
	err = f.db.QueryRow(`
		SELECT status, last_error FROM messages
		WHERE workspace_id = 'WS_1' AND external_id = 'MSG_1'`).
		Scan(&status, &lastErr)
	require.NoError(t, err)
	assert.Equal(t, "pending", status)
	assert.False(t, lastErr.Valid)
}

func TestProcessBatchRecordsPerItemFailure(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t, 3)
	seedAccount(t, f.db, "WS_1")
	f.hub.bodyCodes["MSG_2"] = http.StatusInternalServerError

	res, err := f.stage.ProcessBatch(ctx, "WS_1", importItems(f.hub.messages))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Done)
	assert.Equal(t, 1, res.Failed)

	var status string
	var lastErr sql.NullString
	err = f.db.QueryRow(`
		SELECT status, last_error FROM messages
		WHERE workspace_id = 'WS_1' AND external_id = 'MSG_2'`).
		Scan(&status, &lastErr)
	require.NoError(t, err)
	assert.Equal(t, "failed", status)
	require.True(t, lastErr.Valid)
	assert.Contains(t, lastErr.String, "status 500")
}

func TestProcessBatchEscalatesThrottle(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t, 3)
	seedAccount(t, f.db, "WS_1")
	f.hub.bodyCodes["MSG_1"] = http.StatusTooManyRequests

	_, err := f.stage.ProcessBatch(ctx, "WS_1", importItems(f.hub.messages))
	require.Error(t, err)
	assert.True(t, errors.IsRateLimitedError(err))

	var rl *errors.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 5*time.Second, rl.RetryAfter)

	// Escalation happens before any row lands so the batch retries whole.
	var n int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestProcessBatchEscalatesRevokedToken(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t, 2)
	seedAccount(t, f.db, "WS_1")
	f.hub.bodyCodes["MSG_2"] = http.StatusUnauthorized

	_, err := f.stage.ProcessBatch(ctx, "WS_1", importItems(f.hub.messages))
	require.Error(t, err)
	assert.True(t, errors.IsCredentialError(err))
}
