package mailsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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

type deltaPage struct {
	Msgs      []mailhub.Message
	NextToken string
	HasMore   bool
}

// syncHub serves the slice of the Mailhub API the sync stage touches:
// folder listing, per-folder deltas and counts, and the async sync-run
// endpoints.
type syncHub struct {
	mu         sync.Mutex
	folders    []string
	pages      map[string]map[string]deltaPage // folder -> incoming token -> page
	counts     map[string]int
	runID      string
	runDone    bool
	startCalls int
	deltaCalls []string // "folder|token"
	countCalls []string
}

func (h *syncHub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/folders", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		folders := append([]string(nil), h.folders...)
		h.mu.Unlock()
		writeJSON(w, map[string][]string{"folders": folders})
	})
	mux.HandleFunc("/v1/sync/delta", func(w http.ResponseWriter, r *http.Request) {
		folder := r.URL.Query().Get("folder")
		token := r.URL.Query().Get("sync_token")
		h.mu.Lock()
		h.deltaCalls = append(h.deltaCalls, folder+"|"+token)
		page, ok := h.pages[folder][token]
		h.mu.Unlock()
		if !ok {
			page = deltaPage{NextToken: "ST_" + folder + "_fresh"}
		}
		writeJSON(w, mailhub.FolderDelta{
			Messages:  page.Msgs,
			NextToken: page.NextToken,
			HasMore:   page.HasMore,
		})
	})
	mux.HandleFunc("/v1/sync/delta/count", func(w http.ResponseWriter, r *http.Request) {
		folder := r.URL.Query().Get("folder")
		token := r.URL.Query().Get("sync_token")
		h.mu.Lock()
		h.countCalls = append(h.countCalls, folder+"|"+token)
		n := h.counts[folder]
		h.mu.Unlock()
		writeJSON(w, map[string]int{"count": n})
	})
	mux.HandleFunc("/v1/sync/runs", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.startCalls++
		id := h.runID
		h.mu.Unlock()
		writeJSON(w, map[string]string{"run_id": id})
	})
	mux.HandleFunc("/v1/sync/runs/", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		done := h.runDone
		h.mu.Unlock()
		status := "preparing"
		if done {
			status = "done"
		}
		writeJSON(w, map[string]string{"status": status})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type syncFixture struct {
	db    *sql.DB
	hub   *syncHub
	stage *Stage
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	hub := &syncHub{
		pages:   map[string]map[string]deltaPage{},
		counts:  map[string]int{},
		runID:   "SR_1",
		runDone: true,
	}
	srv := httptest.NewServer(hub.handler())
	t.Cleanup(srv.Close)

	db := plumetest.CreateMigratedTestDB(t)
	client := mailhub.NewClient(config.MailhubConfig{
		BaseURL:           srv.URL,
		APIKey:            "test-key",
		RequestsPerMinute: 6000,
	})
	return &syncFixture{db: db, hub: hub, stage: New(db, client)}
}

func (h *syncHub) setPage(folder, token string, page deltaPage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pages[folder] == nil {
		h.pages[folder] = map[string]deltaPage{}
	}
	h.pages[folder][token] = page
}

func (h *syncHub) calls() (deltas, counts []string, starts int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.deltaCalls...), append([]string(nil), h.countCalls...), h.startCalls
}

func seedAccount(t *testing.T, db *sql.DB, workspaceID string, tokens map[string]string) {
	t.Helper()
	now := stages.FmtTime(time.Now())
	var foldersJSON interface{}
	if len(tokens) > 0 {
		raw, err := json.Marshal(tokens)
		require.NoError(t, err)
		foldersJSON = string(raw)
	}
	_, err := db.Exec(`
		INSERT INTO mailbox_accounts (workspace_id, provider, address, access_token, status, folders_json, connected_at, updated_at)
		VALUES (?, 'mailhub', 'owner@plume.test', 'MBX_TOKEN', 'connected', ?, ?, ?)`,
		workspaceID, foldersJSON, now, now)
	require.NoError(t, err)
}

func deltaMsg(id, folder string) mailhub.Message {
	return mailhub.Message{
		ID:      id,
		Folder:  folder,
		Subject: "Subject " + id,
		From:    "customer@example.com",
		Snippet: "snippet",
	}
}

func mustCursor(t *testing.T, cur *syncCursor) string {
	t.Helper()
	enc, err := cur.encode()
	require.NoError(t, err)
	return enc
}

func parsedCursor(t *testing.T, enc string) *syncCursor {
	t.Helper()
	cur, err := parseSyncCursor(enc)
	require.NoError(t, err)
	require.NotNil(t, cur)
	return cur
}

func TestStageIsTerminal(t *testing.T) {
	f := newSyncFixture(t)
	assert.Equal(t, "mail.sync", f.stage.Name())
	assert.Equal(t, "", f.stage.NextStage())
}

func TestCountWorkSumsFolderDeltas(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)
	f.hub.folders = []string{"inbox", "sent"}
	f.hub.counts = map[string]int{"inbox": 7, "sent": 3}
	seedAccount(t, f.db, "WS_1", map[string]string{"inbox": "ST_8"})

	n, err := f.stage.CountWork(ctx, "WS_1")
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	_, counts, _ := f.hub.calls()
	assert.Equal(t, []string{"inbox|ST_8", "sent|"}, counts)
}

func TestCountWorkRequiresConnectedMailbox(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)

	_, err := f.stage.CountWork(ctx, "WS_1")
	require.Error(t, err)
	assert.True(t, errors.IsCredentialError(err))
}

func TestFetchPageWaitsForSnapshotPrepare(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)
	f.hub.runDone = false
	seedAccount(t, f.db, "WS_1", nil)

	page, err := f.stage.FetchPage(ctx, "WS_1", "", 50)
	require.NoError(t, err)

	require.Len(t, page.Items, 1)
	assert.False(t, page.Items[0].Processable)
	assert.True(t, page.HasMore)
	assert.Equal(t, "SR_1", page.ExternalRef)
	assert.Empty(t, page.NextCursor)

	_, _, starts := f.hub.calls()
	assert.Equal(t, 1, starts)
}

func TestFetchPageDrainsFolderOnceReady(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)
	f.hub.folders = []string{"inbox"}
	f.hub.setPage("inbox", "", deltaPage{
		Msgs:      []mailhub.Message{deltaMsg("MSG_1", "inbox"), deltaMsg("MSG_2", "inbox")},
		NextToken: "PT_1",
		HasMore:   true,
	})
	seedAccount(t, f.db, "WS_1", nil)

	page, err := f.stage.FetchPage(ctx, "WS_1", "", 50)
	require.NoError(t, err)

	require.Len(t, page.Items, 2)
	assert.True(t, page.Items[0].Processable)
	assert.Equal(t, "MSG_1", page.Items[0].ExternalID)
	assert.Equal(t, "MSG_1", page.Items[0].Payload.(deltaItem).msg.ID)
	assert.Nil(t, page.Items[1].Payload.(deltaItem).tokens)
	assert.True(t, page.HasMore)
	assert.Empty(t, page.ExternalRef)

	cur := parsedCursor(t, page.NextCursor)
	assert.Equal(t, []string{"inbox"}, cur.Folders)
	assert.Equal(t, 0, cur.Current)
	assert.Equal(t, "PT_1", cur.PageToken)
}

func TestFetchPageClosesFolderThroughLastItem(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)
	f.hub.setPage("inbox", "PT_1", deltaPage{
		Msgs:      []mailhub.Message{deltaMsg("MSG_3", "inbox")},
		NextToken: "ST_inbox_2",
		HasMore:   false,
	})
	seedAccount(t, f.db, "WS_1", nil)

	cursor := mustCursor(t, &syncCursor{
		Folders:    []string{"inbox", "sent"},
		Current:    0,
		PageToken:  "PT_1",
		SyncTokens: map[string]string{},
	})

	page, err := f.stage.FetchPage(ctx, "WS_1", cursor, 50)
	require.NoError(t, err)

	require.Len(t, page.Items, 1)
	di := page.Items[0].Payload.(deltaItem)
	assert.Equal(t, map[string]string{"inbox": "ST_inbox_2"}, di.tokens)
	assert.True(t, page.HasMore)

	cur := parsedCursor(t, page.NextCursor)
	assert.Equal(t, 1, cur.Current)
	assert.Equal(t, "", cur.PageToken)
	assert.Equal(t, "ST_inbox_2", cur.SyncTokens["inbox"])
}

func TestFetchPageSkipsQuietFolders(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)
	f.hub.setPage("sent", "", deltaPage{NextToken: "ST_sent_2", HasMore: false})
	f.hub.setPage("archive", "", deltaPage{
		Msgs:      []mailhub.Message{deltaMsg("MSG_9", "archive")},
		NextToken: "ST_arch_2",
		HasMore:   false,
	})
	seedAccount(t, f.db, "WS_1", nil)

	cursor := mustCursor(t, &syncCursor{
		Folders:    []string{"sent", "archive"},
		SyncTokens: map[string]string{},
	})

	page, err := f.stage.FetchPage(ctx, "WS_1", cursor, 50)
	require.NoError(t, err)

	require.Len(t, page.Items, 1)
	assert.Equal(t, "MSG_9", page.Items[0].ExternalID)
	assert.False(t, page.HasMore)

	// The quiet folder's fresh token rides along with the closing item.
	di := page.Items[0].Payload.(deltaItem)
	assert.Equal(t, map[string]string{"sent": "ST_sent_2", "archive": "ST_arch_2"}, di.tokens)

	cur := parsedCursor(t, page.NextCursor)
	assert.Equal(t, 2, cur.Current)

	deltas, _, _ := f.hub.calls()
	assert.Equal(t, []string{"sent|", "archive|"}, deltas)
}

func TestFetchPageResumesFromCursorBaseline(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)
	f.hub.setPage("inbox", "ST_9", deltaPage{
		Msgs:      []mailhub.Message{deltaMsg("MSG_1", "inbox")},
		NextToken: "ST_10",
		HasMore:   false,
	})
	seedAccount(t, f.db, "WS_1", nil)

	cursor := mustCursor(t, &syncCursor{
		Folders:    []string{"inbox"},
		SyncTokens: map[string]string{"inbox": "ST_9"},
	})

	page, err := f.stage.FetchPage(ctx, "WS_1", cursor, 50)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	deltas, _, _ := f.hub.calls()
	assert.Equal(t, []string{"inbox|ST_9"}, deltas)
}

func TestFetchPageDrainedCursorEndsTheSource(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)
	seedAccount(t, f.db, "WS_1", nil)

	cursor := mustCursor(t, &syncCursor{
		Folders:    []string{"inbox"},
		Current:    1,
		SyncTokens: map[string]string{"inbox": "ST_2"},
	})

	page, err := f.stage.FetchPage(ctx, "WS_1", cursor, 50)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.False(t, page.HasMore)

	deltas, _, _ := f.hub.calls()
	assert.Empty(t, deltas)
}

func TestProcessBatchLandsMetadata(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)
	seedAccount(t, f.db, "WS_1", nil)

	// MSG_1 was imported and classified before the provider reported it
	// changed again.
	now := stages.FmtTime(time.Now())
	_, err := f.db.Exec(`
		INSERT INTO messages (workspace_id, external_id, folder, body, category, confidence, status, created_at, updated_at)
		VALUES ('WS_1', 'MSG_1', 'inbox', 'old body', 'spam', 0.9, 'processed', ?, ?)`,
		now, now)
	require.NoError(t, err)

	items := []stint.Item{
		{ExternalID: "MSG_1", Payload: deltaItem{msg: deltaMsg("MSG_1", "inbox")}, Processable: true},
		{ExternalID: "MSG_2", Payload: deltaItem{msg: deltaMsg("MSG_2", "inbox")}, Processable: true},
	}
	res, err := f.stage.ProcessBatch(ctx, "WS_1", items)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Done)

	for _, id := range []string{"MSG_1", "MSG_2"} {
		var status string
		var body, category sql.NullString
		err := f.db.QueryRow(`
			SELECT status, body, category FROM messages
			WHERE workspace_id = 'WS_1' AND external_id = ?`, id).
			Scan(&status, &body, &category)
		require.NoError(t, err)
		assert.Equal(t, "pending", status, id)
		assert.False(t, body.Valid, "changed message %s must lose its stale body", id)
		assert.False(t, category.Valid, id)
	}
}

func TestProcessBatchPersistsBaselineFromClosingItem(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)
	seedAccount(t, f.db, "WS_1", map[string]string{"inbox": "ST_1"})

	items := []stint.Item{
		{ExternalID: "MSG_1", Payload: deltaItem{msg: deltaMsg("MSG_1", "inbox")}, Processable: true},
		{ExternalID: "MSG_2", Payload: deltaItem{
			msg:    deltaMsg("MSG_2", "inbox"),
			tokens: map[string]string{"inbox": "ST_2", "sent": "ST_sent_1"},
		}, Processable: true},
	}
	_, err := f.stage.ProcessBatch(ctx, "WS_1", items)
	require.NoError(t, err)

	account, err := stages.LoadMailboxAccount(ctx, f.db, "WS_1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"inbox": "ST_2", "sent": "ST_sent_1"}, account.SyncTokens)
}

func TestPollRunStatus(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)
	seedAccount(t, f.db, "WS_1", nil)
	f.hub.runDone = false

	done, err := f.stage.PollRunStatus(ctx, "WS_1", "SR_1")
	require.NoError(t, err)
	assert.False(t, done)

	f.hub.mu.Lock()
	f.hub.runDone = true
	f.hub.mu.Unlock()

	done, err = f.stage.PollRunStatus(ctx, "WS_1", "SR_1")
	require.NoError(t, err)
	assert.True(t, done)

	_, err = f.stage.PollRunStatus(ctx, "WS_2", "SR_1")
	require.Error(t, err)
	assert.True(t, errors.IsCredentialError(err))
}

func TestSyncCursorRoundTrip(t *testing.T) {
	cur, err := parseSyncCursor("")
	require.NoError(t, err)
	assert.Nil(t, cur)

	orig := &syncCursor{
		Folders:    []string{"inbox", "sent"},
		Current:    1,
		PageToken:  "PT_3",
		SyncTokens: map[string]string{"inbox": "ST_2"},
	}
	enc, err := orig.encode()
	require.NoError(t, err)

	back, err := parseSyncCursor(enc)
	require.NoError(t, err)
	assert.Equal(t, orig, back)

	_, err = parseSyncCursor("{not json")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "malformed sync cursor"))
}
