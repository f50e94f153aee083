package mailsync

import (
	"encoding/json"

	"github.com/plumehq/plume/errors"
)

// syncCursor is the resume position of a sync job: the folder list
// pinned when the job first listed it, the folder currently being
// drained, an in-flight page token, and the durable per-folder sync
// tokens earned so far. Tokens only become the workspace baseline once
// the pages they conclude have been applied, which the engine guarantees
// by checkpointing cursors strictly behind applied work.
type syncCursor struct {
	Folders    []string          `json:"folders"`
	Current    int               `json:"current"`
	PageToken  string            `json:"page_token,omitempty"`
	SyncTokens map[string]string `json:"sync_tokens,omitempty"`
}

// parseSyncCursor decodes a job cursor. An empty cursor means the job
// has not fetched anything yet and returns nil.
func parseSyncCursor(s string) (*syncCursor, error) {
	if s == "" {
		return nil, nil
	}
	cur := &syncCursor{}
	if err := json.Unmarshal([]byte(s), cur); err != nil {
		return nil, errors.Wrapf(err, "malformed sync cursor %q", s)
	}
	if cur.SyncTokens == nil {
		cur.SyncTokens = map[string]string{}
	}
	return cur, nil
}

func (c *syncCursor) encode() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode sync cursor")
	}
	return string(raw), nil
}

// folder names the folder being drained; drained reports whether every
// folder has been.
func (c *syncCursor) folder() string { return c.Folders[c.Current] }
func (c *syncCursor) drained() bool  { return c.Current >= len(c.Folders) }

// clone copies the cursor so a page's NextCursor never aliases the
// position the current page was fetched from.
func (c *syncCursor) clone() *syncCursor {
	tokens := make(map[string]string, len(c.SyncTokens))
	for k, v := range c.SyncTokens {
		tokens[k] = v
	}
	return &syncCursor{
		Folders:    append([]string(nil), c.Folders...),
		Current:    c.Current,
		PageToken:  c.PageToken,
		SyncTokens: tokens,
	}
}
