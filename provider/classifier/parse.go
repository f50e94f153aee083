package classifier

import (
	"encoding/json"
	"strings"

	"github.com/plumehq/plume/errors"
)

// ExtractJSONArray digs the answer array out of model output that may
// wrap it in markdown fences or prose. Raw entries come back undecoded;
// per-entry validation is the caller's problem, because an array that
// parses can still contain garbage entries.
func ExtractJSONArray(content string) ([]json.RawMessage, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end < start {
		return nil, errors.Newf("no JSON array in classifier response")
	}

	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(content[start:end+1]), &entries); err != nil {
		return nil, errors.Wrap(err, "classifier response array did not parse")
	}
	return entries, nil
}
