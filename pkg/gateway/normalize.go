package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/jdziat/sniper/pkg/core"
)

// Field aliases accepted in pushed results, in lookup order.
var aliases = struct {
	task    []string
	profile []string
	status  []string
	message []string
}{
	task:    []string{"task_id", "taskId", "item_id", "itemId", "id"},
	profile: []string{"profile_url", "profileUrl", "linkedin_url", "linkedinUrl", "url"},
	status:  []string{"status", "result", "final_status", "finalStatus", "outcome"},
	message: []string{"message", "error", "error_message", "errorMessage", "reason"},
}

// External outcome vocabulary.
const (
	StatusSent             = "SENT"
	StatusAlreadyPending   = "ALREADY_PENDING"
	StatusAlreadyConnected = "ALREADY_CONNECTED"
	StatusAuthRequired     = "AUTH_REQUIRED"
)

// Result is a pushed outcome after alias resolution.
type Result struct {
	TaskID     string
	ProfileURL string
	// Status is upper-cased, e.g. SENT.
	Status  string
	Message string
	// Output is the nested output object, if one was sent.
	Output map[string]any
}

// Normalize resolves a pushed payload. Fields may sit at the top level or
// inside "output", given as an object or a JSON-encoded string; top-level
// values win. A payload without a task or profile, or without a status, is
// rejected.
func Normalize(body map[string]any) (Result, error) {
	var r Result
	r.Output = nestedOutput(body["output"])

	sources := []map[string]any{body}
	if r.Output != nil {
		sources = append(sources, r.Output)
	}

	r.TaskID = lookup(sources, aliases.task)
	r.ProfileURL = lookup(sources, aliases.profile)
	r.Status = strings.ToUpper(lookup(sources, aliases.status))
	r.Message = lookup(sources, aliases.message)

	if r.TaskID == "" && r.ProfileURL == "" {
		return Result{}, errors.Wrap(core.ErrInvalidInput, "result needs a task id or profile url")
	}
	if r.Status == "" {
		return Result{}, errors.Wrap(core.ErrInvalidInput, "result needs a status")
	}
	return r, nil
}

func nestedOutput(v any) map[string]any {
	switch out := v.(type) {
	case map[string]any:
		return out
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(out), &m); err == nil {
			return m
		}
	}
	return nil
}

func lookup(sources []map[string]any, keys []string) string {
	for _, src := range sources {
		for _, k := range keys {
			if s := scalar(src[k]); s != "" {
				return s
			}
		}
	}
	return ""
}

func scalar(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64, bool, json.Number:
		return fmt.Sprint(x)
	}
	return ""
}

// ItemStatusFor maps an external outcome to an item status. Anything
// unrecognized counts as a failure.
func ItemStatusFor(status string) core.ItemStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case StatusSent:
		return core.ItemSucceededVerified
	case StatusAlreadyPending:
		return core.ItemSucceededAlreadyPending
	case StatusAlreadyConnected:
		return core.ItemSucceededAlreadyConnected
	case StatusAuthRequired:
		return core.ItemAuthRequired
	}
	return core.ItemFailed
}
