// Package event builds deterministic notification event identities.
//
// An event id names one logical occurrence ("gameweek 17 published") and is
// the dedup key for the dispatch ledger: the same business moment must map to
// the same id no matter which code path, process, or retry produced it.
// Grouping identifiers (collapse/thread) drive provider-side stacking and
// replacement and are derived from the same inputs.
package event

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prediktapp/notify/internal/config"
)

// Event is one logical notification occurrence to fan out to users.
type Event struct {
	Key            string         // category key, e.g. "new-gameweek"
	EventID        string         // dedup identity; derived when empty
	Title          string
	Body           string
	Data           map[string]any // opaque payload forwarded to clients
	GroupingParams map[string]any // business fields, e.g. {"gameweek": 17}
	BadgeCount     *int
}

// Group carries provider-level grouping identifiers.
type Group struct {
	CollapseID string // identical ids replace each other on the device
	ThreadID   string // identical ids stack into one notification group
}

// BuildEventID derives the deterministic id for a category and its business
// params, e.g. ("new-gameweek", {"gameweek": 17}) -> "new_gw:17". Unregistered
// keys or missing id fields fall back to a millisecond timestamp id, which
// disables dedup for that event; ad hoc admin broadcasts rely on this.
// Always returns a non-empty string and never fails.
func BuildEventID(key string, params map[string]any) string {
	cat, ok := config.Category(key)
	if !ok {
		return timestampID(key)
	}
	if len(cat.IDFields) == 0 {
		return timestampID(cat.IDPrefix)
	}

	parts := make([]string, 0, len(cat.IDFields)+1)
	parts = append(parts, cat.IDPrefix)
	for _, field := range cat.IDFields {
		v, found := params[field]
		if !found {
			return timestampID(cat.IDPrefix)
		}
		parts = append(parts, formatParam(v))
	}
	return strings.Join(parts, ":")
}

// Grouping derives collapse/thread identifiers for an event. Identical key
// and params always yield identical identifiers. The thread id groups by the
// category's container field (first id field) so that, say, every message in
// league 42 stacks under "chat:42", while the collapse id carries the full
// param set so an identical re-send replaces rather than duplicates.
func Grouping(key string, params map[string]any) Group {
	prefix := key
	cat, registered := config.Category(key)
	if registered {
		prefix = cat.IDPrefix
	}

	if len(params) == 0 {
		// Nothing to collapse on; parameterless events stay distinct.
		return Group{ThreadID: prefix}
	}

	joined := joinSorted(params)
	g := Group{CollapseID: prefix + ":" + joined, ThreadID: prefix + ":" + joined}
	if registered && len(cat.IDFields) > 0 {
		if v, found := params[cat.IDFields[0]]; found {
			g.ThreadID = prefix + ":" + formatParam(v)
		}
	}
	return g
}

// timestampID builds a fallback id from the current wall clock.
func timestampID(prefix string) string {
	return prefix + ":" + strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// joinSorted renders params as "k=v" pairs in sorted key order.
func joinSorted(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+formatParam(params[k]))
	}
	return strings.Join(pairs, ":")
}

// formatParam renders a param value canonically. JSON decoding hands us
// numbers as float64, which must print as "17", not "17.000000".
func formatParam(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%v", x)
	}
}
