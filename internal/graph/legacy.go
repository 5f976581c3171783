package graph

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ImportLegacy normalizes a denormalized dependency field into edge rows. A
// JSON array ("[1,2]" or "[\"1\",\"2\"]"), a comma-separated string
// ("1,2,3"), and a bare identifier ("7") all produce the same edge set.
// Malformed entries and edges that fail validation are logged and skipped
// rather than aborting the batch. Returns the number of edges inserted.
func (g *Graph) ImportLegacy(taskID int64, raw string) (int, error) {
	ids := g.parseLegacy(taskID, raw)

	added := 0
	for _, depID := range ids {
		if err := g.AddDependency(taskID, depID); err != nil {
			g.log.Warn().Int64("task_id", taskID).Int64("depends_on", depID).
				Err(err).Msg("skipping legacy dependency edge")
			continue
		}
		added++
	}
	return added, nil
}

func (g *Graph) parseLegacy(taskID int64, raw string) []int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "[]" || raw == "null" {
		return nil
	}

	if strings.HasPrefix(raw, "[") {
		return g.parseLegacyJSON(taskID, raw)
	}

	var ids []int64
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		id, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			g.log.Warn().Int64("task_id", taskID).Str("token", token).
				Msg("skipping malformed legacy dependency token")
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (g *Graph) parseLegacyJSON(taskID int64, raw string) []int64 {
	// Elements may be numbers or numeric strings; anything else is
	// skipped.
	var elems []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &elems); err != nil {
		g.log.Warn().Int64("task_id", taskID).Err(err).
			Msg("skipping malformed legacy dependency array")
		return nil
	}

	var ids []int64
	for _, elem := range elems {
		var n int64
		if err := json.Unmarshal(elem, &n); err == nil {
			ids = append(ids, n)
			continue
		}
		var s string
		if err := json.Unmarshal(elem, &s); err == nil {
			if id, perr := strconv.ParseInt(strings.TrimSpace(s), 10, 64); perr == nil {
				ids = append(ids, id)
				continue
			}
		}
		g.log.Warn().Int64("task_id", taskID).Str("element", string(elem)).
			Msg("skipping malformed legacy dependency element")
	}
	return ids
}
