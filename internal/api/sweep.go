package api

import (
	"strings"

	"github.com/google/uuid"
)

// expandSweep computes the Cartesian product of req.Params and req.CSVRows
// against req.Base, rendering req.NameTemplate per derived job, and
// returns one SubmissionRequest per combination plus the group id to tag
// them all with (spec.md §4.2). If req.Jobs is already populated, the
// request is treated as a pre-expanded batch and this function is not
// consulted by the handler.
func expandSweep(req BatchRequest) ([]SubmissionRequest, string) {
	groupID := req.GroupID
	if groupID == "" {
		groupID = uuid.NewString()
	}

	combos := cartesianCombos(req.Params)
	if len(req.CSVRows) > 0 {
		combos = mergeWithRows(combos, req.CSVRows)
	}
	if len(combos) == 0 {
		combos = []map[string]string{{}}
	}

	jobs := make([]SubmissionRequest, 0, len(combos))
	for _, combo := range combos {
		j := req.Base
		j.GroupID = groupID
		if req.NameTemplate != "" {
			j.Name = renderTemplate(req.NameTemplate, combo)
		}
		jobs = append(jobs, j)
	}
	return jobs, groupID
}

// cartesianCombos returns the Cartesian product of params as a slice of
// key->value maps, one per combination. A nil/empty params yields nil (no
// combinations); expandSweep turns that into a single empty combination.
func cartesianCombos(params map[string][]string) []map[string]string {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}

	combos := []map[string]string{{}}
	for _, key := range keys {
		values := params[key]
		next := make([]map[string]string, 0, len(combos)*len(values))
		for _, combo := range combos {
			for _, v := range values {
				merged := make(map[string]string, len(combo)+1)
				for k, existing := range combo {
					merged[k] = existing
				}
				merged[key] = v
				next = append(next, merged)
			}
		}
		combos = next
	}
	return combos
}

// mergeWithRows combines each existing combination with each CSV row,
// producing len(combos) * len(rows) results (the full Cartesian product
// across both sources, per spec.md §4.2).
func mergeWithRows(combos []map[string]string, rows []map[string]string) []map[string]string {
	if len(combos) == 0 {
		combos = []map[string]string{{}}
	}
	out := make([]map[string]string, 0, len(combos)*len(rows))
	for _, combo := range combos {
		for _, row := range rows {
			merged := make(map[string]string, len(combo)+len(row))
			for k, v := range combo {
				merged[k] = v
			}
			for k, v := range row {
				merged[k] = v
			}
			out = append(out, merged)
		}
	}
	return out
}

// renderTemplate replaces every "{key}" in tmpl with vals[key].
func renderTemplate(tmpl string, vals map[string]string) string {
	out := tmpl
	for k, v := range vals {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}
