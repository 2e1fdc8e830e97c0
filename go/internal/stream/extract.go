package stream

import (
	"encoding/json"
	"sort"
	"strings"
)

// videoFields are the response field names known to carry a video locator, in
// lookup order.
var videoFields = []string{
	"video_url", "stream_url", "live_url", "rtc_url", "flv_url", "hls_url",
	"m3u8_url", "player_url", "iframe_url", "embed_url", "url", "src",
	"videoUrl", "streamUrl", "liveUrl", "rtcUrl", "flvUrl", "hlsUrl",
	"m3u8Url", "playerUrl", "iframeUrl", "embedUrl",
}

var tableIDFields = []string{"table_id", "tableId", "table", "code"}

// maxScanDepth bounds the last-resort walk so a pathological response cannot
// recurse without limit.
const maxScanDepth = 8

// strategy pulls candidates out of one object. Strategies never fail; an
// empty result means "try the next one".
type strategy func(obj map[string]any) []Candidate

var strategies = []strategy{
	namedFields,
	nestedFields,
	deepScan,
}

// Extract scans a decoded lobby response (an object, or an array of per-table
// objects) for video locators. When tableID is set and the response is an
// array whose elements carry a table id, only matching elements are scanned.
func Extract(response any, tableID string) []Candidate {
	objects := tableObjects(response, tableID)
	for _, run := range strategies {
		var found []Candidate
		for _, obj := range objects {
			found = append(found, run(obj)...)
		}
		if len(found) > 0 {
			return dedupe(found)
		}
	}
	return nil
}

// ExtractJSON decodes raw and runs Extract. Malformed JSON yields no
// candidates.
func ExtractJSON(raw []byte, tableID string) []Candidate {
	var response any
	if err := json.Unmarshal(raw, &response); err != nil {
		return nil
	}
	return Extract(response, tableID)
}

func tableObjects(response any, tableID string) []map[string]any {
	switch v := response.(type) {
	case map[string]any:
		// a wrapper like {"data": [...]} or {"tables": [...]} holds the per-table list
		for _, key := range []string{"data", "tables", "list", "result"} {
			if list, ok := v[key].([]any); ok {
				if objs, keyed := tableList(list, tableID); len(objs) > 0 || keyed {
					return objs
				}
			}
		}
		return []map[string]any{v}
	case []any:
		objs, _ := tableList(v, tableID)
		return objs
	default:
		return nil
	}
}

// tableList returns the elements for tableID. keyed reports whether any
// element carries a table id; a keyed list without a match yields nothing so
// another table's stream is never picked.
func tableList(list []any, tableID string) (objs []map[string]any, keyed bool) {
	var all, matched []map[string]any
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		all = append(all, obj)
		if hasTableID(obj) {
			keyed = true
			if matchesTable(obj, tableID) {
				matched = append(matched, obj)
			}
		}
	}
	if keyed && tableID != "" {
		return matched, true
	}
	return all, false
}

func hasTableID(obj map[string]any) bool {
	for _, f := range tableIDFields {
		if s, ok := obj[f].(string); ok && strings.TrimSpace(s) != "" {
			return true
		}
	}
	return false
}

func matchesTable(obj map[string]any, tableID string) bool {
	for _, f := range tableIDFields {
		if s, ok := obj[f].(string); ok && strings.EqualFold(strings.TrimSpace(s), tableID) {
			return true
		}
	}
	return false
}

func namedFields(obj map[string]any) []Candidate {
	var out []Candidate
	for _, f := range videoFields {
		s, ok := obj[f].(string)
		if !ok {
			continue
		}
		if c, ok := classified(s); ok {
			out = append(out, c)
		}
	}
	return out
}

func nestedFields(obj map[string]any) []Candidate {
	var out []Candidate
	if video, ok := obj["video"].(map[string]any); ok {
		out = append(out, namedFields(video)...)
	}
	if streams, ok := obj["streams"].([]any); ok {
		for _, item := range streams {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if s, ok := entry["url"].(string); ok {
				if c, ok := classified(s); ok {
					out = append(out, c)
				}
			}
		}
	}
	return out
}

func deepScan(obj map[string]any) []Candidate {
	var out []Candidate
	walk(obj, 0, func(s string) {
		if !IsAbsolute(s) {
			return
		}
		if c, ok := classified(s); ok {
			out = append(out, c)
		}
	})
	return out
}

func walk(v any, depth int, visit func(string)) {
	if depth > maxScanDepth {
		return
	}
	switch t := v.(type) {
	case string:
		visit(t)
	case []any:
		for _, item := range t {
			walk(item, depth+1, visit)
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(t[k], depth+1, visit)
		}
	}
}

func classified(s string) (Candidate, bool) {
	s = strings.TrimSpace(s)
	k := Classify(s)
	if k == KindUnknown {
		return Candidate{}, false
	}
	return Candidate{Kind: k, Locator: s}, true
}

func dedupe(cands []Candidate) []Candidate {
	seen := make(map[string]bool, len(cands))
	out := cands[:0]
	for _, c := range cands {
		if seen[c.Locator] {
			continue
		}
		seen[c.Locator] = true
		out = append(out, c)
	}
	return out
}
