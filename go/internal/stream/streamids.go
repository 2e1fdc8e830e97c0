package stream

import (
	"fmt"
	"regexp"
	"strings"
)

// tablePattern matches the numbered tables whose stream id can be derived
// without a map entry: CFnn -> 10nn2.
var tablePattern = regexp.MustCompile(`^CF(\d{2})$`)

// StreamIDs maps table identifiers onto upstream stream ids. The static
// entries win over the derived formula; both agree for every CFnn table.
type StreamIDs struct {
	static map[string]string
}

// DefaultStreamIDs returns the map shipped with the client.
func DefaultStreamIDs() StreamIDs {
	return NewStreamIDs(map[string]string{
		"CF01": "1012",
		"CF02": "1022",
	})
}

// NewStreamIDs builds a map from table id to stream id. Keys are matched
// case-insensitively.
func NewStreamIDs(entries map[string]string) StreamIDs {
	static := make(map[string]string, len(entries))
	for table, id := range entries {
		static[strings.ToUpper(strings.TrimSpace(table))] = strings.TrimSpace(id)
	}
	return StreamIDs{static: static}
}

// Lookup returns the stream id for tableID, falling back to the numeric
// formula for CFnn tables.
func (m StreamIDs) Lookup(tableID string) (string, bool) {
	key := strings.ToUpper(strings.TrimSpace(tableID))
	if id, ok := m.static[key]; ok && id != "" {
		return id, true
	}
	if match := tablePattern.FindStringSubmatch(key); match != nil {
		return fmt.Sprintf("10%s2", match[1]), true
	}
	return "", false
}
