package ingest

import (
	"strings"

	"mailnotify/internal/types"
)

// ParseResourcePath extracts the owner and message ids from a resource path
// such as "Users/{owner}/Messages/{id}" or "users('{owner}')/messages('{id}')".
// Segment names match case-insensitively. Missing parts are returned as
// types.UnknownSegment.
func ParseResourcePath(resource string) (ownerID, messageID string) {
	ownerID, messageID = types.UnknownSegment, types.UnknownSegment

	segments := strings.Split(strings.Trim(resource, "/"), "/")
	for i := 0; i < len(segments); i++ {
		name, inlineID := splitSegment(segments[i])

		id := inlineID
		if id == "" && i+1 < len(segments) {
			if next, nextInline := splitSegment(segments[i+1]); nextInline == "" && next != "" {
				id = next
			}
		}
		if id == "" {
			continue
		}

		switch strings.ToLower(name) {
		case "users":
			ownerID = id
		case "messages":
			messageID = id
		default:
			continue
		}
		if inlineID == "" {
			i++
		}
	}
	return ownerID, messageID
}

// splitSegment separates "name('id')" into its name and id. Plain segments
// are returned with an empty id.
func splitSegment(seg string) (name, id string) {
	open := strings.IndexByte(seg, '(')
	if open < 0 || !strings.HasSuffix(seg, ")") {
		return seg, ""
	}
	id = strings.Trim(seg[open+1:len(seg)-1], `'"`)
	return seg[:open], id
}
