package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// RepairStats describes what a repair pass recovered
type RepairStats struct {
	Objects        int
	Salvaged       int
	DiscardedBytes int
}

// EntryValidator rejects a single document entry
type EntryValidator func(key string, value json.RawMessage) error

// RequireObject is an EntryValidator accepting only JSON object entries
func RequireObject(key string, value json.RawMessage) error {
	if len(value) == 0 || value[0] != '{' {
		return fmt.Errorf("entry %q is not an object", key)
	}
	return nil
}

// Repair rebuilds a document from damaged content in a single pass.
// Every complete top-level object is merged into the result in order, so
// later objects win on duplicate keys. For an object that is truncated or
// malformed, each member that parses on its own is kept. Anything else is
// counted as discarded. Content that is already a valid object comes back
// unchanged.
func Repair(raw []byte) (Document, RepairStats) {
	doc := make(Document)
	var stats RepairStats

	for i := 0; i < len(raw); {
		if raw[i] != '{' {
			if !isSpace(raw[i]) {
				stats.DiscardedBytes++
			}
			i++
			continue
		}

		end, closed := scanObject(raw, i)
		chunk := raw[i:end]

		var obj Document
		if closed && json.Unmarshal(chunk, &obj) == nil {
			for k, v := range obj {
				doc[k] = v
			}
			stats.Objects++
		} else {
			salvaged, lost := salvageMembers(chunk, doc)
			stats.Salvaged += salvaged
			stats.DiscardedBytes += lost
		}
		i = end
	}

	return doc, stats
}

// scanObject returns the index after the brace closing the object opened
// at start, or len(raw) and false if the input ends first
func scanObject(raw []byte, start int) (int, bool) {
	depth := 0
	inString, escaped := false, false
	for j := start; j < len(raw); j++ {
		c := raw[j]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return j + 1, true
			}
		}
	}
	return len(raw), false
}

// salvageMembers merges every member of a broken object that parses on its
// own into doc. It returns how many members were kept and how many bytes
// were lost.
func salvageMembers(chunk []byte, doc Document) (int, int) {
	if len(chunk) == 0 {
		return 0, 0
	}
	body := chunk[1:]
	kept, lost := 0, 0

	flush := func(seg []byte) {
		seg = bytes.TrimSpace(seg)
		if len(seg) == 0 {
			return
		}
		candidate := make([]byte, 0, len(seg)+2)
		candidate = append(candidate, '{')
		candidate = append(candidate, seg...)
		candidate = append(candidate, '}')

		var member Document
		if err := json.Unmarshal(candidate, &member); err != nil || len(member) != 1 {
			lost += len(seg)
			return
		}
		for k, v := range member {
			doc[k] = v
		}
		kept++
	}

	depth := 0
	inString, escaped := false, false
	segStart := 0
	for j := 0; j < len(body); j++ {
		c := body[j]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			if depth == 0 {
				flush(body[segStart:j])
				segStart = len(body)
				j = len(body)
				continue
			}
			depth--
		case ',':
			if depth == 0 {
				flush(body[segStart:j])
				segStart = j + 1
			}
		}
	}
	if segStart < len(body) {
		flush(body[segStart:])
	}
	return kept, lost
}

// Sanitize returns a copy of doc holding only entries that re-serialize
// cleanly and pass validate. Values are compacted. Dropped keys are
// returned sorted.
func Sanitize(doc Document, validate EntryValidator) (Document, []string) {
	clean := make(Document, len(doc))
	var dropped []string
	for key, value := range doc {
		var buf bytes.Buffer
		if err := json.Compact(&buf, value); err != nil {
			dropped = append(dropped, key)
			continue
		}
		compacted := buf.Bytes()
		if validate != nil {
			if err := validate(key, compacted); err != nil {
				dropped = append(dropped, key)
				continue
			}
		}
		clean[key] = compacted
	}
	sort.Strings(dropped)
	return clean, dropped
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
