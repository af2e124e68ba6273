package session

// Record is one result row, positionally matching the result's keys.
type Record []any

// Summary is the metadata the server attaches to a completed result
// stream.
type Summary struct {
	// Bookmark marks the committed state this result observed (autocommit)
	// or empty inside an explicit transaction.
	Bookmark string
	// QueryType is the server's classification: "r", "w", "rw" or "s".
	QueryType string
	// Database is the database the query ran against.
	Database string
	// Metadata is the raw trailing SUCCESS metadata for anything else.
	Metadata map[string]any
}

// Result is one fully consumed query result. Streams are drained before
// Result is returned, so a Result never holds a connection.
type Result struct {
	Keys    []string
	Records []Record
	Summary Summary
}

// Single returns the only record of the result, or false when the result
// does not have exactly one.
func (r *Result) Single() (Record, bool) {
	if len(r.Records) != 1 {
		return nil, false
	}
	return r.Records[0], true
}

func summaryFrom(meta map[string]any) Summary {
	s := Summary{Metadata: meta}
	if b, ok := meta["bookmark"].(string); ok {
		s.Bookmark = b
	}
	if t, ok := meta["type"].(string); ok {
		s.QueryType = t
	}
	if db, ok := meta["db"].(string); ok {
		s.Database = db
	}
	return s
}

func keysFrom(meta map[string]any) []string {
	raw, ok := meta["fields"].([]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(raw))
	for _, f := range raw {
		if s, ok := f.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys
}
