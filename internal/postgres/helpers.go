package postgres

import (
	"encoding/json"
	"log/slog"
)

// jsonb marshals v for a JSONB column, returning nil (SQL NULL) when v is
// nil or marshalling fails. Contact blobs and error logs go through here.
func jsonb(v any) []byte {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		slog.Warn("marshal jsonb column", "error", err)
		return nil
	}
	return b
}

// fromJSONB unmarshals a JSONB column into dst, tolerating NULL.
func fromJSONB(data []byte, dst any) {
	if len(data) == 0 {
		return
	}
	if err := json.Unmarshal(data, dst); err != nil {
		slog.Warn("unmarshal jsonb column", "error", err)
	}
}
