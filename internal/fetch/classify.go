package fetch

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/upstreamcache/upstream-cache/model"
)

// Classify turns an origin body into the stored payload form by content
// type: JSON documents are kept as-is (compacted), textual bodies — any body
// that is valid UTF-8 — become a JSON string, everything else is
// base64-wrapped.
func Classify(contentType string, body []byte) (json.RawMessage, model.Encoding) {
	ct := strings.ToLower(contentType)

	if strings.Contains(ct, "json") && json.Valid(body) {
		var buf bytes.Buffer
		if json.Compact(&buf, body) == nil {
			return json.RawMessage(buf.Bytes()), model.EncodingJSON
		}
		return json.RawMessage(body), model.EncodingJSON
	}

	if strings.HasPrefix(ct, "text/") || strings.Contains(ct, "xml") ||
		strings.Contains(ct, "charset") || utf8.Valid(body) {
		quoted, err := json.Marshal(string(body))
		if err == nil {
			return quoted, model.EncodingText
		}
	}

	quoted, _ := json.Marshal(base64.StdEncoding.EncodeToString(body))
	return quoted, model.EncodingBase64
}
