package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/MozScout/scout-xcode/internal/jobutil"
)

// Request is a parsed transcode request. Unknown body fields are ignored.
type Request struct {
	Filename string `json:"filename"`
}

// ParseRequest decodes a message body. A body that is not a JSON object,
// or whose filename is missing, empty or not a string, is a
// MessageFormatError carrying the raw body.
func ParseRequest(body string) (Request, error) {
	var req Request
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return Request{}, jobutil.Wrap(jobutil.KindMessageFormat, "invalid body "+quoteBody(body), err)
	}
	req.Filename = strings.TrimSpace(req.Filename)
	if req.Filename == "" {
		return Request{}, jobutil.New(jobutil.KindMessageFormat, "missing filename in body "+quoteBody(body))
	}
	return req, nil
}

const maxQuotedBody = 256

func quoteBody(body string) string {
	if len(body) > maxQuotedBody {
		body = body[:maxQuotedBody] + "..."
	}
	return "'" + body + "'"
}
