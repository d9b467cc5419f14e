package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type createChatRequest struct {
	Content string `json:"content"`
}

type createChatResponse struct {
	ChatID string `json:"chat_id"`
}

type chatSummary struct {
	ID        flexID    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt timestamp `json:"created_at"`
}

type chatMessage struct {
	ID        flexID    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Thinking  string    `json:"thinking,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt timestamp `json:"created_at"`
}

// flexID accepts ids encoded as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

// timestamp accepts RFC 3339 as well as the zone-less ISO forms the
// collaborator emits; zone-less values are taken as UTC.
type timestamp time.Time

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*t = timestamp{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = timestamp(parsed)
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}
