package api

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// History is the /history payload, kept as the backend sent it.
type History struct {
	raw []byte
}

// Raw returns the payload unchanged.
func (h *History) Raw() json.RawMessage {
	return json.RawMessage(h.raw)
}

// Memories extracts the remembered snippets from the reference backend's
// shape ({"history": {"results": [{"memory": "..."}]}}). Other shapes yield nil.
func (h *History) Memories() []string {
	var out []string
	for _, path := range []string{"history.results.#.memory", "results.#.memory", "history.#.memory"} {
		res := gjson.GetBytes(h.raw, path)
		if !res.Exists() || !res.IsArray() {
			continue
		}
		for _, item := range res.Array() {
			if s := item.String(); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return out
}

// NewHistory wraps an already fetched payload.
func NewHistory(raw []byte) *History {
	return &History{raw: raw}
}
