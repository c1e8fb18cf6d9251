package endpoint

import (
	"encoding/json"
	"net/http"
)

// JSONRenderer serializes a value as JSON and writes it to the response.
//
// Content-Type is always "application/json". Auth responses carry session
// state, so they are marked Cache-Control: no-store unless the endpoint set its
// own caching header.
type JSONRenderer struct {
	Status int
	Value  any
}

func (jr *JSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "application/json")
	if w.Header().Get("Cache-Control") == "" {
		w.Header().Set("Cache-Control", "no-store")
	}

	status := jr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(jr.Value)
}
