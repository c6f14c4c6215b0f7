package gateway

import (
	"encoding/json"
	"errors"
)

// ErrInvalidJSON indicates the request body is not well-formed JSON.
var ErrInvalidJSON = errors.New("gateway: invalid JSON body")

// detectStream reports whether the request asks for a streamed response:
// the body must be a JSON object whose top-level "stream" field is the
// boolean true. Any other shape (non-object body, absent field,
// non-boolean value, false) is non-streaming. Malformed JSON is an error.
func detectStream(body []byte) (bool, error) {
	var top any
	if err := json.Unmarshal(body, &top); err != nil {
		return false, ErrInvalidJSON
	}

	obj, ok := top.(map[string]any)
	if !ok {
		return false, nil
	}
	flag, ok := obj["stream"].(bool)
	return ok && flag, nil
}
