package gateway

import (
	"errors"
	"testing"
)

func TestDetectStream(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		stream bool
		err    bool
	}{
		{"stream true", `{"model":"x","stream":true}`, true, false},
		{"stream false", `{"model":"x","stream":false}`, false, false},
		{"stream absent", `{"model":"x"}`, false, false},
		{"stream string", `{"stream":"true"}`, false, false},
		{"stream number", `{"stream":1}`, false, false},
		{"stream null", `{"stream":null}`, false, false},
		{"nested stream only", `{"options":{"stream":true}}`, false, false},
		{"top-level array", `[{"stream":true}]`, false, false},
		{"top-level string", `"stream"`, false, false},
		{"top-level bool", `true`, false, false},
		{"empty object", `{}`, false, false},
		{"invalid json", `{"stream":`, false, true},
		{"empty body", ``, false, true},
		{"trailing garbage", `{"stream":true}}`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := detectStream([]byte(tt.body))
			if tt.err {
				if !errors.Is(err, ErrInvalidJSON) {
					t.Fatalf("err = %v, want ErrInvalidJSON", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.stream {
				t.Errorf("detectStream(%q) = %v, want %v", tt.body, got, tt.stream)
			}
		})
	}
}
