package telegram

import "testing"

func TestNewRejectsIncompleteConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing token", Config{ChatID: 42}},
		{"blank token", Config{Token: "  ", ChatID: 42}},
		{"missing chat", Config{Token: "123:abc"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.cfg); err == nil {
				t.Fatalf("New(%+v) succeeded", tt.cfg)
			}
		})
	}
}

func TestNewOffline(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Token: "123:abc", ChatID: 42, ThreadID: 7})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.chat.ID != 42 || s.threadID != 7 {
		t.Fatalf("unexpected sender: %+v", s)
	}
}
