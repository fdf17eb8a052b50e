package reminder

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestNextCalendarBoundaries(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		in     time.Time
		repeat Repeat
		want   time.Time
	}{
		{"daily plain", time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC), RepeatDaily, time.Date(2026, 3, 11, 9, 30, 0, 0, time.UTC)},
		{"daily month end", time.Date(2026, 1, 31, 23, 59, 0, 0, time.UTC), RepeatDaily, time.Date(2026, 2, 1, 23, 59, 0, 0, time.UTC)},
		{"daily year end", time.Date(2026, 12, 31, 8, 0, 0, 0, time.UTC), RepeatDaily, time.Date(2027, 1, 1, 8, 0, 0, 0, time.UTC)},
		{"daily leap day", time.Date(2028, 2, 28, 7, 0, 0, 0, time.UTC), RepeatDaily, time.Date(2028, 2, 29, 7, 0, 0, 0, time.UTC)},
		{"weekly across february", time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC), RepeatWeekly, time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)},
		{"weekly year end", time.Date(2026, 12, 29, 18, 15, 0, 0, time.UTC), RepeatWeekly, time.Date(2027, 1, 5, 18, 15, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Next(tt.in, tt.repeat)
			if !ok {
				t.Fatalf("Next(%v, %s) ok=false", tt.in, tt.repeat)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("Next = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextNormalizesToUTC(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	in := time.Date(2026, 3, 28, 1, 0, 0, 0, loc)
	got, _ := Next(in, RepeatDaily)
	if got.Location() != time.UTC {
		t.Fatalf("location = %v, want UTC", got.Location())
	}
	if got.Sub(in) != 24*time.Hour {
		t.Fatalf("delta = %v, want 24h", got.Sub(in))
	}
}

func TestNextNone(t *testing.T) {
	t.Parallel()
	in := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	got, ok := Next(in, RepeatNone)
	if ok || !got.Equal(in) {
		t.Fatalf("Next none = %v,%v", got, ok)
	}
}

func TestParseRepeat(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		want Repeat
		ok   bool
	}{
		"":        {RepeatNone, true},
		"none":    {RepeatNone, true},
		"DAILY":   {RepeatDaily, true},
		" weekly": {RepeatWeekly, true},
		"monthly": {RepeatNone, false},
	}
	for raw, c := range cases {
		got, ok := ParseRepeat(raw)
		if got != c.want || ok != c.ok {
			t.Fatalf("ParseRepeat(%q) = %s,%v want %s,%v", raw, got, ok, c.want, c.ok)
		}
	}
}

func TestCompose(t *testing.T) {
	t.Parallel()
	subj, body := Compose(Client{Name: "Ada"}, Reminder{Message: "Invoice is due"})
	if subj != "Follow-up: Ada" {
		t.Fatalf("subject = %q", subj)
	}
	if !strings.HasPrefix(body, "Hi Ada,\n\nInvoice is due\n\n") || !strings.HasSuffix(body, "Sent by ClientPulse") {
		t.Fatalf("body = %q", body)
	}
}

func TestErrorCodes(t *testing.T) {
	t.Parallel()
	base := errors.New("smtp down")
	err := DeliveryError(base, "send reminder %s", "r1")
	if !IsDelivery(err) || !errors.Is(err, base) {
		t.Fatalf("delivery error not classified: %v", err)
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatal("plain error should have no code")
	}
	if Validationf("x").Code.HTTPStatus() != http.StatusBadRequest {
		t.Fatal("validation status")
	}
	if NotFoundf("x").Code.HTTPStatus() != http.StatusNotFound {
		t.Fatal("not found status")
	}
	if StoreError(base, "x").Code.HTTPStatus() != http.StatusInternalServerError {
		t.Fatal("store status")
	}
}
