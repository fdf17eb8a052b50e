package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	logx "clientpulse/pkg/logx"
)

const sendGridAPIBase = "https://api.sendgrid.com"

type SendGridConfig struct {
	APIKey   string
	BaseURL  string // defaults to the public API
	From     string
	FromName string
	Timeout  time.Duration

	// MaxRetries applies to 429 and 5xx responses only.
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// SendGrid sends plain text email. Every call goes through a circuit breaker
// so a failing provider is not hammered by a backlog of due reminders.
type SendGrid struct {
	cfg     SendGridConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	log     logx.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewSendGrid(cfg SendGridConfig, log logx.Logger) (*SendGrid, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("sendgrid api key is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("sendgrid from address is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = sendGridAPIBase
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MinWait <= 0 {
		cfg.MinWait = 500 * time.Millisecond
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "sendgrid",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				logx.String("breaker", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()),
			)
		},
	})

	return &SendGrid{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: cb,
		log:     log,
		sleep:   sleepCtx,
	}, nil
}

type sgAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sgPersonalization struct {
	To []sgAddress `json:"to"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgPayload struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
	CustomArgs       map[string]string   `json:"custom_args,omitempty"`
}

func (s *SendGrid) Send(ctx context.Context, m Message) (Receipt, error) {
	if strings.TrimSpace(m.ToEmail) == "" {
		return Receipt{}, ErrNoRecipient
	}
	payload := sgPayload{
		Personalizations: []sgPersonalization{{To: []sgAddress{{Email: m.ToEmail, Name: m.ToName}}}},
		From:             sgAddress{Email: s.cfg.From, Name: s.cfg.FromName},
		Subject:          m.Subject,
		Content:          []sgContent{{Type: "text/plain", Value: m.Body}},
	}
	if m.ReminderID != "" {
		payload.CustomArgs = map[string]string{"reminder_id": m.ReminderID}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, err
	}

	resp, err := s.do(ctx, body)
	if err != nil {
		return Receipt{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return Receipt{Provider: "sendgrid", MessageID: resp.Header.Get("X-Message-Id"), At: time.Now()}, nil
	}
	return Receipt{}, responseError(resp)
}

// do posts body with retries on 429 and 5xx. The breaker counts those as
// failures; other 4xx are returned to the caller as-is.
func (s *SendGrid) do(ctx context.Context, body []byte) (*http.Response, error) {
	url := s.cfg.BaseURL + "/v3/mail/send"
	attempts := 1 + s.cfg.MaxRetries

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
		req.Header.Set("User-Agent", "clientpulse/1.0")

		resp, err := s.breaker.Execute(func() (*http.Response, error) {
			r, err := s.client.Do(req)
			if err != nil {
				return nil, err
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("sendgrid returned %d", r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("sendgrid unavailable: %w", err)
		}

		var wait time.Duration
		if resp != nil {
			wait = s.backoff(attempt, resp.Header.Get("Retry-After"))
			if attempt == attempts-1 {
				rerr := responseError(resp)
				_ = resp.Body.Close()
				return nil, rerr
			}
			_ = resp.Body.Close()
		} else {
			wait = s.backoff(attempt, "")
		}
		if attempt == attempts-1 {
			break
		}
		s.log.Debug("sendgrid retry", logx.Int("attempt", attempt+1), logx.Duration("wait", wait), logx.Err(err))
		if err := s.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (s *SendGrid) backoff(attempt int, retryAfter string) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			return min(time.Duration(secs)*time.Second, s.cfg.MaxWait)
		}
	}
	d := s.cfg.MinWait << attempt
	if d <= 0 || d > s.cfg.MaxWait {
		d = s.cfg.MaxWait
	}
	return d
}

// responseError reads a SendGrid error body into a compact error.
func responseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal(raw, &parsed) == nil && len(parsed.Errors) > 0 && parsed.Errors[0].Message != "" {
		return fmt.Errorf("sendgrid %d: %s", resp.StatusCode, parsed.Errors[0].Message)
	}
	return fmt.Errorf("sendgrid %d", resp.StatusCode)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
