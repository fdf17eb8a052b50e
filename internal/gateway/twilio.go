package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	twilio "github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string // sender number, "whatsapp:" prefix selects WhatsApp
}

type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// Twilio sends the reminder body as a text message to the client's phone.
type Twilio struct {
	api  messageCreator
	from string
}

func NewTwilio(cfg TwilioConfig) (*Twilio, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, errors.New("twilio account sid and auth token are required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("twilio sender number is required")
	}
	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Twilio{api: rc.Api, from: strings.TrimSpace(cfg.From)}, nil
}

func (t *Twilio) Send(ctx context.Context, m Message) (Receipt, error) {
	to := normalizePhone(m.ToPhone, strings.HasPrefix(t.from, "whatsapp:"))
	if to == "" {
		return Receipt{}, ErrNoRecipient
	}
	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(t.from)
	params.SetBody(m.Subject + "\n\n" + m.Body)

	type result struct {
		msg *openapi.ApiV2010Message
		err error
	}
	// The SDK call takes no context; bail out on ctx and let it finish alone.
	done := make(chan result, 1)
	go func() {
		msg, err := t.api.CreateMessage(params)
		done <- result{msg, err}
	}()

	select {
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return Receipt{}, fmt.Errorf("twilio send: %w", res.err)
		}
		rc := Receipt{Provider: "twilio", At: time.Now()}
		if res.msg != nil && res.msg.Sid != nil {
			rc.MessageID = *res.msg.Sid
		}
		return rc, nil
	}
}

func normalizePhone(number string, whatsapp bool) string {
	n := strings.TrimSpace(number)
	if n == "" {
		return ""
	}
	n = strings.TrimPrefix(n, "whatsapp:")
	if !strings.HasPrefix(n, "+") {
		n = "+" + n
	}
	if whatsapp {
		return "whatsapp:" + n
	}
	return n
}
