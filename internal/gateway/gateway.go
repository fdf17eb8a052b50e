// Package gateway sends composed reminder messages to clients.
//
// Drivers:
//   - "log": writes the message to the application log and succeeds (default)
//   - "sendgrid": email through the SendGrid v3 Mail Send API
//   - "twilio": SMS through the Twilio Messages API
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "clientpulse/pkg/logx"
)

// Message is one outbound reminder.
type Message struct {
	ReminderID string
	ToName     string
	ToEmail    string
	ToPhone    string
	Subject    string
	Body       string
}

// Receipt describes an accepted message.
type Receipt struct {
	Provider  string
	MessageID string
	At        time.Time
}

// Gateway is the transport used by the delivery coordinator. Send must honor
// ctx cancellation.
type Gateway interface {
	Send(ctx context.Context, m Message) (Receipt, error)
}

// ErrNoRecipient is returned when the client has no address for the driver.
var ErrNoRecipient = errors.New("gateway: recipient address missing")

type Config struct {
	Driver   string
	From     string
	FromName string

	// RatePerSec limits sends across all reminders. 0 disables limiting.
	RatePerSec float64
	Burst      int

	SendGrid SendGridConfig
	Twilio   TwilioConfig
}

// Open builds the configured gateway, wrapped in a rate limiter when
// cfg.RatePerSec > 0.
func Open(cfg Config, log logx.Logger) (Gateway, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "gateway"))

	var (
		g   Gateway
		err error
	)
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "log":
		g = NewLog(log)
	case "sendgrid":
		sg := cfg.SendGrid
		if sg.From == "" {
			sg.From = cfg.From
		}
		if sg.FromName == "" {
			sg.FromName = cfg.FromName
		}
		g, err = NewSendGrid(sg, log)
	case "twilio":
		g, err = NewTwilio(cfg.Twilio)
	default:
		return nil, fmt.Errorf("unknown gateway driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}
	if cfg.RatePerSec > 0 {
		g = Limit(g, cfg.RatePerSec, cfg.Burst)
	}
	return g, nil
}

// Log is a Gateway that only records the message.
type Log struct {
	log logx.Logger
	now func() time.Time
}

func NewLog(log logx.Logger) *Log {
	return &Log{log: log, now: time.Now}
}

func (l *Log) Send(ctx context.Context, m Message) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if strings.TrimSpace(m.ToEmail) == "" && strings.TrimSpace(m.ToPhone) == "" {
		return Receipt{}, ErrNoRecipient
	}
	id := uuid.NewString()
	l.log.Info("reminder message",
		logx.String("reminder_id", m.ReminderID),
		logx.String("to", firstNonEmpty(m.ToEmail, m.ToPhone)),
		logx.String("subject", m.Subject),
		logx.Int("body_len", len(m.Body)),
		logx.String("message_id", id),
	)
	return Receipt{Provider: "log", MessageID: id, At: l.now()}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
