package gateway

import (
	"context"

	"golang.org/x/time/rate"
)

type limited struct {
	next Gateway
	lim  *rate.Limiter
}

// Limit throttles g to rps sends per second with the given burst. A send
// waits for a token or fails when ctx ends first.
func Limit(g Gateway, rps float64, burst int) Gateway {
	if burst <= 0 {
		burst = 1
	}
	return &limited{next: g, lim: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *limited) Send(ctx context.Context, m Message) (Receipt, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return Receipt{}, err
	}
	return l.next.Send(ctx, m)
}
