package delivery

import (
	"context"
	"time"

	"clientpulse/internal/reminder"
	"clientpulse/internal/storage"
	logx "clientpulse/pkg/logx"
)

// auditor appends operator-facing log entries. A failed append is logged and
// otherwise ignored.
type auditor struct {
	store   storage.Store
	log     logx.Logger
	timeout func() time.Duration
}

func (a auditor) record(ctx context.Context, typ reminder.LogType, detail string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout())
	defer cancel()
	if err := a.store.AppendLog(actx, reminder.LogEntry{Type: typ, Detail: detail}); err != nil {
		a.log.Warn("audit append failed",
			logx.String("type", string(typ)),
			logx.String("detail", detail),
			logx.Err(err),
		)
	}
}
