package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"orderwatch/internal/domain"
)

// EmailSender delivers one rendered message over SMTP. The QQ channel goes
// through the same sender; it differs only in template and recipient list.
type EmailSender interface {
	Send(ctx context.Context, cfg domain.SMTPConfig, to, subject, body string) error
}

// SMSSender delivers one rendered message through the SMS provider.
type SMSSender interface {
	Send(ctx context.Context, cfg domain.SMSChannel, phone, message string) error
}

// Router fans a change event out to every enabled channel and recipient.
// Channels and recipients are independent: one failure is captured in its
// outcome and never stops the rest or the monitoring cycle.
type Router struct {
	email   EmailSender
	sms     SMSSender
	limiter *rate.Limiter // nil means uncapped
	log     zerolog.Logger
	now     func() time.Time
}

func NewRouter(email EmailSender, sms SMSSender, ratePerSec int, log zerolog.Logger) *Router {
	var lim *rate.Limiter
	if ratePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	}
	return &Router{email: email, sms: sms, limiter: lim, log: log, now: time.Now}
}

// Dispatch sends the status-change message and returns one outcome per
// attempted channel/recipient pair, in channel then recipient order.
func (r *Router) Dispatch(ctx context.Context, ev *domain.ChangeEvent) []domain.NotificationOutcome {
	return r.fanout(ctx, ev.Task, renderChange(ev))
}

// DispatchAlert sends a fetch-failure alert (credentials expired and the
// like) through the same channels as a change event.
func (r *Router) DispatchAlert(ctx context.Context, task *domain.MonitoringTask, fe *domain.FetchError) []domain.NotificationOutcome {
	return r.fanout(ctx, task, renderAlert(task, fe, r.now()))
}

func (r *Router) fanout(ctx context.Context, task *domain.MonitoringTask, msg message) []domain.NotificationOutcome {
	var out []domain.NotificationOutcome
	cfg := task.Notifications

	if cfg.Email.Enabled {
		for _, rcpt := range cfg.Email.Receivers {
			if !rcpt.Enabled {
				continue
			}
			out = append(out, r.send(ctx, domain.ChannelEmail, rcpt.Address, func() error {
				return r.email.Send(ctx, cfg.Email.SMTP, rcpt.Address, msg.subject, msg.emailBody)
			}))
		}
	}

	if cfg.QQ.Enabled {
		for _, rcpt := range cfg.QQ.Emails {
			if !rcpt.Enabled {
				continue
			}
			out = append(out, r.send(ctx, domain.ChannelQQ, rcpt.Address, func() error {
				return r.email.Send(ctx, cfg.Email.SMTP, rcpt.Address, msg.subject, msg.qqBody)
			}))
		}
	}

	if cfg.SMS.Enabled {
		for _, rcpt := range cfg.SMS.Phones {
			if !rcpt.Enabled {
				continue
			}
			out = append(out, r.send(ctx, domain.ChannelSMS, rcpt.Address, func() error {
				return r.sms.Send(ctx, cfg.SMS, rcpt.Address, msg.smsBody)
			}))
		}
	}

	for _, o := range out {
		lvl := zerolog.InfoLevel
		if !o.Success {
			lvl = zerolog.WarnLevel
		}
		r.log.WithLevel(lvl).
			Str("task_id", task.TaskID).
			Str("channel", o.Channel).
			Str("recipient", o.Recipient).
			Bool("success", o.Success).
			Str("error", o.Error).
			Msg("notification outcome")
	}
	return out
}

func (r *Router) send(ctx context.Context, channel, recipient string, do func() error) domain.NotificationOutcome {
	o := domain.NotificationOutcome{Channel: channel, Recipient: recipient, SentAt: r.now()}
	if r.limiter != nil && !r.limiter.Allow() {
		o.Error = "rate limited"
		return o
	}
	if err := do(); err != nil {
		o.Error = err.Error()
		return o
	}
	o.Success = true
	return o
}
