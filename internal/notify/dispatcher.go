package notify

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"meridian-panel/internal/event"
)

const (
	maxRetryQueue    = 512
	maxRetryAttempts = 5
	baseRetryDelay   = 30 * time.Second
)

type Config struct {
	WebhookURL     string
	WebhookSecret  string
	WebhookTimeout time.Duration
	TelegramToken  string
	TelegramChatID int64
}

type pendingWebhook struct {
	msg      WebhookMessage
	attempts int
	notAfter time.Time
}

// Dispatcher fans bus events out to the webhook endpoint and the Telegram
// ops chat. Webhook failures go onto a bounded in-memory queue; a scheduler
// job flushes it with exponential backoff. When the queue is full the
// oldest entry is dropped so event publishing never stalls.
type Dispatcher struct {
	webhook  *WebhookSender
	telegram *telegramReporter
	logger   *zap.Logger

	mu    sync.Mutex
	queue []pendingWebhook
}

func NewDispatcher(cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		webhook:  NewWebhookSender(cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookTimeout),
		telegram: newTelegramReporter(cfg.TelegramToken, cfg.TelegramChatID),
		logger:   logger,
	}
}

// Register wires the dispatcher onto the event bus.
func (d *Dispatcher) Register(bus *event.Bus) {
	if d == nil || bus == nil {
		return
	}

	bus.Subscribe(event.EventUserStatusChanged, func(payload any) {
		p, ok := payload.(event.StatusChangedPayload)
		if !ok {
			return
		}
		d.deliver(event.EventUserStatusChanged, p)
		d.reportTelegram(tplUserStatusChanged, map[string]string{
			"username":   p.Username,
			"old_status": p.OldStatus,
			"new_status": p.NewStatus,
			"reason":     p.Reason,
		})
	})

	bus.Subscribe(event.EventUserUsagePercent, func(payload any) {
		p, ok := payload.(event.UsagePercentPayload)
		if !ok {
			return
		}
		d.deliver(event.EventUserUsagePercent, p)
		d.reportTelegram(tplUserUsagePercent, map[string]string{
			"username": p.Username,
			"used":     formatBytes(p.UsedTraffic),
			"limit":    formatBytes(p.DataLimit),
			"percent":  strconv.Itoa(int(p.Percent)),
		})
	})

	bus.Subscribe(event.EventUserCreated, func(payload any) {
		p, ok := payload.(event.UserPayload)
		if !ok {
			return
		}
		d.deliver(event.EventUserCreated, p)
		d.reportTelegram(tplUserLifecycle, map[string]string{"action": "created", "username": p.Username})
	})

	bus.Subscribe(event.EventUserDeleted, func(payload any) {
		p, ok := payload.(event.UserPayload)
		if !ok {
			return
		}
		d.deliver(event.EventUserDeleted, p)
		d.reportTelegram(tplUserLifecycle, map[string]string{"action": "deleted", "username": p.Username})
	})

	bus.Subscribe(event.EventAdminUsageExhausted, func(payload any) {
		p, ok := payload.(event.AdminExhaustedPayload)
		if !ok {
			return
		}
		d.deliver(event.EventAdminUsageExhausted, p)
		d.reportTelegram(tplAdminExhausted, map[string]string{
			"username": p.Username,
			"used":     formatBytes(p.UsedTraffic),
			"limit":    formatBytes(p.DataLimit),
		})
	})

	bus.Subscribe(event.EventNodeStale, func(payload any) {
		p, ok := payload.(event.NodePayload)
		if !ok {
			return
		}
		d.deliver(event.EventNodeStale, p)
		d.reportTelegram(tplNodeStale, map[string]string{
			"name":        p.Name,
			"last_report": p.Timestamp.UTC().Format(time.RFC3339),
		})
	})
}

func (d *Dispatcher) deliver(eventName string, payload any) {
	if d.webhook == nil {
		return
	}

	msg := WebhookMessage{Event: eventName, Payload: payload, Timestamp: time.Now().UTC()}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := d.webhook.Send(ctx, msg); err != nil {
		d.logger.Warn("webhook delivery failed, queued for retry",
			zap.String("event", eventName),
			zap.Error(err),
		)
		d.enqueue(pendingWebhook{msg: msg, attempts: 1, notAfter: time.Now().Add(baseRetryDelay)})
	}
}

func (d *Dispatcher) reportTelegram(name telegramTemplate, vars map[string]string) {
	if d.telegram == nil {
		return
	}
	if err := d.telegram.report(name, vars); err != nil {
		d.logger.Warn("telegram report failed", zap.String("template", string(name)), zap.Error(err))
	}
}

func (d *Dispatcher) enqueue(item pendingWebhook) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.queue) >= maxRetryQueue {
		d.queue = d.queue[1:]
	}
	d.queue = append(d.queue, item)
}

// FlushRetries re-sends queued webhook messages that are due. Entries that
// keep failing are re-queued with a doubled delay until the attempt budget
// runs out.
func (d *Dispatcher) FlushRetries(ctx context.Context) (sent, dropped int) {
	if d == nil || d.webhook == nil {
		return 0, 0
	}

	d.mu.Lock()
	due := make([]pendingWebhook, 0, len(d.queue))
	remaining := d.queue[:0]
	now := time.Now()
	for _, item := range d.queue {
		if item.notAfter.After(now) {
			remaining = append(remaining, item)
			continue
		}
		due = append(due, item)
	}
	d.queue = remaining
	d.mu.Unlock()

	for _, item := range due {
		if err := ctx.Err(); err != nil {
			d.enqueue(item)
			continue
		}

		if err := d.webhook.Send(ctx, item.msg); err == nil {
			sent++
			continue
		}

		item.attempts++
		if item.attempts > maxRetryAttempts {
			dropped++
			d.logger.Warn("webhook message dropped after retries",
				zap.String("event", item.msg.Event),
				zap.Int("attempts", item.attempts),
			)
			continue
		}
		item.notAfter = time.Now().Add(baseRetryDelay << (item.attempts - 1))
		d.enqueue(item)
	}
	return sent, dropped
}

// PendingRetries reports the retry queue depth.
func (d *Dispatcher) PendingRetries() int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
