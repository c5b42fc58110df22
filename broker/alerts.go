package broker

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
)

// AlertConfig is per-queue DLQ alert configuration.
type AlertConfig struct {
	MaxDLQCount   int64
	MaxDLQRate    float64
	CheckInterval time.Duration
	EnableCount   bool
	EnableRate    bool
	EnableFull    bool

	lastCheck time.Time
}

func (c AlertConfig) lastCheckDue(now time.Time) bool {
	interval := c.CheckInterval
	if interval <= 0 {
		interval = time.Second
	}
	return c.lastCheck.IsZero() || now.Sub(c.lastCheck) >= interval
}

// Alert is a notification delivered to the alert handler.
type Alert struct {
	Queue     string
	Type      string
	Message   string
	Current   float64
	Threshold float64
	Active    bool
	Time      time.Time
}

// ActiveAlert is a recorded per-queue alert occurrence.
type ActiveAlert struct {
	Type      string
	Message   string
	Current   float64
	Threshold float64
	Active    bool
	Time      time.Time
}

// alertThrottle wraps a catrate.Limiter to avoid forwarding the same
// (queue, alert-type) alert to the handler on every single check-interval
// tick while the condition remains true - grounded on
// go-catrate's category-keyed sliding-window Limiter (DESIGN.md).
type alertThrottle struct {
	limiter *catrate.Limiter
}

func newAlertThrottle() *alertThrottle {
	return &alertThrottle{
		limiter: catrate.NewLimiter(map[time.Duration]int{
			10 * time.Second: 1,
		}),
	}
}

func (t *alertThrottle) allow(queue, alertType string) bool {
	_, ok := t.limiter.Allow(queue + "|" + alertType)
	return ok
}

// SetAlertConfig installs or replaces a queue's DLQ alert configuration.
func (b *Broker) SetAlertConfig(queue string, cfg AlertConfig) {
	b.alertMu.Lock()
	defer b.alertMu.Unlock()
	b.alertConfigs[queue] = cfg
}

// GetActiveAlerts returns the recorded active alerts for queue.
func (b *Broker) GetActiveAlerts(queue string) []ActiveAlert {
	b.alertMu.Lock()
	defer b.alertMu.Unlock()
	out := make([]ActiveAlert, len(b.activeAlerts[queue]))
	copy(out, b.activeAlerts[queue])
	return out
}

// evaluateQueueAlerts computes the three DLQ alerts and forwards newly-active ones to the
// alert handler, throttled via alertLimiter.
func (b *Broker) evaluateQueueAlerts(queue string, cfg AlertConfig, dlqCount, dlqCap, totalMessages int64) {
	now := time.Now()
	var active []ActiveAlert

	if cfg.EnableCount && cfg.MaxDLQCount > 0 {
		a := ActiveAlert{
			Type:      "dlq-count-exceeded",
			Current:   float64(dlqCount),
			Threshold: float64(cfg.MaxDLQCount),
			Active:    dlqCount > cfg.MaxDLQCount,
			Time:      now,
		}
		a.Message = fmt.Sprintf("queue %s DLQ count %d exceeds max %d", queue, dlqCount, cfg.MaxDLQCount)
		active = append(active, a)
	}

	if cfg.EnableRate && cfg.MaxDLQRate > 0 && totalMessages > 0 {
		rate := float64(dlqCount) / float64(totalMessages)
		a := ActiveAlert{
			Type:      "dlq-rate-exceeded",
			Current:   rate,
			Threshold: cfg.MaxDLQRate,
			Active:    rate > cfg.MaxDLQRate,
			Time:      now,
		}
		a.Message = fmt.Sprintf("queue %s DLQ rate %.4f exceeds max %.4f", queue, rate, cfg.MaxDLQRate)
		active = append(active, a)
	}

	if cfg.EnableFull && dlqCap > 0 {
		a := ActiveAlert{
			Type:      "dlq-full",
			Current:   float64(dlqCount),
			Threshold: float64(dlqCap),
			Active:    dlqCount >= dlqCap,
			Time:      now,
		}
		a.Message = fmt.Sprintf("queue %s DLQ is full (%d/%d)", queue, dlqCount, dlqCap)
		active = append(active, a)
	}

	if len(active) == 0 {
		return
	}

	b.alertMu.Lock()
	b.activeAlerts[queue] = active
	b.alertMu.Unlock()

	b.handlersMu.Lock()
	handler := b.alertHandler
	b.handlersMu.Unlock()
	if handler == nil {
		return
	}
	for _, a := range active {
		if !a.Active {
			continue
		}
		if !b.alertLimiter.allow(queue, a.Type) {
			continue
		}
		handler(Alert{
			Queue:     queue,
			Type:      a.Type,
			Message:   a.Message,
			Current:   a.Current,
			Threshold: a.Threshold,
			Active:    a.Active,
			Time:      a.Time,
		})
	}
}

// alertMonitorLoop periodically prunes active-alert records for queues
// whose condition has since cleared, keeping GetActiveAlerts accurate
// without waiting for the next DLQ check to overwrite it.
func (b *Broker) alertMonitorLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.pruneInactiveAlerts()
		}
	}
}

func (b *Broker) pruneInactiveAlerts() {
	b.alertMu.Lock()
	defer b.alertMu.Unlock()
	for queue, alerts := range b.activeAlerts {
		kept := alerts[:0]
		for _, a := range alerts {
			if a.Active {
				kept = append(kept, a)
			}
		}
		if len(kept) == 0 {
			delete(b.activeAlerts, queue)
		} else {
			b.activeAlerts[queue] = kept
		}
	}
}
