package alerting

import (
	"context"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/dmarchuk/curator/internal/clients"
)

// InspectorStats adapts the asynq inspector to QueueStats.
type InspectorStats struct {
	ins *asynq.Inspector
}

// NewInspectorStats wraps an asynq inspector.
func NewInspectorStats(ins *asynq.Inspector) *InspectorStats {
	return &InspectorStats{ins: ins}
}

// Depth returns the number of tasks waiting in the named queue.
func (s *InspectorStats) Depth(_ context.Context, qname string) (int, error) {
	info, err := s.ins.GetQueueInfo(qname)
	if err != nil {
		return 0, fmt.Errorf("queue info %s: %w", qname, err)
	}
	return info.Pending + info.Scheduled + info.Retry, nil
}

var _ QueueStats = (*InspectorStats)(nil)

// LogNotifier writes notifications to the process log. Used as the sink
// when no webhook is configured.
type LogNotifier struct{}

// Send logs the notification.
func (LogNotifier) Send(_ context.Context, n clients.Notification) error {
	log.Printf("ALERT [%s] %s %v", n.Severity, n.Message, n.Fields)
	return nil
}

var _ clients.Notifier = LogNotifier{}
