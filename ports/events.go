package ports

import (
	"context"

	"github.com/layer-3/attendance/core"
)

// EventPublisher publishes events to notify other instances
type EventPublisher interface {
	PublishAttendanceRecorded(ctx context.Context, record core.AttendanceRecord) error
	PublishSessionStatus(ctx context.Context, snapshot core.LivenessSnapshot) error
}
