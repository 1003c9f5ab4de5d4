package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/attendance/core"
	"github.com/layer-3/attendance/ports"
)

const (
	TopicAttendanceRecorded = "attendance.recorded"
	TopicSessionStatus      = "session.status"
)

// AttendanceRecordedEvent is published once per created attendance record
type AttendanceRecordedEvent struct {
	RecordID      string `json:"record_id"`
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
	Timestamp     int64  `json:"timestamp"`
}

// SessionStatusEvent is published after every liveness attempt
type SessionStatusEvent struct {
	SessionID   string `json:"session_id"`
	State       string `json:"state"`
	Status      string `json:"status"`
	Failures    int    `json:"failures"`
	LastError   string `json:"last_error,omitempty"`
	LastAttempt int64  `json:"last_attempt,omitempty"`
	Stopped     bool   `json:"stopped"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) ports.EventPublisher {
	return &WatermillPublisher{
		publisher: publisher,
	}
}

// PublishAttendanceRecorded publishes an attendance.recorded event
func (p *WatermillPublisher) PublishAttendanceRecorded(ctx context.Context, record core.AttendanceRecord) error {
	event := AttendanceRecordedEvent{
		RecordID:      record.ID,
		SessionID:     record.SessionID,
		ParticipantID: record.ParticipantID,
		Timestamp:     record.Timestamp.UnixMilli(),
	}
	return p.publish(ctx, TopicAttendanceRecorded, record.SessionID, event)
}

// PublishSessionStatus publishes a session.status event
func (p *WatermillPublisher) PublishSessionStatus(ctx context.Context, snapshot core.LivenessSnapshot) error {
	event := SessionStatusEvent{
		SessionID: snapshot.SessionID,
		State:     snapshot.State.String(),
		Status:    string(snapshot.Status),
		Failures:  snapshot.Failures,
		LastError: snapshot.LastError,
		Stopped:   snapshot.Stopped,
	}
	if !snapshot.LastAttempt.IsZero() {
		event.LastAttempt = snapshot.LastAttempt.UnixMilli()
	}
	return p.publish(ctx, TopicSessionStatus, snapshot.SessionID, event)
}

func (p *WatermillPublisher) publish(ctx context.Context, topic, sessionID string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("session_id", sessionID)
	msg.Metadata.Set("published_at", time.Now().UTC().Format(time.RFC3339Nano))
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// NopPublisher drops every event
type NopPublisher struct{}

func (NopPublisher) PublishAttendanceRecorded(context.Context, core.AttendanceRecord) error {
	return nil
}

func (NopPublisher) PublishSessionStatus(context.Context, core.LivenessSnapshot) error {
	return nil
}
