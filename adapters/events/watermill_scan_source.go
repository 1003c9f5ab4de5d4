package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/attendance/core"
	"github.com/layer-3/attendance/ports"
)

// TopicScans carries raw scans pushed by remote scanner devices
const TopicScans = "attendance.scans"

// ScanMessage is the payload of a message on TopicScans
type ScanMessage struct {
	Payload       string `json:"payload"`
	ParticipantID string `json:"participant_id"`
}

// MetadataReceivedAt carries the capture time of a scan as epoch milliseconds
const MetadataReceivedAt = "received_at"

// DefaultMaxRedeliveries bounds how often one scan is nacked for redelivery
const DefaultMaxRedeliveries = 5

// WatermillScanSource is a ports.ScanSource reading scans from a Watermill subscriber.
// A scan is acked once handled, except when handling failed with a transient
// store error; those are nacked for redelivery up to a cap, then acked.
// A redelivered scan keeps the receive time of its first delivery.
type WatermillScanSource struct {
	messages        <-chan *message.Message
	maxRedeliveries int
	logger          *slog.Logger
	now             func() time.Time

	mu        sync.Mutex
	pending   map[string]*message.Message
	firstSeen map[string]time.Time
	nacks     map[string]int
}

var _ ports.ScanSource = (*WatermillScanSource)(nil)

// NewWatermillScanSource subscribes to topic. Cancelling ctx closes the subscription.
func NewWatermillScanSource(ctx context.Context, subscriber message.Subscriber, topic string) (*WatermillScanSource, error) {
	if topic == "" {
		topic = TopicScans
	}

	messages, err := subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	return &WatermillScanSource{
		messages:        messages,
		maxRedeliveries: DefaultMaxRedeliveries,
		logger:          slog.Default(),
		now:             time.Now,
		pending:         make(map[string]*message.Message),
		firstSeen:       make(map[string]time.Time),
		nacks:           make(map[string]int),
	}, nil
}

// WithMaxRedeliveries sets how many times one scan may be nacked
func (s *WatermillScanSource) WithMaxRedeliveries(n int) *WatermillScanSource {
	s.maxRedeliveries = n
	return s
}

// WithLogger sets the logger reporting scans dropped after the redelivery cap
func (s *WatermillScanSource) WithLogger(logger *slog.Logger) *WatermillScanSource {
	s.logger = logger
	return s
}

// Next blocks until a scan arrives. Messages that are not valid scans are
// acked and skipped.
func (s *WatermillScanSource) Next(ctx context.Context) (ports.Scan, error) {
	for {
		select {
		case <-ctx.Done():
			return ports.Scan{}, ctx.Err()
		case msg, ok := <-s.messages:
			if !ok {
				return ports.Scan{}, io.EOF
			}

			var body ScanMessage
			if err := json.Unmarshal(msg.Payload, &body); err != nil || body.Payload == "" {
				msg.Ack()
				continue
			}

			s.mu.Lock()
			s.pending[msg.UUID] = msg
			received := s.receivedAtLocked(msg)
			s.mu.Unlock()

			return ports.Scan{
				ID:            msg.UUID,
				Payload:       body.Payload,
				ParticipantID: body.ParticipantID,
				ReceivedAt:    received,
			}, nil
		}
	}
}

// receivedAtLocked prefers the publisher's stamp, then the first delivery time
func (s *WatermillScanSource) receivedAtLocked(msg *message.Message) time.Time {
	if raw := msg.Metadata.Get(MetadataReceivedAt); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
	}
	if seen, ok := s.firstSeen[msg.UUID]; ok {
		return seen
	}
	seen := s.now()
	s.firstSeen[msg.UUID] = seen
	return seen
}

// Done acknowledges the message behind scan
func (s *WatermillScanSource) Done(scan ports.Scan, err error) {
	s.mu.Lock()
	msg, ok := s.pending[scan.ID]
	delete(s.pending, scan.ID)

	retry := ok && errors.Is(err, core.ErrTransientStore) && s.nacks[scan.ID] < s.maxRedeliveries
	if retry {
		s.nacks[scan.ID]++
	} else {
		delete(s.nacks, scan.ID)
		delete(s.firstSeen, scan.ID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	if retry {
		msg.Nack()
		return
	}
	if errors.Is(err, core.ErrTransientStore) {
		s.logger.Error("scan.redelivery.exhausted", "scan_id", scan.ID, "participant_id", scan.ParticipantID, "error", err)
	}
	msg.Ack()
}

// PublishScan pushes a raw scan onto topic, stamped with the current time
func PublishScan(publisher message.Publisher, topic string, scan ScanMessage) error {
	if topic == "" {
		topic = TopicScans
	}

	payload, err := json.Marshal(scan)
	if err != nil {
		return fmt.Errorf("failed to marshal scan: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetadataReceivedAt, strconv.FormatInt(time.Now().UnixMilli(), 10))

	if err := publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish scan: %w", err)
	}
	return nil
}
