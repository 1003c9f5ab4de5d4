package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/attendance/core"
	"github.com/layer-3/attendance/internal/logctx"
	"github.com/layer-3/attendance/ports"
)

// ScanHandler is told the outcome of every ingested scan
type ScanHandler func(ctx context.Context, scan ports.Scan, result core.ScanResult, err error)

// Ingestor pulls raw scans from a source and validates each one at its receive time
type Ingestor struct {
	source    ports.ScanSource
	validator *Validator
	handler   ScanHandler
	logger    *slog.Logger
}

// NewIngestor creates an ingestor. handler may be nil.
func NewIngestor(source ports.ScanSource, validator *Validator, handler ScanHandler, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		source:    source,
		validator: validator,
		handler:   handler,
		logger:    logger,
	}
}

// Run consumes scans until ctx is cancelled or the source is drained
func (i *Ingestor) Run(ctx context.Context) error {
	for {
		scan, err := i.source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		i.handle(ctx, scan)
	}
}

func (i *Ingestor) handle(ctx context.Context, scan ports.Scan) {
	ctx = logctx.WithScanData(ctx, &logctx.ScanData{ScanID: scan.ID, ParticipantID: scan.ParticipantID})

	received := scan.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}

	result, err := i.validator.Validate(ctx, scan.Payload, scan.ParticipantID, received)
	if i.handler != nil {
		i.handler(ctx, scan, result, err)
	}
	i.source.Done(scan, err)
}

// ChannelSource is an in-process ScanSource fed through Push
type ChannelSource struct {
	scans   chan ports.Scan
	closing chan struct{}
	once    sync.Once
	now     func() time.Time
}

var _ ports.ScanSource = (*ChannelSource)(nil)

// NewChannelSource creates a source buffering up to size scans
func NewChannelSource(size int) *ChannelSource {
	return &ChannelSource{
		scans:   make(chan ports.Scan, size),
		closing: make(chan struct{}),
		now:     time.Now,
	}
}

// Push enqueues a literal payload, blocking while the buffer is full.
// It returns io.ErrClosedPipe once the source is closed.
func (s *ChannelSource) Push(ctx context.Context, payload, participantID string) error {
	select {
	case <-s.closing:
		return io.ErrClosedPipe
	default:
	}

	scan := ports.Scan{
		ID:            uuid.NewString(),
		Payload:       payload,
		ParticipantID: participantID,
		ReceivedAt:    s.now(),
	}

	select {
	case s.scans <- scan:
		return nil
	case <-s.closing:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ChannelSource) Next(ctx context.Context) (ports.Scan, error) {
	select {
	case <-ctx.Done():
		return ports.Scan{}, ctx.Err()
	case scan := <-s.scans:
		return scan, nil
	case <-s.closing:
		// drain what was buffered before Close
		select {
		case scan := <-s.scans:
			return scan, nil
		default:
			return ports.Scan{}, io.EOF
		}
	}
}

func (s *ChannelSource) Done(ports.Scan, error) {}

// Close stops accepting scans and releases blocked producers.
// Next drains what is buffered, then returns io.EOF.
func (s *ChannelSource) Close() {
	s.once.Do(func() { close(s.closing) })
}
