package ports

import (
	"context"
	"time"
)

// Scan is one raw payload read by a participant's capture device
type Scan struct {
	ID            string
	Payload       string
	ParticipantID string
	ReceivedAt    time.Time
}

// ScanSource decouples validation from the capture mechanism.
// Next blocks until a scan is available; it returns io.EOF once the source is drained.
type ScanSource interface {
	Next(ctx context.Context) (Scan, error)

	// Done acknowledges a scan after it was handled
	Done(scan Scan, err error)
}
