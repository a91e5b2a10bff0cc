package notification

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/controlcentre/section21/internal/domain/patient"
	"github.com/controlcentre/section21/internal/observability/metrics"
)

// RecordLister reads the records that have an outcome letter.
type RecordLister interface {
	ListWithOutcomeLetter(ctx context.Context) ([]patient.Record, error)
}

// Service lists notifications from the patient store.
type Service struct {
	records RecordLister
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewService creates a Service. m may be nil.
func NewService(records RecordLister, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		records: records,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// List returns the notifications matching status ("", "all", "expiring_soon"
// or "expired").
func (s *Service) List(ctx context.Context, status string) (Report, error) {
	filter, err := ParseFilter(status)
	if err != nil {
		return Report{}, err
	}

	records, err := s.records.ListWithOutcomeLetter(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list records: %w", err)
	}

	report := Compute(records, s.now(), filter)
	if filter == FilterAll {
		s.metrics.SetNotifications(report.Summary.ExpiringSoon, report.Summary.Expired)
	}

	s.logger.Debug("notifications computed",
		zap.String("filter", string(filter)),
		zap.Int("records", len(records)),
		zap.Int("count", report.Count))

	return report, nil
}
