package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultStoreTimeout bounds each append to the durable log.
const DefaultStoreTimeout = 2 * time.Second

// Recorder fans a record out to the configured sinks. Sink failures are
// logged and never returned: auditing must not change a decision.
type Recorder struct {
	store   Store
	file    *FileLogger
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithFile mirrors every record to a JSONL file.
func WithFile(f *FileLogger) RecorderOption {
	return func(r *Recorder) { r.file = f }
}

// WithTimeout sets the durable store timeout.
func WithTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock replaces the time source used for missing timestamps.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a Recorder. store may be nil when only the file and
// logger sinks are wanted.
func NewRecorder(store Store, logger *zap.Logger, opts ...RecorderOption) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		store:   store,
		logger:  logger.With(zap.String("log_type", "access")),
		timeout: DefaultStoreTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record writes rec to every sink.
func (r *Recorder) Record(ctx context.Context, rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now().UTC()
	}

	fields := []zap.Field{
		zap.String("address", rec.Address),
		zap.Bool("granted", rec.Granted),
		zap.String("source", rec.Source),
	}
	if rec.UserID != "" {
		fields = append(fields, zap.String("user_id", rec.UserID))
	}
	if rec.DenialReason != "" {
		fields = append(fields, zap.String("reason", rec.DenialReason))
	}
	if rec.MatchedEntry != "" {
		fields = append(fields, zap.String("matched_entry", rec.MatchedEntry))
	}
	if rec.RequestID != "" {
		fields = append(fields, zap.String("request_id", rec.RequestID))
	}
	if rec.Degraded {
		fields = append(fields, zap.Bool("degraded", true))
	}
	if rec.Granted {
		r.logger.Info("access granted", fields...)
	} else {
		r.logger.Warn("access denied", fields...)
	}

	if r.store != nil {
		sctx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.store.AppendAccessLog(sctx, rec)
		cancel()
		if err != nil {
			r.logger.Error("failed to append access log", zap.String("address", rec.Address), zap.Error(err))
		}
	}
	if r.file != nil {
		if err := r.file.Write(rec); err != nil {
			r.logger.Error("failed to write access log file", zap.Error(err))
		}
	}
}

// List queries the durable log.
func (r *Recorder) List(ctx context.Context, f Filter) ([]Record, error) {
	if r.store == nil {
		return []Record{}, nil
	}
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.store.ListAccessLog(ctx, f)
}
