package negativesampler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/collector/component"
	"go.opentelemetry.io/collector/consumer"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/plog"
	"go.opentelemetry.io/collector/processor"
	"go.uber.org/zap"

	"github.com/deepaksharma/negative-reservoir/internal/auth"
	"github.com/deepaksharma/negative-reservoir/internal/host"
	"github.com/deepaksharma/negative-reservoir/internal/sampler"
	"github.com/deepaksharma/negative-reservoir/internal/sentiment"
	"github.com/deepaksharma/negative-reservoir/internal/store"
)

// negativeProcessor submits negative comment events to the reservoir and
// forwards every log unchanged.
type negativeProcessor struct {
	logger *zap.Logger
	config *Config

	nextConsumer consumer.Logs

	metricsManager *MetricsManager

	// Set by Start.
	sampler   *sampler.Sampler
	store     store.Store
	sweepCron *cron.Cron
}

var _ processor.Logs = (*negativeProcessor)(nil)

func newNegativeProcessor(
	_ context.Context,
	set component.TelemetrySettings,
	cfg *Config,
	nextConsumer consumer.Logs,
) (processor.Logs, error) {
	if nextConsumer == nil {
		return nil, errors.New("nil next consumer")
	}

	p := &negativeProcessor{
		logger:         set.Logger,
		config:         cfg,
		nextConsumer:   nextConsumer,
		metricsManager: NewMetricsManager(set.MeterProvider.Meter("negativesampler")),
	}

	p.logger.Info("Negative sampler processor created",
		zap.String("namespace", cfg.Namespace),
		zap.String("backend", cfg.Store.Backend),
		zap.Uint32("capacity", cfg.Capacity))
	return p, nil
}

// Start opens the store and initializes the reservoir, adopting one that
// already exists.
func (p *negativeProcessor) Start(ctx context.Context, _ component.Host) error {
	p.logger.Info("Starting negative sampler processor")

	if err := p.metricsManager.RegisterMetrics(); err != nil {
		p.logger.Error("Failed to register metrics", zap.Error(err))
	}

	s, st, err := host.Open(p.config.Config, p.logger)
	if err != nil {
		return err
	}

	if err := p.initialize(ctx, s); err != nil {
		_ = st.Close()
		return err
	}
	p.sampler = s
	p.store = st

	if p.config.SweepScheduleCron != "" {
		p.sweepCron = cron.New()
		if _, err := p.sweepCron.AddFunc(p.config.SweepScheduleCron, p.sweep); err != nil {
			p.logger.Error("Failed to set up state sweep", zap.Error(err))
			p.sweepCron = nil
		} else {
			p.sweepCron.Start()
			p.logger.Info("State sweep scheduled", zap.String("schedule", p.config.SweepScheduleCron))
		}
	}
	return nil
}

func (p *negativeProcessor) initialize(ctx context.Context, s *sampler.Sampler) error {
	if p.config.Admin == "" {
		if _, err := s.Admin(ctx); err != nil {
			return fmt.Errorf("admin must be configured to initialize a new reservoir: %w", err)
		}
		p.logger.Info("Adopting existing reservoir")
	} else {
		err := s.Initialize(ctx, auth.Identity(p.config.Admin), p.config.Capacity)
		switch {
		case errors.Is(err, sampler.ErrAlreadyInitialized):
			p.logger.Info("Adopting existing reservoir")
		case err != nil:
			return fmt.Errorf("failed to initialize reservoir: %w", err)
		}
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read reservoir stats: %w", err)
	}
	p.metricsManager.observeStats(stats)
	p.logger.Info("Reservoir ready",
		zap.Uint64("total_seen", stats.TotalSeen),
		zap.Uint32("capacity", stats.Capacity),
		zap.Uint32("current_length", stats.Length))
	return nil
}

func (p *negativeProcessor) sweep() {
	removed, err := p.store.Sweep(context.Background())
	if err != nil {
		p.logger.Error("State sweep failed", zap.Error(err))
		return
	}
	if removed {
		p.metricsManager.sweeps.Inc()
		p.metricsManager.observeStats(sampler.Stats{})
		p.logger.Warn("Expired reservoir state reclaimed")
	}
}

// Shutdown stops the sweep schedule and closes the store. It is safe to call
// without a prior Start.
func (p *negativeProcessor) Shutdown(context.Context) error {
	p.logger.Info("Shutting down negative sampler processor")

	if p.sweepCron != nil {
		<-p.sweepCron.Stop().Done()
		p.sweepCron = nil
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
		p.store = nil
	}
	return nil
}

func (p *negativeProcessor) Capabilities() consumer.Capabilities {
	return consumer.Capabilities{MutatesData: false}
}

// ConsumeLogs submits the negative records and passes the logs on. Sampling
// failures are logged and counted; they never block the pipeline.
func (p *negativeProcessor) ConsumeLogs(ctx context.Context, ld plog.Logs) error {
	if p.sampler != nil {
		rls := ld.ResourceLogs()
		for i := 0; i < rls.Len(); i++ {
			sls := rls.At(i).ScopeLogs()
			for j := 0; j < sls.Len(); j++ {
				lrs := sls.At(j).LogRecords()
				for k := 0; k < lrs.Len(); k++ {
					p.processRecord(ctx, lrs.At(k))
				}
			}
		}
	}
	return p.nextConsumer.ConsumeLogs(ctx, ld)
}

func (p *negativeProcessor) processRecord(ctx context.Context, lr plog.LogRecord) {
	ev, ok := p.extractEvent(lr)
	if !ok {
		p.metricsManager.skipped.Inc()
		return
	}

	out, err := p.sampler.Submit(ctx, ev.id, ev.score, ev.fingerprint)
	if err != nil {
		p.metricsManager.submitFailures.Inc()
		p.logger.Warn("Failed to submit negative event",
			zap.String("external_id", ev.id),
			zap.Error(err))
		return
	}
	p.metricsManager.observeOutcome(out)
}

type negativeEvent struct {
	id          string
	score       uint32
	fingerprint string
}

// extractEvent reports whether lr is a negative comment and builds its
// submission.
func (p *negativeProcessor) extractEvent(lr plog.LogRecord) (negativeEvent, bool) {
	attrs := lr.Attributes()
	body := lr.Body().AsString()

	idVal, ok := attrs.Get(p.config.Attributes.ID)
	if !ok || idVal.AsString() == "" {
		return negativeEvent{}, false
	}

	if !p.isNegative(attrs, body) {
		return negativeEvent{}, false
	}

	ev := negativeEvent{
		id:          idVal.AsString(),
		score:       sentiment.Score(body),
		fingerprint: sentiment.Fingerprint(body),
	}
	if p.config.Attributes.Score != "" {
		if v, ok := attrs.Get(p.config.Attributes.Score); ok {
			if score, ok := attributeInt(v); ok {
				// Out-of-range values are passed through so the sampler rejects
				// and the failure is counted.
				if score < 0 || score > int64(sampler.MaxScore) {
					ev.score = sampler.MaxScore + 1
				} else {
					ev.score = uint32(score)
				}
			}
		}
	}
	return ev, true
}

func (p *negativeProcessor) isNegative(attrs pcommon.Map, body string) bool {
	if p.config.Attributes.Status != "" {
		if v, ok := attrs.Get(p.config.Attributes.Status); ok {
			if v.Type() == pcommon.ValueTypeStr && strings.EqualFold(v.Str(), sentiment.Negative.String()) {
				return true
			}
			status, ok := attributeInt(v)
			return ok && status == p.config.NegativeStatus
		}
	}
	return sentiment.Analyze(body) == sentiment.Negative
}

func attributeInt(v pcommon.Value) (int64, bool) {
	switch v.Type() {
	case pcommon.ValueTypeInt:
		return v.Int(), true
	case pcommon.ValueTypeDouble:
		return int64(v.Double()), true
	case pcommon.ValueTypeStr:
		n, err := strconv.ParseInt(strings.TrimSpace(v.Str()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
