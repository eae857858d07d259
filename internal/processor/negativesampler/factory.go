// Package negativesampler is an OpenTelemetry Collector logs processor that
// feeds negative comment events into a persistent reservoir sample.
package negativesampler

import (
	"context"

	"go.opentelemetry.io/collector/component"
	"go.opentelemetry.io/collector/consumer"
	"go.opentelemetry.io/collector/processor"
)

var typeStr = component.MustNewType("negative_sampler")

// NewFactory returns a new factory for the negative sampler processor.
func NewFactory() processor.Factory {
	return processor.NewFactory(
		typeStr,
		createDefaultConfig,
		processor.WithLogs(createLogsProcessor, component.StabilityLevelAlpha),
	)
}

func createLogsProcessor(
	ctx context.Context,
	params processor.Settings,
	cfg component.Config,
	nextConsumer consumer.Logs,
) (processor.Logs, error) {
	return newNegativeProcessor(ctx, params.TelemetrySettings, cfg.(*Config), nextConsumer)
}
