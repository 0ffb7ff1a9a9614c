package telemetry_test

import (
	"context"
	"time"

	"github.com/occigate/occigate/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"
	cfg.Metrics.Enabled = false

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.Logger.WithContext(context.Background())

	logger := telemetry.FromContext(ctx)
	logger.Info("gateway started")
}

// Example_nativeCall demonstrates instrumenting a backend native call.
func Example_nativeCall() {
	tel := telemetry.Nop()
	ctx := context.Background()

	timer := telemetry.NewTimer()
	ctx, span := tel.Tracer.StartNativeCallSpan(ctx, "opennebula", "compute", "VirtualMachineInfo")
	defer span.End()

	// ... call the native client with ctx ...
	_ = ctx

	tel.Metrics.RecordNativeCall("opennebula", "compute", "VirtualMachineInfo", timer.Duration())
	telemetry.RecordSuccess(span)
}

// Example_productionConfiguration demonstrates production settings.
func Example_productionConfiguration() {
	cfg := telemetry.ProductionConfig()
	cfg.ServiceVersion = "1.0.0"
	cfg.Tracing.Endpoint = "otel-collector:4317"
	cfg.Tracing.ExportTimeout = 10 * time.Second

	if err := cfg.Validate(); err != nil {
		panic(err)
	}
}
