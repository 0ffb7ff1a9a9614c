// Package telemetry provides observability instrumentation for the gateway.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) behind a single Telemetry value
// that is handed to every backend proxy.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Libraries and tests that do not care about observability use Nop:
//
//	tel := telemetry.Nop()
//
// # Structured Logging
//
// Loggers carry backend, subtype and caller identity fields:
//
//	logger := tel.Logger.NewComponentLogger("proxy").
//	    WithBackend("opennebula", "compute").
//	    WithIdentity(creds.Fingerprint())
//	logger.Info("adapter constructed")
//
// Credentials are never logged, only their fingerprint.
//
// # Distributed Tracing
//
// Every native backend call gets one span:
//
//	ctx, span := tel.Tracer.StartNativeCallSpan(ctx, "ec2", "compute", "DescribeInstances")
//	defer span.End()
//
// Supported exporters: otlp, stdout, none.
//
// # Metrics
//
// Native calls, errors by canonical kind, adapter constructions, cache hits,
// version warnings, waiter polls and timeouts, and validation failures are
// counted. Metrics are exposed via HTTP at /metrics (default :9090).
package telemetry
