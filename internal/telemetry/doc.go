// Package telemetry provides OpenTelemetry instrumentation for plannerd.
//
// Traces and metrics are exported over OTLP, gRPC by default or HTTP when
// protocol is "http/protobuf". The orchestrator opens a span per plan run with
// a child span per classify and dispatch; the HTTP layer records request
// metrics through Meter.
//
// # Usage
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	ctx, span := tel.Tracer("plannerd/orchestrator").Start(ctx, "plan.run")
//	defer span.End()
//
// # Configuration
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: "grpc"
//	  sampling_rate: 1.0
//	  metrics: true
//	  export_interval: "15s"
//
// Telemetry failures never stop the service. An instance whose exporters
// could not be built reports Degraded and hands out no-op providers.
//
// # Testing
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("test").Start(ctx, "plan.run")
//	span.End()
//	tt.AssertSpanExists(t, "plan.run")
package telemetry
