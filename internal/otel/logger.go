package logging

import (
	"context"
	"log/slog"
	"os"

	slogbridge "github.com/webitel/webitel-go-kit/infra/otel/log/bridge/slog"
	otelsdk "github.com/webitel/webitel-go-kit/infra/otel/sdk"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/sdk/resource"

	_ "github.com/webitel/webitel-go-kit/infra/otel/sdk/log/otlp"
	_ "github.com/webitel/webitel-go-kit/infra/otel/sdk/log/stdout"
)

// Setup configures the OpenTelemetry SDK for the given service resource and
// replaces slog.Default with a bridged handler. The returned function flushes
// and shuts the SDK down; the process must call it on exit.
func Setup(service *resource.Resource) func(context.Context) error {
	// OTEL_LOG_LEVEL controls the bridged handler, info when unset.
	var level slog.LevelVar
	level.Set(slog.LevelInfo)
	if raw := os.Getenv("OTEL_LOG_LEVEL"); raw != "" {
		_ = level.UnmarshalText([]byte(raw))
	}

	ctx := context.Background()
	shutdown, err := otelsdk.Configure(
		ctx,
		otelsdk.WithResource(service),
		otelsdk.WithLogBridge(func() {
			slog.SetDefault(slog.New(
				slogbridge.WithLevel(&level, otelslog.NewHandler("slog")),
			))
		}),
	)
	if err != nil {
		slog.Default().ErrorContext(ctx, "data_exporter.otel.setup_error",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	slog.Default().InfoContext(ctx, "data_exporter.otel.setup_complete")
	return shutdown
}
