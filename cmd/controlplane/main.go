package main

import (
	"context"
	"log"
	"os"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"licensing-controlplane/internal/httpapi"
	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/db"
	"licensing-controlplane/pkg/featureflags"
	"licensing-controlplane/pkg/hashistack/secretmanager"
	"licensing-controlplane/pkg/health"
	pkghttpapi "licensing-controlplane/pkg/httpapi"
	"licensing-controlplane/pkg/keyring"
	"licensing-controlplane/pkg/logger"
	"licensing-controlplane/pkg/otelcol"
	"licensing-controlplane/pkg/otelcol/exporters"
	"licensing-controlplane/pkg/profiling"
	"licensing-controlplane/pkg/redis"
	"licensing-controlplane/pkg/sequence"
	"licensing-controlplane/pkg/server"
	"licensing-controlplane/pkg/task"
	"licensing-controlplane/services/activation"
	"licensing-controlplane/services/anomaly"
	"licensing-controlplane/services/apikey"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/customer"
	"licensing-controlplane/services/keygen"
	"licensing-controlplane/services/lease"
	"licensing-controlplane/services/license"
	"licensing-controlplane/services/outbox"
	"licensing-controlplane/services/product"
	"licensing-controlplane/services/tenant"
	"licensing-controlplane/services/usage"
)

func main() {
	opts := []fx.Option{
		config.Module,
		secretsOption(),
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		sequence.Module,
		keyring.Module,
		featureflags.Module,
		profiling.Module,
		fx.Provide(
			server.RegisterServerMux,
			provideTracerProvider,
			provideMeterProvider,
			provideSnowflakeNode,
		),
		pkghttpapi.Module,
		keygen.Module,
		audit.Module,
		outbox.Module,
		tenant.Module,
		product.Module,
		customer.Module,
		apikey.Module,
		license.Module,
		activation.Module,
		anomaly.Module,
		usage.Module,
		lease.Module,
		httpapi.Module,
		health.Module,
		health.AdminServer,
		server.ProvideGRPCServer,
		server.ProvideHTTPServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

// Vault hydration only makes sense when an address is configured; without it
// the keyring falls back to file/env secrets.
func secretsOption() fx.Option {
	if os.Getenv("VAULT_ADDR") == "" {
		return fx.Options()
	}
	return secretmanager.Module
}

func provideTracerProvider(lc fx.Lifecycle, cfg *config.Config) (trace.TracerProvider, error) {
	if cfg.Otel.Addr == "" {
		return otel.GetTracerProvider(), nil
	}

	exporter, err := exporters.ProvideHttp(cfg)
	if err != nil {
		return nil, err
	}

	tp := otelcol.ProvideTrace(exporter)
	otel.SetTracerProvider(tp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})

	return tp, nil
}

func provideMeterProvider() metric.MeterProvider {
	return otel.GetMeterProvider()
}

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
