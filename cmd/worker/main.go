package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/db"
	"licensing-controlplane/pkg/keyring"
	"licensing-controlplane/pkg/logger"
	"licensing-controlplane/pkg/redis"
	"licensing-controlplane/pkg/sequence"
	pkgtask "licensing-controlplane/pkg/task"
	"licensing-controlplane/pkg/taskname"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/keygen"
	"licensing-controlplane/services/license"
	"licensing-controlplane/services/outbox"
	"licensing-controlplane/services/product"
	"licensing-controlplane/services/task"
	"licensing-controlplane/services/tenant"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		keyring.Module,
		fx.Provide(provideSnowflakeNode),
		pkgtask.Client,
		pkgtask.Server,
		keygen.Module,
		audit.Module,
		outbox.Module,
		tenant.Module,
		product.Module,
		license.Module,
		task.Module,
		fx.Invoke(registerHandlers),
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func registerHandlers(mux *asynq.ServeMux, svc *task.Service) {
	mux.HandleFunc(taskname.WebhookDeliver, svc.HandleWebhookDeliver)
	mux.HandleFunc(taskname.LicenseExpiryRun, svc.HandleLicenseExpiry)
	mux.HandleFunc(taskname.AuditVerifyRun, svc.HandleAuditVerify)
}
