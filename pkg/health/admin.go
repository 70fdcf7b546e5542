package health

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"licensing-controlplane/pkg/config"
)

// AdminServer serves liveness/readiness probes on a side port, away from
// the public API.
var AdminServer = fx.Module("health.admin",
	fx.Invoke(startAdminServer),
)

func startAdminServer(lc fx.Lifecycle, cfg *config.Config, svc HealthService) {
	addr := cfg.Admin.Addr
	if addr == "" {
		return
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/livez", svc.Liveness)
	router.GET("/readyz", svc.Readiness)

	server := &http.Server{Addr: ":" + addr, Handler: router}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				zap.L().Info("Starting admin server", zap.String("addr", server.Addr))
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					zap.L().Error("admin server exited", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}
