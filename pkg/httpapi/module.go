package httpapi

import (
	"net/http"

	"referral-ledger/pkg/config"
	"referral-ledger/pkg/health"
	"referral-ledger/pkg/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewEngine,
		func(e *gin.Engine) http.Handler { return e },
	),
)

// Routes mounts a service's endpoints under the versioned API group.
type Routes interface {
	RegisterRoutes(r *gin.RouterGroup)
}

// AsRoutes annotates a constructor so its result is mounted by NewEngine.
func AsRoutes(f any) any {
	return fx.Annotate(
		f,
		fx.As(new(Routes)),
		fx.ResultTags(`group:"http.routes"`),
	)
}

type Params struct {
	fx.In
	Config *config.Config
	Health health.HealthService
	Routes []Routes `group:"http.routes"`
}

func NewEngine(p Params) *gin.Engine {
	if p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.AccessLog(),
		middleware.Error(),
	)

	engine.GET("/healthz", p.Health.Liveness)
	engine.GET("/readyz", p.Health.Readiness)

	v1 := engine.Group("/v1")
	for _, r := range p.Routes {
		r.RegisterRoutes(v1)
	}

	return engine
}
