package server

import (
	"fmt"
	"net"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/compozy/taskvisor/engine/infra/server/routes"
	tkrouter "github.com/compozy/taskvisor/engine/task/router"
	"github.com/compozy/taskvisor/pkg/logger"
	"github.com/compozy/taskvisor/pkg/version"
)

func (s *Server) metricsEnabled() bool {
	return s.monitoring != nil && s.monitoring.IsInitialized()
}

func (s *Server) buildRouter() {
	r := gin.New()
	r.Use(gin.Recovery())
	if s.metricsEnabled() {
		r.Use(s.monitoring.GinMiddleware())
	}
	r.Use(LoggerMiddleware(logger.FromContext(s.ctx)))
	if s.metricsEnabled() {
		r.GET(s.monitoring.Path(), gin.WrapH(s.monitoring.ExporterHandler()))
	}
	r.GET(routes.Health(), s.healthHandler)
	apiBase := r.Group(routes.Base())
	apiBase.GET("/health", s.healthHandler)
	var opts []tkrouter.Option
	if s.heartbeat > 0 {
		opts = append(opts, tkrouter.WithHeartbeat(s.heartbeat))
	}
	tkrouter.Register(apiBase, s.supervisor, opts...)
	s.router = r
}

func (s *Server) logStartupBanner(addr net.Addr) {
	host, port := s.serverConfig.Host, fmt.Sprint(s.serverConfig.Port)
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = fmt.Sprint(tcp.Port)
	}
	httpURL := fmt.Sprintf("http://%s", net.JoinHostPort(friendlyHost(host), port))
	lines := []string{
		fmt.Sprintf("Taskvisor %s", version.Get().Version),
		fmt.Sprintf("  API      > %s%s", httpURL, routes.Base()),
		fmt.Sprintf("  Tasks    > %s%s", httpURL, routes.Tasks()),
		fmt.Sprintf("  Health   > %s%s", httpURL, routes.HealthVersioned()),
	}
	if s.metricsEnabled() {
		lines = append(lines, fmt.Sprintf("  Metrics  > %s%s", httpURL, s.monitoring.Path()))
	}
	logger.FromContext(s.ctx).Info("\n" + strings.Join(lines, "\n"))
}

func friendlyHost(h string) string {
	if h == hostAny || h == "::" || h == "" {
		return hostLoopback
	}
	return h
}
