// Package metrics hosts the optional Prometheus and pprof HTTP endpoints of
// the quik-go client tooling.
package metrics

import (
	"context"
	"net/http"

	"github.com/alexveden/quik-go/pkg/config"
	"go.uber.org/zap"
)

// Service serves metrics-related handlers on the configured addresses.
type Service struct {
	http        []*http.Server
	config      config.BasicService
	log         *zap.Logger
	serviceType string
}

// NewService configures a generic metrics service with the given handlers.
func NewService(name string, srvs []*http.Server, cfg config.BasicService, log *zap.Logger) *Service {
	return &Service{
		http:        srvs,
		config:      cfg,
		log:         log,
		serviceType: name,
	}
}

// Start runs the HTTP servers on the configured addresses. It does not
// block, listen failures are logged.
func (ms *Service) Start() {
	if ms == nil || !ms.config.Enabled {
		return
	}
	for _, srv := range ms.http {
		ms.log.Info("starting service", zap.String("service", ms.serviceType), zap.String("endpoint", srv.Addr))
		go func(srv *http.Server) {
			err := srv.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				ms.log.Error("failed to start service",
					zap.String("service", ms.serviceType),
					zap.String("endpoint", srv.Addr),
					zap.Error(err))
			}
		}(srv)
	}
}

// ShutDown stops the servers.
func (ms *Service) ShutDown() {
	if ms == nil || !ms.config.Enabled {
		return
	}
	for _, srv := range ms.http {
		ms.log.Info("shutting down service", zap.String("service", ms.serviceType), zap.String("endpoint", srv.Addr))
		if err := srv.Shutdown(context.Background()); err != nil {
			ms.log.Error("can't shut service down", zap.String("endpoint", srv.Addr), zap.Error(err))
		}
	}
}
