package deployq

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/deployq/deployq/internal/common"
	"github.com/deployq/deployq/internal/common/health"
	"github.com/deployq/deployq/internal/common/task"
	"github.com/deployq/deployq/internal/common/util"
	"github.com/deployq/deployq/internal/deployq/configuration"
	"github.com/deployq/deployq/internal/deployq/metrics"
)

// Run starts the scheduler service and blocks until SIGINT or SIGTERM is received.
func Run(config configuration.DeployqConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return Serve(ctx, config)
}

// Serve runs the scheduler service until ctx is cancelled.
func Serve(ctx context.Context, config configuration.DeployqConfig) error {
	log.Info("deployq starting")
	defer log.Info("deployq shutting down")
	g, ctx := errgroup.WithContext(ctx)

	//////////////////////////////////////////////////////////////////////////
	// Health Checks
	//////////////////////////////////////////////////////////////////////////
	mux := http.NewServeMux()

	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	health.SetupHttpMux(mux, healthChecks)
	shutdownHttpServer := common.ServeHttp(config.HttpPort, mux)
	defer shutdownHttpServer()

	// List of services to run concurrently.
	// Services are started together once every component has been set up.
	var services []func() error

	//////////////////////////////////////////////////////////////////////////
	// Stores and engine
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up store connections")
	components, err := NewComponents(ctx, config)
	if err != nil {
		return err
	}
	defer components.Close()
	for _, check := range components.HealthChecks {
		healthChecks.Add(check)
	}
	log.Infof("Admission policy is %s", config.Scheduling.AdmissionPolicy)

	if err := BootstrapClusters(ctx, components.Engine, components.Store, config.Clusters, &util.DefaultClock{}); err != nil {
		return errors.WithMessage(err, "error bootstrapping clusters")
	}

	//////////////////////////////////////////////////////////////////////////
	// Background tasks
	//////////////////////////////////////////////////////////////////////////
	taskManager := task.NewBackgroundTaskManager(metrics.MetricPrefix)
	defer func() {
		if taskManager.StopAll(5 * time.Second) {
			log.Warn("Background tasks did not stop within 5s")
		}
	}()
	services = append(services, func() error {
		NewDriver(ctx, components.Engine, config.Scheduling).Register(taskManager)
		<-ctx.Done()
		return nil
	})

	//////////////////////////////////////////////////////////////////////////
	// Metrics
	//////////////////////////////////////////////////////////////////////////
	metrics.ExposeDataMetrics(components.Engine, components.Ledger, config.Metrics.RefreshInterval)
	shutdownMetricServer := common.ServeMetrics(config.MetricsPort, nil)
	defer shutdownMetricServer()

	// start all services
	for _, service := range services {
		g.Go(service)
	}

	startupCompleteCheck.MarkComplete()
	return g.Wait()
}
