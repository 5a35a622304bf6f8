// Package scheduling admits deployments onto clusters in priority order.
//
// The Engine ties together three stores: the resource ledger (available capacity per cluster),
// the priority index (queued deployments and their cached metadata) and the durable record store
// (the canonical status of every deployment). Ledger reservations and releases are atomic in the
// ledger itself; transitions in the record store are conditional on the status observed before
// the transition, so concurrent callers can never apply the same transition twice.
//
// Transient failures are reported to the caller and never retried by the engine.
package scheduling

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/deployq/deployq/internal/common/deployerrors"
	"github.com/deployq/deployq/internal/common/logging"
	"github.com/deployq/deployq/internal/common/util"
	"github.com/deployq/deployq/internal/deployq/configuration"
	"github.com/deployq/deployq/internal/deployq/domain"
	"github.com/deployq/deployq/internal/deployq/events"
	"github.com/deployq/deployq/internal/deployq/metrics"
	"github.com/deployq/deployq/internal/deployq/repository"
)

// Number of times a transition is re-evaluated after losing a race on the stored status.
const maxConflictRetries = 3

// Used for the timeout sweep and rebalance when the config leaves their limits unset.
const defaultLimit = time.Hour

type Engine struct {
	ledger    repository.ResourceLedger
	index     repository.PriorityIndex
	store     repository.RecordStore
	publisher events.Publisher
	clock     util.Clock
	config    configuration.SchedulingConfig
}

func NewEngine(
	ledger repository.ResourceLedger,
	index repository.PriorityIndex,
	store repository.RecordStore,
	publisher events.Publisher,
	clock util.Clock,
	config configuration.SchedulingConfig,
) *Engine {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if clock == nil {
		clock = &util.DefaultClock{}
	}
	if config.AdmissionPolicy == "" {
		config.AdmissionPolicy = configuration.SkipOver
	}
	if config.DeploymentTimeout <= 0 {
		config.DeploymentTimeout = defaultLimit
	}
	if config.RebalanceAge <= 0 {
		config.RebalanceAge = defaultLimit
	}
	return &Engine{
		ledger:    ledger,
		index:     index,
		store:     store,
		publisher: publisher,
		clock:     clock,
		config:    config,
	}
}

func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.config.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.config.StoreTimeout)
}

func (e *Engine) getDeployment(ctx context.Context, deploymentId string) (*domain.Deployment, error) {
	ctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.store.GetDeployment(ctx, deploymentId)
}

func (e *Engine) updateDeployment(ctx context.Context, deployment *domain.Deployment, expected domain.DeploymentStatus) (bool, error) {
	ctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.store.UpdateDeployment(ctx, deployment, expected)
}

func (e *Engine) listDeployments(ctx context.Context, clusterId string, status domain.DeploymentStatus) ([]*domain.Deployment, error) {
	ctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.store.ListDeployments(ctx, clusterId, status)
}

// conflictError explains why a conditional update found the deployment in an unexpected state.
func (e *Engine) conflictError(ctx context.Context, deploymentId string, to domain.DeploymentStatus) error {
	current, err := e.getDeployment(ctx, deploymentId)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		return errors.WithStack(&deployerrors.ErrAlreadyTerminal{DeploymentId: deploymentId, Status: string(current.Status)})
	}
	return errors.WithStack(&deployerrors.ErrInvalidTransition{
		DeploymentId: deploymentId,
		From:         string(current.Status),
		To:           string(to),
	})
}

// compensateReservation undoes a reservation whose transition could not be persisted.
// Returns false if the ledger could not be corrected.
func (e *Engine) compensateReservation(clusterId string, amount domain.ResourceVector) bool {
	err := e.ledger.Release(clusterId, amount)
	metrics.RecordCompensation(clusterId, err == nil)
	if err != nil {
		logging.
			WithStacktrace(log.WithField("clusterId", clusterId), err).
			Errorf("Failed to release %s after a failed record store write; cluster requires resync", amount)
		return false
	}
	return true
}

func (e *Engine) publish(eventType events.EventType, deploymentId string, clusterId string, priority int, details map[string]string) {
	err := e.publisher.Publish(&events.DeploymentEvent{
		Type:         eventType,
		DeploymentId: deploymentId,
		ClusterId:    clusterId,
		Priority:     priority,
		Time:         e.clock.Now(),
		Details:      details,
	})
	if err != nil {
		logging.
			WithStacktrace(log.WithField("deploymentId", deploymentId), err).
			Warnf("Failed to publish %s event", eventType)
	}
}
