package scheduler

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/pkg/errors"
)

const electionPrefix = "/fincore/scheduler/leader"

// Leadership decides which instance runs the workers.
type Leadership interface {
	// Campaign blocks until this instance leads. The returned context is
	// cancelled when leadership is lost or ctx ends.
	Campaign(ctx context.Context) (context.Context, error)
	Close() error
}

// Standalone leads immediately. It is used when no etcd endpoints are
// configured, i.e. for a single instance.
type Standalone struct{}

func (Standalone) Campaign(ctx context.Context) (context.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ctx, nil
}

func (Standalone) Close() error { return nil }

// EtcdElector campaigns for leadership on an etcd election backed by a
// leased session. Losing the lease ends the leadership context.
type EtcdElector struct {
	client *clientv3.Client
	nodeID string
	ttl    int
	logger *zap.Logger
}

func NewEtcdElector(endpoints []string, nodeID string, ttlSeconds int, logger *zap.Logger) (*EtcdElector, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.ConfigError.Explain("failed to create etcd client").Wrap(err)
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 15
	}
	return &EtcdElector{client: client, nodeID: nodeID, ttl: ttlSeconds, logger: logger.Named("leader")}, nil
}

func (e *EtcdElector) Campaign(ctx context.Context) (context.Context, error) {
	session, err := concurrency.NewSession(e.client, concurrency.WithTTL(e.ttl), concurrency.WithContext(ctx))
	if err != nil {
		return nil, errors.ProviderUnavailable.Explain("failed to create etcd session").Wrap(err)
	}
	election := concurrency.NewElection(session, electionPrefix)
	if err := election.Campaign(ctx, e.nodeID); err != nil {
		_ = session.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.ProviderUnavailable.Explain("etcd campaign failed").Wrap(err)
	}
	e.logger.Info("acquired scheduler leadership", zap.String("node_id", e.nodeID))

	leadCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		select {
		case <-session.Done():
			e.logger.Warn("scheduler leadership lost", zap.String("node_id", e.nodeID))
		case <-leadCtx.Done():
		}
		resignCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		if err := election.Resign(resignCtx); err != nil {
			e.logger.Debug("resign failed", zap.Error(err))
		}
		_ = session.Close()
	}()
	return leadCtx, nil
}

func (e *EtcdElector) Close() error {
	return e.client.Close()
}
