package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/ehr-access/internal/model"
	"github.com/jwalitptl/ehr-access/internal/repository"
	"github.com/jwalitptl/ehr-access/internal/repository/repotest"
	"github.com/jwalitptl/ehr-access/internal/service/event"
	"github.com/jwalitptl/ehr-access/pkg/logger"
	"github.com/jwalitptl/ehr-access/pkg/messaging"
	"github.com/jwalitptl/ehr-access/pkg/metrics"
)

type flakyBroker struct {
	messaging.Broker
	err error
}

func (b *flakyBroker) Publish(ctx context.Context, channel string, message interface{}) error {
	if b.err != nil {
		return b.err
	}
	return b.Broker.Publish(ctx, channel, message)
}

func newProcessor(t *testing.T, broker messaging.Broker) (*OutboxProcessor, *repotest.Store, *metrics.Metrics) {
	t.Helper()
	store := repotest.NewStore()
	m := metrics.New("test", prometheus.NewRegistry())
	p := NewOutboxProcessor(store.Outbox(), broker, OutboxProcessorConfig{
		BatchSize:    10,
		PollInterval: time.Second,
		Retry:        repository.RetryPolicy{MaxAttempts: 2},
		Retention:    time.Hour,
	}, logger.Nop(), m)
	return p, store, m
}

func TestOutboxProcessor_PublishesToEventChannel(t *testing.T) {
	broker := messaging.NewMemoryBroker()
	p, store, m := newProcessor(t, broker)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := broker.Subscribe(ctx, model.EventAccessRequested)
	require.NoError(t, err)

	owner := uuid.New()
	event.NewService(store.Outbox(), nil).Publish(ctx, model.EventAccessRequested, model.AccessEvent{OwnerID: owner})

	processed, failed, err := p.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, failed)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OutboxEventsProcessed))

	select {
	case raw := <-sub:
		msg, err := messaging.Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, model.EventAccessRequested, msg.Type)
		assert.Contains(t, string(msg.Payload), owner.String())
	case <-time.After(time.Second):
		t.Fatal("event not published")
	}

	processed, _, err = p.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, processed)
}

func TestOutboxProcessor_FailureIsRetriedThenFailed(t *testing.T) {
	broker := &flakyBroker{Broker: messaging.NewMemoryBroker(), err: errors.New("redis down")}
	p, store, m := newProcessor(t, broker)
	ctx := context.Background()

	event.NewService(store.Outbox(), nil).Publish(ctx, model.EventAccessRevoked, model.AccessEvent{})

	_, failed, err := p.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	// Zero backoff makes the retry due immediately.
	_, failed, err = p.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OutboxRetries.WithLabelValues(model.EventAccessRevoked)))

	broker.err = nil
	processed, failed, err := p.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, processed+failed, "failed events are not retried again")
}

func TestOutboxProcessor_Prune(t *testing.T) {
	p, store, _ := newProcessor(t, messaging.NewMemoryBroker())
	ctx := context.Background()

	event.NewService(store.Outbox(), nil).Publish(ctx, model.EventAccessGranted, model.AccessEvent{})
	_, _, err := p.ProcessBatch(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Prune(ctx))
	assert.Len(t, store.Events(), 1, "recent events are kept")

	p.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, p.Prune(ctx))
	assert.Empty(t, store.Events())
}

func TestNewOutboxProcessor_RejectsBadConfig(t *testing.T) {
	assert.Panics(t, func() {
		NewOutboxProcessor(nil, nil, OutboxProcessorConfig{}, logger.Nop(), nil)
	})
}
