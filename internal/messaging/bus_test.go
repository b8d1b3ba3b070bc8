package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failing struct{}

func (failing) Publish(context.Context, string, any) error { return errors.New("broker down") }

func TestFanoutToleratesPartialFailure(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryPublisher()
	f := NewFanout(zap.NewNop(), failing{}, mem)

	ev := &LedgerEvent{BaseMessage: NewBaseMessage(MsgTransactionCompleted, "test", ""), UserID: "u1"}
	require.NoError(t, f.Publish(ctx, ev.Key(), ev))
	assert.Equal(t, []MessageType{MsgTransactionCompleted}, mem.Types())
}

func TestFanoutFailsWhenAllFail(t *testing.T) {
	f := NewFanout(zap.NewNop(), failing{}, failing{})
	err := f.Publish(context.Background(), "k", &LedgerEvent{})
	assert.ErrorContains(t, err, "broker down")
}

func TestKafkaProducerRequiresBrokers(t *testing.T) {
	_, err := NewKafkaProducer(DefaultKafkaConfig(nil, "fincore.ledger.events"), zap.NewNop())
	assert.Error(t, err)

	p, err := NewKafkaProducer(DefaultKafkaConfig([]string{"localhost:9092"}, "fincore.ledger.events"), zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}
