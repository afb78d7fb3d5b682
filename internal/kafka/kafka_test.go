package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/eventbus"
	"github.com/aihub/docindex/internal/models"
)

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32 { return map[string][]int32{"records": {0}} }
func (s *fakeSession) MemberID() string            { return "member-1" }
func (s *fakeSession) GenerationID() int32         { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string) {}
func (s *fakeSession) Commit()                                {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context               { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "records" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return int64(len(c.messages)) }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newClaim(values ...string) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(values))
	for i, v := range values {
		ch <- &sarama.ConsumerMessage{
			Topic:     "records",
			Partition: 0,
			Offset:    int64(i),
			Key:       []byte("doc-1"),
			Value:     []byte(v),
		}
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

func decodeHandler(_ context.Context, msg *eventbus.Message) error {
	if _, err := models.ParseEvent(msg.Value); err != nil {
		return apperrors.NewPermanentFormatError("event", err)
	}
	return nil
}

func TestProducer_Publish(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		if msg.Topic != "records" || string(key) != "doc-1" {
			return errors.New("unexpected message")
		}
		return nil
	})
	sp.ExpectSendMessageAndFail(sarama.ErrNotEnoughReplicas)

	p := NewProducerFromSync(sp, zap.NewNop())
	defer p.Close()

	ev := models.NewEvent(models.EventRecordCreated, "doc-1", 1)
	require.NoError(t, eventbus.PublishEvent(context.Background(), p, "records", ev))

	err := p.Publish(context.Background(), "records", "doc-1", []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeDelivery, apperrors.Classify(err))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestGroupHandler_MarksAfterSuccessAndParksPoison(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "records"+eventbus.DeadLetterSuffix {
			return errors.New("poison message not sent to dead-letter topic")
		}
		return nil
	})
	producer := NewProducerFromSync(sp, zap.NewNop())
	defer producer.Close()

	valid, err := models.NewEvent(models.EventRecordUpdated, "doc-1", 2).Marshal()
	require.NoError(t, err)

	h := &groupHandler{
		dispatcher: eventbus.NewDispatcher(nil, producer, zap.NewNop()),
		handler:    decodeHandler,
		logger:     zap.NewNop(),
	}
	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, h.ConsumeClaim(session, newClaim(string(valid), "garbage", string(valid))))

	assert.Equal(t, []int64{0, 1, 2}, session.marked)
}

func TestGroupHandler_StopsWithoutMarkingWhenSessionEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &groupHandler{
		dispatcher: eventbus.NewDispatcher(nil, nil, zap.NewNop()).WithBackoff(time.Millisecond, time.Millisecond),
		handler: func(context.Context, *eventbus.Message) error {
			cancel()
			return apperrors.NewLeaseHeldError("leases/doc-1")
		},
		logger: zap.NewNop(),
	}
	session := &fakeSession{ctx: ctx}
	require.NoError(t, h.ConsumeClaim(session, newClaim(`{}`, `{}`)))
	assert.Empty(t, session.marked)
}
