package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/BearBump/HandoffBox/internal/broker/messages"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type writerMock struct {
	mock.Mock
}

func (m *writerMock) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

type ProducerSuite struct {
	suite.Suite
	wm *writerMock
	p  *Producer
}

func (s *ProducerSuite) SetupTest() {
	s.wm = &writerMock{}
	s.p = newProducerWithWriter(s.wm)
}

func (s *ProducerSuite) statusChanged() []byte {
	b, err := json.Marshal(messages.ParcelStatusChanged{
		EventID:      42,
		ParcelID:     "p-1",
		TrackingCode: "RR123456785CN",
		FromStatus:   "PICKUP_READY",
		ToStatus:     "ASSIGNED_TO_DRIVER",
		ActorRef:     "dispatch",
		ActorRole:    "SYSTEM",
		OccurredAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	s.Require().NoError(err)
	return b
}

func (s *ProducerSuite) TestPublish_StatusChangedKeyedByParcel() {
	value := s.statusChanged()
	s.wm.
		On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
			if len(msgs) != 1 {
				return false
			}
			var got messages.ParcelStatusChanged
			if json.Unmarshal(msgs[0].Value, &got) != nil {
				return false
			}
			return msgs[0].Topic == messages.TopicParcelStatusChanged &&
				string(msgs[0].Key) == "p-1" &&
				got.EventID == 42 && got.ToStatus == "ASSIGNED_TO_DRIVER"
		})).
		Return(nil).
		Once()

	s.Require().NoError(s.p.Publish(context.Background(), messages.TopicParcelStatusChanged, []byte("p-1"), value))
	s.wm.AssertExpectations(s.T())
}

func (s *ProducerSuite) TestPublish_ErrorWrapped() {
	want := errors.New("leader not available")
	s.wm.On("WriteMessages", mock.Anything, mock.Anything).Return(want).Once()

	err := s.p.Publish(context.Background(), messages.TopicParcelStatusChanged, []byte("p-1"), s.statusChanged())
	s.Require().Error(err)
	s.Require().ErrorIs(err, want)
	s.Require().Contains(err.Error(), "kafka publish")
	s.wm.AssertExpectations(s.T())
}

func (s *ProducerSuite) TestPublish_ContextPassedThrough() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.wm.On("WriteMessages", ctx, mock.Anything).Return(context.Canceled).Once()

	err := s.p.Publish(ctx, messages.TopicParcelCreated, []byte("k"), []byte("{}"))
	s.Require().ErrorIs(err, context.Canceled)
	s.wm.AssertExpectations(s.T())
}

func TestProducerSuite(t *testing.T) {
	suite.Run(t, new(ProducerSuite))
}
