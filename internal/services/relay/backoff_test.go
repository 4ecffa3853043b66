package relay

import (
	"testing"
	"time"

	relaymocks "github.com/BearBump/HandoffBox/internal/services/relay/mocks"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type BackoffSuite struct {
	suite.Suite
}

func (s *BackoffSuite) TestDefaultSchedule() {
	s.Equal(5*time.Minute, BackoffDelay(0))
	s.Equal(5*time.Minute, BackoffDelay(1))
	s.Equal(15*time.Minute, BackoffDelay(2))
	s.Equal(30*time.Minute, BackoffDelay(3))
	s.Equal(60*time.Minute, BackoffDelay(4))
	s.Equal(60*time.Minute, BackoffDelay(100))
}

func (s *BackoffSuite) TestJitterUsesRand() {
	m := &relaymocks.Rand{}
	m.On("Intn", 30).Return(7).Once()

	b := NewBackoff(BackoffConfig{Jitter: 30 * time.Second}, m)
	s.Equal(5*time.Minute+7*time.Second, b.Delay(1))
	m.AssertExpectations(s.T())
}

func (s *BackoffSuite) TestNoJitter_RandNotCalled() {
	m := &relaymocks.Rand{}
	b := NewBackoff(BackoffConfig{Step1: time.Second, Jitter: -time.Second}, m)
	s.Equal(time.Second, b.Delay(1))
	s.Equal(15*time.Minute, b.Delay(2))
	m.AssertNotCalled(s.T(), "Intn", mock.Anything)
}

func TestBackoffSuite(t *testing.T) {
	suite.Run(t, new(BackoffSuite))
}
