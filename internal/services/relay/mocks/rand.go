package mocks

import (
	"github.com/stretchr/testify/mock"
)

type Rand struct {
	mock.Mock
}

func (m *Rand) Intn(n int) int {
	args := m.Called(n)
	return args.Int(0)
}
