package mocks

import (
	"context"
	"time"

	"github.com/BearBump/HandoffBox/internal/models"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) CreateParcels(ctx context.Context, items []models.ParcelCreateInput) ([]*models.Parcel, error) {
	args := m.Called(ctx, items)
	var out []*models.Parcel
	if v := args.Get(0); v != nil {
		out = v.([]*models.Parcel)
	}
	return out, args.Error(1)
}

func (m *MockRepository) GetParcelsByIDs(ctx context.Context, ids []string) ([]*models.Parcel, error) {
	args := m.Called(ctx, ids)
	var out []*models.Parcel
	if v := args.Get(0); v != nil {
		out = v.([]*models.Parcel)
	}
	return out, args.Error(1)
}

func (m *MockRepository) GetParcel(ctx context.Context, id string) (*models.Parcel, error) {
	args := m.Called(ctx, id)
	var out *models.Parcel
	if v := args.Get(0); v != nil {
		out = v.(*models.Parcel)
	}
	return out, args.Error(1)
}

func (m *MockRepository) GetParcelByTrackingCode(ctx context.Context, code string) (*models.Parcel, error) {
	args := m.Called(ctx, code)
	var out *models.Parcel
	if v := args.Get(0); v != nil {
		out = v.(*models.Parcel)
	}
	return out, args.Error(1)
}

func (m *MockRepository) ApplyTransition(ctx context.Context, w models.TransitionWrite) (*models.ParcelEvent, error) {
	args := m.Called(ctx, w)
	var out *models.ParcelEvent
	if v := args.Get(0); v != nil {
		out = v.(*models.ParcelEvent)
	}
	return out, args.Error(1)
}

func (m *MockRepository) ListParcelEvents(ctx context.Context, parcelID string, limit, offset int) ([]*models.ParcelEvent, error) {
	args := m.Called(ctx, parcelID, limit, offset)
	var out []*models.ParcelEvent
	if v := args.Get(0); v != nil {
		out = v.([]*models.ParcelEvent)
	}
	return out, args.Error(1)
}

func (m *MockRepository) ConsumePickupCode(ctx context.Context, parcelID string, at time.Time) error {
	args := m.Called(ctx, parcelID, at)
	return args.Error(0)
}
