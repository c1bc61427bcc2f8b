package hydro

import (
	"context"

	"github.com/peaksync/peaksync/pkg/types"
	"github.com/stretchr/testify/mock"
)

// MockClient is a testify mock of Client for coordinator and server tests.
type MockClient struct {
	mock.Mock
}

var _ Client = (*MockClient)(nil)

func (m *MockClient) FetchAccount(ctx context.Context) (map[string]any, error) {
	args := m.Called(ctx)
	if doc := args.Get(0); doc != nil {
		return doc.(map[string]any), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) FetchContract(ctx context.Context) (map[string]any, error) {
	args := m.Called(ctx)
	if doc := args.Get(0); doc != nil {
		return doc.(map[string]any), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) FetchPeakEvents(ctx context.Context, periodID string) ([]types.PeakEvent, error) {
	args := m.Called(ctx, periodID)
	if events := args.Get(0); events != nil {
		return events.([]types.PeakEvent), args.Error(1)
	}
	return nil, args.Error(1)
}
