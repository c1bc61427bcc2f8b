package storagemock

import (
	"context"
	"time"

	"github.com/peaksync/peaksync/pkg/storage"
	"github.com/peaksync/peaksync/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetCreditState(ctx context.Context, contractID string) (types.CreditState, error) {
	args := m.Called(ctx, contractID)
	if len(args) > 0 {
		return args.Get(0).(types.CreditState), args.Error(1)
	}
	return types.CreditState{}, nil
}

func (m *MockDatabase) SetCreditState(ctx context.Context, contractID string, state types.CreditState) error {
	args := m.Called(ctx, contractID, state)
	return args.Error(0)
}

func (m *MockDatabase) InsertDerivation(ctx context.Context, contractID string, rec types.DerivationRecord) error {
	args := m.Called(ctx, contractID, rec)
	return args.Error(0)
}

func (m *MockDatabase) GetDerivationHistory(ctx context.Context, contractID string, start, end time.Time) ([]types.DerivationRecord, error) {
	args := m.Called(ctx, contractID, start, end)
	if len(args) > 0 {
		if recs := args.Get(0); recs != nil {
			return recs.([]types.DerivationRecord), args.Error(1)
		}
		return nil, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
