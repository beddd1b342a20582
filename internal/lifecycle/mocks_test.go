// Hand-written gomock doubles for the controller's collaborators. They follow
// the layout mockgen uses so tests drive them through EXPECT() as usual.

package lifecycle_test

import (
	context "context"
	reflect "reflect"

	lifecycle "github.com/2beens/offlinecache/internal/lifecycle"
	gomock "go.uber.org/mock/gomock"
)

// MockClientRegistry is a mock of ClientRegistry interface.
type MockClientRegistry struct {
	ctrl     *gomock.Controller
	recorder *MockClientRegistryMockRecorder
	isgomock struct{}
}

// MockClientRegistryMockRecorder is the mock recorder for MockClientRegistry.
type MockClientRegistryMockRecorder struct {
	mock *MockClientRegistry
}

// NewMockClientRegistry creates a new mock instance.
func NewMockClientRegistry(ctrl *gomock.Controller) *MockClientRegistry {
	mock := &MockClientRegistry{ctrl: ctrl}
	mock.recorder = &MockClientRegistryMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockClientRegistry) EXPECT() *MockClientRegistryMockRecorder {
	return m.recorder
}

// Broadcast mocks base method.
func (m *MockClientRegistry) Broadcast(ctx context.Context, msg lifecycle.Message) (int, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Broadcast", ctx, msg)
	ret0, _ := ret[0].(int)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Broadcast indicates an expected call of Broadcast.
func (mr *MockClientRegistryMockRecorder) Broadcast(ctx, msg any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Broadcast", reflect.TypeOf((*MockClientRegistry)(nil).Broadcast), ctx, msg)
}

// Claim mocks base method.
func (m *MockClientRegistry) Claim(ctx context.Context, version string) (int, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Claim", ctx, version)
	ret0, _ := ret[0].(int)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Claim indicates an expected call of Claim.
func (mr *MockClientRegistryMockRecorder) Claim(ctx, version any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Claim", reflect.TypeOf((*MockClientRegistry)(nil).Claim), ctx, version)
}

// Count mocks base method.
func (m *MockClientRegistry) Count() int {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Count")
	ret0, _ := ret[0].(int)
	return ret0
}

// Count indicates an expected call of Count.
func (mr *MockClientRegistryMockRecorder) Count() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Count", reflect.TypeOf((*MockClientRegistry)(nil).Count))
}
