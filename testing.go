package rpcsvc

import (
	"context"
	"reflect"
	"sync"

	"github.com/behrlich/go-rpcsvc/internal/collab"
)

// MockCodec is a call-tracking collab.Codec test double. Each queued
// call to Recv consumes one entry from Inbox in order; once Inbox is
// drained, Recv reports no data available.
type MockCodec struct {
	mu sync.Mutex

	Inbox []error // nil entries mean "message available", non-nil means Recv returns that error
	pos   int

	ArgsOut any // value GetArgs copies into its argsOut parameter, if non-nil
	RecvErr error

	RecvCalls     int
	GetArgsCalls  int
	ReplyCalls    int
	FreeArgsCalls int
	CloseCalls    int

	Replies []any // every value passed to Reply, in order
}

// NewMockCodec creates a MockCodec that reports n messages available
// before reporting none.
func NewMockCodec(n int) *MockCodec {
	inbox := make([]error, n)
	return &MockCodec{Inbox: inbox}
}

func (m *MockCodec) Recv(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RecvCalls++
	if m.pos >= len(m.Inbox) {
		return false, nil
	}
	err := m.Inbox[m.pos]
	m.pos++
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *MockCodec) GetArgs(argsOut any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetArgsCalls++
	if m.ArgsOut != nil {
		if dst := reflect.ValueOf(argsOut); dst.Kind() == reflect.Ptr && !dst.IsNil() {
			dst.Elem().Set(reflect.ValueOf(m.ArgsOut))
		}
	}
	return nil
}

func (m *MockCodec) Reply(result any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReplyCalls++
	m.Replies = append(m.Replies, result)
	return nil
}

func (m *MockCodec) FreeArgs() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FreeArgsCalls++
	return nil
}

func (m *MockCodec) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return nil
}

var _ collab.Codec = (*MockCodec)(nil)

// MockAuthenticator is a scripted collab.Authenticator test double.
type MockAuthenticator struct {
	mu sync.Mutex

	Accept bool
	Err    error

	Calls int
	LastFlavor uint32
	LastCreds  []byte
}

func (m *MockAuthenticator) Authenticate(flavor uint32, creds []byte) (collab.AuthResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	m.LastFlavor = flavor
	m.LastCreds = creds
	return collab.AuthResult{Accepted: m.Accept}, m.Err
}

var _ collab.Authenticator = (*MockAuthenticator)(nil)
