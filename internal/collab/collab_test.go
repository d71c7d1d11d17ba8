package collab

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCodec is a minimal Codec used only to confirm the interface
// shape is implementable the way callers will implement it.
type stubCodec struct {
	recvOK bool
}

func (s *stubCodec) Recv(ctx context.Context) (bool, error) { return s.recvOK, nil }
func (s *stubCodec) GetArgs(argsOut any) error               { return nil }
func (s *stubCodec) Reply(result any) error                  { return nil }
func (s *stubCodec) FreeArgs() error                          { return nil }
func (s *stubCodec) Close() error                             { return nil }

type stubAuth struct{}

func (stubAuth) Authenticate(flavor uint32, credentials []byte) (AuthResult, error) {
	return AuthResult{Accepted: flavor == 0}, nil
}

func TestCodec_InterfaceSatisfiable(t *testing.T) {
	var c Codec = &stubCodec{recvOK: true}
	ok, err := c.Recv(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAuthenticator_NullFlavorAccepted(t *testing.T) {
	var a Authenticator = stubAuth{}
	res, err := a.Authenticate(0, nil)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestAuthenticator_NonNullFlavorMayReject(t *testing.T) {
	var a Authenticator = stubAuth{}
	res, err := a.Authenticate(1, []byte("bad"))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
}
