package ipam

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kohakuriver/kohakuriver/pkg/types"
)

const (
	testSubnet  = "10.128.1.0/24"
	testGateway = "10.128.1.1"
)

func TestReserveAndValidate(t *testing.T) {
	r := NewReserver("signing-key", time.Minute)

	res, err := r.Reserve("node1", testSubnet, testGateway)
	require.NoError(t, err)
	require.NotEqual(t, testGateway, res.IP)

	require.NoError(t, r.Validate(res.Token, "node1", res.IP))

	// Wrong runner binding is rejected.
	err = r.Validate(res.Token, "node2", res.IP)
	require.Equal(t, types.ErrConflict, types.KindOf(err))

	// Wrong IP is rejected.
	err = r.Validate(res.Token, "node1", "10.128.1.250")
	require.Equal(t, types.ErrConflict, types.KindOf(err))
}

func TestExpiredTokenRejected(t *testing.T) {
	r := NewReserver("signing-key", -time.Minute)

	res, err := r.Reserve("node1", testSubnet, testGateway)
	require.NoError(t, err)

	err = r.Validate(res.Token, "node1", res.IP)
	require.Equal(t, types.ErrConflict, types.KindOf(err))
}

func TestForgedTokenRejected(t *testing.T) {
	r := NewReserver("signing-key", time.Minute)
	other := NewReserver("different-key", time.Minute)

	res, err := other.Reserve("node1", testSubnet, testGateway)
	require.NoError(t, err)

	err = r.Validate(res.Token, "node1", res.IP)
	require.Equal(t, types.ErrConflict, types.KindOf(err))
}

func TestMalformedToken(t *testing.T) {
	r := NewReserver("signing-key", time.Minute)
	err := r.Validate("not-a-token", "node1", "10.128.1.10")
	require.Equal(t, types.ErrBadRequest, types.KindOf(err))
}

func TestReserveReleaseLeavesAvailableUnchanged(t *testing.T) {
	r := NewReserver("signing-key", time.Minute)

	before, err := r.Available(testSubnet)
	require.NoError(t, err)

	res, err := r.Reserve("node1", testSubnet, testGateway)
	require.NoError(t, err)

	during, err := r.Available(testSubnet)
	require.NoError(t, err)
	require.Equal(t, before-1, during)

	r.Release(res.IP)

	after, err := r.Available(testSubnet)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestReserveSkipsTakenIPs(t *testing.T) {
	r := NewReserver("signing-key", time.Minute)

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		res, err := r.Reserve("node1", testSubnet, testGateway)
		require.NoError(t, err)
		require.False(t, seen[res.IP], "IP %s handed out twice", res.IP)
		seen[res.IP] = true
	}
}

func TestReserveExhaustion(t *testing.T) {
	r := NewReserver("signing-key", time.Minute)

	// A /29 has five usable addresses once network, gateway and broadcast
	// are excluded.
	for i := 0; i < 5; i++ {
		_, err := r.Reserve("node1", "10.128.1.0/29", "10.128.1.1")
		require.NoError(t, err)
	}
	_, err := r.Reserve("node1", "10.128.1.0/29", "10.128.1.1")
	require.Equal(t, types.ErrResourceExhausted, types.KindOf(err))
}
