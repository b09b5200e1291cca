// Package ipam hands out signed, time-bounded reservations of overlay IPs
// inside a runner's subnet. Tokens are HMAC-SHA256 over (runner, ip, expiry)
// and verified without any reservation state, so a runner can validate one
// even after a host restart. Replay within the expiry window is not
// cryptographically prevented; the runner deletes the reservation row when
// it consumes one.
package ipam

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// Reserver allocates IPs and signs reservation tokens.
type Reserver struct {
	key []byte
	ttl time.Duration

	mu           sync.Mutex
	reservations map[string]*types.IPReservation // keyed by IP

	log zerolog.Logger
}

// NewReserver creates a reserver with the host's signing key and default TTL.
func NewReserver(key string, ttl time.Duration) *Reserver {
	return &Reserver{
		key:          []byte(key),
		ttl:          ttl,
		reservations: make(map[string]*types.IPReservation),
		log:          log.WithComponent("ipam"),
	}
}

// sign computes the opaque token over runner || ip || expiry.
func (r *Reserver) sign(runner, ip string, expiry int64) string {
	mac := hmac.New(sha256.New, r.key)
	mac.Write([]byte(runner))
	mac.Write([]byte{0})
	mac.Write([]byte(ip))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(expiry))
	mac.Write(ts[:])
	sig := mac.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sig) + "." + strconv.FormatInt(expiry, 10)
}

// Reserve allocates the first free IP in the runner's subnet and returns a
// signed reservation. The gateway address and network/broadcast addresses
// are never handed out.
func (r *Reserver) Reserve(runner string, subnet string, gateway string) (*types.IPReservation, error) {
	_, network, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, types.NewError(types.ErrBadRequest, "bad subnet %q: %v", subnet, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()

	ip, err := r.firstFreeLocked(network, gateway)
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().Add(r.ttl)
	res := &types.IPReservation{
		IP:        ip,
		Runner:    runner,
		Token:     r.sign(runner, ip, expiresAt.Unix()),
		ExpiresAt: expiresAt,
	}
	r.reservations[ip] = res
	r.log.Debug().Str("ip", ip).Str("runner", runner).Time("expires", expiresAt).Msg("reserved overlay IP")
	return res, nil
}

// firstFreeLocked scans the subnet for an address not currently reserved.
func (r *Reserver) firstFreeLocked(network *net.IPNet, gateway string) (string, error) {
	base := network.IP.To4()
	if base == nil {
		return "", types.NewError(types.ErrBadRequest, "overlay subnets must be IPv4")
	}
	ones, bits := network.Mask.Size()
	size := 1 << (bits - ones)

	start := binary.BigEndian.Uint32(base)
	for off := 2; off < size-1; off++ { // skip network, gateway (.1 by convention), broadcast
		candidate := make(net.IP, 4)
		binary.BigEndian.PutUint32(candidate, start+uint32(off))
		ip := candidate.String()
		if ip == gateway {
			continue
		}
		if _, taken := r.reservations[ip]; taken {
			continue
		}
		return ip, nil
	}
	return "", types.NewError(types.ErrResourceExhausted, "no free IPs in %s", network.String())
}

// Validate checks a token's signature, runner binding and expiry.
func (r *Reserver) Validate(token, runner, ip string) error {
	sigPart, expiry, err := splitToken(token)
	if err != nil {
		return types.NewError(types.ErrBadRequest, "malformed reservation token")
	}
	if time.Now().Unix() > expiry {
		return types.NewError(types.ErrConflict, "reservation token expired")
	}
	expected := r.sign(runner, ip, expiry)
	expectedSig, _, _ := splitToken(expected)
	if !hmac.Equal([]byte(sigPart), []byte(expectedSig)) {
		return types.NewError(types.ErrConflict, "reservation token signature mismatch")
	}
	return nil
}

func splitToken(token string) (sig string, expiry int64, err error) {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			expiry, err = strconv.ParseInt(token[i+1:], 10, 64)
			return token[:i], expiry, err
		}
	}
	return "", 0, fmt.Errorf("no expiry separator")
}

// Release drops a reservation, returning its IP to the free set.
func (r *Reserver) Release(ip string) {
	r.mu.Lock()
	delete(r.reservations, ip)
	r.mu.Unlock()
}

// Reservations returns a snapshot of live reservations.
func (r *Reserver) Reservations() []*types.IPReservation {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()
	out := make([]*types.IPReservation, 0, len(r.reservations))
	for _, res := range r.reservations {
		out = append(out, res)
	}
	return out
}

// Available counts free IPs in a subnet after current reservations.
func (r *Reserver) Available(subnet string) (int, error) {
	_, network, err := net.ParseCIDR(subnet)
	if err != nil {
		return 0, types.NewError(types.ErrBadRequest, "bad subnet %q: %v", subnet, err)
	}
	ones, bits := network.Mask.Size()
	size := 1 << (bits - ones)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()

	reserved := 0
	for ip := range r.reservations {
		if network.Contains(net.ParseIP(ip)) {
			reserved++
		}
	}
	// Usable addresses exclude network, gateway and broadcast.
	return size - 3 - reserved, nil
}

// expireLocked sweeps out reservations whose TTL lapsed.
func (r *Reserver) expireLocked() {
	now := time.Now()
	for ip, res := range r.reservations {
		if now.After(res.ExpiresAt) {
			delete(r.reservations, ip)
		}
	}
}
