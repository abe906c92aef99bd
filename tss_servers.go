package tkey

import (
	"context"
	"fmt"
	"sync"
)

// TSSServers is the server side of the TSS scheme. For every (identity, tag,
// nonce) the server set holds one share at TSSServerIndex. The public half is
// open; the share itself is only released against a signature by the
// identity's key over TSSAuthMessage.
type TSSServers interface {
	ServerPubKey(ctx context.Context, identity, tag string, nonce int) (Point, error)
	ServerShare(ctx context.Context, identity, tag string, nonce int, authSigs [][]byte) (Scalar, error)
}

// TSSAuthMessage is the message the identity signs to obtain a server share.
func TSSAuthMessage(identity, tag string, nonce int) []byte {
	return []byte(fmt.Sprintf("tkey-tss-auth|%s|%s|%d", identity, tag, nonce))
}

// MemoryTSSServers deals server shares in process, one fresh random share per
// (identity, tag, nonce) on first use. It also acts as a NodeDetailsSource.
type MemoryTSSServers struct {
	mu        sync.Mutex
	curve     Curve
	shares    map[string]Scalar
	endpoints []string
	pubKeys   []Point
	threshold int
}

// NewMemoryTSSServers creates a server set of count nodes with the given
// node threshold. Node keys only feed NodeDetails.
func NewMemoryTSSServers(count, threshold int) (*MemoryTSSServers, error) {
	if count < 1 || threshold < 1 || threshold > count {
		return nil, ErrInvalidThreshold.WithDetails("server threshold %d of %d", threshold, count)
	}
	curve := NewSecp256k1Curve()
	s := &MemoryTSSServers{
		curve:     curve,
		shares:    map[string]Scalar{},
		threshold: threshold,
	}
	for i := 0; i < count; i++ {
		k, err := curve.ScalarRandom()
		if err != nil {
			return nil, ErrRandomGeneration.WithCause(err)
		}
		s.endpoints = append(s.endpoints, fmt.Sprintf("memory://tss/%d", i+1))
		s.pubKeys = append(s.pubKeys, curve.BasePoint().Mul(k))
	}
	return s, nil
}

func (s *MemoryTSSServers) NodeDetails(ctx context.Context) (*NodeDetails, error) {
	return &NodeDetails{
		Endpoints: append([]string(nil), s.endpoints...),
		PubKeys:   append([]Point(nil), s.pubKeys...),
		Threshold: s.threshold,
	}, nil
}

func (s *MemoryTSSServers) share(identity, tag string, nonce int) (Scalar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s|%s|%d", identity, tag, nonce)
	if v, ok := s.shares[key]; ok {
		return v, nil
	}
	v, err := s.curve.ScalarRandom()
	if err != nil {
		return nil, ErrRandomGeneration.WithCause(err)
	}
	s.shares[key] = v
	return v, nil
}

func (s *MemoryTSSServers) ServerPubKey(ctx context.Context, identity, tag string, nonce int) (Point, error) {
	v, err := s.share(identity, tag, nonce)
	if err != nil {
		return nil, err
	}
	return s.curve.BasePoint().Mul(v), nil
}

func (s *MemoryTSSServers) ServerShare(ctx context.Context, identity, tag string, nonce int, authSigs [][]byte) (Scalar, error) {
	pub, err := PointFromHex(s.curve, identity)
	if err != nil {
		return nil, ErrTSSAuthFailed.WithCause(err)
	}
	msg := TSSAuthMessage(identity, tag, nonce)
	valid := 0
	for _, sig := range authSigs {
		if VerifyMessage(pub, msg, sig) {
			valid++
		}
	}
	if valid == 0 {
		return nil, ErrTSSAuthFailed.WithContext("tag", tag).WithContext("nonce", nonce)
	}
	return s.share(identity, tag, nonce)
}
