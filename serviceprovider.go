package tkey

import (
	"context"
	"encoding/json"
	"fmt"
)

// NodeDetails describes the TSS server set a service provider talks to.
type NodeDetails struct {
	Endpoints []string
	PubKeys   []Point
	Threshold int
}

// ServiceProvider supplies the identity-deriving postbox key and the
// capabilities built on it.
type ServiceProvider interface {
	Name() string
	PostboxKey() Scalar
	PostboxPub() Point
	Encrypt(msg []byte) (*EncryptedMessage, error)
	Decrypt(enc *EncryptedMessage) ([]byte, error)
	Sign(msg []byte) ([]byte, error)
	TSSNodeDetails(ctx context.Context) (*NodeDetails, error)
}

// NodeDetailsSource resolves TSS node details, typically the server set itself.
type NodeDetailsSource interface {
	NodeDetails(ctx context.Context) (*NodeDetails, error)
}

// BaseServiceProvider holds a postbox key obtained by an external login flow.
type BaseServiceProvider struct {
	name       string
	postboxKey Scalar
	nodes      NodeDetailsSource
}

// DefaultServiceProviderName names providers built without an explicit name.
const DefaultServiceProviderName = "base"

// NewBaseServiceProvider wraps a postbox key. nodes may be nil when TSS is unused.
func NewBaseServiceProvider(name string, postboxKey Scalar, nodes NodeDetailsSource) (*BaseServiceProvider, error) {
	if result := NewDefaultConfigurationValidator().ValidatePostboxKey(postboxKey); !result.Valid {
		return nil, ErrInvalidFormat.WithDetails("%s", result.Errors[0])
	}
	if _, ok := postboxKey.(*Secp256k1Scalar); !ok {
		return nil, ErrInvalidFormat.WithDetails("postbox key must be a secp256k1 scalar")
	}
	if name == "" {
		name = DefaultServiceProviderName
	}
	return &BaseServiceProvider{name: name, postboxKey: postboxKey, nodes: nodes}, nil
}

func (sp *BaseServiceProvider) Name() string       { return sp.name }
func (sp *BaseServiceProvider) PostboxKey() Scalar { return sp.postboxKey }

func (sp *BaseServiceProvider) PostboxPub() Point {
	return NewSecp256k1Curve().BasePoint().Mul(sp.postboxKey)
}

func (sp *BaseServiceProvider) Encrypt(msg []byte) (*EncryptedMessage, error) {
	return Encrypt(sp.PostboxPub(), msg)
}

func (sp *BaseServiceProvider) Decrypt(enc *EncryptedMessage) ([]byte, error) {
	return Decrypt(sp.postboxKey, enc)
}

func (sp *BaseServiceProvider) Sign(msg []byte) ([]byte, error) {
	return SignMessage(sp.postboxKey, msg)
}

func (sp *BaseServiceProvider) TSSNodeDetails(ctx context.Context) (*NodeDetails, error) {
	if sp.nodes == nil {
		return nil, ErrTSSUnavailable.WithDetails("service provider has no tss node source")
	}
	return sp.nodes.NodeDetails(ctx)
}

type serviceProviderJSON struct {
	PostboxKey          string `json:"postboxKey"`
	ServiceProviderName string `json:"serviceProviderName"`
}

func (sp *BaseServiceProvider) MarshalJSON() ([]byte, error) {
	return json.Marshal(serviceProviderJSON{
		PostboxKey:          sp.postboxKey.String(),
		ServiceProviderName: sp.name,
	})
}

// ServiceProviderFromJSON restores a BaseServiceProvider. The node source is
// not serialized and must be supplied again.
func ServiceProviderFromJSON(data []byte, nodes NodeDetailsSource) (*BaseServiceProvider, error) {
	var raw serviceProviderJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, ErrInvalidFormat.WithCause(err).WithDetails("service provider")
	}
	key, err := ScalarFromHex(NewSecp256k1Curve(), raw.PostboxKey)
	if err != nil {
		return nil, fmt.Errorf("service provider postbox key: %w", err)
	}
	return NewBaseServiceProvider(raw.ServiceProviderName, key, nodes)
}
