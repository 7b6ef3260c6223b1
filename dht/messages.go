// Package dht declares the surface of the underlying DHT engine this module
// consumes. The engine itself (routing table maintenance, transport, peer
// storage) is an external collaborator; this package only fixes the shape of
// the requests it delivers and the primitives it exposes.
package dht

import (
	"context"
	"net"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/pkdns-network/pkdns/keys"
	"github.com/pkdns-network/pkdns/packet"
)

// RequestBody is the closed set of request kinds an engine delivers. A
// handler matches the kinds it cares about and forwards the rest to the
// engine's default handling.
type RequestBody interface {
	requestBody()
}

// PingRequest is a liveness probe from another node.
type PingRequest struct{}

// FindNodeRequest asks for nodes close to a routing target.
type FindNodeRequest struct {
	Target []byte
}

// GetValueRequest asks for the mutable item stored under Target.
type GetValueRequest struct {
	Target keys.PublicKey
	// Seq, when set, is the sequence number the requester already holds.
	Seq *uint64
}

// PutValueRequest stores a mutable item; Payload is the relay wire form.
type PutValueRequest struct {
	Target  keys.PublicKey
	Payload []byte
}

func (*PingRequest) requestBody()     {}
func (*FindNodeRequest) requestBody() {}
func (*GetValueRequest) requestBody() {}
func (*PutValueRequest) requestBody() {}

// GetMutableResponse answers a GetValueRequest. It carries everything a
// requester needs to re-verify the packet on its own: value, public key,
// sequence and signature.
type GetMutableResponse struct {
	ResponderID []byte
	Token       []byte
	Nodes       []peer.AddrInfo
	Value       []byte
	Key         []byte
	Seq         uint64
	Signature   []byte
}

// Handler consumes inbound requests delivered by the engine's dispatch
// loop. Implementations must never block the loop on network work.
type Handler interface {
	HandleRequest(from net.Addr, transactionID uint16, body RequestBody)
}

// Engine is the consumed DHT engine contract.
//
// Respond emits a reply on an inbound transaction. Lookup and Put are the
// outbound request/response primitives; Lookup blocks until a result or
// failure and leaves timeout policy to the engine. HandleDefault performs
// the engine's normal handling for any request kind, preserving routine
// protocol participation.
type Engine interface {
	ID() []byte
	Respond(to net.Addr, transactionID uint16, res *GetMutableResponse)
	Lookup(ctx context.Context, target keys.PublicKey, resolvers []net.Addr) (*packet.SignedPacket, error)
	Put(ctx context.Context, p *packet.SignedPacket) error
	HandleDefault(from net.Addr, transactionID uint16, body RequestBody)
}
