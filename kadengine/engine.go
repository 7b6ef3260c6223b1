package kadengine

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gogo/protobuf/proto"
	ds "github.com/ipfs/go-datastore"
	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	dhtpb "github.com/libp2p/go-libp2p-kad-dht/pb"
	record "github.com/libp2p/go-libp2p-record"
	recpb "github.com/libp2p/go-libp2p-record/pb"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio/protoio"
	"github.com/multiformats/go-base32"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/pkdns-network/pkdns/dht"
	"github.com/pkdns-network/pkdns/keys"
	"github.com/pkdns-network/pkdns/packet"
)

// ResolveProtocolID is the dedicated stream protocol for resolver traffic.
// The embedded Kademlia engine keeps its own protocols for routing table
// maintenance; this surface exists so the caching responder sees every
// resolve request.
const ResolveProtocolID = protocol.ID("/pkdns/resolve/1.0.0")

// maxInboundMessageSize bounds one framed request or response.
const maxInboundMessageSize = 8 << 10

// Config tunes the engine.
type Config struct {
	// ProtocolPrefix scopes the Kademlia wire protocols.
	ProtocolPrefix string
	// ServerMode makes the node answer routing queries unconditionally
	// instead of auto-detecting reachability.
	ServerMode bool
	// BootstrapPeers are dialed on Bootstrap to join the network.
	BootstrapPeers []peer.AddrInfo
	// Datastore persists records; nil falls back to the engine's in-memory
	// store.
	Datastore ds.Batching
}

// Engine adapts a libp2p Kademlia DHT to the dht.Engine contract. Outbound
// lookups and stores ride the embedded DHT's quorum machinery with Validator
// enforcing signatures and sequence ordering at every hop; inbound resolve
// streams are decoded here and handed to the registered handler.
type Engine struct {
	host   host.Host
	idht   *kaddht.IpfsDHT
	dstore ds.Datastore
	cfg    Config

	mu       sync.Mutex
	handler  dht.Handler
	nextTxID uint16
	inbound  map[uint16]*inboundTx
}

type inboundTx struct {
	stream    network.Stream
	recordKey string
	responded bool
}

var _ dht.Engine = (*Engine)(nil)

func New(ctx context.Context, h host.Host, cfg Config) (*Engine, error) {
	if cfg.ProtocolPrefix == "" {
		cfg.ProtocolPrefix = "/" + Namespace
	}
	modeCfg := kaddht.Mode(kaddht.ModeAuto)
	if cfg.ServerMode {
		modeCfg = kaddht.Mode(kaddht.ModeServer)
	}
	opts := []kaddht.Option{
		kaddht.ProtocolPrefix(protocol.ID(cfg.ProtocolPrefix)),
		kaddht.Validator(Validator{}),
		modeCfg,
	}
	if cfg.Datastore != nil {
		opts = append(opts, kaddht.Datastore(cfg.Datastore))
	}
	idht, err := kaddht.New(ctx, h, opts...)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		host:    h,
		idht:    idht,
		dstore:  cfg.Datastore,
		cfg:     cfg,
		inbound: make(map[uint16]*inboundTx),
	}
	return e, nil
}

// Bootstrap dials the configured peers and starts routing table upkeep.
func (e *Engine) Bootstrap(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, info := range e.cfg.BootstrapPeers {
		wg.Add(1)
		go func(info peer.AddrInfo) {
			defer wg.Done()
			if err := e.host.Connect(ctx, info); err != nil {
				Logger.Warnf("Engine->Bootstrap: connect failed {peer: %s}: %v", info.ID, err)
				return
			}
			Logger.Debugf("Engine->Bootstrap: connected {peer: %s}", info.ID)
		}(info)
	}
	wg.Wait()
	return e.idht.Bootstrap(ctx)
}

// Serve registers handler for inbound resolve streams.
func (e *Engine) Serve(handler dht.Handler) {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()
	e.host.SetStreamHandler(ResolveProtocolID, e.handleStream)
}

// ID implements dht.Engine.
func (e *Engine) ID() []byte {
	return []byte(e.host.ID())
}

// Lookup implements dht.Engine. Resolvers are advisory only: the Kademlia
// routing table decides which peers to query.
func (e *Engine) Lookup(ctx context.Context, target keys.PublicKey, resolvers []net.Addr) (*packet.SignedPacket, error) {
	if len(resolvers) > 0 {
		Logger.Debugf("Engine->Lookup: explicit resolvers ignored, routing table decides {target: %s}", target)
	}
	value, err := e.idht.GetValue(ctx, RecordKey(target))
	if err != nil {
		return nil, err
	}
	return packet.FromRelayPayload(target, value)
}

// Put implements dht.Engine. The embedded DHT stores locally first and then
// replicates to the closest peers, revalidating at each of them.
func (e *Engine) Put(ctx context.Context, p *packet.SignedPacket) error {
	return e.idht.PutValue(ctx, RecordKey(p.PublicKey()), p.ToRelayPayload())
}

// Respond implements dht.Engine: it answers the inbound transaction with the
// packet fields carried in res.
func (e *Engine) Respond(to net.Addr, transactionID uint16, res *dht.GetMutableResponse) {
	tx := e.takeForResponse(transactionID)
	if tx == nil {
		Logger.Debugf("Engine->Respond: unknown transaction {txid: %d}", transactionID)
		return
	}
	wire := make([]byte, 0, 72+len(res.Value))
	wire = append(wire, res.Signature...)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], res.Seq)
	wire = append(wire, seq[:]...)
	wire = append(wire, res.Value...)

	msg := &dhtpb.Message{
		Type:   dhtpb.Message_GET_VALUE,
		Key:    []byte(tx.recordKey),
		Record: record.MakePutRecord(tx.recordKey, wire),
	}
	if err := writeMessage(tx.stream, msg); err != nil {
		Logger.Debugf("Engine->Respond: write failed {txid: %d}: %v", transactionID, err)
	}
}

// HandleDefault implements dht.Engine: the baseline handling every request
// gets after the caching layer had its say.
func (e *Engine) HandleDefault(from net.Addr, transactionID uint16, body dht.RequestBody) {
	tx := e.lookupTx(transactionID)
	if tx == nil {
		return
	}
	switch req := body.(type) {
	case *dht.GetValueRequest:
		if tx.responded {
			return
		}
		e.answerGetValueFromLocal(tx, req)
	case *dht.PutValueRequest:
		e.handlePutValue(tx, req)
	case *dht.PingRequest:
		if err := writeMessage(tx.stream, &dhtpb.Message{Type: dhtpb.Message_PING}); err != nil {
			Logger.Debugf("Engine->HandleDefault: ping reply failed: %v", err)
		}
	case *dht.FindNodeRequest:
		// Routing queries are served by the embedded engine on its own
		// protocols; acknowledge with an empty answer here.
		if err := writeMessage(tx.stream, &dhtpb.Message{Type: dhtpb.Message_FIND_NODE}); err != nil {
			Logger.Debugf("Engine->HandleDefault: find-node reply failed: %v", err)
		}
	}
}

// answerGetValueFromLocal serves a get-value the caching layer declined to
// answer, from whatever the local record store holds.
func (e *Engine) answerGetValueFromLocal(tx *inboundTx, req *dht.GetValueRequest) {
	msg := &dhtpb.Message{Type: dhtpb.Message_GET_VALUE, Key: []byte(tx.recordKey)}
	if rec := e.getLocal(tx.recordKey); rec != nil {
		msg.Record = rec
	}
	tx.responded = true
	if err := writeMessage(tx.stream, msg); err != nil {
		Logger.Debugf("Engine->HandleDefault: get-value reply failed {key: %s}: %v", tx.recordKey, err)
	}
}

// handlePutValue verifies an inbound store and persists it unless an equal
// or newer record already exists, then echoes the message per convention.
func (e *Engine) handlePutValue(tx *inboundTx, req *dht.PutValueRequest) {
	recordKey := RecordKey(req.Target)
	if err := e.putLocal(recordKey, req.Payload); err != nil {
		Logger.Debugf("Engine->HandleDefault: rejected store {key: %s}: %v", recordKey, err)
		return
	}
	msg := &dhtpb.Message{
		Type:   dhtpb.Message_PUT_VALUE,
		Key:    []byte(recordKey),
		Record: record.MakePutRecord(recordKey, req.Payload),
	}
	if err := writeMessage(tx.stream, msg); err != nil {
		Logger.Debugf("Engine->HandleDefault: put-value reply failed {key: %s}: %v", recordKey, err)
	}
}

func (e *Engine) handleStream(s network.Stream) {
	defer s.Close()
	from := streamAddr(s)

	reader := protoio.NewDelimitedReader(s, maxInboundMessageSize)
	msg := new(dhtpb.Message)
	if err := reader.ReadMsg(msg); err != nil {
		Logger.Debugf("Engine->handleStream: undecodable request {from: %s}: %v", from, err)
		s.Reset()
		return
	}

	body, recordKey, err := requestBody(msg)
	if err != nil {
		Logger.Debugf("Engine->handleStream: rejected request {from: %s}: %v", from, err)
		s.Reset()
		return
	}

	e.mu.Lock()
	handler := e.handler
	e.nextTxID++
	txid := e.nextTxID
	e.inbound[txid] = &inboundTx{stream: s, recordKey: recordKey}
	e.mu.Unlock()
	defer e.dropTx(txid)

	if handler != nil {
		handler.HandleRequest(from, txid, body)
		return
	}
	e.HandleDefault(from, txid, body)
}

// requestBody maps a wire message onto the contract's request kinds.
func requestBody(msg *dhtpb.Message) (dht.RequestBody, string, error) {
	switch msg.Type {
	case dhtpb.Message_GET_VALUE:
		publicKey, err := publicKeyFromRecordKey(string(msg.Key))
		if err != nil {
			return nil, "", err
		}
		return &dht.GetValueRequest{Target: publicKey}, string(msg.Key), nil
	case dhtpb.Message_PUT_VALUE:
		publicKey, err := publicKeyFromRecordKey(string(msg.Key))
		if err != nil {
			return nil, "", err
		}
		if msg.Record == nil {
			return nil, "", fmt.Errorf("%w: store without record", ErrInvalidRecordKey)
		}
		return &dht.PutValueRequest{Target: publicKey, Payload: msg.Record.GetValue()}, string(msg.Key), nil
	case dhtpb.Message_FIND_NODE:
		return &dht.FindNodeRequest{Target: msg.Key}, "", nil
	case dhtpb.Message_PING:
		return &dht.PingRequest{}, "", nil
	default:
		return nil, "", fmt.Errorf("unhandled message type %d", msg.Type)
	}
}

func (e *Engine) lookupTx(txid uint16) *inboundTx {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inbound[txid]
}

func (e *Engine) takeForResponse(txid uint16) *inboundTx {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx := e.inbound[txid]
	if tx != nil {
		tx.responded = true
	}
	return tx
}

func (e *Engine) dropTx(txid uint16) {
	e.mu.Lock()
	delete(e.inbound, txid)
	e.mu.Unlock()
}

// getLocal reads and revalidates the stored record for a routing key;
// anything undecodable or invalid reads as absent so it gets overwritten.
func (e *Engine) getLocal(recordKey string) *recpb.Record {
	if e.dstore == nil {
		return nil
	}
	buf, err := e.dstore.Get(context.Background(), mkDsKey(recordKey))
	if err == ds.ErrNotFound {
		return nil
	}
	if err != nil {
		Logger.Errorf("Engine->getLocal: datastore read failed {key: %s}: %v", recordKey, err)
		return nil
	}
	rec := new(recpb.Record)
	if err := proto.Unmarshal(buf, rec); err != nil {
		Logger.Errorf("Engine->getLocal: undecodable stored record {key: %s}: %v", recordKey, err)
		return nil
	}
	if string(rec.GetKey()) != recordKey {
		Logger.Errorf("Engine->getLocal: stored record key mismatch {key: %s, got: %s}", recordKey, rec.GetKey())
		return nil
	}
	if err := (Validator{}).Validate(recordKey, rec.GetValue()); err != nil {
		Logger.Debugf("Engine->getLocal: stored record failed validation {key: %s}: %v", recordKey, err)
		return nil
	}
	return rec
}

// putLocal stores value under recordKey after validation and the monotonic
// replacement check.
func (e *Engine) putLocal(recordKey string, value []byte) error {
	if e.dstore == nil {
		return fmt.Errorf("no datastore configured")
	}
	if err := (Validator{}).Validate(recordKey, value); err != nil {
		return err
	}
	if old := e.getLocal(recordKey); old != nil && !bytes.Equal(old.GetValue(), value) {
		i, err := (Validator{}).Select(recordKey, [][]byte{value, old.GetValue()})
		if err != nil {
			return err
		}
		if i != 0 {
			return fmt.Errorf("can't replace a newer value with an older value")
		}
	}
	rec := record.MakePutRecord(recordKey, value)
	rec.TimeReceived = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := proto.Marshal(rec)
	if err != nil {
		return err
	}
	return e.dstore.Put(context.Background(), mkDsKey(recordKey), data)
}

func writeMessage(s network.Stream, msg *dhtpb.Message) error {
	return protoio.NewDelimitedWriter(s).WriteMsg(msg)
}

func mkDsKey(s string) ds.Key {
	return ds.NewKey(base32.RawStdEncoding.EncodeToString([]byte(s)))
}

// streamAddr extracts the remote address for rate accounting; nil when the
// transport address has no IP form.
func streamAddr(s network.Stream) net.Addr {
	addr, err := manet.ToNetAddr(s.Conn().RemoteMultiaddr())
	if err != nil {
		return nil
	}
	return addr
}

func (e *Engine) Close() error {
	e.host.RemoveStreamHandler(ResolveProtocolID)
	return e.idht.Close()
}
