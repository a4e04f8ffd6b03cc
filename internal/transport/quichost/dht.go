package quichost

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	quic "github.com/quic-go/quic-go"

	"aetherlink/internal/transport"
)

// dhtEntry is one locally held record, expiring the way the real DHT's TTL
// would once republication stops (§4.6).
type dhtEntry struct {
	record  transport.PeerRecord
	expires time.Time
}

// dhtStore is the local half of the DHT: every record this host has ever
// published or learned, pruned lazily on read. Production distributed hash
// tables also replicate records across a routing table's worth of peers;
// this host instead replicates directly to its configured bootstrap set
// (see Host.bootstrap), trading replication fan-out for the simplicity a
// rendezvous-style bootstrap list gives a small swarm.
type dhtStore struct {
	mu      sync.Mutex
	entries map[string]dhtEntry
}

func newDHTStore() *dhtStore {
	return &dhtStore{entries: make(map[string]dhtEntry)}
}

func (s *dhtStore) put(key string, rec transport.PeerRecord, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = dhtEntry{record: rec, expires: time.Now().Add(ttl)}
}

func (s *dhtStore) get(key string) (transport.PeerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return transport.PeerRecord{}, false
	}
	if time.Now().After(e.expires) {
		delete(s.entries, key)
		return transport.PeerRecord{}, false
	}
	return e.record, true
}

// dhtRequest/dhtResponse are the wire shapes exchanged over a tagDHT
// stream with a bootstrap peer. Unlike the signed session envelopes,
// these never cross a trust boundary that matters: a DHT record only ever
// seeds a dial attempt, which the handshake re-verifies end to end (§4.5).
type dhtRequest struct {
	Op  string // "put" or "get"
	Key string
	Rec transport.PeerRecord
	TTL time.Duration
}

type dhtResponse struct {
	Found bool
	Rec   transport.PeerRecord
}

// serve handles one inbound tagDHT stream: read a request, act on the
// local store, and for a "get" write back whatever was found.
func (s *dhtStore) serve(stream quic.Stream) {
	data, err := io.ReadAll(stream)
	if err != nil {
		return
	}
	var req dhtRequest
	if err := cbor.Unmarshal(data, &req); err != nil {
		return
	}
	switch req.Op {
	case "put":
		s.put(req.Key, req.Rec, req.TTL)
	case "get":
		rec, ok := s.get(req.Key)
		resp := dhtResponse{Found: ok, Rec: rec}
		out, err := cbor.Marshal(resp)
		if err != nil {
			return
		}
		_, _ = stream.Write(out)
	}
}

// PublishDHTRecord stores value locally and best-effort replicates it to
// every configured bootstrap address. A bootstrap that's unreachable is
// logged and skipped: publication is periodic (§4.6's RepublishInterval),
// so a single miss self-heals on the next tick.
func (h *Host) PublishDHTRecord(ctx context.Context, key string, value transport.PeerRecord, ttl time.Duration) error {
	h.dht.put(key, value, ttl)
	req := dhtRequest{Op: "put", Key: key, Rec: value, TTL: ttl}
	body, err := cbor.Marshal(req)
	if err != nil {
		return err
	}
	for _, addr := range h.bootstrap {
		if err := h.sendDHTRequest(ctx, addr, body, nil); err != nil {
			h.log.WithError(err).WithField("bootstrap", addr).Debug("quichost: dht publish to bootstrap failed")
		}
	}
	return nil
}

// LookupDHT checks the local store first, then queries every bootstrap
// address, streaming back whatever is found. The channel is always
// closed once every source has answered or timed out.
func (h *Host) LookupDHT(ctx context.Context, key string) (<-chan transport.PeerRecord, error) {
	out := make(chan transport.PeerRecord, 1+len(h.bootstrap))
	if rec, ok := h.dht.get(key); ok {
		out <- rec
	}
	req := dhtRequest{Op: "get", Key: key}
	body, err := cbor.Marshal(req)
	if err != nil {
		close(out)
		return out, err
	}
	var wg sync.WaitGroup
	for _, addr := range h.bootstrap {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			var resp dhtResponse
			if err := h.sendDHTRequest(ctx, addr, body, &resp); err != nil {
				h.log.WithError(err).WithField("bootstrap", addr).Debug("quichost: dht lookup from bootstrap failed")
				return
			}
			if resp.Found {
				h.dht.put(key, resp.Rec, DefaultBootstrapCacheTTL)
				out <- resp.Rec
			}
		}(addr)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// DefaultBootstrapCacheTTL bounds how long a record learned from a
// bootstrap peer is trusted locally before the next lookup re-queries it.
const DefaultBootstrapCacheTTL = 30 * time.Second

// sendDHTRequest opens a dedicated tagDHT stream to addr, writes body, and
// (if resp is non-nil) decodes the reply into it.
func (h *Host) sendDHTRequest(ctx context.Context, addr string, body []byte, resp *dhtResponse) error {
	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	conn, err := quic.DialAddr(dialCtx, addr, h.tlsCfg, quicServerConfig())
	if err != nil {
		return err
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		return err
	}
	if _, err := stream.Write([]byte{byte(tagDHT)}); err != nil {
		return err
	}
	if _, err := stream.Write(body); err != nil {
		return err
	}
	if err := stream.Close(); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	data, err := io.ReadAll(stream)
	if err != nil {
		return err
	}
	return cbor.Unmarshal(data, resp)
}
