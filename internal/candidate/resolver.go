package candidate

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"aetherlink/internal/transport"
)

// DefaultLookupInterval and DefaultRepublishInterval are the DHT source's
// default cadences (§4.6).
const (
	DefaultLookupInterval    = 2500 * time.Millisecond
	DefaultRepublishInterval = 15000 * time.Millisecond
)

// Resolver aggregates candidates for one target from the cache, LAN
// observations surfaced by the transport host, and periodic DHT lookups,
// deduplicating each batch by (target, address) and ordering it by priority
// before handing results to the dial coordinator. Separate batches of one
// subscription may repeat an address.
type Resolver struct {
	Host             transport.Host
	Pool             *Pool
	LookupInterval   time.Duration
	RepublishInterval time.Duration
	Log              *logrus.Entry
}

// NewResolver builds a resolver over a transport host and candidate pool.
func NewResolver(host transport.Host, pool *Pool, log *logrus.Entry) *Resolver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Resolver{
		Host:              host,
		Pool:              pool,
		LookupInterval:    DefaultLookupInterval,
		RepublishInterval: DefaultRepublishInterval,
		Log:               log,
	}
}

// Subscribe streams candidate batches for targetCode until ctx is
// cancelled. The cache source emits first (if fresh); the LAN and DHT
// sources emit subsequent batches as they observe new candidates.
func (r *Resolver) Subscribe(ctx context.Context, targetCode string) <-chan []Candidate {
	out := make(chan []Candidate, 8)

	go func() {
		defer close(out)

		if c, ok := r.Pool.CachedFor(targetCode, time.Now()); ok {
			emit(ctx, out, []Candidate{c})
		}

		lookupTicker := time.NewTicker(r.interval())
		defer lookupTicker.Stop()

		events := r.Host.Events()

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Kind != transport.EventLanObserved || ev.PeerIdentity != targetCode {
					continue
				}
				c := New(targetCode, ev.Addr, SourceLAN, time.Now(), DefaultCacheTTL)
				if err := r.Pool.Observe(c, time.Now()); err != nil {
					r.Log.WithError(err).WithField("addr", ev.Addr).Debug("candidate: LAN observation muted")
					continue
				}
				emit(ctx, out, []Candidate{c})

			case <-lookupTicker.C:
				r.lookupOnce(ctx, targetCode, out)
			}
		}
	}()

	return out
}

func (r *Resolver) interval() time.Duration {
	if r.LookupInterval <= 0 {
		return DefaultLookupInterval
	}
	return r.LookupInterval
}

func (r *Resolver) lookupOnce(ctx context.Context, targetCode string, out chan<- []Candidate) {
	records, err := r.Host.LookupDHT(ctx, targetCode)
	if err != nil {
		r.Log.WithError(err).WithField("target", targetCode).Debug("candidate: dht lookup failed")
		return
	}
	var batch []Candidate
	seen := make(map[string]bool)
	for rec := range records {
		for _, addr := range rec.Addrs {
			if seen[addr] {
				continue
			}
			seen[addr] = true
			c := New(targetCode, addr, SourceDHT, time.Now(), DefaultCacheTTL)
			if err := r.Pool.Observe(c, time.Now()); err != nil {
				continue
			}
			batch = append(batch, c)
		}
	}
	if len(batch) > 0 {
		sortByPriority(batch)
		emit(ctx, out, batch)
	}
}

// PublishSelf periodically republishes this device's own addresses to the
// DHT until ctx is cancelled, at RepublishInterval cadence (disabled by
// setting RepublishInterval <= 0).
func (r *Resolver) PublishSelf(ctx context.Context, selfCode string, addrs []string) {
	if r.RepublishInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.RepublishInterval)
	defer ticker.Stop()
	for {
		if err := r.Host.PublishDHTRecord(ctx, selfCode, transport.PeerRecord{PeerID: selfCode, Addrs: addrs}, r.RepublishInterval*2); err != nil {
			r.Log.WithError(err).Warn("candidate: dht republish failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sortByPriority(batch []Candidate) {
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].Priority > batch[j].Priority })
}

func emit(ctx context.Context, out chan<- []Candidate, batch []Candidate) {
	select {
	case out <- batch:
	case <-ctx.Done():
	}
}
