package session

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"aetherlink/internal/candidate"
	"aetherlink/internal/dial"
	"aetherlink/internal/envelope"
	"aetherlink/internal/errkind"
	"aetherlink/internal/handshake"
	"aetherlink/internal/identity"
	"aetherlink/internal/metrics"
	"aetherlink/internal/trust"
	"aetherlink/internal/transport"
)

// EngineConfig carries the tunables named across §4.5-§4.8. Zero values
// fall back to the spec's defaults.
type EngineConfig struct {
	DiscoveryTimeout       time.Duration
	SessionRequestTimeout  time.Duration
	SessionRequestRetries  int
	ReconnectBudget        time.Duration
	ReconnectBackoffBase   time.Duration
	ReconnectBackoffCap    time.Duration
	KeepaliveInterval      time.Duration
	KeepaliveMissThreshold int
	TickInterval           time.Duration
	RequestedCapabilities  []string
}

func (c *EngineConfig) setDefaults() {
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if c.SessionRequestTimeout <= 0 {
		c.SessionRequestTimeout = DefaultSessionRequestTimeout
	}
	if c.SessionRequestRetries <= 0 {
		c.SessionRequestRetries = DefaultSessionRequestMaxTries
	}
	if c.ReconnectBudget <= 0 {
		c.ReconnectBudget = DefaultReconnectBudget
	}
	if c.ReconnectBackoffBase <= 0 {
		c.ReconnectBackoffBase = DefaultReconnectBackoffBase
	}
	if c.ReconnectBackoffCap <= 0 {
		c.ReconnectBackoffCap = DefaultReconnectBackoffCap
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.KeepaliveMissThreshold <= 0 {
		c.KeepaliveMissThreshold = DefaultKeepaliveMissThreshold
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
}

// Engine is the single-threaded cooperative event loop of §5: every
// mutation of every Session happens on the goroutine running Run. Other
// goroutines (candidate subscriptions, dial races, timers) only ever post
// events into the inbox; they never touch a Session directly. This
// mirrors the teacher's connection-manager run loop (a single goroutine
// draining a channel of typed events) generalized to the spec's explicit
// state table.
type Engine struct {
	cfg EngineConfig

	reg      *Registry
	host     transport.Host
	hs       *handshake.Engine
	resolver *candidate.Resolver
	pool     *candidate.Pool
	dialer   *dial.Coordinator
	id       *identity.Identity
	trust    *trust.Store
	log      *logrus.Entry
	clock    func() time.Time
	metrics  *metrics.Metrics

	inbox chan func()

	mu          sync.Mutex
	handleOwner map[transport.Handle]string // handle -> session id
	candCancel  map[string]context.CancelFunc
	generation  map[string]int
	rng         *rand.Rand

	started bool
	cancel  context.CancelFunc
}

// NewEngine wires C5-C7 and the registry into a runnable engine. m may be
// nil; every Metrics method tolerates a nil receiver.
func NewEngine(host transport.Host, id *identity.Identity, trustStore *trust.Store, hs *handshake.Engine, pool *candidate.Pool, resolver *candidate.Resolver, dialer *dial.Coordinator, reg *Registry, cfg EngineConfig, log *logrus.Entry, m *metrics.Metrics) *Engine {
	cfg.setDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		cfg:         cfg,
		reg:         reg,
		host:        host,
		hs:          hs,
		resolver:    resolver,
		pool:        pool,
		dialer:      dialer,
		id:          id,
		trust:       trustStore,
		log:         log,
		clock:       time.Now,
		metrics:     m,
		inbox:       make(chan func(), 256),
		handleOwner: make(map[transport.Handle]string),
		candCancel:  make(map[string]context.CancelFunc),
		generation:  make(map[string]int),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run drives the event loop until ctx is cancelled. It must only be
// called once.
func (e *Engine) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.started = true
	e.cancel = cancel
	e.mu.Unlock()

	events := e.host.Events()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			return
		case fn := <-e.inbox:
			fn()
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.onTransportEvent(ev)
		case now := <-ticker.C:
			e.onTick(now)
		}
	}
}

// Stop tears down the event loop and every outstanding candidate
// subscription.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	for _, cancel := range e.candCancel {
		cancel()
	}
}

// post queues fn to run on the loop goroutine. Safe from any goroutine.
func (e *Engine) post(fn func()) {
	select {
	case e.inbox <- fn:
	default:
		// Inbox backpressure: run synchronously from the caller rather
		// than drop a mutation outright. Only reachable under extreme
		// load since the inbox is generously buffered.
		e.syncCall(fn)
	}
}

func (e *Engine) syncCall(fn func()) {
	done := make(chan struct{})
	go func() {
		e.inbox <- fn
		close(done)
	}()
	<-done
}

func (e *Engine) nextGen(id string) int {
	e.generation[id]++
	return e.generation[id]
}

func (e *Engine) currentGen(id string) int {
	return e.generation[id]
}

// failSession transitions s to Failed and records the outcome in metrics
// alongside the registry's own HandshakeFailed event.
func (e *Engine) failSession(s *Session, kind errkind.Kind) {
	e.reg.Fail(s, kind)
	e.metrics.RecordFailure(s.LocalSessionID, s.PeerDeviceCode, string(kind), e.clock())
	switch kind {
	case errkind.NoPath:
		e.metrics.IncNoPath()
	case errkind.ReconnectExhausted:
		e.metrics.IncReconnectExhausted()
	case errkind.Replay:
		e.metrics.IncReplayDrop()
	case errkind.TransportIdentityMismatch:
		e.metrics.IncTransportMismatch()
	case errkind.UntrustedPeer:
		e.metrics.IncUntrustedPeer()
	case errkind.BadSignature:
		e.metrics.IncBadSignature()
	}
}

// ---- outer session API (§6) ----

// Connect issues StartConnect for peerCode, returning the existing
// session id unchanged if a non-terminal session already exists for
// that peer (double-connect is a no-op per §8). A peer whose only prior
// session ended in Failed or Closed gets a fresh session here — the
// registry's own terminal-state filter in Create is what decides this,
// so Connect must not re-check GetByPeer itself and risk disagreeing
// with it (that duplicate guard previously made §4.8's
// Failed -> user retry -> Idle transition unreachable through this, the
// only exposed entry point for it).
func (e *Engine) Connect(peerCode string) (string, error) {
	type result struct {
		id  string
		err error
	}
	resCh := make(chan result, 1)
	e.post(func() {
		s, created := e.reg.Create(RoleController, peerCode, e.clock)
		resCh <- result{id: s.LocalSessionID}
		if created {
			e.startConnect(s)
		}
	})
	res := <-resCh
	return res.id, res.err
}

// Close closes an active session, notifying the peer with a
// SessionClose envelope on a best-effort basis.
func (e *Engine) Close(sessionID string) error {
	errCh := make(chan error, 1)
	e.post(func() {
		s, ok := e.reg.Get(sessionID)
		if !ok {
			errCh <- errkind.New(errkind.NotFound, fmt.Errorf("session %s", sessionID))
			return
		}
		e.closeSession(s, "local close")
		errCh <- nil
	})
	return <-errCh
}

// ListSessions returns a value-copy snapshot of every tracked session.
// Copies (rather than the registry's live pointers) are returned because
// this method is called from outside the loop goroutine that owns every
// Session's fields; the copy is taken on the loop goroutine itself, where
// reading is safe, before crossing back to the caller.
func (e *Engine) ListSessions() []Session {
	resCh := make(chan []Session, 1)
	e.post(func() {
		live := e.reg.List()
		out := make([]Session, len(live))
		for i, s := range live {
			out[i] = *s
		}
		resCh <- out
	})
	return <-resCh
}

// Pair approves or revokes a device code out of band, bypassing TOFU. On
// approval, pub (the device's public key, learned out of band — e.g. from
// a paired QR code or a prior tofu contact) is pinned at Verified; pub may
// be nil if the device is already known (re-approving after a revoke).
func (e *Engine) Pair(deviceCode string, approved bool, pub ed25519.PublicKey) error {
	if !approved {
		return e.trust.Revoke(deviceCode, e.clock().UnixMilli())
	}
	if pub == nil {
		rec, ok := e.trust.Lookup(deviceCode)
		if !ok {
			return errkind.New(errkind.InvalidArgument, fmt.Errorf("pair: unknown device %s needs a public key", deviceCode))
		}
		decoded, err := hex.DecodeString(rec.PublicKey)
		if err != nil {
			return errkind.New(errkind.InvalidArgument, err)
		}
		pub = decoded
	}
	if err := e.trust.Remember(deviceCode, pub, trust.Verified, e.clock().UnixMilli()); err != nil {
		return err
	}
	if s, ok := e.reg.GetByPeer(deviceCode); ok {
		e.reg.PeerTrustChanged(s)
	}
	return nil
}

// GetStats reports a value-copy keepalive/path snapshot for a session (see
// ListSessions for why a copy, not the registry's live pointer, crosses
// the goroutine boundary).
func (e *Engine) GetStats(sessionID string) (Session, bool) {
	type result struct {
		s  Session
		ok bool
	}
	resCh := make(chan result, 1)
	e.post(func() {
		s, ok := e.reg.Get(sessionID)
		if !ok {
			resCh <- result{}
			return
		}
		resCh <- result{s: *s, ok: true}
	})
	res := <-resCh
	return res.s, res.ok
}

// Subscribe streams registry events (§4.9).
func (e *Engine) Subscribe() <-chan Event {
	return e.reg.Subscribe()
}

// ---- controller-side state machine ----

func (e *Engine) startConnect(s *Session) {
	e.reg.SetState(s, StateDiscovering)
	e.beginDiscovery(s)
}

func (e *Engine) beginDiscovery(s *Session) {
	gen := e.nextGen(s.LocalSessionID)
	ctx, cancel := context.WithCancel(context.Background())
	e.candCancel[s.LocalSessionID] = cancel

	batches := e.resolver.Subscribe(ctx, s.PeerDeviceCode)
	go func() {
		for batch := range batches {
			b := batch
			e.post(func() { e.onCandidates(s.LocalSessionID, gen, b) })
		}
	}()

	time.AfterFunc(e.cfg.DiscoveryTimeout, func() {
		e.post(func() { e.onDiscoveryTimeout(s.LocalSessionID, gen) })
	})
}

func (e *Engine) onDiscoveryTimeout(sessionID string, gen int) {
	if gen != e.currentGen(sessionID) {
		return
	}
	s, ok := e.reg.Get(sessionID)
	if !ok || s.State != StateDiscovering {
		return
	}
	e.cancelCandidates(sessionID)
	e.failSession(s, errkind.NoPath)
}

func (e *Engine) onCandidates(sessionID string, gen int, batch []candidate.Candidate) {
	if gen != e.currentGen(sessionID) {
		return
	}
	s, ok := e.reg.Get(sessionID)
	if !ok || s.State != StateDiscovering || len(batch) == 0 {
		return
	}
	e.cancelCandidates(sessionID)
	e.runDialRace(s, batch)
}

func (e *Engine) cancelCandidates(sessionID string) {
	if cancel, ok := e.candCancel[sessionID]; ok {
		cancel()
		delete(e.candCancel, sessionID)
	}
}

func (e *Engine) runDialRace(s *Session, cands []candidate.Candidate) {
	gen := e.nextGen(s.LocalSessionID)
	sessionID := s.LocalSessionID

	onPhase := func(phase dial.PathCategory) {
		e.post(func() { e.onDialPhase(sessionID, gen, phase) })
	}

	go func() {
		res, err := e.dialer.RaceObserved(context.Background(), cands, onPhase)
		e.post(func() { e.onDialResult(sessionID, gen, res, err) })
	}()
}

func (e *Engine) onDialPhase(sessionID string, gen int, phase dial.PathCategory) {
	if gen != e.currentGen(sessionID) {
		return
	}
	s, ok := e.reg.Get(sessionID)
	if !ok {
		return
	}
	switch phase {
	case dial.PathDirect:
		if s.State == StateDiscovering {
			e.reg.SetState(s, StateDialingDirect)
		}
	case dial.PathPunched:
		e.reg.SetState(s, StateHolePunching)
	case dial.PathRelayed:
		e.reg.SetState(s, StateRelayDialing)
	}
}

func (e *Engine) onDialResult(sessionID string, gen int, res *dial.Result, err error) {
	if gen != e.currentGen(sessionID) {
		if res != nil {
			_ = e.host.Close(res.Handle)
		}
		return
	}
	s, ok := e.reg.Get(sessionID)
	if !ok {
		if res != nil {
			_ = e.host.Close(res.Handle)
		}
		return
	}
	if err != nil {
		if e.withinReconnectBudget(s) {
			e.scheduleReconnectRetry(s)
			return
		}
		e.failSession(s, errkind.NoPath)
		return
	}
	s.PendingHandle = res.Handle
	s.PendingPath = res.Path
	e.handleOwner[res.Handle] = sessionID
	switch res.Path {
	case dial.PathDirect:
		e.metrics.IncDirectWin()
	case dial.PathPunched:
		e.metrics.IncPunchWin()
	case dial.PathRelayed:
		e.metrics.IncRelayWin()
	}
	e.beginHandshake(s)
}

func (e *Engine) beginHandshake(s *Session) {
	gen := e.nextGen(s.LocalSessionID)
	e.reg.SetState(s, StateSecureHandshake)
	s.AttemptCounter = 0
	e.sendSessionRequest(s, gen)
}

func (e *Engine) sendSessionRequest(s *Session, gen int) {
	req, nonce, err := e.hs.BuildRequest(e.cfg.RequestedCapabilities)
	if err != nil {
		e.log.WithError(err).Error("handshake: build request failed")
		e.failSession(s, errkind.BadSignature)
		return
	}
	s.Handshake.remember(nonce)
	s.AttemptCounter++
	e.metrics.IncHandshakeRequest()

	env, err := envelope.NewPayload(envelope.KindSessionRequest, s.LocalSessionID, req)
	if err != nil {
		e.failSession(s, errkind.MalformedEnvelope)
		return
	}
	if err := e.sendEnvelope(s.PendingHandle, env); err != nil {
		e.log.WithError(err).WithField("session_id", s.LocalSessionID).Warn("handshake: send request failed")
	}

	sessionID := s.LocalSessionID
	attempt := s.AttemptCounter
	time.AfterFunc(e.cfg.SessionRequestTimeout, func() {
		e.post(func() { e.onSessionRequestTimeout(sessionID, gen, attempt) })
	})
}

func (e *Engine) onSessionRequestTimeout(sessionID string, gen, attempt int) {
	if gen != e.currentGen(sessionID) {
		return
	}
	s, ok := e.reg.Get(sessionID)
	if !ok || s.State != StateSecureHandshake || s.Role != RoleController {
		return
	}
	if s.AttemptCounter != attempt {
		return // an accept (or a newer retry) has already superseded this timer
	}
	if s.AttemptCounter >= e.cfg.SessionRequestRetries {
		e.failSession(s, errkind.DialTimeout)
		return
	}
	e.sendSessionRequest(s, gen)
}

func (e *Engine) sendEnvelope(handle transport.Handle, env *envelope.Envelope) error {
	b, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	return e.host.Send(handle, transport.StreamControl, b)
}

// ---- transport event demultiplexing ----

func (e *Engine) onTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventReceived:
		e.onReceived(ev)
	case transport.EventDisconnected:
		e.onDisconnected(ev)
	case transport.EventLanObserved:
		// Consumed directly by resolver subscriptions; nothing to do here.
	case transport.EventConnected:
		// Inbound connections are only bound to a session once a
		// SessionRequest arrives naming the peer's device code.
	}
}

func (e *Engine) onReceived(ev transport.Event) {
	if ev.StreamKind != transport.StreamControl {
		return // media/input streams ride on top of an established session, out of core scope
	}
	env, err := envelope.Unmarshal(ev.Bytes)
	if err != nil {
		e.log.WithError(err).Debug("envelope: dropping malformed frame")
		e.noteMalformed(ev.Handle)
		return
	}
	switch env.Kind {
	case envelope.KindSessionRequest:
		e.onSessionRequest(ev.Handle, ev.PeerIdentity, env)
	case envelope.KindSessionAccept:
		e.onSessionAccept(ev.Handle, ev.PeerIdentity, env)
	case envelope.KindSessionReject:
		e.onSessionReject(ev.Handle, env)
	case envelope.KindSessionClose:
		e.onSessionCloseMsg(ev.Handle)
	case envelope.KindPing:
		e.onPing(ev.Handle)
	case envelope.KindPong:
		e.onPong(ev.Handle)
	default:
		// Everything else rides on top of an established session and is
		// opaque to the core (§1 scope); outer layers consume it.
	}
}

func (e *Engine) noteMalformed(handle transport.Handle) {
	id, ok := e.handleOwner[handle]
	if !ok {
		return
	}
	s, ok := e.reg.Get(id)
	if !ok {
		return
	}
	s.malformedCount++
	e.metrics.IncMalformedDrop()
	if s.malformedCount > DefaultMaxMalformedPerConn {
		e.log.WithField("session_id", id).Warn("closing connection after repeated malformed envelopes")
		_ = e.host.Close(handle)
	}
}

func (e *Engine) onSessionRequest(handle transport.Handle, transportPeerCode string, env *envelope.Envelope) {
	var req handshake.SessionRequest
	if err := env.Decode(&req); err != nil {
		e.noteMalformed(handle)
		return
	}

	verifyErr := e.hs.VerifyRequest(&req, transportPeerCode)
	if kind, _ := errkind.Of(verifyErr); verifyErr != nil && (kind == errkind.Replay || kind == errkind.TransportIdentityMismatch) {
		// §7: replay and transport-identity failures are silently
		// dropped; do not leak which check failed. Still counted.
		if kind == errkind.Replay {
			e.metrics.IncReplayDrop()
		} else {
			e.metrics.IncTransportMismatch()
		}
		return
	}

	s, _ := e.reg.Create(RoleTarget, req.InitiatorDeviceCode, e.clock)
	e.handleOwner[handle] = s.LocalSessionID
	s.PendingHandle = handle

	if verifyErr != nil {
		kind, _ := errkind.Of(verifyErr)
		e.log.WithFields(logrus.Fields{"session_id": s.LocalSessionID, "peer": req.InitiatorDeviceCode, "kind": kind}).Warn("handshake request rejected")
		e.metrics.IncHandshakeReject()
		rej, buildErr := e.hs.BuildReject(req.Nonce, string(kind))
		if buildErr == nil {
			rejEnv, encErr := envelope.NewPayload(envelope.KindSessionReject, env.RequestID, rej)
			if encErr == nil {
				_ = e.sendEnvelope(handle, rejEnv)
			}
		}
		e.failSession(s, kind)
		return
	}

	if s.State != StateSecureHandshake {
		e.reg.SetState(s, StateSecureHandshake)
	}
	acc, err := e.hs.BuildAccept(req.Nonce, e.cfg.RequestedCapabilities)
	if err != nil {
		e.failSession(s, errkind.BadSignature)
		return
	}
	accEnv, err := envelope.NewPayload(envelope.KindSessionAccept, env.RequestID, acc)
	if err != nil {
		e.failSession(s, errkind.MalformedEnvelope)
		return
	}
	if err := e.sendEnvelope(handle, accEnv); err != nil {
		e.log.WithError(err).Warn("handshake: send accept failed")
	}
	e.metrics.IncHandshakeAccept()

	s.PendingPath = dial.PathDirect // target side never raced; path is whatever the peer already dialed
	e.activate(s)
}

func (e *Engine) onSessionAccept(handle transport.Handle, transportPeerCode string, env *envelope.Envelope) {
	id, ok := e.handleOwner[handle]
	if !ok {
		return
	}
	s, ok := e.reg.Get(id)
	if !ok || s.State != StateSecureHandshake || s.Role != RoleController {
		return
	}
	var acc handshake.SessionAccept
	if err := env.Decode(&acc); err != nil {
		e.noteMalformed(handle)
		return
	}

	var matched []byte
	for _, n := range s.Handshake.OutstandingNonces {
		if bytesEqual(n, acc.EchoedRequestNonce) {
			matched = n
			break
		}
	}
	if matched == nil {
		e.metrics.IncNonceUnbound() // silently dropped per §7, counted only in telemetry
		return
	}

	if err := e.hs.VerifyAccept(&acc, transportPeerCode, matched); err != nil {
		kind, _ := errkind.Of(err)
		if kind == errkind.Replay || kind == errkind.NonceUnbound {
			if kind == errkind.Replay {
				e.metrics.IncReplayDrop()
			} else {
				e.metrics.IncNonceUnbound()
			}
			return
		}
		e.log.WithFields(logrus.Fields{"session_id": s.LocalSessionID, "kind": kind}).Warn("session accept rejected")
		e.failSession(s, kind)
		return
	}

	e.activate(s)
}

func (e *Engine) activate(s *Session) {
	e.nextGen(s.LocalSessionID)
	now := e.clock()
	s.Epoch = rotateEpoch(s.LocalSessionID, now)
	s.Keepalive = Keepalive{LastPingSent: now, LastPongRecv: now}
	e.reg.SetState(s, StateActive)
	e.reg.PathChosen(s, &ActivePath{Handle: s.PendingHandle, Category: s.PendingPath})
}

func (e *Engine) onSessionReject(handle transport.Handle, env *envelope.Envelope) {
	id, ok := e.handleOwner[handle]
	if !ok {
		return
	}
	s, ok := e.reg.Get(id)
	if !ok {
		return
	}
	var rej handshake.SessionReject
	if err := env.Decode(&rej); err != nil {
		e.noteMalformed(handle)
		return
	}
	e.failSession(s, errkind.Kind(rej.ReasonCode))
}

func (e *Engine) onSessionCloseMsg(handle transport.Handle) {
	id, ok := e.handleOwner[handle]
	if !ok {
		return
	}
	s, ok := e.reg.Get(id)
	if !ok {
		return
	}
	e.closeSession(s, "peer close")
}

func (e *Engine) closeSession(s *Session, reason string) {
	e.cancelCandidates(s.LocalSessionID)
	e.nextGen(s.LocalSessionID)
	if s.ActivePath != nil {
		closeEnv, err := envelope.NewPayload(envelope.KindSessionClose, s.LocalSessionID, struct{}{})
		if err == nil {
			_ = e.sendEnvelope(s.ActivePath.Handle, closeEnv)
		}
		_ = e.host.Close(s.ActivePath.Handle)
	}
	e.reg.Close(s, reason)
	e.metrics.IncClosed()
}

func (e *Engine) onPing(handle transport.Handle) {
	pong, err := envelope.NewPayload(envelope.KindPong, "", struct{}{})
	if err != nil {
		return
	}
	_ = e.sendEnvelope(handle, pong)
}

func (e *Engine) onPong(handle transport.Handle) {
	id, ok := e.handleOwner[handle]
	if !ok {
		return
	}
	s, ok := e.reg.Get(id)
	if !ok {
		return
	}
	s.Keepalive.LastPongRecv = e.clock()
	s.Keepalive.ConsecutiveMisses = 0
}

func (e *Engine) onDisconnected(ev transport.Event) {
	id, ok := e.handleOwner[ev.Handle]
	if !ok {
		return
	}
	delete(e.handleOwner, ev.Handle)
	s, ok := e.reg.Get(id)
	if !ok || s.State == StateClosed || s.State == StateFailed {
		return
	}
	if s.State == StateActive {
		e.enterReconnecting(s)
		return
	}
	e.failSession(s, errkind.PathLost)
}

// ---- keepalive, reconnect, and epoch rotation (ticked) ----

func (e *Engine) onTick(now time.Time) {
	for _, s := range e.reg.List() {
		// Safety net across every sub-state a reconnect's redial can be
		// in (Discovering/DialingDirect/.../SecureHandshake): the 15s
		// total budget always wins over any inner phase timer.
		if s.State != StateActive && s.State != StateFailed && s.State != StateClosed && s.State != StateIdle &&
			!s.ReconnectDeadline.IsZero() && now.After(s.ReconnectDeadline) {
			e.cancelCandidates(s.LocalSessionID)
			e.nextGen(s.LocalSessionID)
			e.failSession(s, errkind.ReconnectExhausted)
			continue
		}
		if s.State == StateActive {
			e.tickKeepalive(s, now)
			if epochDue(s.Epoch, now) {
				s.Epoch = rotateEpoch(s.LocalSessionID, now)
			}
		}
	}
}

func (e *Engine) tickKeepalive(s *Session, now time.Time) {
	if now.Sub(s.Keepalive.LastPingSent) < e.cfg.KeepaliveInterval {
		return
	}
	if s.Keepalive.LastPongRecv.Before(s.Keepalive.LastPingSent) {
		s.Keepalive.ConsecutiveMisses++
	}
	if s.Keepalive.ConsecutiveMisses >= e.cfg.KeepaliveMissThreshold {
		e.enterReconnecting(s)
		return
	}
	if s.ActivePath != nil {
		ping, err := envelope.NewPayload(envelope.KindPing, "", struct{}{})
		if err == nil {
			_ = e.sendEnvelope(s.ActivePath.Handle, ping)
		}
	}
	s.Keepalive.LastPingSent = now
}

// enterReconnecting marks the reconnect budget's start (first entry, from
// an Active path loss) and immediately schedules the first backed-off
// retry. Later re-entries, when a mid-budget dial race itself fails, go
// through scheduleReconnectRetry directly without resetting the deadline.
func (e *Engine) enterReconnecting(s *Session) {
	if s.ActivePath != nil {
		_ = e.host.Close(s.ActivePath.Handle)
		s.ActivePath = nil
	}
	s.ReconnectDeadline = e.clock().Add(e.cfg.ReconnectBudget)
	s.AttemptCounter = 0
	e.metrics.IncReconnect()
	e.reg.SetState(s, StateReconnecting)
	e.scheduleReconnectRetry(s)
}

// withinReconnectBudget reports whether s has an active, unexpired
// reconnect deadline — i.e. its current dial attempt was spawned from
// Reconnecting rather than from a fresh outer Connect.
func (e *Engine) withinReconnectBudget(s *Session) bool {
	return !s.ReconnectDeadline.IsZero() && e.clock().Before(s.ReconnectDeadline)
}

// scheduleReconnectRetry arms the next backed-off re-entry into the dial
// pipeline, or fails the session once the 15s total budget is spent
// (§4.8: "Exponential backoff between 200ms and 2s governs Reconnecting
// re-entries").
func (e *Engine) scheduleReconnectRetry(s *Session) {
	now := e.clock()
	if now.After(s.ReconnectDeadline) {
		e.failSession(s, errkind.ReconnectExhausted)
		return
	}
	s.ReconnectBudgetRemaining = s.ReconnectDeadline.Sub(now)
	e.reg.SetState(s, StateReconnecting)

	backoff := nextBackoff(s.AttemptCounter, e.rng, e.cfg.ReconnectBackoffBase, e.cfg.ReconnectBackoffCap)
	s.AttemptCounter++
	if remaining := s.ReconnectDeadline.Sub(now); backoff > remaining {
		backoff = remaining
	}

	gen := e.nextGen(s.LocalSessionID)
	sessionID := s.LocalSessionID
	time.AfterFunc(backoff, func() {
		e.post(func() { e.onReconnectBackoffDone(sessionID, gen) })
	})
}

func (e *Engine) onReconnectBackoffDone(sessionID string, gen int) {
	if gen != e.currentGen(sessionID) {
		return
	}
	s, ok := e.reg.Get(sessionID)
	if !ok || s.State != StateReconnecting {
		return
	}
	if e.clock().After(s.ReconnectDeadline) {
		e.failSession(s, errkind.ReconnectExhausted)
		return
	}
	e.reg.SetState(s, StateDiscovering)
	e.beginDiscovery(s)
}

