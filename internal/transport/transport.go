package transport

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"notifyfeed/server/internal/cooldown"
	"notifyfeed/server/internal/logging"
	"notifyfeed/server/internal/mailbox"
	"notifyfeed/server/internal/seqnset"
	"notifyfeed/server/internal/worker"
	"notifyfeed/server/internal/wire"
)

// ErrMissedResponse is delivered to a SentReq's callback when its request
// is abandoned: every retransmission attempt was exhausted, or the
// connection was torn down before a response arrived.
var ErrMissedResponse = errors.New("transport: missed response")

// ErrNotRequest is returned by SendReq when given an envelope whose body
// is not a REQ.
var ErrNotRequest = errors.New("transport: send_req requires a REQ envelope")

// ErrNotResponse is returned by SendResp when given a body whose tag is
// not a RESP. The RESP's type is not checked against the request's type.
var ErrNotResponse = errors.New("transport: send_resp requires a RESP body")

// ErrDisconnected is returned by SendReq/ReceiveReq once the transport has
// been disconnected.
var ErrDisconnected = errors.New("transport: disconnected")

// Config tunes the transport's retry and liveness behavior. The zero value
// is invalid; build one with NewConfig.
type Config struct {
	maxReqAttempts     uint64
	maxCachedResponses int
	bumpInterval       time.Duration
	maxSilentTicks     uint64
	pingStart          uint64
	pingInterval       uint64
	pollTimeout        time.Duration

	binExp cooldown.BinExpConfig
	linear cooldown.LinearConfig
}

// Option adjusts a Config away from its defaults.
type Option func(*Config)

// WithMaxReqAttempts bounds how many times a pending request is
// retransmitted (via binary-exponential backoff) before the peer is
// considered unreachable.
func WithMaxReqAttempts(attempts uint64) Option {
	return func(c *Config) {
		c.maxReqAttempts = attempts
		c.binExp = cooldown.NewBinExpConfig(cooldown.WithMaxAttempts(attempts))
	}
}

// WithMaxCachedResponses bounds how many already-answered request sequence
// numbers a connection keeps cached responses for.
func WithMaxCachedResponses(n int) Option {
	return func(c *Config) { c.maxCachedResponses = n }
}

// WithBumpInterval sets how often the bumper worker advances every
// cooldown by one tick.
func WithBumpInterval(d time.Duration) Option {
	return func(c *Config) { c.bumpInterval = d }
}

// WithMaxSilentTicks bounds how many bumps may pass without any datagram
// from a peer before the connection is torn down.
func WithMaxSilentTicks(ticks uint64) Option {
	return func(c *Config) { c.maxSilentTicks = ticks }
}

// WithPingSchedule sets the tick delay before the first liveness ping
// (start) and the steady tick interval between subsequent ones (interval).
func WithPingSchedule(start, interval uint64) Option {
	return func(c *Config) {
		c.pingStart = start
		c.pingInterval = interval
		c.linear = cooldown.NewLinearConfig(
			cooldown.WithStartDelay(start),
			cooldown.WithTicksPerAttempt(interval),
			cooldown.WithMaxTicks(^uint64(0)),
		)
	}
}

// WithBinExpCooldown overrides the numerator/denominator driving the
// per-pending retransmission backoff growth rate.
func WithBinExpCooldown(numer, denom uint64) Option {
	return func(c *Config) {
		c.binExp = cooldown.NewBinExpConfig(
			cooldown.WithNumer(numer),
			cooldown.WithDenom(denom),
			cooldown.WithMaxAttempts(c.maxReqAttempts),
		)
	}
}

// WithPollTimeout sets how long the input worker blocks on each receive
// before checking whether the endpoint has been closed.
func WithPollTimeout(d time.Duration) Option {
	return func(c *Config) { c.pollTimeout = d }
}

// NewConfig builds a Config, defaulting to max_req_attempts=23,
// max_cached_responses=8, bump_interval=100ms, max_silent_ticks=6,
// ping_start=1000, ping_interval=500.
func NewConfig(opts ...Option) Config {
	c := Config{
		maxReqAttempts:     23,
		maxCachedResponses: 8,
		bumpInterval:       100 * time.Millisecond,
		maxSilentTicks:     6,
		pingStart:          1000,
		pingInterval:       500,
		pollTimeout:        200 * time.Millisecond,
	}
	c.binExp = cooldown.NewBinExpConfig(cooldown.WithMaxAttempts(c.maxReqAttempts))
	c.linear = cooldown.NewLinearConfig(
		cooldown.WithStartDelay(c.pingStart),
		cooldown.WithTicksPerAttempt(c.pingInterval),
		cooldown.WithMaxTicks(^uint64(0)),
	)
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

type responseResult struct {
	envelope wire.Envelope
	err      error
}

type pendingOutbound struct {
	envelope    wire.Envelope
	cooldown    *cooldown.BinaryExpCooldown
	result      chan responseResult
	isConnOrDc  bool
	resultClose sync.Once
}

func (p *pendingOutbound) deliver(res responseResult) {
	p.resultClose.Do(func() {
		p.result <- res
		close(p.result)
	})
}

type connState struct {
	remote          wire.Address
	established     bool
	silenceTicks    uint64
	receivedSeqns   *seqnset.SequenceSet
	cachedResponses map[uint64]wire.Envelope
	cachedOrder     []uint64
	pendingOutbound map[uint64]*pendingOutbound
	pingCooldown    *cooldown.LinearCooldown
	teardown        bool
	// explicitDisconnect is true once a real REQ/DISCONNECT from the peer
	// has already been forwarded upstream, so bump() must not synthesize
	// a second one when it finally removes the connection.
	explicitDisconnect bool
}

func newConnState(remote wire.Address, linear cooldown.LinearConfig) *connState {
	return &connState{
		remote:          remote,
		receivedSeqns:   seqnset.New(),
		cachedResponses: make(map[uint64]wire.Envelope),
		pendingOutbound: make(map[uint64]*pendingOutbound),
		pingCooldown:    linear.Start(),
	}
}

// inner holds all mutable transport state behind a single mutex, matching
// the source's net_control_mutex-guarded Inner.
type inner struct {
	mu          sync.Mutex
	cfg         Config
	endpoint    *DatagramEndpoint
	connections map[wire.Address]*connState
	recvReqTx   mailbox.Sender[wire.Envelope]
	logger      *logging.Logger
}

// ReliableTransport is a reliable request/response layer over UDP
// datagrams: per-peer retransmission, response caching, sequence-number
// dedup, and liveness pinging.
type ReliableTransport struct {
	inner     *inner
	endpoint  *DatagramEndpoint
	recvReqRx mailbox.Receiver[wire.Envelope]
	registry  *worker.Registry
	seqCount  atomic.Uint64

	handlerTx mailbox.Sender[wire.Envelope]
	handlerRx mailbox.Receiver[wire.Envelope]

	stopBump chan struct{}
}

// New builds a ReliableTransport over endpoint and spawns its input,
// handler and bumper workers.
func New(endpoint *DatagramEndpoint, cfg Config, logger *logging.Logger) *ReliableTransport {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	recvReqTx, recvReqRx := mailbox.New[wire.Envelope]()
	handlerTx, handlerRx := mailbox.New[wire.Envelope]()

	t := &ReliableTransport{
		inner: &inner{
			cfg:         cfg,
			endpoint:    endpoint,
			connections: make(map[wire.Address]*connState),
			recvReqTx:   recvReqTx,
			logger:      logger,
		},
		endpoint:  endpoint,
		recvReqRx: recvReqRx,
		registry:  worker.NewRegistry(),
		handlerTx: handlerTx,
		handlerRx: handlerRx,
		stopBump:  make(chan struct{}),
	}

	t.registry.Spawn("transport-input", t.runInput)
	t.registry.Spawn("transport-handler", t.runHandler)
	t.registry.Spawn("transport-bumper", t.runBumper)

	return t
}

func (t *ReliableTransport) runInput() {
	for {
		datagram, from, ok, err := t.endpoint.Receive(t.inner.cfg.pollTimeout)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				t.handlerTx.Close()
				return
			}
			t.inner.logger.Warn("transport input receive error", logging.Error(err))
			continue
		}
		if !ok {
			continue
		}
		env, err := wire.DecodeEnvelope(datagram)
		if err != nil {
			t.inner.logger.Warn("transport dropped undecodable datagram",
				logging.String("remote", from.String()), logging.Error(err))
			continue
		}
		env.Remote = from
		if err := t.handlerTx.Send(env); err != nil {
			return
		}
	}
}

func (t *ReliableTransport) runHandler() {
	for {
		env, err := t.handlerRx.Receive()
		if err != nil {
			return
		}
		t.inner.handle(env)
	}
}

func (t *ReliableTransport) runBumper() {
	interval := t.inner.cfg.bumpInterval
	for {
		select {
		case <-t.stopBump:
			return
		case <-time.After(interval):
		}
		start := time.Now()
		t.inner.bump()
		elapsed := time.Since(start)
		if elapsed < interval {
			interval = t.inner.cfg.bumpInterval - elapsed
		} else {
			interval = 0
		}
	}
}

// handle implements spec §4.6.1: the per-envelope state machine run by the
// handler worker under the single mutex.
func (in *inner) handle(env wire.Envelope) {
	in.mu.Lock()
	defer in.mu.Unlock()

	remote := env.Remote
	tag := env.Tag

	conn, exists := in.connections[remote]
	if !exists {
		if tag == wire.TagOf(wire.ConnectReq{}) || tag == wire.TagOf(wire.ServerConnReq{}) {
			conn = newConnState(remote, in.cfg.linear)
			in.connections[remote] = conn
			exists = true
		}
	}
	if exists {
		conn.silenceTicks = 0
		conn.pingCooldown = in.cfg.linear.Start()
	}

	switch tag.Step {
	case wire.StepReq:
		in.handleReq(conn, exists, env)
	case wire.StepResp:
		if !exists {
			return
		}
		in.handleResp(conn, env)
	}
}

func (in *inner) handleReq(conn *connState, exists bool, env wire.Envelope) {
	if !exists {
		// A REQ other than CONNECT/SERVER_CONN for an address with no
		// connection: transport requires an established peer first.
		return
	}

	seqn := env.Header.Seqn
	if conn.receivedSeqns.Contains(seqn) {
		if cached, ok := conn.cachedResponses[seqn]; ok {
			in.sendDatagram(cached)
		}
		return
	}
	conn.receivedSeqns.Add(seqn)

	switch env.Tag.Type {
	case wire.TypePing:
		resp := wire.Envelope{
			Remote: conn.remote,
			Header: wire.Header{Seqn: seqn, Timestamp: nowUnixNano()},
			Tag:    wire.Tag{Step: wire.StepResp, Type: wire.TypePing},
			Body:   wire.PingResp{},
		}
		in.cacheAndSend(conn, resp)
	case wire.TypeConnect:
		if conn.established {
			return
		}
		in.recvReqTx.Send(env)
	case wire.TypeDisconnect:
		in.recvReqTx.Send(env)
		conn.teardown = true
		conn.explicitDisconnect = true
	default:
		in.recvReqTx.Send(env)
	}
}

func (in *inner) handleResp(conn *connState, env wire.Envelope) {
	seqn := env.Header.Seqn
	pending, ok := conn.pendingOutbound[seqn]
	if !ok {
		return
	}
	delete(conn.pendingOutbound, seqn)
	pending.deliver(responseResult{envelope: env})
	if env.Tag == wire.TagOf(wire.ConnectResp{}) {
		conn.established = true
	}
}

// bump implements spec §4.6.2.
func (in *inner) bump() {
	in.mu.Lock()
	defer in.mu.Unlock()

	var teardownAddrs []wire.Address
	var forcedConnOrDc []wire.Address

	for addr, conn := range in.connections {
		if conn.teardown {
			// Already scheduled for removal (an explicit DISCONNECT was
			// handled last round): give any retransmitted duplicate one
			// more bump cycle to receive its cached response, then go.
			teardownAddrs = append(teardownAddrs, addr)
			continue
		}

		var resendSeqns []uint64
		var diedSeqns []uint64

		for seqn, pending := range conn.pendingOutbound {
			switch pending.cooldown.Tick() {
			case cooldown.TickIdle:
			case cooldown.TickCycled:
				resendSeqns = append(resendSeqns, seqn)
			case cooldown.TickDied:
				diedSeqns = append(diedSeqns, seqn)
			}
		}
		for _, seqn := range resendSeqns {
			in.sendDatagram(conn.pendingOutbound[seqn].envelope)
		}
		for _, seqn := range diedSeqns {
			pending := conn.pendingOutbound[seqn]
			delete(conn.pendingOutbound, seqn)
			pending.deliver(responseResult{err: ErrMissedResponse})
			if pending.isConnOrDc {
				forcedConnOrDc = append(forcedConnOrDc, addr)
			}
		}

		conn.silenceTicks++
		if conn.silenceTicks > in.cfg.maxSilentTicks {
			conn.teardown = true
			teardownAddrs = append(teardownAddrs, addr)
		} else if conn.pingCooldown.Tick() == cooldown.TickCycled {
			in.sendPing(conn)
		}
	}

	for _, addr := range forcedConnOrDc {
		if conn, ok := in.connections[addr]; ok {
			conn.teardown = true
			teardownAddrs = append(teardownAddrs, addr)
		}
	}

	seen := make(map[wire.Address]bool)
	for _, addr := range teardownAddrs {
		if seen[addr] {
			continue
		}
		seen[addr] = true
		conn := in.connections[addr]
		if conn == nil {
			continue
		}
		if !conn.explicitDisconnect {
			dcEnv := wire.Envelope{
				Remote: addr,
				Header: wire.Header{Seqn: 0, Timestamp: nowUnixNano()},
				Tag:    wire.Tag{Step: wire.StepReq, Type: wire.TypeDisconnect},
				Body:   wire.DisconnectReq{},
			}
			in.recvReqTx.Send(dcEnv)
		}
		for _, pending := range conn.pendingOutbound {
			pending.deliver(responseResult{err: ErrMissedResponse})
		}
		delete(in.connections, addr)
	}
}

func (in *inner) sendPing(conn *connState) {
	env := wire.Envelope{
		Remote: conn.remote,
		Header: wire.Header{Seqn: 0, Timestamp: nowUnixNano()},
		Tag:    wire.Tag{Step: wire.StepReq, Type: wire.TypePing},
		Body:   wire.PingReq{},
	}
	in.sendDatagram(env)
}

func (in *inner) sendDatagram(env wire.Envelope) {
	datagram, err := wire.EncodeEnvelope(env)
	if err != nil {
		in.logger.Error("transport failed to encode outbound envelope", logging.Error(err))
		return
	}
	if err := in.endpoint.Send(datagram, env.Remote); err != nil {
		in.logger.Warn("transport failed to send datagram",
			logging.String("remote", env.Remote.String()), logging.Error(err))
	}
}

func (in *inner) cacheAndSend(conn *connState, env wire.Envelope) {
	if len(conn.cachedOrder) >= in.cfg.maxCachedResponses && in.cfg.maxCachedResponses > 0 {
		oldest := conn.cachedOrder[0]
		conn.cachedOrder = conn.cachedOrder[1:]
		delete(conn.cachedResponses, oldest)
	}
	conn.cachedOrder = append(conn.cachedOrder, env.Header.Seqn)
	conn.cachedResponses[env.Header.Seqn] = env
	in.sendDatagram(env)
}

// SentReq is a handle to an in-flight outbound request.
type SentReq struct {
	result chan responseResult
}

// AwaitResponse blocks until the matching response arrives, or returns
// ErrMissedResponse if the request was abandoned.
func (s *SentReq) AwaitResponse() (wire.Envelope, error) {
	res := <-s.result
	return res.envelope, res.err
}

// SendReq transmits a REQ envelope, assigning its sequence number from a
// counter owned by this transport (each ReliableTransport counts from 1 on
// its own) and timestamping its header. It returns a SentReq whose
// AwaitResponse receives the matching RESP.
func (t *ReliableTransport) SendReq(remote wire.Address, body wire.Body) (*SentReq, error) {
	tag := wire.TagOf(body)
	if tag.Step != wire.StepReq {
		return nil, ErrNotRequest
	}

	seqn := t.seqCount.Add(1)
	env := wire.Envelope{
		Remote: remote,
		Header: wire.Header{Seqn: seqn, Timestamp: nowUnixNano()},
		Tag:    tag,
		Body:   body,
	}

	t.inner.mu.Lock()
	select {
	case <-t.stopBump:
		t.inner.mu.Unlock()
		return nil, ErrDisconnected
	default:
	}
	conn, exists := t.inner.connections[remote]
	if !exists {
		conn = newConnState(remote, t.inner.cfg.linear)
		t.inner.connections[remote] = conn
	}

	pending := &pendingOutbound{
		envelope:   env,
		cooldown:   t.inner.cfg.binExp.Start(),
		result:     make(chan responseResult, 1),
		isConnOrDc: tag.Type == wire.TypeConnect || tag.Type == wire.TypeDisconnect,
	}
	conn.pendingOutbound[seqn] = pending
	t.inner.mu.Unlock()

	t.inner.sendDatagram(env)

	return &SentReq{result: pending.result}, nil
}

// ReceivedReq is a handle to a request awaiting a response.
type ReceivedReq struct {
	req       wire.Envelope
	transport *ReliableTransport
}

// Request returns the received request envelope.
func (r *ReceivedReq) Request() wire.Envelope { return r.req }

// SendResp builds and transmits the response envelope (copied seqn and
// remote, fresh timestamp), caching it for retransmission to duplicate
// requests.
func (r *ReceivedReq) SendResp(body wire.Body) error {
	tag := wire.TagOf(body)
	if tag.Step != wire.StepResp {
		return ErrNotResponse
	}
	env := wire.Envelope{
		Remote: r.req.Remote,
		Header: wire.Header{Seqn: r.req.Header.Seqn, Timestamp: nowUnixNano()},
		Tag:    tag,
		Body:   body,
	}

	in := r.transport.inner
	in.mu.Lock()
	defer in.mu.Unlock()
	conn, exists := in.connections[env.Remote]
	if !exists {
		conn = newConnState(env.Remote, in.cfg.linear)
		in.connections[env.Remote] = conn
	}
	if tag == wire.TagOf(wire.ConnectResp{}) {
		conn.established = true
	}
	in.cacheAndSend(conn, env)
	return nil
}

// ReceiveReq blocks until a request envelope is ready to be serviced.
func (t *ReliableTransport) ReceiveReq() (*ReceivedReq, error) {
	env, err := t.recvReqRx.Receive()
	if err != nil {
		return nil, ErrDisconnected
	}
	return &ReceivedReq{req: env, transport: t}, nil
}

// Disconnect disables further send/receive, tears down the connection
// table, and joins every background worker.
func (t *ReliableTransport) Disconnect() error {
	close(t.stopBump)
	if err := t.endpoint.Close(); err != nil {
		return err
	}
	t.registry.Join()

	t.inner.mu.Lock()
	for _, conn := range t.inner.connections {
		for _, pending := range conn.pendingOutbound {
			pending.deliver(responseResult{err: ErrMissedResponse})
		}
	}
	t.inner.connections = make(map[wire.Address]*connState)
	t.inner.mu.Unlock()

	t.handlerTx.Close()
	t.inner.recvReqTx.Close()
	return nil
}

func nowUnixNano() int64 { return time.Now().UnixNano() }
