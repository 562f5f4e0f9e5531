package dht

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/xlgjjff/torrentcore/internal/ambient/clock"
	"github.com/xlgjjff/torrentcore/internal/ambient/log"
)

// Observer is notified of the outcome of one outstanding transaction.
// At most one of Reply/Timeout/Unreachable fires per registration;
// none fires after Close, or when Query itself returns an error.
type Observer struct {
	Reply       func(msg *Message)
	Timeout     func()
	Unreachable func()
}

// Socket is the opaque datagram collaborator a Node sends through.
// Kept minimal on purpose: the RPC layer does not care how bytes reach
// the wire, only that they do.
type Socket interface {
	WriteTo(b []byte, ep Endpoint) error
	LocalEndpoint() Endpoint
}

type pendingCall struct {
	observer Observer
	endpoint Endpoint
	timer    *clock.Timer
	done     sync.Once
}

// RPCManager owns the outstanding-transaction table and matches
// incoming replies back to their Observer: a mutex-guarded map plus a
// per-call timeout goroutine, covering every outstanding transaction
// the node has sent rather than just one query's pending set.
type RPCManager struct {
	mu      sync.Mutex
	socket  Socket
	clock   clock.Clock
	timeout time.Duration

	nextTxn  uint16
	pending  map[uint16]*pendingCall
	clientID string // our own "v" identifier
}

var rpcLogger = log.Named("dht/rpc")

func NewRPCManager(socket Socket, cfg *Config, clientID string) *RPCManager {
	return &RPCManager{
		socket:   socket,
		clock:    cfg.Clock,
		timeout:  cfg.QueryTimeout,
		pending:  make(map[uint16]*pendingCall),
		clientID: clientID,
	}
}

// transactionID renders the 2-byte monotonic counter as the "t" string.
func (m *RPCManager) transactionID() (uint16, string) {
	id := m.nextTxn
	m.nextTxn++
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], id)
	return id, string(b[:])
}

// Query sends a KRPC query to ep and registers obs under a fresh
// transaction id. The timer fires obs.Timeout after QueryTimeout
// unless a matching reply or explicit cancel arrives first.
func (m *RPCManager) Query(ep Endpoint, q string, args *QueryArgs, obs Observer) error {
	m.mu.Lock()
	id, t := m.transactionID()
	msg := &Message{T: t, Y: "q", Q: q, A: args, V: m.clientID}
	raw, err := EncodeMessage(msg)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	call := &pendingCall{observer: obs, endpoint: ep}
	call.timer = m.clock.AfterFunc(m.timeout, func() { m.fireTimeout(id) })
	m.pending[id] = call
	m.mu.Unlock()

	if err := m.socket.WriteTo(raw, ep); err != nil {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		call.timer.Stop()
		return NewError("query", err, string(q))
	}
	return nil
}

// Reply sends a KRPC "r" response back for an inbound query's
// transaction id, reusing the querier's own t verbatim.
func (m *RPCManager) Reply(ep Endpoint, t string, r *ReplyArgs) error {
	msg := &Message{T: t, Y: "r", R: r, V: m.clientID}
	raw, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return m.socket.WriteTo(raw, ep)
}

// ReplyError sends a KRPC "e" response.
func (m *RPCManager) ReplyError(ep Endpoint, t string, code KRPCErrorCode, message string) error {
	msg := &Message{T: t, Y: "e", E: newErrorBody(code, message), V: m.clientID}
	raw, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return m.socket.WriteTo(raw, ep)
}

// HandleIncoming routes a decoded packet: replies/errors resolve a
// pending call's Observer; queries are ignored here (Node dispatches
// them itself).
func (m *RPCManager) HandleIncoming(from Endpoint, msg *Message) {
	switch msg.Y {
	case "r", "e":
		m.resolve(msg)
	}
}

func (m *RPCManager) resolve(msg *Message) {
	if len(msg.T) != 2 {
		return
	}
	id := binary.BigEndian.Uint16([]byte(msg.T))

	m.mu.Lock()
	call, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	call.timer.Stop()
	call.done.Do(func() {
		// "e" replies are routed through Observer.Reply too; callers
		// inspect msg.E themselves to distinguish a protocol error
		// from a successful "r".
		if call.observer.Reply != nil {
			call.observer.Reply(msg)
		}
	})
}

func (m *RPCManager) fireTimeout(id uint16) {
	m.mu.Lock()
	call, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	call.done.Do(func() {
		rpcLogger.Debug("transaction timed out", "endpoint", string(call.endpoint))
		if call.observer.Timeout != nil {
			call.observer.Timeout()
		}
	})
}

// Unreachable marks every outstanding call to ep as failed without
// waiting for their timers.
func (m *RPCManager) Unreachable(ep Endpoint) {
	m.mu.Lock()
	var hit []*pendingCall
	for id, call := range m.pending {
		if call.endpoint == ep {
			hit = append(hit, call)
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()

	for _, call := range hit {
		call.timer.Stop()
		call.done.Do(func() {
			if call.observer.Unreachable != nil {
				call.observer.Unreachable()
			}
		})
	}
}

// Outstanding reports the number of in-flight transactions, for tests
// and diagnostics.
func (m *RPCManager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close cancels every outstanding call, firing no observer (the node
// is shutting down; nobody is listening for the outcome anymore).
func (m *RPCManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, call := range m.pending {
		call.timer.Stop()
		delete(m.pending, id)
	}
}
