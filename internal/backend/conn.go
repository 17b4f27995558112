package backend

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dbdiffproxy/dbdiffproxy/internal/protocol"
)

// State is a stage of the backend connection lifecycle (§4.1).
type State int

const (
	StateHandshaking State = iota
	StateAuthenticating
	StateConnectionInit
	StateSendHistory
	StateReadHistory
	StateSendDelayQ
	StateRouting
	StateResetConnection
	StateReadChangeUser
	StatePooled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateConnectionInit:
		return "CONNECTION_INIT"
	case StateSendHistory:
		return "SEND_HISTORY"
	case StateReadHistory:
		return "READ_HISTORY"
	case StateSendDelayQ:
		return "SEND_DELAYQ"
	case StateRouting:
		return "ROUTING"
	case StateResetConnection:
		return "RESET_CONNECTION"
	case StateReadChangeUser:
		return "READ_CHANGE_USER"
	case StatePooled:
		return "POOLED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// DefaultCapabilities is the capability set every backend handshake
// negotiates before any TLS/ConnectWithDB bits are added, and the baseline
// ReuseCriteria.WantCapabilities must match for a pooled connection to be
// reusable (§4.1.5).
const DefaultCapabilities = protocol.ClientLongPassword | protocol.ClientProtocol41 |
	protocol.ClientSecureConnection | protocol.ClientPluginAuth |
	protocol.ClientTransactions | protocol.ClientMultiResults |
	protocol.ClientMultiStatements | protocol.ClientSessionTrack |
	protocol.ClientDeprecateEOF

// ServerSpec is the static description of one backend server, main or
// other, generalizing the teacher's per-tenant backend config down to what
// routing needs.
type ServerSpec struct {
	Name          string
	Address       string
	ProxyProtocol bool
	TLS           *tls.Config
	InitSQL       []string
	Username      string
	Password      string
	AuthPlugin    string
}

// Connection is one physical connection to a backend server: its state
// machine, reply tracker, tracked-query queue, statement map and history
// subscriber cursor (§4.1, §3 BackendConnection).
type Connection struct {
	mu sync.Mutex

	Server ServerSpec
	conn   net.Conn
	framer *protocol.Framer
	seq    byte

	state State

	tracker    *protocol.Tracker
	trackQueue []TrackedQuery

	delayQueue [][]byte

	Statements *StatementMap
	subscriber *Subscriber

	capabilities    uint32
	extraCaps       uint32
	authPluginData  []byte
	authPluginName  string
}

// TrackedQuery is enqueued when the router writes a command to the
// backend and dequeued when the reply tracker reports a complete response
// (§3 TrackedQuery).
type TrackedQuery struct {
	PayloadLen    int
	Command       byte
	CollectRows   bool
	ID            int64
	OpeningCursor bool
}

// Dial opens a TCP connection to spec.Address. It does not perform the
// MySQL handshake; call Handshake next.
func Dial(ctx context.Context, spec ServerSpec) (*Connection, error) {
	d := net.Dialer{}
	raw, err := d.DialContext(ctx, "tcp", spec.Address)
	if err != nil {
		return nil, protocol.NewError(protocol.KindTransientIO, fmt.Sprintf("dialing backend %s", spec.Name), err)
	}
	if spec.TLS != nil {
		raw = tls.Client(raw, spec.TLS)
	}
	return &Connection{
		Server:     spec,
		conn:       raw,
		framer:     protocol.NewFramer(raw),
		state:      StateHandshaking,
		Statements: NewStatementMap(),
	}, nil
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Handshake performs Protocol::HandshakeV10 / HandshakeResponse41 /
// AuthSwitchRequest against the backend (§4.1.1, §4.1.2).
func (c *Connection) Handshake(ctx context.Context) error {
	c.setState(StateHandshaking)
	payload, _, err := c.framer.ReadLogicalPacket()
	if err != nil {
		return protocol.NewError(protocol.KindTransientIO, "reading backend handshake", err)
	}
	if len(payload) > 0 && payload[0] == protocol.HeaderErr {
		return protocol.NewError(protocol.KindAuthFailure, "backend rejected connection before handshake", nil)
	}

	hs, err := protocol.ParseHandshakeV10(payload)
	if err != nil {
		return err
	}

	pluginName := hs.AuthPluginName
	plugin, err := protocol.PluginFor(pluginName)
	if err != nil {
		return err
	}
	authResp, err := plugin.Respond([]byte(c.Server.Password), hs.AuthPluginData)
	if err != nil {
		return protocol.NewError(protocol.KindAuthFailure, "computing auth response", err)
	}
	c.authPluginData = hs.AuthPluginData
	c.authPluginName = pluginName

	caps := DefaultCapabilities
	if c.Server.TLS != nil {
		caps |= protocol.ClientSSL
	}
	if len(c.Server.InitSQL) > 0 || true {
		caps |= protocol.ClientConnectWithDB
	}
	c.capabilities = caps

	resp := protocol.BuildHandshakeResponse41(protocol.HandshakeResponse{
		Capabilities: caps,
		CharacterSet: hs.CharacterSet,
		Username:     c.Server.Username,
		AuthResponse: authResp,
		Database:     "",
		PluginName:   pluginName,
	})

	c.setState(StateAuthenticating)
	if err := protocol.WritePacket(c.conn, resp, 1); err != nil {
		return protocol.NewError(protocol.KindTransientIO, "writing handshake response", err)
	}

	result, _, err := c.framer.ReadLogicalPacket()
	if err != nil {
		return protocol.NewError(protocol.KindTransientIO, "reading auth result", err)
	}
	if len(result) == 0 {
		return protocol.NewError(protocol.KindProtocolViolation, "empty auth result", nil)
	}

	switch result[0] {
	case protocol.HeaderOK:
		c.setState(StateConnectionInit)
		return nil
	case 0xfe: // AuthSwitchRequest
		return c.handleAuthSwitch(result)
	case protocol.HeaderErr:
		return protocol.NewError(protocol.KindAuthFailure, "backend auth failed", nil)
	default:
		return protocol.NewError(protocol.KindProtocolViolation, fmt.Sprintf("unexpected auth response 0x%02x", result[0]), nil)
	}
}

func (c *Connection) handleAuthSwitch(pkt []byte) error {
	name, next := protocol.ReadNullTerminatedString(pkt, 1)
	scramble := pkt[next:]
	if len(scramble) > 0 && scramble[len(scramble)-1] == 0 {
		scramble = scramble[:len(scramble)-1]
	}
	plugin, err := protocol.PluginFor(string(name))
	if err != nil {
		return err
	}
	resp, err := plugin.Respond([]byte(c.Server.Password), scramble)
	if err != nil {
		return protocol.NewError(protocol.KindAuthFailure, "computing auth-switch response", err)
	}
	c.authPluginData = scramble
	c.authPluginName = string(name)
	if err := protocol.WritePacket(c.conn, resp, 3); err != nil {
		return protocol.NewError(protocol.KindTransientIO, "writing auth-switch response", err)
	}
	final, _, err := c.framer.ReadLogicalPacket()
	if err != nil {
		return protocol.NewError(protocol.KindTransientIO, "reading auth-switch result", err)
	}
	if len(final) == 0 || final[0] != protocol.HeaderOK {
		return protocol.NewError(protocol.KindAuthFailure, "backend auth failed after plugin switch", nil)
	}
	c.setState(StateConnectionInit)
	return nil
}

// RunInitSQL executes each of Server.InitSQL in order, failing the
// connection on the first error (§4.1 CONNECTION_INIT).
func (c *Connection) RunInitSQL(ctx context.Context) error {
	c.setState(StateConnectionInit)
	for _, stmt := range c.Server.InitSQL {
		if err := c.sendCommand(protocol.ComQuery, []byte(stmt)); err != nil {
			return err
		}
		if _, err := c.readUntilDone(protocol.ComQuery, false, nil); err != nil {
			return err
		}
	}
	return nil
}

// AttachHistory subscribes this connection to sess' history and replays
// every already-recorded entry (§4.1 SEND_HISTORY / READ_HISTORY).
func (c *Connection) AttachHistory(sub *Subscriber) error {
	c.setState(StateSendHistory)
	c.subscriber = sub
	for {
		entry, ok := sub.Next()
		if !ok {
			break
		}
		if err := c.sendRaw(entry.Payload); err != nil {
			return err
		}
		c.setState(StateReadHistory)
		cmd := protocol.ComQuery
		if len(entry.Payload) > 0 {
			cmd = entry.Payload[0]
		}
		reply, err := c.readUntilDone(cmd, false, nil)
		if err != nil {
			return err
		}
		if reply.Error != nil && entry.OK {
			return protocol.NewError(protocol.KindHistoryMismatch,
				fmt.Sprintf("history entry %d succeeded originally but failed on replay", entry.RequestID), nil)
		}
		if reply.Error == nil && !entry.OK {
			return protocol.NewError(protocol.KindHistoryMismatch,
				fmt.Sprintf("history entry %d failed originally but succeeded on replay", entry.RequestID), nil)
		}
		c.setState(StateSendHistory)
	}
	c.setState(StateRouting)
	return nil
}

// DrainDelayQueue flushes any packets queued while the connection was
// still catching up on history (§4.1 SEND_DELAYQ).
func (c *Connection) DrainDelayQueue() error {
	c.setState(StateSendDelayQ)
	for _, payload := range c.delayQueue {
		if err := c.sendRaw(payload); err != nil {
			return err
		}
	}
	c.delayQueue = nil
	c.setState(StateRouting)
	return nil
}

// QueueOrSend sends payload immediately if the connection is ROUTING,
// otherwise queues it for DrainDelayQueue. Whether earlier commands are
// still awaiting replies is not checked.
func (c *Connection) QueueOrSend(payload []byte) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st == StateRouting {
		return c.sendRaw(payload)
	}
	c.delayQueue = append(c.delayQueue, payload)
	return nil
}

func (c *Connection) sendCommand(command byte, body []byte) error {
	payload := append([]byte{command}, body...)
	return c.sendRaw(payload)
}

func (c *Connection) sendRaw(payload []byte) error {
	c.seq = 0
	if err := protocol.WritePacket(c.conn, payload, c.seq); err != nil {
		return protocol.NewError(protocol.KindTransientIO, "writing to backend", err)
	}
	if len(payload) > 0 {
		c.trackQueue = append(c.trackQueue, TrackedQuery{
			PayloadLen: len(payload),
			Command:    payload[0],
		})
	}
	return nil
}

// Capabilities returns the capability flags negotiated with this backend
// during Handshake, used by ReuseCriteria to decide pool eligibility.
func (c *Connection) Capabilities() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// SendNoReply writes payload without enqueuing a TrackedQuery, for the two
// MySQL commands that never produce a response: COM_STMT_CLOSE and
// COM_STMT_SEND_LONG_DATA (§4.1.3). Using sendRaw for these would leave a
// TrackedQuery the backend never answers, permanently desynchronizing
// ReadReplyRaw's FIFO against every later command.
func (c *Connection) SendNoReply(payload []byte) error {
	c.seq = 0
	if err := protocol.WritePacket(c.conn, payload, c.seq); err != nil {
		return protocol.NewError(protocol.KindTransientIO, "writing no-reply command to backend", err)
	}
	return nil
}

// Reconcile prepares a pooled connection checked out of a Manager for a
// new session, per the ReuseAction Manager.Checkout returned (§4.1.5):
// RESET_CONNECTION clears session state in place, CHANGE_USER
// re-authenticates and switches the default schema. For ReuseNotPossible
// (or any other action) it returns a protocol-violation error.
func (c *Connection) Reconcile(action ReuseAction, schema string) error {
	switch action {
	case ReuseResetConnection:
		if err := c.sendCommand(protocol.ComResetConnection, nil); err != nil {
			return err
		}
		reply, err := c.readUntilDone(protocol.ComResetConnection, false, nil)
		if err != nil {
			return err
		}
		if reply.Error != nil {
			return protocol.NewError(protocol.KindProtocolViolation, "COM_RESET_CONNECTION rejected by backend", nil)
		}
	case ReuseChangeUser:
		body, err := c.buildChangeUserBody(schema)
		if err != nil {
			return err
		}
		if err := c.sendCommand(protocol.ComChangeUser, body); err != nil {
			return err
		}
		reply, err := c.readUntilDone(protocol.ComChangeUser, false, nil)
		if err != nil {
			return err
		}
		if reply.Error != nil {
			return protocol.NewError(protocol.KindAuthFailure, "COM_CHANGE_USER rejected by backend", nil)
		}
	default:
		return protocol.NewError(protocol.KindProtocolViolation, fmt.Sprintf("cannot reconcile a %s pooled connection", action), nil)
	}
	c.Statements = NewStatementMap()
	c.setState(StateRouting)
	return nil
}

// buildChangeUserBody serializes a COM_CHANGE_USER payload against the
// scramble captured at Handshake time (§4.1 Protocol::COM_CHANGE_USER).
func (c *Connection) buildChangeUserBody(schema string) ([]byte, error) {
	plugin, err := protocol.PluginFor(c.authPluginName)
	if err != nil {
		return nil, err
	}
	authResp, err := plugin.Respond([]byte(c.Server.Password), c.authPluginData)
	if err != nil {
		return nil, protocol.NewError(protocol.KindAuthFailure, "computing change-user response", err)
	}

	var out []byte
	out = append(out, []byte(c.Server.Username)...)
	out = append(out, 0)
	out = append(out, byte(len(authResp)))
	out = append(out, authResp...)
	out = append(out, []byte(schema)...)
	out = append(out, 0)
	out = append(out, 0x21, 0x00) // charset, matches handshake default
	out = append(out, []byte(c.authPluginName)...)
	out = append(out, 0)
	return out, nil
}

// Idle reports whether the connection is ROUTING with a completed reply
// and no outstanding tracked queries — the pool-eligibility invariant of
// §3 BackendConnection.
func (c *Connection) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateRouting && len(c.trackQueue) == 0 && (c.tracker == nil || c.tracker.Reply().Done())
}

// ReadReply drives the reply tracker for the current tracked query to
// completion and dequeues it, asserting the replied command matches what
// was sent.
func (c *Connection) ReadReply(eofDeprecated bool) (protocol.Reply, error) {
	return c.ReadReplyRaw(eofDeprecated, nil)
}

// ReadReplyRaw drives the reply tracker for the current tracked query to
// completion and dequeues it, invoking onPacket (if non-nil) with every raw
// logical-packet payload as it arrives — used by the client-facing proxy to
// both checksum a result (diff.Result.Process) and relay its bytes back to
// the client without buffering the whole reply in memory first.
func (c *Connection) ReadReplyRaw(eofDeprecated bool, onPacket func([]byte)) (protocol.Reply, error) {
	if len(c.trackQueue) == 0 {
		return protocol.Reply{}, protocol.NewError(protocol.KindProtocolViolation, "reply read with empty track queue", nil)
	}
	tq := c.trackQueue[0]
	reply, err := c.readUntilDone(tq.Command, eofDeprecated, onPacket)
	if err != nil {
		return reply, err
	}
	c.trackQueue = c.trackQueue[1:]
	return reply, nil
}

func (c *Connection) readUntilDone(command byte, eofDeprecated bool, onPacket func([]byte)) (protocol.Reply, error) {
	tracker := protocol.NewTracker(command)
	c.tracker = tracker
	for {
		payload, _, err := c.framer.ReadLogicalPacket()
		if err != nil {
			if err == io.EOF {
				return protocol.Reply{}, protocol.NewError(protocol.KindTransientIO, "backend closed connection", err)
			}
			return protocol.Reply{}, protocol.NewError(protocol.KindTransientIO, "reading backend reply", err)
		}
		if onPacket != nil {
			onPacket(payload)
		}
		done, err := tracker.Feed(payload, eofDeprecated)
		if err != nil {
			return protocol.Reply{}, err
		}
		if done {
			return tracker.Reply(), nil
		}
	}
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	c.setState(StateFailed)
	if c.subscriber != nil {
		c.subscriber.Close()
	}
	return c.conn.Close()
}

// SetDeadline is a thin pass-through used by callers that need per-command
// timeouts (e.g. health checks); not used on the hot path.
func (c *Connection) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}
