package proxy

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dbdiffproxy/dbdiffproxy/internal/backend"
	"github.com/dbdiffproxy/dbdiffproxy/internal/config"
	"github.com/dbdiffproxy/dbdiffproxy/internal/diff"
	"github.com/dbdiffproxy/dbdiffproxy/internal/protocol"
	"github.com/dbdiffproxy/dbdiffproxy/internal/query"
	"github.com/dbdiffproxy/dbdiffproxy/internal/session"
)

const serverVersionBanner = "8.0.34-dbdiffproxy"

// connHandler owns the lifecycle of a single client connection: the
// synthetic handshake, the main/other backend connections it opens for the
// session, and the per-command routing loop that relays main's reply back
// to the client while the other backends are compared in the background.
type connHandler struct {
	server *Server
	connID uint32

	clientConn net.Conn
	framer     *protocol.Framer
	seq        byte

	eofDeprecated bool
	inTrans       bool

	session *session.Session

	mainBackend *diff.Backend
	mainConn    *backend.Connection
	mainSpec    config.ServerConfig

	otherBackends []*diff.Backend
	otherConns    map[string]*backend.Connection
	otherSpecs    map[string]config.ServerConfig

	// prepare tracks an in-flight COM_STMT_PREPARE so every backend's own
	// real statement id can be rewritten to the one shared external id the
	// client sees (§4.1.3).
	prepare *pendingPrepare

	routerSession *diff.RouterSession
}

// pendingPrepare coordinates assigning one external statement id shared by
// every backend for a single COM_STMT_PREPARE: whichever backend's
// COM_STMT_PREPARE_OK is parsed first (main's reply-streaming callback or a
// finishOther goroutine) claims the external id, and every backend
// registers its own real id against that same external id when its
// COM_STMT_PREPARE_OK packet is parsed (§4.1.3).
type pendingPrepare struct {
	mu         sync.Mutex
	externalID uint32
	assigned   bool
}

// externalFor returns the shared external statement id for this prepare,
// claiming it from the session on the first caller to arrive — whichever
// backend's COM_STMT_PREPARE_OK reply completes first, since nParams is
// only known once some backend's reply has actually been parsed.
func (p *pendingPrepare) externalFor(sess *session.Session, nParams uint16) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.assigned {
		p.externalID = sess.AddStatement(nParams)
		p.assigned = true
	}
	return p.externalID
}

func (h *connHandler) handle(ctx context.Context, clientConn net.Conn) error {
	h.clientConn = clientConn
	h.framer = protocol.NewFramer(clientConn)

	hsResp, err := h.doClientHandshake()
	if err != nil {
		return fmt.Errorf("client handshake: %w", err)
	}
	h.eofDeprecated = hsResp.Capabilities&protocol.ClientDeprecateEOF != 0

	if err := h.connectBackends(ctx, hsResp); err != nil {
		h.sendClientError(1040, "08004", fmt.Sprintf("cannot reach backend: %v", err))
		return fmt.Errorf("connecting backends: %w", err)
	}
	defer h.closeBackends()

	h.session = session.New(hsResp.Username, hsResp.Database, hsResp.Capabilities, 0, hsResp.CharacterSet)
	h.routerSession = &diff.RouterSession{
		SessionID: int64(h.connID),
		Main:      h.mainBackend,
		Others:    h.otherBackends,
		Config:    h.server.diffCfg.ToDiffConfig(),
		Registry:  h.server.router.Registry,
		Histogram: h.server.histogram,
		Sink:      h.server.sink,
	}

	if err := h.sendOK(protocol.ServerStatusAutocommit); err != nil {
		return fmt.Errorf("completing client handshake: %w", err)
	}

	slog.Info("client connected", "conn_id", h.connID, "user", hsResp.Username, "schema", hsResp.Database)
	return h.commandLoop()
}

func (h *connHandler) doClientHandshake() (protocol.HandshakeResponse, error) {
	scramble := randomScramble()

	caps := protocol.ClientLongPassword | protocol.ClientProtocol41 |
		protocol.ClientSecureConnection | protocol.ClientPluginAuth |
		protocol.ClientTransactions | protocol.ClientMultiResults |
		protocol.ClientMultiStatements | protocol.ClientSessionTrack |
		protocol.ClientConnectWithDB | protocol.ClientDeprecateEOF

	pkt := protocol.BuildHandshakeV10(h.connID, serverVersionBanner, scramble, caps, 0x2d, protocol.ServerStatusAutocommit)
	if err := protocol.WritePacket(h.clientConn, pkt, 0); err != nil {
		return protocol.HandshakeResponse{}, fmt.Errorf("writing synthetic handshake: %w", err)
	}

	payload, seq, err := h.framer.ReadLogicalPacket()
	if err != nil {
		return protocol.HandshakeResponse{}, fmt.Errorf("reading handshake response: %w", err)
	}
	h.seq = seq + 1

	resp, err := protocol.ParseHandshakeResponse41(payload)
	if err != nil {
		return protocol.HandshakeResponse{}, err
	}
	return resp, nil
}

// connectBackends checks out a pooled connection for the main server and
// every configured other if one is eligible for reuse, falling back to
// dialing and authenticating fresh (§4.1.5). Every connection is
// subscribed to a fresh per-session history so it reaches StateRouting
// (§4.1 SEND_HISTORY, trivially satisfied here since a brand new session
// has nothing to replay).
func (h *connHandler) connectBackends(ctx context.Context, hsResp protocol.HandshakeResponse) error {
	hist := backend.NewHistory()
	h.otherConns = make(map[string]*backend.Connection)
	h.otherSpecs = make(map[string]config.ServerConfig)

	h.mainSpec = h.server.backends.Main
	mainConn, err := h.acquireBackend(ctx, h.mainSpec, hist)
	if err != nil {
		return fmt.Errorf("main backend %s: %w", h.mainSpec.Name, err)
	}
	h.mainConn = mainConn
	h.mainBackend = diff.NewBackend(h.mainSpec.Name, mainConn, true,
		h.server.diffCfg.RetainFasterStatements, h.server.diffCfg.RetainSlowerStatements)

	for _, o := range h.server.backends.Others {
		conn, err := h.acquireBackend(ctx, o, hist)
		if err != nil {
			slog.Warn("skipping unreachable other backend", "target", o.Name, "error", err)
			continue
		}
		h.otherConns[o.Name] = conn
		h.otherSpecs[o.Name] = o
		h.otherBackends = append(h.otherBackends, diff.NewBackend(o.Name, conn, false,
			h.server.diffCfg.RetainFasterStatements, h.server.diffCfg.RetainSlowerStatements))
	}
	return nil
}

// acquireBackend hands back a pooled connection reconciled for this
// session when Manager.Checkout finds one eligible, otherwise dials and
// authenticates a fresh one (ground: connectBackends' original
// always-dial behavior, now consulting the pool first per §4.1.5).
func (h *connHandler) acquireBackend(ctx context.Context, spec config.ServerConfig, hist *backend.History) (*backend.Connection, error) {
	if h.server.pool != nil {
		want := backend.ReuseCriteria{
			WantUser:         spec.Username,
			WantSchema:       "",
			WantCapabilities: backend.DefaultCapabilities,
			ProxyProtocol:    spec.ProxyProtocol,
			WantRemoteAddr:   h.clientConn.RemoteAddr().String(),
		}
		if conn, action, ok := h.server.pool.Checkout(spec.Name, want); ok {
			if err := conn.Reconcile(action, want.WantSchema); err != nil {
				conn.Close()
			} else if err := conn.AttachHistory(hist.Subscribe()); err != nil {
				conn.Close()
			} else {
				return conn, nil
			}
		}
	}
	return dialAndPrepare(ctx, serverSpec(spec, nil), hist)
}

func dialAndPrepare(ctx context.Context, spec backend.ServerSpec, hist *backend.History) (*backend.Connection, error) {
	conn, err := backend.Dial(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := conn.Handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.RunInitSQL(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.AttachHistory(hist.Subscribe()); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// closeBackends releases every backend connection back to the pool when it
// is idle and not mid-transaction, closing it outright otherwise (§4.1.5).
func (h *connHandler) closeBackends() {
	h.releaseOrClose(h.mainSpec.Name, h.mainConn)
	for name, c := range h.otherConns {
		h.releaseOrClose(name, c)
	}
}

func (h *connHandler) releaseOrClose(backendName string, conn *backend.Connection) {
	if conn == nil {
		return
	}
	if h.server.pool == nil || !h.server.pool.Release(backendName, conn, conn.Server.Username, "", h.inTrans) {
		conn.Close()
	}
}

// commandLoop reads one client command at a time, dispatches it through the
// diff router, relays the main backend's reply back to the client as it
// streams in, and compares every other backend's reply against it once both
// sides have closed (§4.4 routeQuery, §4.5 ready()). COM_STMT_EXECUTE/
// RESET/FETCH get their statement-id field rewritten to each backend's own
// real id before dispatch, COM_STMT_PREPARE's reply is rewritten from each
// backend's real id to one shared external id, and COM_STMT_CLOSE/
// SEND_LONG_DATA bypass routing entirely since neither produces a reply
// (§4.1.3/§4.1.4).
func (h *connHandler) commandLoop() error {
	for {
		payload, seq, err := h.framer.ReadLogicalPacket()
		if err != nil {
			return err
		}
		if len(payload) == 0 {
			continue
		}
		command := payload[0]
		switch command {
		case protocol.ComQuit:
			return nil
		case protocol.ComStmtClose, protocol.ComStmtSendLongData:
			h.seq = seq + 1
			h.handleNoReplyStatementCommand(command, payload)
			continue
		}

		info, err := h.server.parser.Parse(command, payload)
		if err != nil {
			h.seq = seq + 1
			h.sendClientError(1064, "42000", err.Error())
			continue
		}

		now := time.Now()
		var mr *diff.MainResult
		var others []*diff.OtherResult

		switch command {
		case protocol.ComStmtPrepare:
			h.prepare = &pendingPrepare{}
			mr, others, err = h.routerSession.RouteQuery(payload, toDiffQueryInfo(info), now)
		case protocol.ComStmtExecute, protocol.ComStmtReset, protocol.ComStmtFetch:
			mainPayload, otherPayloads, rerr := h.rewriteForBackends(payload, command)
			if rerr != nil {
				h.seq = seq + 1
				h.sendClientError(protocol.ErrUnknownStmtHandler, "HY000", rerr.Error())
				continue
			}
			mr, others, err = h.routerSession.RouteQueryRewritten(mainPayload, otherPayloads, toDiffQueryInfo(info), now)
		default:
			mr, others, err = h.routerSession.RouteQuery(payload, toDiffQueryInfo(info), now)
		}
		if err != nil {
			return fmt.Errorf("routing query to main: %w", err)
		}

		var wg sync.WaitGroup
		for _, o := range others {
			o := o
			conn, ok := h.otherConns[o.BackendName]
			if !ok {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.finishOther(conn, o, command)
			}()
		}

		respSeq := seq + 1
		if h.server.metrics != nil {
			h.server.metrics.RequestSent(h.mainBackend.Name)
		}
		firstPacket := command == protocol.ComStmtPrepare
		reply, err := h.mainConn.ReadReplyRaw(h.eofDeprecated, func(p []byte) {
			out := p
			if firstPacket {
				firstPacket = false
				if realID, nParams, ok := backend.ParsePrepareOK(p); ok {
					extID := h.prepare.externalFor(h.session, nParams)
					if rewritten, rerr := backend.RewriteStatementID(p, extID); rerr == nil {
						out = rewritten
					}
					h.mainConn.Statements.Put(extID, realID, nParams)
				}
			}
			mr.Process(out)
			respSeq, _ = protocol.WritePacketFrom(h.clientConn, out, respSeq)
		})
		mainEnd := time.Now()
		if err != nil {
			wg.Wait()
			return fmt.Errorf("reading main backend reply: %w", err)
		}
		mr.Close(reply, mainEnd)
		h.inTrans = reply.StatusFlags&protocol.ServerStatusInTrans != 0
		for _, e := range reply.SessionTrack {
			h.session.UpdateFromSessionTrack(e.Kind, e.Key, e.Value)
		}
		if h.server.metrics != nil {
			h.server.metrics.ResponseCompleted(h.mainBackend.Name, mainEnd.Sub(now), reply.Error != nil)
		}

		wg.Wait()
		for _, o := range others {
			if o.BothClosed() {
				o.Ready()
			}
		}
	}
}

// handleNoReplyStatementCommand rewrites a COM_STMT_CLOSE/SEND_LONG_DATA
// payload's external statement id to each backend's own real id and fires
// it without tracking a reply, since neither command produces one (§4.1.3).
// A backend that never prepared this statement is silently skipped; on
// COM_STMT_CLOSE the statement is also retired from every backend's
// StatementMap and from the session.
func (h *connHandler) handleNoReplyStatementCommand(command byte, payload []byte) {
	extID, err := backend.ExternalStatementID(payload)
	if err != nil {
		return
	}

	send := func(name string, conn *backend.Connection) {
		ps, ok := conn.Statements.Get(extID)
		if !ok {
			return
		}
		rewritten, err := backend.RewriteStatementID(payload, ps.RealID)
		if err != nil {
			return
		}
		if err := conn.SendNoReply(rewritten); err != nil {
			slog.Warn("sending no-reply statement command to backend", "conn_id", h.connID, "target", name, "command", command, "error", err)
		}
		if command == protocol.ComStmtClose {
			conn.Statements.Delete(extID)
		}
	}

	send(h.mainSpec.Name, h.mainConn)
	for name, conn := range h.otherConns {
		send(name, conn)
	}
	if command == protocol.ComStmtClose {
		h.session.CloseStatement(extID)
	}
}

// rewriteForBackends rewrites a COM_STMT_EXECUTE/RESET/FETCH payload's
// client-visible external statement id to each backend's own real id,
// splicing remembered parameter-type metadata into COM_STMT_EXECUTE when
// the client omitted it (§4.1.4). Returns an error (synthesized by the
// caller as ER_UNKNOWN_STMT_HANDLER) if the session never registered
// extID.
func (h *connHandler) rewriteForBackends(payload []byte, command byte) ([]byte, map[string][]byte, error) {
	extID, err := backend.ExternalStatementID(payload)
	if err != nil {
		return nil, nil, err
	}
	nParams, ok := h.session.Statement(extID)
	if !ok {
		return nil, nil, fmt.Errorf("unknown statement handler %d", extID)
	}

	var lastKnownTypes []byte
	if command == protocol.ComStmtExecute {
		if pm, ok := h.session.ExecuteMetadata(extID); ok {
			lastKnownTypes = pm.ParamTypes
		}
		if types, ok := extractExecuteParamTypes(payload, nParams); ok {
			lastKnownTypes = types
			h.session.RecordExecuteMetadata(extID, types)
		}
	}

	mainPayload, err := h.rewriteOne(h.mainConn, extID, payload, command, lastKnownTypes)
	if err != nil {
		return nil, nil, fmt.Errorf("statement %d unknown on main backend: %w", extID, err)
	}

	otherPayloads := make(map[string][]byte, len(h.otherConns))
	for name, conn := range h.otherConns {
		if rewritten, err := h.rewriteOne(conn, extID, payload, command, lastKnownTypes); err == nil {
			otherPayloads[name] = rewritten
		}
	}
	return mainPayload, otherPayloads, nil
}

// rewriteOne rewrites payload's statement id to conn's own real id for
// extID, splicing parameter-type metadata for COM_STMT_EXECUTE.
func (h *connHandler) rewriteOne(conn *backend.Connection, extID uint32, payload []byte, command byte, lastKnownTypes []byte) ([]byte, error) {
	ps, ok := conn.Statements.Get(extID)
	if !ok {
		return nil, fmt.Errorf("statement %d not prepared on this backend", extID)
	}
	out, err := backend.RewriteStatementID(payload, ps.RealID)
	if err != nil {
		return nil, err
	}
	if command == protocol.ComStmtExecute {
		out, err = backend.SpliceExecuteMetadata(out, ps, lastKnownTypes)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// extractExecuteParamTypes returns the parameter-type bytes a
// COM_STMT_EXECUTE payload carries when the new-params-bound flag is set
// (§4.1.4), so the session can remember them for a later re-execute that
// omits retyping.
func extractExecuteParamTypes(payload []byte, nParams uint16) ([]byte, bool) {
	const headerLen = 1 + 4 + 1 + 4 // command + stmt-id + cursor-type + iteration-count
	if len(payload) < headerLen+1 {
		return nil, false
	}
	flagPos := headerLen
	if payload[flagPos]&backend.NewParamsBoundFlag == 0 {
		return nil, false
	}
	start := flagPos + 1
	end := start + 2*int(nParams)
	if end > len(payload) {
		return nil, false
	}
	return append([]byte(nil), payload[start:end]...), true
}

func (h *connHandler) finishOther(conn *backend.Connection, o *diff.OtherResult, command byte) {
	start := time.Now()
	firstPacket := command == protocol.ComStmtPrepare
	reply, err := conn.ReadReplyRaw(h.eofDeprecated, func(p []byte) {
		out := p
		if firstPacket {
			firstPacket = false
			if realID, nParams, ok := backend.ParsePrepareOK(p); ok {
				extID := h.prepare.externalFor(h.session, nParams)
				if rewritten, rerr := backend.RewriteStatementID(p, extID); rerr == nil {
					out = rewritten
				}
				conn.Statements.Put(extID, realID, nParams)
			}
		}
		o.Process(out)
	})
	end := time.Now()
	if err != nil {
		slog.Warn("other backend reply failed", "conn_id", h.connID, "target", o.BackendName, "error", err)
	}
	o.Close(reply, end)
	if h.server.metrics != nil {
		h.server.metrics.ResponseCompleted(o.BackendName, end.Sub(start), reply.Error != nil)
		if o.Checksum() != o.Main.Checksum() {
			h.server.metrics.ChecksumMismatch(o.BackendName)
		}
	}
	if o.BothClosed() {
		o.Ready()
	}
}

func (h *connHandler) sendOK(status uint16) error {
	pkt := protocol.BuildOKPacket(0, 0, status, 0)
	if err := protocol.WritePacket(h.clientConn, pkt, h.seq); err != nil {
		return err
	}
	h.seq++
	return nil
}

func (h *connHandler) sendClientError(code uint16, sqlState, message string) {
	pkt := protocol.BuildErrPacket(code, sqlState, message)
	_ = protocol.WritePacket(h.clientConn, pkt, h.seq)
	h.seq++
}

func randomScramble() []byte {
	b := make([]byte, 20)
	_, _ = rand.Read(b)
	for i, c := range b {
		if c == 0 {
			b[i] = 1
		}
	}
	return b
}

func toDiffQueryInfo(info query.Info) diff.QueryInfo {
	op := diff.OpOther
	if info.Op == query.OpSelect {
		op = diff.OpSelect
	}
	return diff.QueryInfo{
		Op:              op,
		IsQuery:         info.IsQuery,
		IsWrite:         info.IsWrite,
		MultiPartPacket: info.MultiPartPacket,
		SQL:             info.SQL,
		Canonical:       info.Canonical,
		CanonicalHash:   info.CanonicalHash,
		Command:         info.Command,
	}
}
