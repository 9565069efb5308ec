package engine

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/carlink/internal/metrics"
	"firestige.xyz/carlink/internal/protocol"
	"firestige.xyz/carlink/internal/session"
	"firestige.xyz/carlink/internal/transport"
)

// Config bounds the engine. Durations come pre-parsed from the config
// package.
type Config struct {
	MaxPayloadSize    uint32
	MaxFrameData      uint32
	MultiframeEnabled bool
	SDL4Enabled       bool

	HeartbeatEnabled bool
	HeartbeatTimeout time.Duration

	MessageFrequencyTime time.Duration
	MessageMaxFrequency  int

	MalformedFiltering     bool
	MalformedFrequencyTime time.Duration
	MalformedMaxFrequency  int

	OutboundQueueSize int
	SecurityEnabled   bool
}

// Observer receives engine events. The application manager implements this.
type Observer interface {
	// OnMessageReceived delivers one whole inbound data message.
	OnMessageReceived(key protocol.ConnectionKey, msg *protocol.Message)
	// ServiceStartAllowed gates audio/video service starts.
	ServiceStartAllowed(key protocol.ConnectionKey, service protocol.ServiceType) bool
	// OnServiceEndedByMobile reports a mobile-initiated EndService accepted
	// by the registry.
	OnServiceEndedByMobile(key protocol.ConnectionKey, service protocol.ServiceType)
	// OnServiceEndAck reports the mobile acking a head-unit EndService.
	OnServiceEndAck(key protocol.ConnectionKey, service protocol.ServiceType)
	// OnApplicationFloodCallBack reports a message-frequency violation.
	OnApplicationFloodCallBack(key protocol.ConnectionKey)
	// OnMalformedMessageCallback reports a malformed-frequency violation.
	OnMalformedMessageCallback(conn protocol.ConnectionID)
	// OnSessionForceClosed reports a session torn down without a mobile
	// EndService (encryption failure, heartbeat timeout).
	OnSessionForceClosed(key protocol.ConnectionKey)
	// OnConnectionClosed reports a transport disconnect with the keys of
	// every evicted session. This is the universal cancellation signal.
	OnConnectionClosed(keys []protocol.ConnectionKey)
}

// Engine drives the wire protocol for every connection.
type Engine struct {
	cfg      Config
	registry *session.Registry
	observer Observer
	security Security
	trans    transport.Transport

	reassembler *protocol.Reassembler
	monitor     *session.HeartbeatMonitor

	mu      sync.Mutex
	framers map[protocol.ConnectionID]*protocol.Framer

	floodMeter     *frequencyMeter
	malformedMeter *frequencyMeter

	toMobile   *boundedQueue[outboundItem]
	fromMobile *boundedQueue[inboundItem]

	handshakes *handshakeGate

	lowVoltage atomic.Bool
	wg         sync.WaitGroup
}

// New creates an engine. security may be nil when SecurityEnabled is false.
func New(cfg Config, registry *session.Registry, trans transport.Transport,
	observer Observer, security Security) *Engine {

	e := &Engine{
		cfg:      cfg,
		registry: registry,
		observer: observer,
		security: security,
		trans:    trans,
		reassembler: protocol.NewReassembler(protocol.ReassemblerConfig{
			MaxTotalSize: cfg.MaxPayloadSize,
		}),
		framers:        make(map[protocol.ConnectionID]*protocol.Framer),
		floodMeter:     newFrequencyMeter(cfg.MessageFrequencyTime, cfg.MessageMaxFrequency),
		malformedMeter: newFrequencyMeter(cfg.MalformedFrequencyTime, cfg.MalformedMaxFrequency),
		toMobile:       newOutboundQueue(cfg.OutboundQueueSize),
		fromMobile:     newInboundQueue(cfg.OutboundQueueSize),
		handshakes:     newHandshakeGate(),
	}
	if cfg.HeartbeatEnabled {
		e.monitor = session.NewHeartbeatMonitor(cfg.HeartbeatTimeout, e.onHeartbeatExpired)
	} else {
		e.monitor = session.NewHeartbeatMonitor(0, nil)
	}
	return e
}

// SupportedVersion is the head-unit's maximum protocol version.
func (e *Engine) SupportedVersion() uint8 {
	switch {
	case e.cfg.SDL4Enabled:
		return 4
	case e.cfg.HeartbeatEnabled:
		return 3
	default:
		return 2
	}
}

// Start launches the two direction workers.
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.toMobileWorker()
	go e.fromMobileWorker()
	slog.Info("protocol engine started", "supported_version", e.SupportedVersion())
}

// Stop closes the queues, so workers drain the items already queued and
// then exit, and stops the background sweeps.
func (e *Engine) Stop() {
	e.toMobile.close()
	e.fromMobile.close()
	e.monitor.Stop()
	e.reassembler.Close()
	e.wg.Wait()
	slog.Info("protocol engine stopped")
}

// OnLowVoltage enters the quiescent state: inbound mobile data is no
// longer admitted while in-flight work is preserved.
func (e *Engine) OnLowVoltage() {
	e.lowVoltage.Store(true)
	slog.Warn("engine entering low-voltage state")
}

// OnWakeUp leaves the quiescent state.
func (e *Engine) OnWakeUp() {
	e.lowVoltage.Store(false)
	slog.Info("engine left low-voltage state")
}

// ─── transport.Handler ───

// OnConnect implements transport.Handler.
func (e *Engine) OnConnect(conn protocol.ConnectionID, device transport.DeviceInfo) {
	e.registry.OnConnectionEstablished(conn, session.DeviceInfo{
		MAC:  device.MAC,
		Name: device.Name,
	})
	e.mu.Lock()
	e.framers[conn] = protocol.NewFramer(e.cfg.MaxPayloadSize)
	e.mu.Unlock()
}

// OnDisconnect implements transport.Handler.
func (e *Engine) OnDisconnect(conn protocol.ConnectionID) {
	e.mu.Lock()
	delete(e.framers, conn)
	e.mu.Unlock()

	e.reassembler.EvictConnection(conn)
	e.monitor.ForgetConnection(conn)
	keys := e.registry.OnConnectionTerminated(conn)
	for _, key := range keys {
		e.floodMeter.forget(uint32(key))
		e.handshakes.drop(key)
	}
	e.observer.OnConnectionClosed(keys)
}

// OnBytes implements transport.Handler.
func (e *Engine) OnBytes(conn protocol.ConnectionID, data []byte) {
	e.mu.Lock()
	framer, exists := e.framers[conn]
	e.mu.Unlock()
	if !exists {
		slog.Warn("bytes for unknown connection", "connection_id", conn)
		return
	}

	packets, malformed, err := framer.Decode(data)
	if err != nil {
		slog.Error("decoder failure", "connection_id", conn, "error", err)
		e.trans.ForceDisconnect(conn)
		return
	}
	if malformed > 0 {
		e.trackMalformed(conn, malformed)
	}
	for _, p := range packets {
		e.handlePacket(conn, p)
	}
}

// trackMalformed applies the malformed-message policy: without filtering
// the first occurrence trips the callback, with filtering only a frequency
// violation does.
func (e *Engine) trackMalformed(conn protocol.ConnectionID, occurrences int) {
	if !e.cfg.MalformedFiltering {
		metrics.MalformedTripsTotal.Inc()
		e.observer.OnMalformedMessageCallback(conn)
		return
	}
	if e.malformedMeter == nil {
		return
	}
	now := time.Now()
	for i := 0; i < occurrences; i++ {
		if e.malformedMeter.track(uint32(conn), now) {
			metrics.MalformedTripsTotal.Inc()
			e.observer.OnMalformedMessageCallback(conn)
			return
		}
	}
}

// ─── inbound dispatch ───

func (e *Engine) handlePacket(conn protocol.ConnectionID, p *protocol.Packet) {
	e.monitor.Touch(conn, p.SessionID)

	if p.FrameType == protocol.FrameControl {
		e.handleControlFrame(conn, p)
		return
	}
	e.handleDataFrame(conn, p)
}

func (e *Engine) handleControlFrame(conn protocol.ConnectionID, p *protocol.Packet) {
	switch p.FrameData {
	case protocol.FrameDataStartService:
		e.handleStartService(conn, p)
	case protocol.FrameDataEndService:
		e.handleEndService(conn, p)
	case protocol.FrameDataEndServiceAck:
		key := session.KeyFromPair(conn, p.SessionID)
		e.observer.OnServiceEndAck(key, p.ServiceType)
	case protocol.FrameDataEndServiceNAck:
		slog.Warn("end service rejected by mobile",
			"connection_id", conn, "session_id", p.SessionID, "service", p.ServiceType.String())
	case protocol.FrameDataHeartbeat:
		e.handleHeartbeat(conn, p)
	case protocol.FrameDataHeartbeatAck:
		// Keepalive satisfied by the Touch above.
	case protocol.FrameDataServiceDataAck:
		e.handleServiceDataAck(conn, p)
	case protocol.FrameDataStartServiceAck, protocol.FrameDataStartServiceNAck:
		slog.Debug("unexpected start service ack from mobile",
			"connection_id", conn, "session_id", p.SessionID)
	default:
		slog.Warn("unknown control frame",
			"connection_id", conn, "frame_data", p.FrameData)
	}
}

func (e *Engine) handleStartService(conn protocol.ConnectionID, p *protocol.Packet) {
	service := p.ServiceType
	supported := e.SupportedVersion()
	negotiated := p.Version
	if negotiated > supported {
		negotiated = supported
	}

	if protocol.StreamingService(service) {
		key := session.KeyFromPair(conn, p.SessionID)
		if !e.observer.ServiceStartAllowed(key, service) {
			slog.Warn("streaming service refused by application manager",
				"connection_id", conn, "session_id", p.SessionID, "service", service.String())
			e.sendStartServiceNAck(conn, p)
			return
		}
	}

	sessionID, hash, ok := e.registry.OnSessionStarted(
		conn, p.SessionID, service, negotiated, p.Protection)
	if !ok {
		e.sendStartServiceNAck(conn, p)
		return
	}

	if e.cfg.HeartbeatEnabled && negotiated >= 3 && service == protocol.ServiceRPC {
		e.monitor.Watch(conn, sessionID)
	}

	if p.Protection && e.cfg.SecurityEnabled && e.security != nil {
		e.deferAckForHandshake(conn, p, sessionID, hash, negotiated)
		return
	}

	e.sendStartServiceAck(conn, service, sessionID, p.MessageID, hash, negotiated, false)
}

// sendStartServiceAck emits the ack with the head-unit supported version in
// the header; the hash id rides in the payload for protocol 2+ RPC starts.
func (e *Engine) sendStartServiceAck(conn protocol.ConnectionID, service protocol.ServiceType,
	sessionID uint8, messageID uint32, hash uint32, negotiated uint8, protected bool) {

	var payload []byte
	if negotiated >= 2 && service == protocol.ServiceRPC &&
		hash != protocol.HashIDNotSupported && hash != protocol.HashIDWrong {
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, hash)
	}
	e.enqueueControl(conn, &protocol.Packet{
		Version:     e.SupportedVersion(),
		Protection:  protected,
		FrameType:   protocol.FrameControl,
		ServiceType: service,
		FrameData:   protocol.FrameDataStartServiceAck,
		SessionID:   sessionID,
		MessageID:   messageID,
		Payload:     payload,
	})
}

// sendStartServiceNAck rejects with the requester's original version.
func (e *Engine) sendStartServiceNAck(conn protocol.ConnectionID, p *protocol.Packet) {
	e.enqueueControl(conn, &protocol.Packet{
		Version:     p.Version,
		FrameType:   protocol.FrameControl,
		ServiceType: p.ServiceType,
		FrameData:   protocol.FrameDataStartServiceNAck,
		SessionID:   p.SessionID,
		MessageID:   p.MessageID,
	})
}

// hashFromEndService extracts the claimed hash id from an EndService frame.
func hashFromEndService(p *protocol.Packet) uint32 {
	if p.Version < 2 {
		return protocol.HashIDNotSupported
	}
	if len(p.Payload) < 4 {
		return protocol.HashIDWrong
	}
	hash := binary.BigEndian.Uint32(p.Payload[:4])
	if hash == protocol.HashIDNotSupported {
		return protocol.HashIDWrong
	}
	return hash
}

func (e *Engine) handleEndService(conn protocol.ConnectionID, p *protocol.Packet) {
	hash := hashFromEndService(p)
	key, ok := e.registry.OnSessionEnded(conn, p.SessionID, hash, p.ServiceType)
	if !ok {
		e.enqueueControl(conn, &protocol.Packet{
			Version:     p.Version,
			FrameType:   protocol.FrameControl,
			ServiceType: p.ServiceType,
			FrameData:   protocol.FrameDataEndServiceNAck,
			SessionID:   p.SessionID,
			MessageID:   p.MessageID,
		})
		return
	}

	e.registry.ResetMessageID(conn, p.SessionID)
	e.reassembler.EvictSession(conn, p.SessionID)
	if p.ServiceType == protocol.ServiceRPC {
		e.monitor.Forget(conn, p.SessionID)
	}
	e.enqueueControl(conn, &protocol.Packet{
		Version:     p.Version,
		FrameType:   protocol.FrameControl,
		ServiceType: p.ServiceType,
		FrameData:   protocol.FrameDataEndServiceAck,
		SessionID:   p.SessionID,
		MessageID:   p.MessageID,
	})
	e.observer.OnServiceEndedByMobile(key, p.ServiceType)
}

func (e *Engine) handleHeartbeat(conn protocol.ConnectionID, p *protocol.Packet) {
	version, ok := e.registry.ProtocolVersion(conn, p.SessionID)
	if !ok || version < 3 {
		slog.Debug("heartbeat ignored", "connection_id", conn,
			"session_id", p.SessionID, "version", version)
		return
	}
	e.enqueueControl(conn, &protocol.Packet{
		Version:     version,
		FrameType:   protocol.FrameControl,
		ServiceType: protocol.ServiceControl,
		FrameData:   protocol.FrameDataHeartbeatAck,
		SessionID:   p.SessionID,
		MessageID:   p.MessageID,
	})
}

func (e *Engine) handleServiceDataAck(conn protocol.ConnectionID, p *protocol.Packet) {
	if len(p.Payload) < 4 {
		slog.Warn("service data ack without frame count", "connection_id", conn)
		return
	}
	frames := binary.BigEndian.Uint32(p.Payload[:4])
	slog.Debug("service data ack", "connection_id", conn,
		"session_id", p.SessionID, "frames", frames)
}

func (e *Engine) handleDataFrame(conn protocol.ConnectionID, p *protocol.Packet) {
	if e.lowVoltage.Load() {
		slog.Debug("data frame dropped in low-voltage state", "connection_id", conn)
		return
	}

	key := session.KeyFromPair(conn, p.SessionID)

	if !protocol.StreamingService(p.ServiceType) && e.floodMeter != nil {
		if e.floodMeter.track(uint32(key), time.Now()) {
			metrics.FloodTripsTotal.Inc()
			e.observer.OnApplicationFloodCallBack(key)
			return
		}
	}

	if p.Protection && e.security != nil &&
		e.registry.IsProtected(conn, p.SessionID, p.ServiceType) {
		decrypted, err := e.security.Decrypt(key, p.Payload)
		if err != nil {
			slog.Error("payload decryption failed",
				"connection_id", conn, "session_id", p.SessionID, "error", err)
			e.forceCloseSession(conn, p.SessionID)
			return
		}
		p.Payload = decrypted
	}

	msg, err := e.reassembler.Handle(conn, p)
	if err != nil {
		slog.Warn("reassembly failure, session treated as malformed",
			"connection_id", conn, "session_id", p.SessionID, "error", err)
		e.trackMalformed(conn, 1)
		return
	}
	if msg == nil {
		return // multiframe still assembling
	}
	e.fromMobile.push(inboundItem{key: key, msg: msg})
}

// forceCloseSession tears a session down without mobile cooperation.
func (e *Engine) forceCloseSession(conn protocol.ConnectionID, sessionID uint8) {
	key := session.KeyFromPair(conn, sessionID)
	e.reassembler.EvictSession(conn, sessionID)
	e.monitor.Forget(conn, sessionID)
	if e.registry.ForceEndSession(conn, sessionID) {
		e.observer.OnSessionForceClosed(key)
	}
}

// onHeartbeatExpired handles a session gone idle past the deadline.
func (e *Engine) onHeartbeatExpired(conn protocol.ConnectionID, sessionID uint8) {
	slog.Warn("closing idle session", "connection_id", conn, "session_id", sessionID)
	if e.registry.SessionCount(conn) > 1 {
		e.forceCloseSession(conn, sessionID)
		return
	}
	e.trans.ForceDisconnect(conn)
}

// ─── outbound ───

// SendMessageToMobile schedules one logical message, fragmenting it when it
// exceeds the frame budget. All fragments share one message id drawn from
// the session counter.
func (e *Engine) SendMessageToMobile(key protocol.ConnectionKey,
	service protocol.ServiceType, payload []byte, final bool) error {

	conn, sessionID := session.PairFromKey(key)
	version, ok := e.registry.ProtocolVersion(conn, sessionID)
	if !ok {
		return protocol.ErrSessionNotFound
	}

	protected := e.registry.IsProtected(conn, sessionID, service)
	if protected && e.security != nil {
		encrypted, err := e.security.Encrypt(key, payload)
		if err != nil {
			slog.Error("payload encryption failed", "connection_key", key, "error", err)
			e.forceCloseSession(conn, sessionID)
			return fmt.Errorf("%w: %v", protocol.ErrEncryptionFailed, err)
		}
		payload = encrypted
	}

	messageID := e.registry.NextMessageID(conn, sessionID)
	headerSize := protocol.HeaderSizeV2
	if version == 1 {
		headerSize = protocol.HeaderSizeV1
	}
	budget := int(e.cfg.MaxFrameData) - headerSize

	if len(payload) <= budget {
		e.toMobile.push(outboundItem{
			conn: conn,
			packet: &protocol.Packet{
				Version:     version,
				Protection:  protected,
				FrameType:   protocol.FrameSingle,
				ServiceType: service,
				FrameData:   protocol.FrameDataSingle,
				SessionID:   sessionID,
				MessageID:   messageID,
				Payload:     payload,
			},
			final:        final,
			finalSession: sessionID,
		})
		return nil
	}

	if !e.cfg.MultiframeEnabled {
		return fmt.Errorf("%w: %d bytes with multiframe disabled",
			protocol.ErrPayloadTooLarge, len(payload))
	}
	return e.sendMultiframe(conn, sessionID, service, version, messageID,
		protected, payload, budget, final)
}

func (e *Engine) sendMultiframe(conn protocol.ConnectionID, sessionID uint8,
	service protocol.ServiceType, version uint8, messageID uint32,
	protected bool, payload []byte, budget int, final bool) error {

	frameCount := (len(payload) + budget - 1) / budget
	e.toMobile.push(outboundItem{
		conn: conn,
		packet: &protocol.Packet{
			Version:     version,
			Protection:  protected,
			FrameType:   protocol.FrameFirst,
			ServiceType: service,
			FrameData:   protocol.FrameDataFirst,
			SessionID:   sessionID,
			MessageID:   messageID,
			Payload:     protocol.EncodeFirstFramePayload(uint32(len(payload)), uint32(frameCount)),
		},
	})

	ordinal := uint8(1)
	for i := 0; i < frameCount; i++ {
		start := i * budget
		end := start + budget
		if end > len(payload) {
			end = len(payload)
		}
		data := ordinal
		last := i == frameCount-1
		if last {
			data = protocol.FrameDataLastConsecutive
		}
		e.toMobile.push(outboundItem{
			conn: conn,
			packet: &protocol.Packet{
				Version:     version,
				Protection:  protected,
				FrameType:   protocol.FrameConsecutive,
				ServiceType: service,
				FrameData:   data,
				SessionID:   sessionID,
				MessageID:   messageID,
				Payload:     payload[start:end],
			},
			final:        last && final,
			finalSession: sessionID,
		})
		if ordinal == protocol.FrameDataMaxConsecutive {
			ordinal = 1
		} else {
			ordinal++
		}
	}
	return nil
}

// SendEndService asks the mobile side to end a service, as in streaming
// teardown. The session counter is bumped even for protocol 1, whose
// header simply has no field to carry the id.
func (e *Engine) SendEndService(key protocol.ConnectionKey, service protocol.ServiceType) {
	conn, sessionID := session.PairFromKey(key)
	version, ok := e.registry.ProtocolVersion(conn, sessionID)
	if !ok {
		return
	}
	e.enqueueControl(conn, &protocol.Packet{
		Version:     version,
		FrameType:   protocol.FrameControl,
		ServiceType: service,
		FrameData:   protocol.FrameDataEndService,
		SessionID:   sessionID,
		MessageID:   e.registry.NextMessageID(conn, sessionID),
	})
}

// SendServiceDataAck emits the video flow-control ack with a consumed
// frame count.
func (e *Engine) SendServiceDataAck(key protocol.ConnectionKey,
	service protocol.ServiceType, frames uint32) {

	conn, sessionID := session.PairFromKey(key)
	version, ok := e.registry.ProtocolVersion(conn, sessionID)
	if !ok {
		return
	}
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, frames)
	e.enqueueControl(conn, &protocol.Packet{
		Version:     version,
		FrameType:   protocol.FrameControl,
		ServiceType: service,
		FrameData:   protocol.FrameDataServiceDataAck,
		SessionID:   sessionID,
		MessageID:   e.registry.NextMessageID(conn, sessionID),
		Payload:     payload,
	})
}

// Disconnect closes a connection gracefully through the transport.
func (e *Engine) Disconnect(conn protocol.ConnectionID) {
	e.trans.Disconnect(conn)
}

// ForceDisconnect drops a connection immediately.
func (e *Engine) ForceDisconnect(conn protocol.ConnectionID) {
	e.trans.ForceDisconnect(conn)
}

func (e *Engine) enqueueControl(conn protocol.ConnectionID, p *protocol.Packet) {
	e.toMobile.push(outboundItem{conn: conn, packet: p, control: true})
}

// ─── workers ───

func (e *Engine) toMobileWorker() {
	defer e.wg.Done()
	for {
		item, ok := e.toMobile.pop()
		if !ok {
			return
		}
		data, err := item.packet.Encode()
		if err != nil {
			slog.Error("outbound encode failed", "error", err)
			continue
		}
		metrics.FramesEncodedTotal.WithLabelValues(item.packet.ServiceType.String()).Inc()
		if err := e.trans.Send(item.conn, data); err != nil {
			slog.Warn("transport send failed", "connection_id", item.conn, "error", err)
			continue
		}
		if item.final {
			e.finishFinal(item.conn, item.finalSession)
		}
	}
}

// finishFinal applies the is_final contract: with other sessions alive on
// the connection only the owning session closes, otherwise the whole
// connection does.
func (e *Engine) finishFinal(conn protocol.ConnectionID, sessionID uint8) {
	if e.registry.SessionCount(conn) > 1 {
		e.forceCloseSession(conn, sessionID)
		return
	}
	e.trans.Disconnect(conn)
}

func (e *Engine) fromMobileWorker() {
	defer e.wg.Done()
	for {
		item, ok := e.fromMobile.pop()
		if !ok {
			return
		}
		e.observer.OnMessageReceived(item.key, item.msg)
	}
}
