package appmanager

import (
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/carlink/internal/hmi"
	"firestige.xyz/carlink/internal/metrics"
	"firestige.xyz/carlink/internal/policy"
	"firestige.xyz/carlink/internal/protocol"
	"firestige.xyz/carlink/internal/session"
	"firestige.xyz/carlink/internal/smartobject"
	"firestige.xyz/carlink/internal/telemetry"
)

// ProtocolSender is the outbound half of the protocol engine consumed by
// the manager.
type ProtocolSender interface {
	SendMessageToMobile(key protocol.ConnectionKey, service protocol.ServiceType,
		payload []byte, final bool) error
	SendEndService(key protocol.ConnectionKey, service protocol.ServiceType)
	Disconnect(conn protocol.ConnectionID)
	ForceDisconnect(conn protocol.ConnectionID)
}

// MediaManager drives platform media capture and playback.
type MediaManager interface {
	StartMicrophone(key protocol.ConnectionKey) (<-chan []byte, error)
	StopMicrophone(key protocol.ConnectionKey)
	StartAudioStreaming(key protocol.ConnectionKey) error
	StopAudioStreaming(key protocol.ConnectionKey)
	StartVideoStreaming(key protocol.ConnectionKey) error
	StopVideoStreaming(key protocol.ConnectionKey)
}

// Config bounds the manager. Durations come pre-parsed.
type Config struct {
	DefaultTimeout             time.Duration
	PendingRequestsAmount      int
	AppRequestsTimeScale       time.Duration
	AppTimeScaleMaxRequests    int
	AppHMILevelNoneTimeScale   time.Duration
	AppHMILevelNoneMaxRequests int
	StopStreamingTimeout       time.Duration
	TTSGlobalPropertiesTimeout time.Duration
	ResumptionTTL              time.Duration
	HMIQueueSize               int
}

// Manager owns the set of registered applications.
type Manager struct {
	cfg       Config
	sender    ProtocolSender
	registry  *session.Registry
	policy    policy.Policy
	hmiSender hmi.Sender
	media     MediaManager
	reporter  telemetry.Reporter

	appsMu sync.RWMutex
	apps   map[uint32]*Application // internal app id → app
	// registration order, for the TTS global-properties sweep
	order []uint32

	waiting   *resumptionStore
	forbidden *forbiddenSet
	requests  *requestController
	corr      correlationSource

	// hmiCorrMu guards the HMI-correlation → mobile-request mapping.
	hmiCorrMu   sync.Mutex
	hmiToMobile map[uint32]*forwardedRequest

	watchdogMu sync.Mutex
	watchdogs  map[uint32]*time.Timer

	passThruMu  sync.Mutex
	passThruKey protocol.ConnectionKey
	passThruOn  bool
	passThruEnd chan struct{}
	passThruCorr uint32

	allAppsAllowed atomic.Bool
	lowVoltage     atomic.Bool

	fromHMI chan *hmi.Message
	toHMI   chan *hmi.Message
	done    chan struct{}
	wg      sync.WaitGroup
	stopOnce sync.Once
}

// forwardedRequest links an HMI correlation id back to the mobile request
// it was minted for.
type forwardedRequest struct {
	key           protocol.ConnectionKey
	correlationID uint32
	functionID    uint32
}

// New creates a manager. reporter may be nil to disable telemetry.
func New(cfg Config, sender ProtocolSender, registry *session.Registry,
	pol policy.Policy, hmiSender hmi.Sender, media MediaManager,
	reporter telemetry.Reporter) *Manager {

	if cfg.HMIQueueSize <= 0 {
		cfg.HMIQueueSize = 256
	}
	if reporter == nil {
		reporter = telemetry.NopReporter{}
	}
	m := &Manager{
		cfg:         cfg,
		sender:      sender,
		registry:    registry,
		policy:      pol,
		hmiSender:   hmiSender,
		media:       media,
		reporter:    reporter,
		apps:        make(map[uint32]*Application),
		waiting:     newResumptionStore(cfg.ResumptionTTL),
		forbidden:   newForbiddenSet(),
		hmiToMobile: make(map[uint32]*forwardedRequest),
		watchdogs:   make(map[uint32]*time.Timer),
		fromHMI:     make(chan *hmi.Message, cfg.HMIQueueSize),
		toHMI:       make(chan *hmi.Message, cfg.HMIQueueSize),
		done:        make(chan struct{}),
	}
	m.allAppsAllowed.Store(true)
	m.requests = newRequestController(requestControllerConfig{
		DefaultTimeout: cfg.DefaultTimeout,
		PendingLimit:   cfg.PendingRequestsAmount,
		BurstWindow:    cfg.AppRequestsTimeScale,
		BurstMax:       cfg.AppTimeScaleMaxRequests,
		NoneWindow:     cfg.AppHMILevelNoneTimeScale,
		NoneMax:        cfg.AppHMILevelNoneMaxRequests,
	}, m.onRequestTimeout)
	return m
}

// BindSender attaches the protocol engine once it exists; the engine and
// the manager reference each other, so one side binds late. Must be called
// before Start.
func (m *Manager) BindSender(sender ProtocolSender) {
	m.sender = sender
}

// Start launches the HMI pipelines and the TTS properties sweep.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.fromHMIWorker()
	go m.toHMIWorker()
	if m.cfg.TTSGlobalPropertiesTimeout > 0 {
		m.wg.Add(1)
		go m.ttsPropertiesSweep()
	}
	slog.Info("application manager started")
}

// Stop shuts the manager down.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.requests.stop()
		m.stopAudioPassThruLocked()
	})
	m.wg.Wait()
	slog.Info("application manager stopped")
}

// OnLowVoltage stops admitting new mobile commands; in-flight requests
// are preserved.
func (m *Manager) OnLowVoltage() {
	m.lowVoltage.Store(true)
	slog.Warn("application manager entering low-voltage state")
}

// OnWakeUp resumes normal operation.
func (m *Manager) OnWakeUp() {
	m.lowVoltage.Store(false)
	slog.Info("application manager left low-voltage state")
}

// SetAllAppsAllowed flips the registration gate driven by the HMI consent
// notification.
func (m *Manager) SetAllAppsAllowed(allowed bool) {
	m.allAppsAllowed.Store(allowed)
	slog.Info("registration gate updated", "allowed", allowed)
}

// ─── application set accessors ───

func (m *Manager) app(id uint32) (*Application, bool) {
	m.appsMu.RLock()
	defer m.appsMu.RUnlock()
	a, ok := m.apps[id]
	return a, ok
}

// AppSnapshot returns a copy of the app's state for listeners and tests.
func (m *Manager) AppSnapshot(id uint32) (Snapshot, bool) {
	m.appsMu.RLock()
	defer m.appsMu.RUnlock()
	a, ok := m.apps[id]
	if !ok {
		return Snapshot{}, false
	}
	return a.snapshot(), true
}

// AppByHMIID resolves an HMI app id to the internal id.
func (m *Manager) AppByHMIID(hmiAppID uint32) (uint32, bool) {
	m.appsMu.RLock()
	defer m.appsMu.RUnlock()
	for id, a := range m.apps {
		if a.HMIAppID == hmiAppID {
			return id, true
		}
	}
	return 0, false
}

// AppCount reports the number of registered applications.
func (m *Manager) AppCount() int {
	m.appsMu.RLock()
	defer m.appsMu.RUnlock()
	return len(m.apps)
}

// generateHMIAppID draws a random non-zero id free of collisions with live
// apps and parked resumption entries. Uniqueness is best effort within a
// bounded number of redraws.
func (m *Manager) generateHMIAppID() uint32 {
	for i := 0; i < 64; i++ {
		id := rand.Uint32()
		if id == 0 {
			continue
		}
		if _, taken := m.AppByHMIID(id); taken {
			continue
		}
		if m.waiting.hmiAppIDInUse(id) {
			continue
		}
		return id
	}
	return rand.Uint32() | 1
}

// ─── engine.Observer ───

// OnMessageReceived implements the engine observer: data messages arrive
// here after reassembly.
func (m *Manager) OnMessageReceived(key protocol.ConnectionKey, msg *protocol.Message) {
	switch msg.ServiceType {
	case protocol.ServiceRPC, protocol.ServiceBulk:
		m.routeMobileMessage(key, msg)
	case protocol.ServiceAudio, protocol.ServiceVideo:
		// Stream payloads belong to the media subsystem; the core only
		// arbitrates whether the service may run.
		slog.Debug("stream payload", "connection_key", key,
			"service", msg.ServiceType.String(), "bytes", len(msg.Payload))
	default:
		slog.Warn("message on unexpected service",
			"connection_key", key, "service", msg.ServiceType.String())
	}
}

// ServiceStartAllowed gates audio/video service starts: only a navi app in
// Full or Limited may stream.
func (m *Manager) ServiceStartAllowed(key protocol.ConnectionKey, service protocol.ServiceType) bool {
	m.appsMu.Lock()
	a, ok := m.apps[uint32(key)]
	if !ok {
		m.appsMu.Unlock()
		return false
	}
	if !a.IsNavi || (a.HMILevel != LevelFull && a.HMILevel != LevelLimited) {
		m.appsMu.Unlock()
		return false
	}
	a.serviceStatuses[service] = &serviceStatus{}
	m.appsMu.Unlock()

	m.startMediaService(key, service)
	return true
}

func (m *Manager) startMediaService(key protocol.ConnectionKey, service protocol.ServiceType) {
	if m.media == nil {
		return
	}
	var err error
	switch service {
	case protocol.ServiceAudio:
		err = m.media.StartAudioStreaming(key)
	case protocol.ServiceVideo:
		err = m.media.StartVideoStreaming(key)
	}
	if err != nil {
		slog.Warn("media start failed", "connection_key", key,
			"service", service.String(), "error", err)
	}
}

// OnServiceEndedByMobile implements the engine observer.
func (m *Manager) OnServiceEndedByMobile(key protocol.ConnectionKey, service protocol.ServiceType) {
	switch service {
	case protocol.ServiceAudio:
		if m.media != nil {
			m.media.StopAudioStreaming(key)
		}
		m.clearServiceStatus(key, service)
	case protocol.ServiceVideo:
		if m.media != nil {
			m.media.StopVideoStreaming(key)
		}
		m.clearServiceStatus(key, service)
	case protocol.ServiceRPC:
		// The mobile side closed its RPC session; the app is gone.
		m.unregisterApp(key, "", false, false)
	}
}

func (m *Manager) clearServiceStatus(key protocol.ConnectionKey, service protocol.ServiceType) {
	m.appsMu.Lock()
	defer m.appsMu.Unlock()
	if a, ok := m.apps[uint32(key)]; ok {
		delete(a.serviceStatuses, service)
	}
}

// OnApplicationFloodCallBack implements the engine observer: the flooding
// app is unregistered and its connection dropped.
func (m *Manager) OnApplicationFloodCallBack(key protocol.ConnectionKey) {
	slog.Warn("message flood detected", "connection_key", key)
	m.punish(key, ReasonTooManyRequests)
}

// OnMalformedMessageCallback implements the engine observer.
func (m *Manager) OnMalformedMessageCallback(conn protocol.ConnectionID) {
	slog.Warn("malformed message threshold crossed", "connection_id", conn)
	m.sender.ForceDisconnect(conn)
}

// OnSessionForceClosed implements the engine observer.
func (m *Manager) OnSessionForceClosed(key protocol.ConnectionKey) {
	m.unregisterApp(key, ReasonProtocolViolation, true, false)
}

// OnConnectionClosed implements the engine observer. Transport loss is the
// universal cancellation signal: pending requests terminate and the apps
// park in the resumption set.
func (m *Manager) OnConnectionClosed(keys []protocol.ConnectionKey) {
	for _, key := range keys {
		m.requests.cancelAll(key)
		m.dropForwardedFor(key)
		m.cancelWatchdog(uint32(key))
		m.unregisterApp(key, "", false, true)
	}
}

// OnServiceEndAck implements the engine observer; see streaming.go for the
// watchdog bookkeeping.
func (m *Manager) OnServiceEndAck(key protocol.ConnectionKey, service protocol.ServiceType) {
	m.recordEndServiceAck(key, service)
}

// punish unregisters an app for abusive traffic, notifies the mobile side
// and drops the connection.
func (m *Manager) punish(key protocol.ConnectionKey, reason string) {
	metrics.RemovalsForBadBehavior.Inc()
	m.reporter.Report("removal_for_bad_behavior", map[string]any{
		"connection_key": uint32(key),
		"reason":         reason,
	})

	if a, ok := m.app(uint32(key)); ok {
		m.forbidden.add(a.PolicyAppID, a.DeviceName)
	}
	m.unregisterApp(key, reason, true, false)

	conn, _ := session.PairFromKey(key)
	m.sender.ForceDisconnect(conn)
}

// onRequestTimeout resolves an expired request with a TIMED_OUT response
// to the mobile side.
func (m *Manager) onRequestTimeout(req *Request) {
	m.dropForwardedByMobile(req.Key, req.CorrelationID)
	m.sendResponseToMobile(req.Key, req.FunctionID, req.CorrelationID,
		false, ResultTimedOut, "request timed out", false)
}

// ─── unregistration ───

// unregisterApp removes an application. When park is set its identifiers
// move to the resumption side set; when notify is set the mobile side gets
// OnAppInterfaceUnregistered with the reason.
func (m *Manager) unregisterApp(key protocol.ConnectionKey, reason string,
	notify bool, park bool) {

	id := uint32(key)
	m.appsMu.Lock()
	a, ok := m.apps[id]
	if !ok {
		m.appsMu.Unlock()
		return
	}
	delete(m.apps, id)
	for i, appID := range m.order {
		if appID == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	snapshot := a.snapshot()
	m.appsMu.Unlock()

	metrics.ApplicationsRegistered.Dec()
	m.cancelWatchdog(id)
	m.stopAudioPassThruIfOwner(key)

	if park {
		m.waiting.park(snapshot.PolicyAppID, snapshot.DeviceMAC, resumptionEntry{
			HMIAppID: snapshot.HMIAppID,
			HMILevel: snapshot.HMILevel,
		})
	}
	if notify {
		params := smartobject.Map()
		if reason != "" {
			params.Set("reason", smartobject.String(reason))
		}
		m.sendNotificationToMobile(key, FuncOnAppInterfaceUnregistered, params)
	}

	m.enqueueHMI(&hmi.Message{
		Type:   hmi.TypeNotification,
		Method: "BasicCommunication.OnAppUnregistered",
		AppID:  snapshot.HMIAppID,
		Params: smartobject.Map().Set("unexpectedDisconnect",
			smartobject.Bool(park)),
	})
	m.reporter.Report("app_unregistered", map[string]any{
		"hmi_app_id": snapshot.HMIAppID,
		"policy_app": snapshot.PolicyAppID,
		"reason":     reason,
	})
	slog.Info("application unregistered", "hmi_app_id", snapshot.HMIAppID,
		"reason", reason, "parked", park)
}

// ─── HMI pipelines ───

// OnHMIMessage implements hmi.Handler: inbound HMI traffic enqueues for the
// from_hmi worker.
func (m *Manager) OnHMIMessage(msg *hmi.Message) {
	select {
	case m.fromHMI <- msg:
	default:
		slog.Warn("from_hmi queue full, dropping message", "method", msg.Method)
	}
}

func (m *Manager) enqueueHMI(msg *hmi.Message) {
	select {
	case m.toHMI <- msg:
	default:
		slog.Warn("to_hmi queue full, dropping message", "method", msg.Method)
	}
}

func (m *Manager) fromHMIWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case msg := <-m.fromHMI:
			m.handleHMIMessage(msg)
		}
	}
}

func (m *Manager) toHMIWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case msg := <-m.toHMI:
			if err := m.hmiSender.Send(msg); err != nil {
				slog.Warn("hmi send failed", "method", msg.Method, "error", err)
			}
		}
	}
}

// ttsPropertiesSweep periodically pushes the head-unit default help prompt
// for the oldest registered app that never set its own.
func (m *Manager) ttsPropertiesSweep() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.TTSGlobalPropertiesTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sendDefaultTTSProperties()
		}
	}
}

func (m *Manager) sendDefaultTTSProperties() {
	m.appsMu.Lock()
	var due *Application
	for _, id := range m.order {
		if a, ok := m.apps[id]; ok && !a.HelpPromptSet {
			due = a
			break
		}
	}
	var hmiAppID uint32
	if due != nil {
		due.HelpPromptSet = true
		hmiAppID = due.HMIAppID
	}
	m.appsMu.Unlock()

	if due == nil {
		return
	}
	m.enqueueHMI(&hmi.Message{
		Type:   hmi.TypeNotification,
		Method: "TTS.SetGlobalProperties",
		AppID:  hmiAppID,
		Params: smartobject.Map().Set("helpPrompt", smartobject.Array()),
	})
}

// dropForwardedFor discards every HMI correlation minted for a connection
// key.
func (m *Manager) dropForwardedFor(key protocol.ConnectionKey) {
	m.hmiCorrMu.Lock()
	defer m.hmiCorrMu.Unlock()
	for corr, fwd := range m.hmiToMobile {
		if fwd.key == key {
			delete(m.hmiToMobile, corr)
		}
	}
}

// dropForwardedByMobile discards the mapping for one mobile correlation.
func (m *Manager) dropForwardedByMobile(key protocol.ConnectionKey, correlationID uint32) {
	m.hmiCorrMu.Lock()
	defer m.hmiCorrMu.Unlock()
	for corr, fwd := range m.hmiToMobile {
		if fwd.key == key && fwd.correlationID == correlationID {
			delete(m.hmiToMobile, corr)
			return
		}
	}
}
