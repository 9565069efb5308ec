package appmanager

import (
	"log/slog"
	"time"

	"firestige.xyz/carlink/internal/protocol"
)

var streamableServices = []protocol.ServiceType{protocol.ServiceAudio, protocol.ServiceVideo}

// stopStreamingServices runs the streaming teardown for an app that left
// Full and Limited: EndService for every active streamable service, then a
// watchdog that force-unregisters the app when the ack pair never arrives.
func (m *Manager) stopStreamingServices(id uint32) {
	key := protocol.ConnectionKey(id)

	m.appsMu.Lock()
	a, ok := m.apps[id]
	if !ok {
		m.appsMu.Unlock()
		return
	}
	var toEnd []protocol.ServiceType
	for _, service := range streamableServices {
		if status, active := a.serviceStatuses[service]; active && !status.endSent {
			status.endSent = true
			toEnd = append(toEnd, service)
		}
	}
	m.appsMu.Unlock()

	if len(toEnd) == 0 {
		return
	}
	for _, service := range toEnd {
		slog.Info("stopping streaming service", "app_id", id, "service", service.String())
		m.sender.SendEndService(key, service)
		switch service {
		case protocol.ServiceAudio:
			if m.media != nil {
				m.media.StopAudioStreaming(key)
			}
		case protocol.ServiceVideo:
			if m.media != nil {
				m.media.StopVideoStreaming(key)
			}
		}
	}
	m.armWatchdog(id)
}

// armWatchdog starts the stop-streaming timer for the app. Re-arming an
// existing watchdog resets it.
func (m *Manager) armWatchdog(id uint32) {
	timeout := m.cfg.StopStreamingTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if existing, armed := m.watchdogs[id]; armed {
		existing.Stop()
	}
	m.watchdogs[id] = time.AfterFunc(timeout, func() { m.onStreamingWatchdog(id) })
}

// cancelWatchdog stops the app's stop-streaming timer. Idempotent.
func (m *Manager) cancelWatchdog(id uint32) {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if timer, armed := m.watchdogs[id]; armed {
		timer.Stop()
		delete(m.watchdogs, id)
	}
}

// recordEndServiceAck notes one EndServiceAck; when every ended service
// acked, the watchdog stands down.
func (m *Manager) recordEndServiceAck(key protocol.ConnectionKey, service protocol.ServiceType) {
	id := uint32(key)

	m.appsMu.Lock()
	a, ok := m.apps[id]
	if !ok {
		m.appsMu.Unlock()
		return
	}
	if status, tracked := a.serviceStatuses[service]; tracked {
		status.endAckReceived = true
	}
	allAcked := true
	for _, status := range a.serviceStatuses {
		if status.endSent && !status.endAckReceived {
			allAcked = false
			break
		}
	}
	if allAcked {
		for _, service := range streamableServices {
			if status, tracked := a.serviceStatuses[service]; tracked && status.endSent {
				delete(a.serviceStatuses, service)
			}
		}
	}
	m.appsMu.Unlock()

	if allAcked {
		m.cancelWatchdog(id)
		slog.Debug("streaming teardown acknowledged", "app_id", id)
	}
}

// onStreamingWatchdog fires when the mobile never acked the teardown: the
// app violated the protocol and is force-unregistered.
func (m *Manager) onStreamingWatchdog(id uint32) {
	key := protocol.ConnectionKey(id)

	m.appsMu.RLock()
	a, ok := m.apps[id]
	pendingAck := false
	if ok {
		for _, status := range a.serviceStatuses {
			if status.endSent && !status.endAckReceived {
				pendingAck = true
				break
			}
		}
	}
	m.appsMu.RUnlock()

	m.watchdogMu.Lock()
	delete(m.watchdogs, id)
	m.watchdogMu.Unlock()

	if !ok || !pendingAck {
		return
	}
	slog.Warn("streaming teardown not acknowledged, unregistering",
		"app_id", id, "timeout", m.cfg.StopStreamingTimeout)
	for _, req := range m.requests.cancelAll(key) {
		m.sendResponseToMobile(key, req.FunctionID, req.CorrelationID,
			false, ResultAborted, "application unregistered", false)
	}
	m.unregisterApp(key, ReasonProtocolViolation, true, false)
}
