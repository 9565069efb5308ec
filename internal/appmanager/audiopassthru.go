package appmanager

import (
	"log/slog"

	"firestige.xyz/carlink/internal/metrics"
	"firestige.xyz/carlink/internal/protocol"
	"firestige.xyz/carlink/internal/smartobject"
)

// StartAudioPassThru grants the microphone to one session. A second
// session asking while another holds it is refused; the holder asking
// again is a no-op.
func (m *Manager) StartAudioPassThru(key protocol.ConnectionKey, correlationID uint32) error {
	m.passThruMu.Lock()
	if m.passThruOn {
		holder := m.passThruKey
		m.passThruMu.Unlock()
		if holder == key {
			return nil
		}
		return ErrAudioPassThruBusy
	}
	m.passThruOn = true
	m.passThruKey = key
	m.passThruCorr = correlationID
	m.passThruEnd = make(chan struct{})
	end := m.passThruEnd
	m.passThruMu.Unlock()

	frames, err := m.media.StartMicrophone(key)
	if err != nil {
		m.passThruMu.Lock()
		m.passThruOn = false
		m.passThruMu.Unlock()
		return err
	}

	metrics.AudioPassThruActive.Set(1)
	m.wg.Add(1)
	go m.passThruWorker(key, frames, end)
	slog.Info("audio pass-through started", "connection_key", key)
	return nil
}

// StopAudioPassThru releases the microphone. Stopping when nothing runs,
// or from a session that is not the holder, is a no-op.
func (m *Manager) StopAudioPassThru(key protocol.ConnectionKey) (uint32, bool) {
	m.passThruMu.Lock()
	if !m.passThruOn || m.passThruKey != key {
		m.passThruMu.Unlock()
		return 0, false
	}
	correlationID := m.passThruCorr
	m.passThruOn = false
	close(m.passThruEnd)
	m.passThruMu.Unlock()

	m.media.StopMicrophone(key)
	metrics.AudioPassThruActive.Set(0)
	slog.Info("audio pass-through stopped", "connection_key", key)
	return correlationID, true
}

// stopAudioPassThruIfOwner releases the microphone when the departing app
// holds it.
func (m *Manager) stopAudioPassThruIfOwner(key protocol.ConnectionKey) {
	m.passThruMu.Lock()
	owner := m.passThruOn && m.passThruKey == key
	m.passThruMu.Unlock()
	if owner {
		m.StopAudioPassThru(key)
	}
}

// stopAudioPassThruLocked releases the microphone unconditionally at
// shutdown.
func (m *Manager) stopAudioPassThruLocked() {
	m.passThruMu.Lock()
	if m.passThruOn {
		m.passThruOn = false
		close(m.passThruEnd)
	}
	m.passThruMu.Unlock()
}

// passThruWorker is the dedicated pipeline forwarding microphone frames to
// the holder as OnAudioPassThru notifications with the sample bytes in the
// bulk part.
func (m *Manager) passThruWorker(key protocol.ConnectionKey,
	frames <-chan []byte, end chan struct{}) {

	defer m.wg.Done()
	for {
		select {
		case <-end:
			return
		case <-m.done:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			payload, err := EncodeMobileMessage(m.versionFor(key), &MobileMessage{
				Type:       RPCNotification,
				FunctionID: FuncOnAudioPassThru,
				Params:     smartobject.Map(),
				BulkData:   frame,
			})
			if err != nil {
				slog.Warn("audio frame encode failed", "error", err)
				continue
			}
			if err := m.sender.SendMessageToMobile(key, protocol.ServiceRPC, payload, false); err != nil {
				slog.Warn("audio frame send failed", "error", err)
			}
		}
	}
}

func (m *Manager) versionFor(key protocol.ConnectionKey) uint8 {
	m.appsMu.RLock()
	defer m.appsMu.RUnlock()
	if a, ok := m.apps[uint32(key)]; ok {
		return a.ProtocolVersion
	}
	return 2
}
