// Package media provides a stub media collaborator. Real platforms plug in
// codec-backed capture and playback; this implementation only satisfies the
// arbitration contract so the core can run headless.
package media

import (
	"log/slog"
	"sync"

	"firestige.xyz/carlink/internal/protocol"
)

// Stub implements the manager's MediaManager interface without touching
// any hardware.
type Stub struct {
	mu   sync.Mutex
	mics map[protocol.ConnectionKey]chan []byte
}

// NewStub creates a stub media manager.
func NewStub() *Stub {
	return &Stub{mics: make(map[protocol.ConnectionKey]chan []byte)}
}

// StartMicrophone returns an empty frame channel; a platform backend would
// feed capture buffers into it.
func (s *Stub) StartMicrophone(key protocol.ConnectionKey) (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan []byte)
	s.mics[key] = ch
	slog.Info("microphone capture started", "connection_key", key)
	return ch, nil
}

// StopMicrophone closes the session's frame channel.
func (s *Stub) StopMicrophone(key protocol.ConnectionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, active := s.mics[key]; active {
		close(ch)
		delete(s.mics, key)
	}
	slog.Info("microphone capture stopped", "connection_key", key)
}

// StartAudioStreaming implements MediaManager.
func (s *Stub) StartAudioStreaming(key protocol.ConnectionKey) error {
	slog.Info("audio streaming started", "connection_key", key)
	return nil
}

// StopAudioStreaming implements MediaManager.
func (s *Stub) StopAudioStreaming(key protocol.ConnectionKey) {
	slog.Info("audio streaming stopped", "connection_key", key)
}

// StartVideoStreaming implements MediaManager.
func (s *Stub) StartVideoStreaming(key protocol.ConnectionKey) error {
	slog.Info("video streaming started", "connection_key", key)
	return nil
}

// StopVideoStreaming implements MediaManager.
func (s *Stub) StopVideoStreaming(key protocol.ConnectionKey) {
	slog.Info("video streaming stopped", "connection_key", key)
}
