package appmanager

import (
	"fmt"
	"log/slog"

	"firestige.xyz/carlink/internal/hmi"
	"firestige.xyz/carlink/internal/metrics"
	"firestige.xyz/carlink/internal/protocol"
	"firestige.xyz/carlink/internal/smartobject"
)

// levelChange records one app whose HMI status moved during arbitration.
type levelChange struct {
	snapshot Snapshot
	leftFullOrLimited bool
}

// ActivateApp moves the application to Full, demoting whoever held the
// slot and resolving the audio exclusivity classes. Exactly one OnHMIStatus
// goes out per affected app.
func (m *Manager) ActivateApp(id uint32) error {
	m.appsMu.Lock()
	a, ok := m.apps[id]
	if !ok {
		m.appsMu.Unlock()
		return ErrAppNotRegistered
	}
	if a.HMILevel == LevelFull {
		m.appsMu.Unlock()
		return fmt.Errorf("carlink: application %d already in FULL", a.HMIAppID)
	}

	changes := make(map[uint32]*levelChange)
	note := func(app *Application, wasStreamingTier bool) {
		if _, seen := changes[app.ID]; !seen {
			changes[app.ID] = &levelChange{}
		}
		changes[app.ID].snapshot = app.snapshot()
		if wasStreamingTier {
			changes[app.ID].leftFullOrLimited = true
		}
	}

	// Demote the current Full app.
	if current := m.fullAppLocked(); current != nil && current.ID != a.ID {
		wasStreamingTier := current.HMILevel == LevelFull || current.HMILevel == LevelLimited
		if current.IsMedia && a.IsMedia {
			// Media-to-media swap: the loser drops to Background and goes
			// silent.
			current.HMILevel = LevelBackground
			current.AudioState = AudioNotAudible
		} else if current.AudioCapable() && !m.limitedConflictLocked(current) {
			current.HMILevel = LevelLimited
		} else {
			current.HMILevel = LevelBackground
			current.AudioState = AudioNotAudible
		}
		leftTier := wasStreamingTier &&
			current.HMILevel != LevelFull && current.HMILevel != LevelLimited
		note(current, leftTier)
	}

	// Promote A.
	a.HMILevel = LevelFull
	if a.AudioCapable() {
		a.AudioState = AudioAudible
	}
	note(a, false)

	// Resolve the exclusivity classes A belongs to.
	for _, class := range allClasses {
		if !a.InClass(class) {
			continue
		}
		limited := m.limitedInClassLocked(class, a.ID)
		if limited == nil {
			continue
		}
		if limited.IsNavi && class == ClassNavi {
			// A navi streamer in Limited keeps running; the activated app
			// ducks instead.
			a.AudioState = AudioAttenuated
			continue
		}
		limited.HMILevel = LevelBackground
		limited.AudioState = AudioNotAudible
		note(limited, true)
	}

	ordered := make([]*levelChange, 0, len(changes))
	for _, change := range changes {
		ordered = append(ordered, change)
	}
	m.appsMu.Unlock()

	for _, change := range ordered {
		metrics.HMILevelTransitionsTotal.WithLabelValues(change.snapshot.HMILevel.String()).Inc()
		m.sendHMIStatus(change.snapshot)
		if change.leftFullOrLimited {
			m.stopStreamingServices(change.snapshot.ID)
		}
	}
	slog.Info("application activated", "app_id", id)
	return nil
}

// DeactivateApp drops the application out of Full, to Limited when it can
// keep audio or Background otherwise.
func (m *Manager) DeactivateApp(id uint32) error {
	m.appsMu.Lock()
	a, ok := m.apps[id]
	if !ok {
		m.appsMu.Unlock()
		return ErrAppNotRegistered
	}
	if a.HMILevel != LevelFull {
		m.appsMu.Unlock()
		return nil
	}
	wasTier := true
	if a.AudioCapable() && !m.limitedConflictLocked(a) {
		a.HMILevel = LevelLimited
		wasTier = false
	} else {
		a.HMILevel = LevelBackground
		a.AudioState = AudioNotAudible
	}
	snapshot := a.snapshot()
	m.appsMu.Unlock()

	metrics.HMILevelTransitionsTotal.WithLabelValues(snapshot.HMILevel.String()).Inc()
	m.sendHMIStatus(snapshot)
	if wasTier {
		m.stopStreamingServices(id)
	}
	return nil
}

// DemoteToNone pushes the application to None, used on driver distraction
// lockouts and exit-all.
func (m *Manager) DemoteToNone(id uint32) error {
	m.appsMu.Lock()
	a, ok := m.apps[id]
	if !ok {
		m.appsMu.Unlock()
		return ErrAppNotRegistered
	}
	wasTier := a.HMILevel == LevelFull || a.HMILevel == LevelLimited
	a.HMILevel = LevelNone
	a.AudioState = AudioNotAudible
	snapshot := a.snapshot()
	m.appsMu.Unlock()

	metrics.HMILevelTransitionsTotal.WithLabelValues(snapshot.HMILevel.String()).Inc()
	m.sendHMIStatus(snapshot)
	if wasTier {
		m.stopStreamingServices(id)
	}
	return nil
}

// fullAppLocked returns the app holding the Full slot. Caller holds appsMu.
func (m *Manager) fullAppLocked() *Application {
	for _, a := range m.apps {
		if a.HMILevel == LevelFull {
			return a
		}
	}
	return nil
}

// limitedInClassLocked returns the Limited app of a class, excluding one
// id. Caller holds appsMu.
func (m *Manager) limitedInClassLocked(class ExclusivityClass, exclude uint32) *Application {
	for _, a := range m.apps {
		if a.ID != exclude && a.HMILevel == LevelLimited && a.InClass(class) {
			return a
		}
	}
	return nil
}

// limitedConflictLocked reports whether demoting the app to Limited would
// break an exclusivity class. Caller holds appsMu.
func (m *Manager) limitedConflictLocked(app *Application) bool {
	for _, class := range allClasses {
		if app.InClass(class) && m.limitedInClassLocked(class, app.ID) != nil {
			return true
		}
	}
	return false
}

// resolveDefaultLevelLocked applies the policy default inside the invariants: a
// Full or Limited default falls back when the slot is taken.
// Caller holds appsMu.
func (m *Manager) resolveDefaultLevelLocked(a *Application, requested HMILevel) HMILevel {
	switch requested {
	case LevelFull:
		if m.fullAppLocked() == nil {
			return LevelFull
		}
		if a.AudioCapable() && !m.limitedConflictLocked(a) {
			return LevelLimited
		}
		return LevelBackground
	case LevelLimited:
		if a.AudioCapable() && !m.limitedConflictLocked(a) {
			return LevelLimited
		}
		return LevelBackground
	default:
		return requested
	}
}

// sendHMIStatus notifies both sides of one app's new status.
func (m *Manager) sendHMIStatus(s Snapshot) {
	params := smartobject.Map().
		Set("hmiLevel", smartobject.String(s.HMILevel.String())).
		Set("audioStreamingState", smartobject.String(s.AudioState.String())).
		Set("systemContext", smartobject.String(systemContextOrMain(s.SystemContext)))
	m.sendNotificationToMobile(s.Key(), FuncOnHMIStatus, params)

	m.enqueueHMI(&hmi.Message{
		Type:   hmi.TypeNotification,
		Method: "BasicCommunication.OnHMIStatusChanged",
		AppID:  s.HMIAppID,
		Params: smartobject.Map().
			Set("hmiLevel", smartobject.String(s.HMILevel.String())).
			Set("audioStreamingState", smartobject.String(s.AudioState.String())),
	})
}

func systemContextOrMain(ctx string) string {
	if ctx == "" {
		return "MAIN"
	}
	return ctx
}

// Key converts a snapshot's internal id back to the connection key.
func (s Snapshot) Key() protocol.ConnectionKey {
	return protocol.ConnectionKey(s.ID)
}
