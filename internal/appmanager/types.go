// Package appmanager implements the application manager core: application
// lifecycle, HMI level arbitration, request admission, mobile-HMI routing,
// streaming arbitration and audio pass-through.
package appmanager

import (
	"strings"

	"firestige.xyz/carlink/internal/protocol"
)

// HMILevel is the activity tier of a registered application.
type HMILevel int

const (
	LevelNone HMILevel = iota
	LevelBackground
	LevelLimited
	LevelFull
)

func (l HMILevel) String() string {
	switch l {
	case LevelFull:
		return "FULL"
	case LevelLimited:
		return "LIMITED"
	case LevelBackground:
		return "BACKGROUND"
	default:
		return "NONE"
	}
}

// ParseHMILevel maps policy strings to levels; unknown or absent → None.
func ParseHMILevel(s string) HMILevel {
	switch strings.ToUpper(s) {
	case "FULL":
		return LevelFull
	case "LIMITED":
		return LevelLimited
	case "BACKGROUND":
		return LevelBackground
	default:
		return LevelNone
	}
}

// AudioState is the audible state of an application.
type AudioState int

const (
	AudioNotAudible AudioState = iota
	AudioAttenuated
	AudioAudible
)

func (s AudioState) String() string {
	switch s {
	case AudioAudible:
		return "AUDIBLE"
	case AudioAttenuated:
		return "ATTENUATED"
	default:
		return "NOT_AUDIBLE"
	}
}

// ExclusivityClass is one of the audio exclusivity groups with a single
// Limited slot each.
type ExclusivityClass int

const (
	ClassMedia ExclusivityClass = iota
	ClassVoice
	ClassNavi
)

var allClasses = []ExclusivityClass{ClassMedia, ClassVoice, ClassNavi}

func (c ExclusivityClass) String() string {
	switch c {
	case ClassMedia:
		return "media"
	case ClassVoice:
		return "voice"
	default:
		return "navi"
	}
}

// serviceStatus tracks head-unit initiated teardown of one streamable
// service: whether EndService was sent and whether the mobile acked it.
type serviceStatus struct {
	endSent        bool
	endAckReceived bool
}

// Application is one registered mobile app. Fields are guarded by the
// manager's application lock; callers outside the package receive ids and
// snapshots, never live pointers.
type Application struct {
	// ID is the internal app id: the connection key of the owning session.
	ID uint32
	// HMIAppID is stable across resume.
	HMIAppID uint32
	// PolicyAppID is the vendor-provided application identifier.
	PolicyAppID string
	Name        string
	DeviceMAC   string
	DeviceName  string

	Language    string
	HMILanguage string

	HMILevel      HMILevel
	AudioState    AudioState
	SystemContext string

	ProtocolVersion uint8

	IsMedia                     bool
	IsNavi                      bool
	SupportsVoiceCommunication  bool

	// HelpPromptSet notes whether the app configured its own TTS help
	// prompt; apps without one receive the head-unit default on a timer.
	HelpPromptSet bool

	serviceStatuses map[protocol.ServiceType]*serviceStatus
}

// Key returns the connection key of the owning session.
func (a *Application) Key() protocol.ConnectionKey {
	return protocol.ConnectionKey(a.ID)
}

// AudioCapable reports whether the app participates in audio arbitration.
func (a *Application) AudioCapable() bool {
	return a.IsMedia || a.IsNavi || a.SupportsVoiceCommunication
}

// InClass reports membership in an exclusivity class.
func (a *Application) InClass(c ExclusivityClass) bool {
	switch c {
	case ClassMedia:
		return a.IsMedia
	case ClassVoice:
		return a.SupportsVoiceCommunication
	case ClassNavi:
		return a.IsNavi
	default:
		return false
	}
}

// Snapshot is a read-only copy handed to listeners and tests.
type Snapshot struct {
	ID            uint32
	HMIAppID      uint32
	PolicyAppID   string
	Name          string
	DeviceMAC     string
	HMILevel      HMILevel
	AudioState    AudioState
	SystemContext string
	IsMedia       bool
	IsNavi        bool
	SupportsVoice bool
}

func (a *Application) snapshot() Snapshot {
	return Snapshot{
		ID:            a.ID,
		HMIAppID:      a.HMIAppID,
		PolicyAppID:   a.PolicyAppID,
		Name:          a.Name,
		DeviceMAC:     a.DeviceMAC,
		HMILevel:      a.HMILevel,
		AudioState:    a.AudioState,
		SystemContext: a.SystemContext,
		IsMedia:       a.IsMedia,
		IsNavi:        a.IsNavi,
		SupportsVoice: a.SupportsVoiceCommunication,
	}
}
