package appmanager

import (
	"errors"
	"log/slog"

	"firestige.xyz/carlink/internal/hmi"
	"firestige.xyz/carlink/internal/metrics"
	"firestige.xyz/carlink/internal/policy"
	"firestige.xyz/carlink/internal/protocol"
	"firestige.xyz/carlink/internal/session"
	"firestige.xyz/carlink/internal/smartobject"
)

// routeMobileMessage decodes and dispatches one RPC-service message from
// the mobile side.
func (m *Manager) routeMobileMessage(key protocol.ConnectionKey, pmsg *protocol.Message) {
	msg, err := DecodeMobileMessage(pmsg.Version, pmsg.Payload)
	if err != nil {
		slog.Warn("undecodable mobile message", "connection_key", key, "error", err)
		m.sendResponseToMobile(key, 0, 0, false, ResultInvalidData, "malformed payload", false)
		return
	}

	// Protocol 1 has no stable function ids: an unknown name cannot be
	// dispatched at all.
	if pmsg.Version == 1 && msg.FunctionID == 0 {
		m.sendRawResponseToMobile(key, 1, msg.FunctionName, msg.CorrelationID,
			false, ResultUnsupportedVersion, "unknown function")
		return
	}

	if err := SchemaFor(msg.FunctionID).Validate(msg.Params); err != nil {
		slog.Warn("mobile message failed validation",
			"connection_key", key, "function", msg.FunctionName, "error", err)
		m.sendResponseToMobile(key, msg.FunctionID, msg.CorrelationID,
			false, ResultInvalidData, err.Error(), false)
		return
	}

	switch msg.Type {
	case RPCRequest:
		m.dispatchMobileRequest(key, pmsg.Version, msg)
	case RPCNotification:
		m.dispatchMobileNotification(key, msg)
	case RPCResponse:
		// Responses to head-unit originated requests route upstream.
		m.enqueueHMI(&hmi.Message{
			Type:          hmi.TypeResponse,
			Method:        msg.FunctionName,
			CorrelationID: msg.CorrelationID,
			ResultCode:    ResultSuccess,
			Params:        msg.Params,
		})
	default:
		slog.Warn("unknown rpc type", "connection_key", key, "type", msg.Type)
	}
}

func (m *Manager) dispatchMobileRequest(key protocol.ConnectionKey, version uint8, msg *MobileMessage) {
	if m.lowVoltage.Load() {
		m.sendResponseToMobile(key, msg.FunctionID, msg.CorrelationID,
			false, ResultRejected, "head unit in low-voltage state", false)
		return
	}

	switch msg.FunctionID {
	case FuncRegisterAppInterface:
		m.handleRegisterAppInterface(key, version, msg)
		return
	case FuncUnregisterAppInterface:
		m.handleUnregisterAppInterface(key, msg)
		return
	}

	a, registered := m.app(uint32(key))
	if !registered {
		m.sendResponseToMobile(key, msg.FunctionID, msg.CorrelationID,
			false, ResultApplicationNotRegistered, "", false)
		return
	}

	m.appsMu.RLock()
	level := a.HMILevel
	policyAppID := a.PolicyAppID
	hmiAppID := a.HMIAppID
	m.appsMu.RUnlock()

	if err := m.requests.admit(uint32(key), level); err != nil {
		m.rejectAdmission(key, msg, err)
		return
	}

	// An app in NONE may send nothing but UnregisterAppInterface; each
	// attempt is refused and counted toward the NONE burst above.
	if level == LevelNone {
		m.sendResponseToMobile(key, msg.FunctionID, msg.CorrelationID,
			false, ResultDisallowed, "not allowed in NONE hmi level", false)
		return
	}

	check := m.policy.CheckPermissions(policyAppID, level.String(),
		msg.FunctionName, msg.Params.Keys())
	if !check.Allowed() {
		code := ResultDisallowed
		if check.Verdict == policy.VerdictUserDisallowed {
			code = ResultUserDisallowed
		}
		metrics.RequestsRejectedTotal.WithLabelValues("policy").Inc()
		m.sendResponseToMobile(key, msg.FunctionID, msg.CorrelationID,
			false, code, "", false)
		return
	}

	switch msg.FunctionID {
	case FuncPerformAudioPassThru:
		m.handlePerformAudioPassThru(key, msg)
		return
	case FuncEndAudioPassThru:
		m.handleEndAudioPassThru(key, msg)
		return
	}

	// Forward to the HMI under a fresh head-unit correlation id.
	hmiCorr := m.corr.next()
	m.hmiCorrMu.Lock()
	m.hmiToMobile[hmiCorr] = &forwardedRequest{
		key:           key,
		correlationID: msg.CorrelationID,
		functionID:    msg.FunctionID,
	}
	m.hmiCorrMu.Unlock()

	m.requests.track(&Request{
		CorrelationID: msg.CorrelationID,
		Key:           key,
		FunctionID:    msg.FunctionID,
	})
	m.enqueueHMI(&hmi.Message{
		Type:          hmi.TypeRequest,
		Method:        msg.FunctionName,
		CorrelationID: hmiCorr,
		AppID:         hmiAppID,
		Params:        msg.Params,
	})
}

func (m *Manager) rejectAdmission(key protocol.ConnectionKey, msg *MobileMessage, err error) {
	switch {
	case errors.Is(err, ErrTooManyPendingRequests):
		m.sendResponseToMobile(key, msg.FunctionID, msg.CorrelationID,
			false, ResultTooManyPending, "", false)
	case errors.Is(err, ErrTooManyRequests):
		slog.Warn("request burst limit exceeded", "connection_key", key)
		m.punish(key, ReasonTooManyRequests)
	case errors.Is(err, ErrNoneLevelBurst):
		slog.Warn("request burst while in NONE", "connection_key", key)
		m.punish(key, ReasonRequestWhileInNone)
	default:
		m.sendResponseToMobile(key, msg.FunctionID, msg.CorrelationID,
			false, ResultGenericError, err.Error(), false)
	}
}

func (m *Manager) dispatchMobileNotification(key protocol.ConnectionKey, msg *MobileMessage) {
	a, registered := m.app(uint32(key))
	if !registered {
		slog.Debug("notification from unregistered app", "connection_key", key)
		return
	}
	m.appsMu.RLock()
	policyAppID := a.PolicyAppID
	level := a.HMILevel
	hmiAppID := a.HMIAppID
	m.appsMu.RUnlock()

	check := m.policy.CheckPermissions(policyAppID, level.String(),
		msg.FunctionName, msg.Params.Keys())
	if !check.Allowed() {
		slog.Debug("notification denied by policy",
			"connection_key", key, "function", msg.FunctionName)
		return
	}
	m.enqueueHMI(&hmi.Message{
		Type:   hmi.TypeNotification,
		Method: msg.FunctionName,
		AppID:  hmiAppID,
		Params: msg.Params,
	})
}

// ─── registration ───

func (m *Manager) handleRegisterAppInterface(key protocol.ConnectionKey, version uint8, msg *MobileMessage) {
	if !m.allAppsAllowed.Load() {
		m.sendResponseToMobile(key, msg.FunctionID, msg.CorrelationID,
			false, ResultDisallowed, "registration disallowed", false)
		return
	}

	conn, sessionID := session.PairFromKey(key)
	device, haveDevice := m.registry.Device(conn)
	if !haveDevice {
		m.sendResponseToMobile(key, msg.FunctionID, msg.CorrelationID,
			false, ResultGenericError, "connection data unavailable", false)
		return
	}

	nameObj, _ := msg.Params.Get("appName")
	appName, _ := nameObj.AsString()
	policyObj, _ := msg.Params.Get("appID")
	policyAppID, _ := policyObj.AsString()

	if m.forbidden.contains(policyAppID, device.Name) {
		slog.Warn("registration refused for forbidden app",
			"policy_app", policyAppID, "device", device.Name)
		m.sendResponseToMobile(key, msg.FunctionID, msg.CorrelationID,
			false, ResultRejected, "application forbidden", false)
		return
	}

	m.appsMu.Lock()
	if _, dup := m.apps[uint32(key)]; dup {
		m.appsMu.Unlock()
		m.sendResponseToMobile(key, msg.FunctionID, msg.CorrelationID,
			false, ResultRejected, "application already registered", false)
		return
	}
	m.appsMu.Unlock()

	a := &Application{
		ID:              uint32(key),
		PolicyAppID:     policyAppID,
		Name:            appName,
		DeviceMAC:       device.MAC,
		DeviceName:      device.Name,
		ProtocolVersion: version,
		AudioState:      AudioNotAudible,
		serviceStatuses: make(map[protocol.ServiceType]*serviceStatus),
	}
	if lang, ok := msg.Params.Get("languageDesired"); ok {
		a.Language, _ = lang.AsString()
	}
	if lang, ok := msg.Params.Get("hmiDisplayLanguageDesired"); ok {
		a.HMILanguage, _ = lang.AsString()
	}
	if isMedia, ok := msg.Params.Get("isMediaApplication"); ok {
		a.IsMedia, _ = isMedia.AsBool()
	}
	if types, ok := msg.Params.Get("appHMIType"); ok {
		for i := 0; i < types.Len(); i++ {
			item, _ := types.At(i)
			if s, ok := item.AsString(); ok {
				switch s {
				case "NAVIGATION":
					a.IsNavi = true
				case "COMMUNICATION":
					a.SupportsVoiceCommunication = true
				case "MEDIA":
					a.IsMedia = true
				}
			}
		}
	}

	// A waiting-to-register app inherits its HMI app id from the side set.
	if entry, resumed := m.waiting.take(policyAppID, device.MAC); resumed {
		a.HMIAppID = entry.HMIAppID
	} else {
		a.HMIAppID = m.generateHMIAppID()
	}

	defaultLevel := ParseHMILevel(m.policy.DefaultHMILevel(policyAppID))

	m.appsMu.Lock()
	a.HMILevel = m.resolveDefaultLevelLocked(a, defaultLevel)
	if a.HMILevel == LevelFull || a.HMILevel == LevelLimited {
		if a.AudioCapable() {
			a.AudioState = AudioAudible
		}
	}
	m.apps[a.ID] = a
	m.order = append(m.order, a.ID)
	snapshot := a.snapshot()
	m.appsMu.Unlock()

	m.registry.BindApplication(conn, sessionID, a.ID)
	metrics.ApplicationsRegistered.Inc()

	response := smartobject.Map().
		Set("language", smartobject.String(a.Language)).
		Set("hmiDisplayLanguage", smartobject.String(a.HMILanguage)).
		Set("syncMsgVersion", smartobject.Map().
			Set("majorVersion", smartobject.Int(int64(version))).
			Set("minorVersion", smartobject.Int(0)))
	m.sendResponseParamsToMobile(key, msg.FunctionID, msg.CorrelationID,
		true, ResultSuccess, response)

	m.sendHMIStatus(snapshot)
	m.enqueueHMI(&hmi.Message{
		Type:   hmi.TypeNotification,
		Method: "BasicCommunication.OnAppRegistered",
		AppID:  a.HMIAppID,
		Params: smartobject.Map().
			Set("appName", smartobject.String(appName)).
			Set("policyAppID", smartobject.String(policyAppID)).
			Set("deviceName", smartobject.String(device.Name)),
	})
	m.reporter.Report("app_registered", map[string]any{
		"hmi_app_id": a.HMIAppID,
		"policy_app": policyAppID,
		"device":     device.MAC,
	})
	slog.Info("application registered", "app", appName,
		"hmi_app_id", a.HMIAppID, "level", snapshot.HMILevel.String())
}

func (m *Manager) handleUnregisterAppInterface(key protocol.ConnectionKey, msg *MobileMessage) {
	if _, registered := m.app(uint32(key)); !registered {
		m.sendResponseToMobile(key, msg.FunctionID, msg.CorrelationID,
			false, ResultApplicationNotRegistered, "", false)
		return
	}
	m.sendResponseToMobile(key, msg.FunctionID, msg.CorrelationID,
		true, ResultSuccess, "", true)
	m.unregisterApp(key, "", false, false)
}

// ─── audio pass-through requests ───

func (m *Manager) handlePerformAudioPassThru(key protocol.ConnectionKey, msg *MobileMessage) {
	if err := m.StartAudioPassThru(key, msg.CorrelationID); err != nil {
		m.sendResponseToMobile(key, msg.FunctionID, msg.CorrelationID,
			false, ResultRejected, err.Error(), false)
		return
	}
	// The response is withheld until EndAudioPassThru releases the
	// microphone.
}

func (m *Manager) handleEndAudioPassThru(key protocol.ConnectionKey, msg *MobileMessage) {
	startCorr, stopped := m.StopAudioPassThru(key)
	if stopped {
		m.sendResponseToMobile(key, FuncPerformAudioPassThru, startCorr,
			true, ResultSuccess, "", false)
	}
	m.sendResponseToMobile(key, msg.FunctionID, msg.CorrelationID,
		true, ResultSuccess, "", false)
}

// ─── outbound to mobile ───

// sendResponseToMobile builds a standard {success, resultCode, info}
// response in the app's negotiated version, or protocol 1 when the result
// is UNSUPPORTED_VERSION.
func (m *Manager) sendResponseToMobile(key protocol.ConnectionKey, functionID uint32,
	correlationID uint32, success bool, resultCode, info string, final bool) {

	params := smartobject.Map().
		Set("success", smartobject.Bool(success)).
		Set("resultCode", smartobject.String(resultCode))
	if info != "" {
		params.Set("info", smartobject.String(info))
	}

	version := m.versionFor(key)
	if resultCode == ResultUnsupportedVersion {
		version = 1
	}
	payload, err := EncodeMobileMessage(version, &MobileMessage{
		Type:          RPCResponse,
		FunctionID:    functionID,
		CorrelationID: correlationID,
		Params:        params,
	})
	if err != nil {
		slog.Error("response encode failed", "error", err)
		return
	}
	if err := m.sender.SendMessageToMobile(key, protocol.ServiceRPC, payload, final); err != nil {
		slog.Debug("response send failed", "connection_key", key, "error", err)
	}
}

// sendRawResponseToMobile addresses a v1 response by function name.
func (m *Manager) sendRawResponseToMobile(key protocol.ConnectionKey, version uint8,
	functionName string, correlationID uint32, success bool, resultCode, info string) {

	params := smartobject.Map().
		Set("success", smartobject.Bool(success)).
		Set("resultCode", smartobject.String(resultCode))
	if info != "" {
		params.Set("info", smartobject.String(info))
	}
	payload, err := EncodeMobileMessage(version, &MobileMessage{
		Type:          RPCResponse,
		FunctionName:  functionName,
		CorrelationID: correlationID,
		Params:        params,
	})
	if err != nil {
		slog.Error("response encode failed", "error", err)
		return
	}
	if err := m.sender.SendMessageToMobile(key, protocol.ServiceRPC, payload, false); err != nil {
		slog.Debug("response send failed", "connection_key", key, "error", err)
	}
}

// sendResponseParamsToMobile sends a response with extra parameters.
func (m *Manager) sendResponseParamsToMobile(key protocol.ConnectionKey, functionID uint32,
	correlationID uint32, success bool, resultCode string, params *smartobject.Object) {

	params.Set("success", smartobject.Bool(success))
	params.Set("resultCode", smartobject.String(resultCode))
	payload, err := EncodeMobileMessage(m.versionFor(key), &MobileMessage{
		Type:          RPCResponse,
		FunctionID:    functionID,
		CorrelationID: correlationID,
		Params:        params,
	})
	if err != nil {
		slog.Error("response encode failed", "error", err)
		return
	}
	if err := m.sender.SendMessageToMobile(key, protocol.ServiceRPC, payload, false); err != nil {
		slog.Debug("response send failed", "connection_key", key, "error", err)
	}
}

func (m *Manager) sendNotificationToMobile(key protocol.ConnectionKey, functionID uint32,
	params *smartobject.Object) {

	payload, err := EncodeMobileMessage(m.versionFor(key), &MobileMessage{
		Type:       RPCNotification,
		FunctionID: functionID,
		Params:     params,
	})
	if err != nil {
		slog.Error("notification encode failed", "error", err)
		return
	}
	if err := m.sender.SendMessageToMobile(key, protocol.ServiceRPC, payload, false); err != nil {
		slog.Debug("notification send failed", "connection_key", key, "error", err)
	}
}
