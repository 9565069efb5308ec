package appmanager

import (
	"log/slog"

	"firestige.xyz/carlink/internal/hmi"
	"firestige.xyz/carlink/internal/protocol"
	"firestige.xyz/carlink/internal/smartobject"
)

// handleHMIMessage dispatches one message from the HMI side. Requests and
// notifications that fail validation drop with a log; responses that fail
// validation surface a synthetic INVALID_DATA response to the mobile side.
func (m *Manager) handleHMIMessage(msg *hmi.Message) {
	switch msg.Type {
	case hmi.TypeResponse, hmi.TypeError:
		m.handleHMIResponse(msg)
	case hmi.TypeRequest:
		m.handleHMIRequest(msg)
	case hmi.TypeNotification:
		m.handleHMINotification(msg)
	default:
		slog.Warn("hmi message with unknown type", "type", msg.Type, "method", msg.Method)
	}
}

func (m *Manager) handleHMIResponse(msg *hmi.Message) {
	m.hmiCorrMu.Lock()
	fwd, known := m.hmiToMobile[msg.CorrelationID]
	if known {
		delete(m.hmiToMobile, msg.CorrelationID)
	}
	m.hmiCorrMu.Unlock()

	if !known {
		slog.Debug("hmi response with unknown correlation",
			"correlation_id", msg.CorrelationID, "method", msg.Method)
		return
	}
	if !m.requests.complete(fwd.key, fwd.correlationID) {
		// The request already timed out; its TIMED_OUT response went out.
		return
	}

	if msg.Type == hmi.TypeError {
		code := msg.ResultCode
		if code == "" {
			code = ResultGenericError
		}
		m.sendResponseToMobile(fwd.key, fwd.functionID, fwd.correlationID,
			false, code, "", false)
		return
	}

	// A response without a parameter map is undecodable for the mobile
	// side: synthesize INVALID_DATA upstream.
	params := msg.Params
	if params == nil || params.Type() != smartobject.TypeMap {
		slog.Warn("hmi response failed validation", "method", msg.Method)
		m.sendResponseToMobile(fwd.key, fwd.functionID, fwd.correlationID,
			false, ResultInvalidData, "invalid response from hmi", false)
		return
	}

	code := msg.ResultCode
	if code == "" {
		code = ResultSuccess
	}
	m.sendResponseParamsToMobile(fwd.key, fwd.functionID, fwd.correlationID,
		code == ResultSuccess, code, params)
}

func (m *Manager) handleHMIRequest(msg *hmi.Message) {
	respond := func(code string) {
		m.enqueueHMI(&hmi.Message{
			Type:          hmi.TypeResponse,
			Method:        msg.Method,
			CorrelationID: msg.CorrelationID,
			ResultCode:    code,
		})
	}

	switch msg.Method {
	case "BasicCommunication.ActivateApp":
		id, ok := m.appIDFromHMIMessage(msg)
		if !ok {
			slog.Warn("activate request without app id")
			respond(ResultInvalidData)
			return
		}
		if err := m.ActivateApp(id); err != nil {
			slog.Warn("activation failed", "app_id", id, "error", err)
			respond(ResultRejected)
			return
		}
		respond(ResultSuccess)
	case "BasicCommunication.DeactivateApp":
		id, ok := m.appIDFromHMIMessage(msg)
		if !ok {
			respond(ResultInvalidData)
			return
		}
		if err := m.DeactivateApp(id); err != nil {
			respond(ResultRejected)
			return
		}
		respond(ResultSuccess)
	default:
		slog.Warn("unsupported hmi request dropped", "method", msg.Method)
	}
}

func (m *Manager) handleHMINotification(msg *hmi.Message) {
	switch msg.Method {
	case "BasicCommunication.OnAppDeactivated":
		if id, ok := m.appIDFromHMIMessage(msg); ok {
			m.DeactivateApp(id)
		}
	case "BasicCommunication.OnExitApplication":
		if id, ok := m.appIDFromHMIMessage(msg); ok {
			m.DemoteToNone(id)
		}
	case "BasicCommunication.OnExitAllApplications":
		m.demoteAllToNone()
	case "BasicCommunication.OnAllowSDLFunctionality":
		allowed := true
		if msg.Params != nil {
			if v, ok := msg.Params.Get("allowed"); ok {
				allowed, _ = v.AsBool()
			}
		}
		m.SetAllAppsAllowed(allowed)
	case "BasicCommunication.OnFindApplications":
		m.policy.AppsSearchStarted()
	case "BasicCommunication.OnAppsSearchCompleted":
		m.policy.AppsSearchCompleted()
	case "BasicCommunication.OnLowVoltage":
		m.OnLowVoltage()
	case "BasicCommunication.OnWakeUp":
		m.OnWakeUp()
	case "VehicleInfo.OnOdometer":
		if msg.Params != nil {
			if v, ok := msg.Params.Get("kms"); ok {
				if kms, isInt := v.AsInt(); isInt {
					m.policy.KmsChanged(int(kms))
				}
			}
		}
	default:
		m.forwardHMINotificationToMobile(msg)
	}
}

// forwardHMINotificationToMobile routes an app-scoped notification to its
// app after a policy check; policy denial drops it.
func (m *Manager) forwardHMINotificationToMobile(msg *hmi.Message) {
	functionID, known := FunctionID(msg.Method)
	if !known || msg.AppID == 0 {
		slog.Debug("hmi notification dropped", "method", msg.Method)
		return
	}
	id, registered := m.AppByHMIID(msg.AppID)
	if !registered {
		slog.Debug("hmi notification for unknown app",
			"method", msg.Method, "hmi_app_id", msg.AppID)
		return
	}

	m.appsMu.RLock()
	a := m.apps[id]
	policyAppID := a.PolicyAppID
	level := a.HMILevel
	m.appsMu.RUnlock()

	var paramKeys []string
	params := msg.Params
	if params == nil {
		params = smartobject.Map()
	} else {
		paramKeys = params.Keys()
	}
	check := m.policy.CheckPermissions(policyAppID, level.String(), msg.Method, paramKeys)
	if !check.Allowed() {
		slog.Debug("hmi notification denied by policy",
			"method", msg.Method, "hmi_app_id", msg.AppID)
		return
	}
	m.sendNotificationToMobile(protocol.ConnectionKey(id), functionID, params)
}

func (m *Manager) demoteAllToNone() {
	m.appsMu.RLock()
	ids := make([]uint32, 0, len(m.apps))
	for id := range m.apps {
		ids = append(ids, id)
	}
	m.appsMu.RUnlock()
	for _, id := range ids {
		m.DemoteToNone(id)
	}
}

// appIDFromHMIMessage resolves the internal app id from either the message
// envelope or an appID parameter, both carrying the HMI app id.
func (m *Manager) appIDFromHMIMessage(msg *hmi.Message) (uint32, bool) {
	hmiAppID := msg.AppID
	if hmiAppID == 0 && msg.Params != nil {
		if v, ok := msg.Params.Get("appID"); ok {
			if n, isInt := v.AsInt(); isInt {
				hmiAppID = uint32(n)
			}
		}
	}
	if hmiAppID == 0 {
		return 0, false
	}
	return m.AppByHMIID(hmiAppID)
}
