package appmanager

import (
	"firestige.xyz/carlink/internal/smartobject"
)

// Function ids of the mobile API subset the core inspects. Everything else
// is routed opaquely.
const (
	FuncRegisterAppInterface   uint32 = 0x01
	FuncUnregisterAppInterface uint32 = 0x02
	FuncSetGlobalProperties    uint32 = 0x03
	FuncAlert                  uint32 = 0x0C
	FuncShow                   uint32 = 0x0D
	FuncSpeak                  uint32 = 0x0E
	FuncPerformAudioPassThru   uint32 = 0x10
	FuncEndAudioPassThru       uint32 = 0x11

	FuncOnHMIStatus               uint32 = 0x8001
	FuncOnAppInterfaceUnregistered uint32 = 0x8002
	FuncOnPermissionsChange       uint32 = 0x8006
	FuncOnAudioPassThru           uint32 = 0x8011
)

var functionNames = map[uint32]string{
	FuncRegisterAppInterface:       "RegisterAppInterface",
	FuncUnregisterAppInterface:     "UnregisterAppInterface",
	FuncSetGlobalProperties:        "SetGlobalProperties",
	FuncAlert:                      "Alert",
	FuncShow:                       "Show",
	FuncSpeak:                      "Speak",
	FuncPerformAudioPassThru:       "PerformAudioPassThru",
	FuncEndAudioPassThru:           "EndAudioPassThru",
	FuncOnHMIStatus:                "OnHMIStatus",
	FuncOnAppInterfaceUnregistered: "OnAppInterfaceUnregistered",
	FuncOnPermissionsChange:        "OnPermissionsChange",
	FuncOnAudioPassThru:            "OnAudioPassThru",
}

var functionIDs = func() map[string]uint32 {
	m := make(map[string]uint32, len(functionNames))
	for id, name := range functionNames {
		m[name] = id
	}
	return m
}()

// FunctionName returns the registered name for id, empty when unknown.
func FunctionName(id uint32) string {
	return functionNames[id]
}

// FunctionID resolves a name; ok is false for unknown names.
func FunctionID(name string) (uint32, bool) {
	id, ok := functionIDs[name]
	return id, ok
}

// functionSchemas holds the validation schema attached to v2+ messages.
// Functions absent from the map validate against a permissive map schema.
var functionSchemas = map[uint32]smartobject.Schema{
	FuncRegisterAppInterface: smartobject.MapSchema{
		AllowUnknown: true,
		Members: map[string]smartobject.Member{
			"appName":  {Schema: smartobject.StringSchema{MinLength: 1, MaxLength: 100}, Mandatory: true},
			"appID":    {Schema: smartobject.StringSchema{MinLength: 1, MaxLength: 100}, Mandatory: true},
			"languageDesired":    {Schema: smartobject.StringSchema{MaxLength: 16}},
			"hmiDisplayLanguageDesired": {Schema: smartobject.StringSchema{MaxLength: 16}},
			"isMediaApplication": {Schema: smartobject.BoolSchema{}},
			"appHMIType": {Schema: smartobject.ArraySchema{
				Element: smartobject.StringSchema{MaxLength: 32}, MaxSize: 16}},
		},
	},
	FuncUnregisterAppInterface: smartobject.MapSchema{AllowUnknown: true},
	FuncPerformAudioPassThru: smartobject.MapSchema{
		AllowUnknown: true,
		Members: map[string]smartobject.Member{
			"samplingRate":  {Schema: smartobject.StringSchema{MaxLength: 16}},
			"maxDuration":   {Schema: smartobject.IntSchema{}},
			"bitsPerSample": {Schema: smartobject.StringSchema{MaxLength: 16}},
		},
	},
}

// SchemaFor returns the validation schema for a function.
func SchemaFor(functionID uint32) smartobject.Schema {
	if schema, ok := functionSchemas[functionID]; ok {
		return schema
	}
	return smartobject.MapSchema{AllowUnknown: true}
}
