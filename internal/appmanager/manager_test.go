package appmanager

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/carlink/internal/hmi"
	"firestige.xyz/carlink/internal/policy"
	"firestige.xyz/carlink/internal/protocol"
	"firestige.xyz/carlink/internal/session"
	"firestige.xyz/carlink/internal/smartobject"
)

// sentMobile is one message captured by the fake protocol sender.
type sentMobile struct {
	key   protocol.ConnectionKey
	msg   *MobileMessage
	final bool
}

type fakeSender struct {
	mu         sync.Mutex
	mobile     chan sentMobile
	endService chan protocol.ServiceType
	forced     []protocol.ConnectionID
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		mobile:     make(chan sentMobile, 64),
		endService: make(chan protocol.ServiceType, 8),
	}
}

func (s *fakeSender) SendMessageToMobile(key protocol.ConnectionKey,
	service protocol.ServiceType, payload []byte, final bool) error {

	version := uint8(2)
	msg, err := DecodeMobileMessage(version, payload)
	if err != nil {
		// v1 payloads are JSON envelopes.
		msg, err = DecodeMobileMessage(1, payload)
		if err != nil {
			return err
		}
	}
	s.mobile <- sentMobile{key: key, msg: msg, final: final}
	return nil
}

func (s *fakeSender) SendEndService(key protocol.ConnectionKey, service protocol.ServiceType) {
	s.endService <- service
}

func (s *fakeSender) Disconnect(conn protocol.ConnectionID) {}

func (s *fakeSender) ForceDisconnect(conn protocol.ConnectionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced = append(s.forced, conn)
}

func (s *fakeSender) waitMobile(t *testing.T) sentMobile {
	t.Helper()
	select {
	case m := <-s.mobile:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no mobile message sent")
		return sentMobile{}
	}
}

// waitResponse skips notifications until a response arrives.
func (s *fakeSender) waitResponse(t *testing.T) sentMobile {
	t.Helper()
	for {
		m := s.waitMobile(t)
		if m.msg.Type == RPCResponse {
			return m
		}
	}
}

type fakePolicy struct {
	mu            sync.Mutex
	defaultLevels map[string]string
	denied        map[string]bool
}

func newFakePolicy() *fakePolicy {
	return &fakePolicy{
		defaultLevels: make(map[string]string),
		denied:        make(map[string]bool),
	}
}

func (p *fakePolicy) CheckPermissions(policyAppID, hmiLevel, functionName string, params []string) policy.CheckResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.denied[functionName] {
		return policy.CheckResult{Verdict: policy.VerdictDisallowed}
	}
	return policy.CheckResult{Verdict: policy.VerdictAllowed, AllowedParams: params}
}

func (p *fakePolicy) DefaultHMILevel(policyAppID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.defaultLevels[policyAppID]
}

func (p *fakePolicy) AppsSearchStarted()   {}
func (p *fakePolicy) AppsSearchCompleted() {}
func (p *fakePolicy) KmsChanged(int)       {}

type fakeMedia struct {
	mu          sync.Mutex
	micFrames   chan []byte
	micStarted  int
	micStopped  int
	audioActive map[protocol.ConnectionKey]bool
	videoActive map[protocol.ConnectionKey]bool
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{
		micFrames:   make(chan []byte, 8),
		audioActive: make(map[protocol.ConnectionKey]bool),
		videoActive: make(map[protocol.ConnectionKey]bool),
	}
}

func (f *fakeMedia) StartMicrophone(protocol.ConnectionKey) (<-chan []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.micStarted++
	return f.micFrames, nil
}

func (f *fakeMedia) StopMicrophone(protocol.ConnectionKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.micStopped++
}

func (f *fakeMedia) StartAudioStreaming(key protocol.ConnectionKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioActive[key] = true
	return nil
}

func (f *fakeMedia) StopAudioStreaming(key protocol.ConnectionKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.audioActive, key)
}

func (f *fakeMedia) StartVideoStreaming(key protocol.ConnectionKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videoActive[key] = true
	return nil
}

func (f *fakeMedia) StopVideoStreaming(key protocol.ConnectionKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.videoActive, key)
}

type fakeHMISender struct {
	messages chan *hmi.Message
}

func newFakeHMISender() *fakeHMISender {
	return &fakeHMISender{messages: make(chan *hmi.Message, 64)}
}

func (s *fakeHMISender) Send(msg *hmi.Message) error {
	s.messages <- msg
	return nil
}

func (s *fakeHMISender) waitMethod(t *testing.T, method string) *hmi.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-s.messages:
			if msg.Method == method {
				return msg
			}
		case <-deadline:
			t.Fatalf("hmi message %q never sent", method)
			return nil
		}
	}
}

type env struct {
	manager  *Manager
	sender   *fakeSender
	policy   *fakePolicy
	media    *fakeMedia
	hmi      *fakeHMISender
	registry *session.Registry
}

func testManagerConfig() Config {
	return Config{
		DefaultTimeout:       5 * time.Second,
		StopStreamingTimeout: 200 * time.Millisecond,
		ResumptionTTL:        time.Minute,
	}
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	e := &env{
		sender:   newFakeSender(),
		policy:   newFakePolicy(),
		media:    newFakeMedia(),
		hmi:      newFakeHMISender(),
		registry: session.NewRegistry(),
	}
	e.manager = New(cfg, e.sender, e.registry, e.policy, e.hmi, e.media, nil)
	e.manager.Start()
	t.Cleanup(e.manager.Stop)
	return e
}

func registerParams(name, policyID string, media bool, hmiTypes ...string) *smartobject.Object {
	params := smartobject.Map().
		Set("appName", smartobject.String(name)).
		Set("appID", smartobject.String(policyID)).
		Set("isMediaApplication", smartobject.Bool(media))
	if len(hmiTypes) > 0 {
		arr := smartobject.Array()
		for _, ht := range hmiTypes {
			arr.Append(smartobject.String(ht))
		}
		params.Set("appHMIType", arr)
	}
	return params
}

// register drives a full RegisterAppInterface round trip and returns the
// connection key.
func (e *env) register(t *testing.T, conn protocol.ConnectionID,
	params *smartobject.Object) protocol.ConnectionKey {
	t.Helper()

	e.registry.OnConnectionEstablished(conn, session.DeviceInfo{
		MAC: "AA:BB:CC", Name: "test-device",
	})
	sessionID, _, ok := e.registry.OnSessionStarted(conn, 0, protocol.ServiceRPC, 2, false)
	require.True(t, ok)
	key := session.KeyFromPair(conn, sessionID)

	payload, err := EncodeMobileMessage(2, &MobileMessage{
		Type:          RPCRequest,
		FunctionID:    FuncRegisterAppInterface,
		CorrelationID: 1,
		Params:        params,
	})
	require.NoError(t, err)
	e.manager.OnMessageReceived(key, &protocol.Message{
		ServiceType: protocol.ServiceRPC,
		Version:     2,
		Payload:     payload,
	})

	resp := e.sender.waitResponse(t)
	code, _ := mustGetString(t, resp.msg.Params, "resultCode")
	require.Equal(t, ResultSuccess, code, "registration must succeed")
	return key
}

func mustGetString(t *testing.T, params *smartobject.Object, key string) (string, bool) {
	t.Helper()
	v, ok := params.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.AsString()
	return s, ok
}

func TestRegistrationLifecycle(t *testing.T) {
	e := newEnv(t, testManagerConfig())
	key := e.register(t, 1, registerParams("NavPro", "nav-pro", false, "NAVIGATION"))

	snapshot, ok := e.manager.AppSnapshot(uint32(key))
	require.True(t, ok)
	assert.NotZero(t, snapshot.HMIAppID)
	assert.True(t, snapshot.IsNavi)
	assert.Equal(t, LevelNone, snapshot.HMILevel, "unknown policy default resolves to NONE")

	e.hmi.waitMethod(t, "BasicCommunication.OnAppRegistered")
}

func TestRegistrationGateClosed(t *testing.T) {
	e := newEnv(t, testManagerConfig())
	e.manager.SetAllAppsAllowed(false)

	e.registry.OnConnectionEstablished(1, session.DeviceInfo{MAC: "X", Name: "d"})
	sessionID, _, _ := e.registry.OnSessionStarted(1, 0, protocol.ServiceRPC, 2, false)
	key := session.KeyFromPair(1, sessionID)

	payload, _ := EncodeMobileMessage(2, &MobileMessage{
		Type: RPCRequest, FunctionID: FuncRegisterAppInterface, CorrelationID: 1,
		Params: registerParams("App", "app", false),
	})
	e.manager.OnMessageReceived(key, &protocol.Message{
		ServiceType: protocol.ServiceRPC, Version: 2, Payload: payload,
	})

	resp := e.sender.waitResponse(t)
	code, _ := mustGetString(t, resp.msg.Params, "resultCode")
	assert.Equal(t, ResultDisallowed, code)
	assert.Zero(t, e.manager.AppCount())
}

func TestDefaultLevelFromPolicy(t *testing.T) {
	e := newEnv(t, testManagerConfig())
	e.policy.defaultLevels["media-app"] = "LIMITED"

	key := e.register(t, 1, registerParams("Tunes", "media-app", true))
	snapshot, _ := e.manager.AppSnapshot(uint32(key))
	assert.Equal(t, LevelLimited, snapshot.HMILevel)
	assert.Equal(t, AudioAudible, snapshot.AudioState)
}

func TestActivationSwapBetweenMediaApps(t *testing.T) {
	e := newEnv(t, testManagerConfig())
	key1 := e.register(t, 1, registerParams("M1", "m1", true))
	key2 := e.register(t, 2, registerParams("M2", "m2", true))

	require.NoError(t, e.manager.ActivateApp(uint32(key1)))
	s1, _ := e.manager.AppSnapshot(uint32(key1))
	require.Equal(t, LevelFull, s1.HMILevel)
	require.Equal(t, AudioAudible, s1.AudioState)

	require.NoError(t, e.manager.ActivateApp(uint32(key2)))

	s1, _ = e.manager.AppSnapshot(uint32(key1))
	s2, _ := e.manager.AppSnapshot(uint32(key2))
	assert.Equal(t, LevelBackground, s1.HMILevel, "media loser leaves the audio tiers")
	assert.Equal(t, AudioNotAudible, s1.AudioState)
	assert.Equal(t, LevelFull, s2.HMILevel)
	assert.Equal(t, AudioAudible, s2.AudioState)

	// Activating an app already in Full is refused.
	assert.Error(t, e.manager.ActivateApp(uint32(key2)))
}

func TestActivationDemotesAudioCapableToLimited(t *testing.T) {
	e := newEnv(t, testManagerConfig())
	keyMedia := e.register(t, 1, registerParams("Tunes", "m1", true))
	keyNavi := e.register(t, 2, registerParams("Nav", "n1", false, "NAVIGATION"))

	require.NoError(t, e.manager.ActivateApp(uint32(keyMedia)))
	require.NoError(t, e.manager.ActivateApp(uint32(keyNavi)))

	sMedia, _ := e.manager.AppSnapshot(uint32(keyMedia))
	sNavi, _ := e.manager.AppSnapshot(uint32(keyNavi))
	assert.Equal(t, LevelLimited, sMedia.HMILevel,
		"audio-capable non-conflicting app drops to Limited")
	assert.Equal(t, LevelFull, sNavi.HMILevel)
}

func TestSingleFullInvariant(t *testing.T) {
	e := newEnv(t, testManagerConfig())
	var keys []protocol.ConnectionKey
	for i := 0; i < 4; i++ {
		keys = append(keys, e.register(t, protocol.ConnectionID(i+1),
			registerParams("app", "app-"+string(rune('a'+i)), i%2 == 0)))
	}
	for _, key := range keys {
		require.NoError(t, e.manager.ActivateApp(uint32(key)))
		full := 0
		for _, k := range keys {
			if s, ok := e.manager.AppSnapshot(uint32(k)); ok && s.HMILevel == LevelFull {
				full++
			}
		}
		assert.Equal(t, 1, full, "exactly one app in FULL after each activation")
	}
}

func TestForbiddenAppIdempotence(t *testing.T) {
	e := newEnv(t, testManagerConfig())
	key := e.register(t, 1, registerParams("Bad", "bad-app", false))

	e.manager.punish(key, ReasonTooManyRequests)
	assert.Zero(t, e.manager.AppCount())

	// Two subsequent attempts fail identically.
	for attempt := 0; attempt < 2; attempt++ {
		e.registry.OnConnectionEstablished(protocol.ConnectionID(10+attempt),
			session.DeviceInfo{MAC: "AA:BB:CC", Name: "test-device"})
		sessionID, _, _ := e.registry.OnSessionStarted(
			protocol.ConnectionID(10+attempt), 0, protocol.ServiceRPC, 2, false)
		retryKey := session.KeyFromPair(protocol.ConnectionID(10+attempt), sessionID)

		payload, _ := EncodeMobileMessage(2, &MobileMessage{
			Type: RPCRequest, FunctionID: FuncRegisterAppInterface, CorrelationID: 5,
			Params: registerParams("Bad", "bad-app", false),
		})
		e.manager.OnMessageReceived(retryKey, &protocol.Message{
			ServiceType: protocol.ServiceRPC, Version: 2, Payload: payload,
		})
		resp := e.sender.waitResponse(t)
		code, _ := mustGetString(t, resp.msg.Params, "resultCode")
		assert.Equal(t, ResultRejected, code, "attempt %d", attempt)
	}
}

func TestRequestForwardingRoundTrip(t *testing.T) {
	e := newEnv(t, testManagerConfig())
	e.policy.defaultLevels["m1"] = "BACKGROUND"
	key := e.register(t, 1, registerParams("M1", "m1", true))

	payload, _ := EncodeMobileMessage(2, &MobileMessage{
		Type: RPCRequest, FunctionID: FuncAlert, CorrelationID: 33,
		Params: smartobject.Map().Set("alertText1", smartobject.String("hello")),
	})
	e.manager.OnMessageReceived(key, &protocol.Message{
		ServiceType: protocol.ServiceRPC, Version: 2, Payload: payload,
	})

	forwarded := e.hmi.waitMethod(t, "Alert")
	require.Equal(t, hmi.TypeRequest, forwarded.Type)
	assert.NotEqual(t, uint32(33), forwarded.CorrelationID,
		"hmi correlation ids are minted independently")

	// HMI answers; the mobile side gets its original correlation id back.
	e.manager.OnHMIMessage(&hmi.Message{
		Type:          hmi.TypeResponse,
		Method:        "Alert",
		CorrelationID: forwarded.CorrelationID,
		ResultCode:    ResultSuccess,
		Params:        smartobject.Map(),
	})

	resp := e.sender.waitResponse(t)
	assert.Equal(t, uint32(33), resp.msg.CorrelationID)
	code, _ := mustGetString(t, resp.msg.Params, "resultCode")
	assert.Equal(t, ResultSuccess, code)
}

func TestRequestDeniedInNoneLevel(t *testing.T) {
	e := newEnv(t, testManagerConfig())
	key := e.register(t, 1, registerParams("App", "app", false))

	payload, _ := EncodeMobileMessage(2, &MobileMessage{
		Type: RPCRequest, FunctionID: FuncAlert, CorrelationID: 2,
		Params: smartobject.Map(),
	})
	e.manager.OnMessageReceived(key, &protocol.Message{
		ServiceType: protocol.ServiceRPC, Version: 2, Payload: payload,
	})

	resp := e.sender.waitResponse(t)
	code, _ := mustGetString(t, resp.msg.Params, "resultCode")
	assert.Equal(t, ResultDisallowed, code)
}

func TestNoneLevelBurstUnregisters(t *testing.T) {
	cfg := testManagerConfig()
	cfg.AppHMILevelNoneTimeScale = time.Second
	cfg.AppHMILevelNoneMaxRequests = 3
	e := newEnv(t, cfg)
	key := e.register(t, 1, registerParams("Spammy", "spammy", false))

	for i := 0; i < 5; i++ {
		payload, _ := EncodeMobileMessage(2, &MobileMessage{
			Type: RPCRequest, FunctionID: FuncAlert, CorrelationID: uint32(10 + i),
			Params: smartobject.Map(),
		})
		e.manager.OnMessageReceived(key, &protocol.Message{
			ServiceType: protocol.ServiceRPC, Version: 2, Payload: payload,
		})
	}

	assert.Eventually(t, func() bool { return e.manager.AppCount() == 0 },
		2*time.Second, 10*time.Millisecond,
		"app must be unregistered after the NONE burst")
}

func TestPendingLimitRejectsRequest(t *testing.T) {
	cfg := testManagerConfig()
	cfg.PendingRequestsAmount = 1
	cfg.DefaultTimeout = time.Minute
	e := newEnv(t, cfg)
	e.policy.defaultLevels["m1"] = "BACKGROUND"
	key := e.register(t, 1, registerParams("M1", "m1", true))

	send := func(corr uint32) {
		payload, _ := EncodeMobileMessage(2, &MobileMessage{
			Type: RPCRequest, FunctionID: FuncAlert, CorrelationID: corr,
			Params: smartobject.Map(),
		})
		e.manager.OnMessageReceived(key, &protocol.Message{
			ServiceType: protocol.ServiceRPC, Version: 2, Payload: payload,
		})
	}

	send(1)
	e.hmi.waitMethod(t, "Alert")

	send(2)
	resp := e.sender.waitResponse(t)
	code, _ := mustGetString(t, resp.msg.Params, "resultCode")
	assert.Equal(t, ResultTooManyPending, code)
}

func TestStreamingArbitration(t *testing.T) {
	e := newEnv(t, testManagerConfig())
	key := e.register(t, 1, registerParams("Nav", "nav", false, "NAVIGATION"))

	// Not allowed below Full/Limited.
	assert.False(t, e.manager.ServiceStartAllowed(key, protocol.ServiceVideo))

	require.NoError(t, e.manager.ActivateApp(uint32(key)))
	assert.True(t, e.manager.ServiceStartAllowed(key, protocol.ServiceVideo))
	assert.True(t, e.manager.ServiceStartAllowed(key, protocol.ServiceAudio))

	// Non-navi apps never stream.
	other := e.register(t, 2, registerParams("Tunes", "tunes", true))
	require.NoError(t, e.manager.ActivateApp(uint32(other)))
	assert.False(t, e.manager.ServiceStartAllowed(other, protocol.ServiceVideo))
}

func TestStreamingTeardownWatchdog(t *testing.T) {
	e := newEnv(t, testManagerConfig())
	key := e.register(t, 1, registerParams("Nav", "nav", false, "NAVIGATION"))
	require.NoError(t, e.manager.ActivateApp(uint32(key)))
	require.True(t, e.manager.ServiceStartAllowed(key, protocol.ServiceVideo))
	require.True(t, e.manager.ServiceStartAllowed(key, protocol.ServiceAudio))

	// Demotion away from Full/Limited triggers EndService for both
	// streaming services.
	require.NoError(t, e.manager.DemoteToNone(uint32(key)))
	ended := map[protocol.ServiceType]bool{}
	for i := 0; i < 2; i++ {
		select {
		case svc := <-e.sender.endService:
			ended[svc] = true
		case <-time.After(2 * time.Second):
			t.Fatal("end service not sent")
		}
	}
	assert.True(t, ended[protocol.ServiceAudio])
	assert.True(t, ended[protocol.ServiceVideo])

	// No acks arrive: the watchdog unregisters the app.
	assert.Eventually(t, func() bool { return e.manager.AppCount() == 0 },
		2*time.Second, 20*time.Millisecond)
}

func TestStreamingTeardownAckedInTime(t *testing.T) {
	e := newEnv(t, testManagerConfig())
	key := e.register(t, 1, registerParams("Nav", "nav", false, "NAVIGATION"))
	require.NoError(t, e.manager.ActivateApp(uint32(key)))
	require.True(t, e.manager.ServiceStartAllowed(key, protocol.ServiceVideo))
	require.True(t, e.manager.ServiceStartAllowed(key, protocol.ServiceAudio))

	require.NoError(t, e.manager.DeactivateApp(uint32(key)))
	// Deactivation of an audio-capable navi app lands in Limited, which
	// still permits streaming; force it further down.
	require.NoError(t, e.manager.DemoteToNone(uint32(key)))

	e.manager.OnServiceEndAck(key, protocol.ServiceAudio)
	e.manager.OnServiceEndAck(key, protocol.ServiceVideo)

	time.Sleep(2 * testManagerConfig().StopStreamingTimeout)
	assert.Equal(t, 1, e.manager.AppCount(), "acked teardown keeps the app registered")
}

func TestAudioPassThruSingleEntry(t *testing.T) {
	e := newEnv(t, testManagerConfig())
	key1 := e.register(t, 1, registerParams("A", "a", true))
	key2 := e.register(t, 2, registerParams("B", "b", true))

	require.NoError(t, e.manager.StartAudioPassThru(key1, 1))
	// Holder re-entry is a no-op.
	require.NoError(t, e.manager.StartAudioPassThru(key1, 1))
	// Second session refused.
	assert.ErrorIs(t, e.manager.StartAudioPassThru(key2, 2), ErrAudioPassThruBusy)

	// Stop from the non-holder is a no-op; from the holder it releases.
	_, stopped := e.manager.StopAudioPassThru(key2)
	assert.False(t, stopped)
	_, stopped = e.manager.StopAudioPassThru(key1)
	assert.True(t, stopped)
	_, stopped = e.manager.StopAudioPassThru(key1)
	assert.False(t, stopped)

	// Slot free again.
	require.NoError(t, e.manager.StartAudioPassThru(key2, 3))
}

func TestResumptionInheritsHMIAppID(t *testing.T) {
	e := newEnv(t, testManagerConfig())
	key := e.register(t, 1, registerParams("App", "app", false))
	snapshot, _ := e.manager.AppSnapshot(uint32(key))
	originalID := snapshot.HMIAppID

	// Transport loss parks the identifiers.
	e.manager.OnConnectionClosed([]protocol.ConnectionKey{key})
	assert.Zero(t, e.manager.AppCount())

	key2 := e.register(t, 2, registerParams("App", "app", false))
	resumed, _ := e.manager.AppSnapshot(uint32(key2))
	assert.Equal(t, originalID, resumed.HMIAppID, "reconnect restores the hmi app id")
}

func TestUnknownV1FunctionAnswersUnsupportedVersion(t *testing.T) {
	e := newEnv(t, testManagerConfig())
	e.registry.OnConnectionEstablished(1, session.DeviceInfo{MAC: "X", Name: "d"})
	sessionID, _, _ := e.registry.OnSessionStarted(1, 0, protocol.ServiceRPC, 1, false)
	key := session.KeyFromPair(1, sessionID)

	payload := []byte(`{"type":"request","name":"SomethingNew","correlationID":4}`)
	e.manager.OnMessageReceived(key, &protocol.Message{
		ServiceType: protocol.ServiceRPC, Version: 1, Payload: payload,
	})

	resp := e.sender.waitResponse(t)
	code, _ := mustGetString(t, resp.msg.Params, "resultCode")
	assert.Equal(t, ResultUnsupportedVersion, code)
}

func TestCorrelationSourceMonotonic(t *testing.T) {
	var c correlationSource
	previous := c.next()
	for i := 0; i < 1000; i++ {
		id := c.next()
		require.Equal(t, previous+1, id)
		previous = id
	}
}

func TestRequestControllerTimeout(t *testing.T) {
	timedOut := make(chan *Request, 1)
	c := newRequestController(requestControllerConfig{
		DefaultTimeout: 150 * time.Millisecond,
	}, func(req *Request) { timedOut <- req })
	defer c.stop()

	c.track(&Request{CorrelationID: 7, Key: 0x0101, FunctionID: FuncAlert})
	select {
	case req := <-timedOut:
		assert.Equal(t, uint32(7), req.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback not invoked")
	}
	assert.Zero(t, c.pendingCount(0x0101))
}

func TestRequestControllerAdmission(t *testing.T) {
	c := newRequestController(requestControllerConfig{
		DefaultTimeout: time.Minute,
		PendingLimit:   2,
		BurstWindow:    time.Second,
		BurstMax:       5,
	}, nil)
	defer c.stop()

	require.NoError(t, c.admit(1, LevelFull))
	c.track(&Request{CorrelationID: 1, Key: 1})
	require.NoError(t, c.admit(1, LevelFull))
	c.track(&Request{CorrelationID: 2, Key: 1})

	err := c.admit(1, LevelFull)
	assert.True(t, errors.Is(err, ErrTooManyPendingRequests))

	// Completing one frees a slot.
	require.True(t, c.complete(1, 1))
	assert.NoError(t, c.admit(1, LevelFull))
}
