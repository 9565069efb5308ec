// Package daemon implements the head-unit middleware lifecycle: it loads
// configuration, wires the collaborators together and runs until a
// termination signal.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"firestige.xyz/carlink/internal/appmanager"
	"firestige.xyz/carlink/internal/config"
	"firestige.xyz/carlink/internal/engine"
	"firestige.xyz/carlink/internal/hmi"
	logpkg "firestige.xyz/carlink/internal/log"
	"firestige.xyz/carlink/internal/media"
	"firestige.xyz/carlink/internal/metrics"
	"firestige.xyz/carlink/internal/policy"
	"firestige.xyz/carlink/internal/protocol"
	"firestige.xyz/carlink/internal/session"
	"firestige.xyz/carlink/internal/telemetry"
	"firestige.xyz/carlink/internal/transport"
)

// Daemon owns every long-lived component.
type Daemon struct {
	config     *config.Config
	configPath string

	registry      *session.Registry
	engine        *engine.Engine
	manager       *appmanager.Manager
	tcp           *transport.TCPServer
	hmiAdapter    hmi.Adapter
	bus           *hmi.Bus
	reporter      telemetry.Reporter
	metricsServer *metrics.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// New loads the configuration and builds a daemon.
func New(configPath string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	d := &Daemon{
		config:     cfg,
		configPath: configPath,
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start initializes and starts all components leaf-first.
func (d *Daemon) Start() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return fmt.Errorf("failed to init logging: %w", err)
	}
	slog.Info("starting carlink daemon", "config", d.configPath)

	pol, err := policy.LoadTable(d.config.Policy.TablePath)
	if err != nil {
		return fmt.Errorf("failed to load policy table: %w", err)
	}

	d.reporter = telemetry.NopReporter{}
	if d.config.Telemetry.Enabled {
		reporter, err := telemetry.NewKafkaReporter(
			d.config.Telemetry.Brokers, d.config.Telemetry.Topic)
		if err != nil {
			return fmt.Errorf("failed to create telemetry reporter: %w", err)
		}
		d.reporter = reporter
	}

	switch d.config.HMI.Adapter {
	case "websocket":
		var opts config.WebsocketOptions
		if err := config.DecodeOptions(d.config.HMI.Options, &opts); err != nil {
			return fmt.Errorf("invalid hmi options: %w", err)
		}
		d.hmiAdapter = hmi.NewWebsocketAdapter(d.config.HMI.WebsocketURL,
			opts.Origin, config.Duration(opts.ReconnectDelay, 3*time.Second))
	default:
		d.hmiAdapter = hmi.NewInProcessAdapter(d.config.HMI.BusQueueSize)
	}
	d.bus = hmi.NewBus(d.config.HMI.BusPartitions, d.config.HMI.BusQueueSize)
	hmiSender := hmi.NewBusSender(d.bus, d.hmiAdapter)

	d.registry = session.NewRegistry()

	pc := d.config.Protocol
	mc := d.config.AppManager

	// The engine needs a transport and an observer; both close the loop
	// below, so wire through late-bound holders.
	var eng *engine.Engine
	d.tcp = transport.NewTCPServer(d.config.Transport.Listen, &handlerProxy{engine: &eng})

	d.manager = appmanager.New(appmanager.Config{
		DefaultTimeout:             config.Duration(mc.DefaultTimeout, 10*time.Second),
		PendingRequestsAmount:      mc.PendingRequestsAmount,
		AppRequestsTimeScale:       config.Duration(mc.AppRequestsTimeScale, 10*time.Second),
		AppTimeScaleMaxRequests:    mc.AppTimeScaleMaxRequests,
		AppHMILevelNoneTimeScale:   config.Duration(mc.AppHMILevelNoneTimeScale, 10*time.Second),
		AppHMILevelNoneMaxRequests: mc.AppHMILevelNoneMaxRequests,
		StopStreamingTimeout:       config.Duration(mc.StopStreamingTimeout, time.Second),
		TTSGlobalPropertiesTimeout: config.Duration(mc.TTSGlobalPropertiesTimeout, 20*time.Second),
		ResumptionTTL:              config.Duration(mc.ResumptionTTL, 3*time.Minute),
		HMIQueueSize:               d.config.HMI.BusQueueSize,
	}, nil, d.registry, pol, hmiSender, media.NewStub(), d.reporter)

	eng = engine.New(engine.Config{
		MaxPayloadSize:         pc.MaxPayloadSize,
		MaxFrameData:           pc.MaxFrameData,
		MultiframeEnabled:      pc.MultiframeEnabled,
		SDL4Enabled:            pc.SDL4Enabled,
		HeartbeatEnabled:       pc.HeartbeatEnabled,
		HeartbeatTimeout:       config.Duration(pc.HeartbeatTimeout, 7*time.Second),
		MessageFrequencyTime:   config.Duration(pc.MessageFrequencyTime, time.Second),
		MessageMaxFrequency:    pc.MessageMaxFrequency,
		MalformedFiltering:     pc.MalformedFiltering,
		MalformedFrequencyTime: config.Duration(pc.MalformedFrequencyTime, time.Second),
		MalformedMaxFrequency:  pc.MalformedMaxFrequency,
		OutboundQueueSize:      pc.OutboundQueueSize,
		SecurityEnabled:        pc.SecurityEnabled,
	}, d.registry, d.tcp, d.manager, nil)
	d.engine = eng
	d.manager.BindSender(eng)

	d.engine.Start()
	d.manager.Start()
	if err := d.hmiAdapter.Start(d.manager); err != nil {
		return fmt.Errorf("failed to start hmi adapter: %w", err)
	}
	if err := d.tcp.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	if d.config.Metrics.Enabled {
		d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
		if err := d.metricsServer.Start(d.ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	slog.Info("carlink daemon started", "listen", d.config.Transport.Listen)
	return nil
}

// Run blocks until SIGINT or SIGTERM, then shuts down.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("shutting down", "signal", sig.String())

	d.Stop()
	return nil
}

// Stop tears the components down in reverse dependency order.
func (d *Daemon) Stop() {
	d.cancel()
	if d.tcp != nil {
		d.tcp.Stop()
	}
	if d.hmiAdapter != nil {
		d.hmiAdapter.Stop()
	}
	if d.engine != nil {
		d.engine.Stop()
	}
	if d.manager != nil {
		d.manager.Stop()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if d.metricsServer != nil {
		d.metricsServer.Stop(context.Background())
	}
	if d.reporter != nil {
		d.reporter.Close()
	}
	slog.Info("carlink daemon stopped")
}

// handlerProxy defers transport callbacks to the engine, which is created
// after the TCP server it depends on.
type handlerProxy struct {
	engine **engine.Engine
}

func (p *handlerProxy) OnConnect(conn protocol.ConnectionID, device transport.DeviceInfo) {
	if e := *p.engine; e != nil {
		e.OnConnect(conn, device)
	}
}

func (p *handlerProxy) OnBytes(conn protocol.ConnectionID, data []byte) {
	if e := *p.engine; e != nil {
		e.OnBytes(conn, data)
	}
}

func (p *handlerProxy) OnDisconnect(conn protocol.ConnectionID) {
	if e := *p.engine; e != nil {
		e.OnDisconnect(conn)
	}
}
