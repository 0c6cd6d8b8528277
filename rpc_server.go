package lodestar

import (
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// SourceControl is the sub-server that handles configuration and operation of
// the Lodestar sample sources.
type SourceControl struct {
	hx711Source HX711Source
	simSource   SimSource

	lock          sync.Mutex // guards the remaining fields
	session       *Session
	sessionConfig SessionConfig
	status        ServerStatus
	lastResult    *SessionResult
}

// ServerStatus is the status that SourceControl reports to clients.
type ServerStatus struct {
	Running    bool
	SourceName string
	Nchannels  int
	RateHz     float64
	Rows       int
	OutputPath string
}

// whileNotRunning runs configure only if no session is in progress: a source
// must not be reconfigured under a session that is reading from it.
func (s *SourceControl) whileNotRunning(configure func() error) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.status.Running {
		return fmt.Errorf("cannot configure a source while a session is running")
	}
	return configure()
}

// FactorArgs holds the arguments to a Multiply operation
type FactorArgs struct {
	A, B int
}

// Multiply is a silly RPC service that multiplies its two arguments.
func (s *SourceControl) Multiply(args *FactorArgs, reply *int) error {
	*reply = args.A * args.B
	return nil
}

// Ping replies with the build identification, so clients can verify that the
// server is alive and learn what version it runs.
func (s *SourceControl) Ping(dummy *string, reply *BuildInfo) error {
	*reply = Build
	return nil
}

// ConfigureHX711Source configures the GPIO-attached converters.
func (s *SourceControl) ConfigureHX711Source(args *HX711SourceConfig, reply *bool) error {
	UpdateLogger.Printf("ConfigureHX711Source: %d channels", len(args.Channels))
	err := s.whileNotRunning(func() error { return s.hx711Source.Configure(args) })
	if err == nil {
		broadcastToClients("HX711", args)
	}
	*reply = (err == nil)
	UpdateLogger.Printf("Result is okay=%t", *reply)
	return err
}

// ConfigureSimSource configures the source of simulated converters.
func (s *SourceControl) ConfigureSimSource(args *SimSourceConfig, reply *bool) error {
	UpdateLogger.Printf("ConfigureSimSource: %d chan, values=%v", args.Nchan, args.Values)
	err := s.whileNotRunning(func() error { return s.simSource.Configure(args) })
	if err == nil {
		broadcastToClients("SIM", args)
	}
	*reply = (err == nil)
	UpdateLogger.Printf("Result is okay=%t", *reply)
	return err
}

// ConfigureSession sets the sampling schedule and output path that the next
// Start will use.
func (s *SourceControl) ConfigureSession(args *SessionConfig, reply *bool) error {
	UpdateLogger.Printf("ConfigureSession: %.4g Hz for %v to %q",
		args.Sampler.RateHz, args.Sampler.Duration, args.OutputPath)
	if args.Sampler.RateHz <= 0 || args.Sampler.RateHz > MaxRateHz {
		*reply = false
		return fmt.Errorf("sample rate %.4g Hz outside (0, %d]", args.Sampler.RateHz, MaxRateHz)
	}
	s.lock.Lock()
	s.sessionConfig = *args
	s.lock.Unlock()
	broadcastToClients("SESSION", args)
	*reply = true
	UpdateLogger.Printf("Result is okay=%t", *reply)
	return nil
}

// Start will identify the source given by sourceName, build a Session around
// it, and begin acquiring in the background. Stop ends an unbounded run.
func (s *SourceControl) Start(sourceName *string, reply *bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.session != nil && s.status.Running {
		return fmt.Errorf("a session is already running (you should call Stop)")
	}

	var source SampleSource
	var nchan int
	switch strings.ToUpper(*sourceName) {
	case "HX711SOURCE", "HX711":
		if len(s.hx711Source.config.Channels) == 0 {
			return fmt.Errorf("HX711Source is not configured (call ConfigureHX711Source)")
		}
		source = &s.hx711Source
		nchan = len(s.hx711Source.config.Channels)

	case "SIMSOURCE", "SIM":
		if s.simSource.config.Nchan == 0 {
			return fmt.Errorf("SimSource is not configured (call ConfigureSimSource)")
		}
		source = &s.simSource
		nchan = s.simSource.config.Nchan

	default:
		return fmt.Errorf("sample source %q is not recognized", *sourceName)
	}
	s.status.SourceName = source.Name()
	if s.sessionConfig.Sampler.RateHz <= 0 {
		return fmt.Errorf("no session is configured (call ConfigureSession)")
	}

	session := NewSession(source, s.sessionConfig)
	s.session = session
	s.status.Running = true
	s.status.Nchannels = nchan
	s.status.RateHz = s.sessionConfig.Sampler.RateHz
	s.status.OutputPath = s.sessionConfig.OutputPath
	s.status.Rows = 0
	UpdateLogger.Printf("Starting sample source named %s", *sourceName)

	go func() {
		result, err := session.Run()
		s.lock.Lock()
		s.lastResult = result
		s.status.Running = false
		s.status.SourceName = ""
		s.status.Nchannels = 0
		s.lock.Unlock()
		if err != nil {
			ProblemLogger.Printf("session ended with error: %v", err)
		}
		s.broadcastStatus()
		if result != nil {
			broadcastToClients("SUMMARY", summarizeResult(result))
		}
	}()
	*reply = true
	return nil
}

// Stop ends the running session between ticks.
func (s *SourceControl) Stop(dummy *string, reply *bool) error {
	s.lock.Lock()
	session := s.session
	running := s.status.Running
	s.lock.Unlock()
	if session == nil || !running {
		return fmt.Errorf("no session is running")
	}
	UpdateLogger.Printf("Stopping the running session")
	err := session.Stop()
	*reply = (err == nil)
	return err
}

// SessionStatus reports the server status, including the row count of the
// session in progress.
func (s *SourceControl) SessionStatus(dummy *string, reply *ServerStatus) error {
	s.lock.Lock()
	*reply = s.status
	if s.session != nil {
		reply.Rows = s.session.RowCount()
	}
	s.lock.Unlock()
	return nil
}

func (s *SourceControl) broadcastStatus() {
	s.lock.Lock()
	status := s.status
	if s.session != nil {
		status.Rows = s.session.RowCount()
		s.status.Rows = status.Rows
	}
	s.lock.Unlock()
	broadcastToClients("STATUS", status)
}

// SessionSummary describes a finished run to RPC and status clients.
type SessionSummary struct {
	Ticks      int
	Overruns   int
	End        string
	OutputPath string
	Channels   []ChannelSummary
}

func summarizeResult(r *SessionResult) SessionSummary {
	return SessionSummary{
		Ticks:      r.Ticks,
		Overruns:   r.Overruns,
		End:        r.End.String(),
		OutputPath: r.OutputPath,
		Channels:   r.Summarize(),
	}
}

// LastSessionResult reports the summary of the most recently finished run.
func (s *SourceControl) LastSessionResult(dummy *string, reply *SessionSummary) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.lastResult == nil {
		return fmt.Errorf("no session has finished yet")
	}
	*reply = summarizeResult(s.lastResult)
	return nil
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info
func (s *SourceControl) SendAllStatus(dummy *string, reply *bool) error {
	s.broadcastStatus()
	broadcastToClients("SENDALL", 0)
	*reply = true
	return nil
}

// RunRPCServer sets up and runs a permanent JSON-RPC server. When block is
// true it serves on the calling goroutine and never returns.
func RunRPCServer(portrpc int, block bool) {

	// Set up objects to handle remote calls
	sourceControl := new(SourceControl)

	// Load stored settings
	var okay bool
	UpdateLogger.Printf("Lodestar is using config file %s", viper.ConfigFileUsed())
	if viper.IsSet("hx711") {
		var hc HX711SourceConfig
		if err := viper.UnmarshalKey("hx711", &hc); err == nil {
			sourceControl.ConfigureHX711Source(&hc, &okay)
		}
	}
	if viper.IsSet("sim") {
		var sc SimSourceConfig
		if err := viper.UnmarshalKey("sim", &sc); err == nil {
			sourceControl.ConfigureSimSource(&sc, &okay)
		}
	}
	if viper.IsSet("session") {
		var xc SessionConfig
		if err := viper.UnmarshalKey("session", &xc); err == nil {
			sourceControl.ConfigureSession(&xc, &okay)
		}
	}

	go func() {
		for range time.Tick(2 * time.Second) {
			sourceControl.broadcastStatus()
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	server.Register(sourceControl)
	server.HandleHTTP(rpc.DefaultRPCPath, rpc.DefaultDebugPath)
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", portrpc))
	if err != nil {
		ProblemLogger.Fatal("listen error:", err)
	}
	serve := func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				ProblemLogger.Print("accept error: " + err.Error())
				return
			}
			UpdateLogger.Printf("new connection established")
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}
	if block {
		serve()
	} else {
		go serve()
	}
}
