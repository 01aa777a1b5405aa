package dispatch

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Environment variables carrying the bootstrap contract from supervisor to child
const (
	EnvRole        = "DISPATCH_ROLE"
	EnvLibraryPath = "DISPATCH_LIBRARY_PATH"
	EnvEndpoint    = "DISPATCH_ENDPOINT"
	EnvService     = "DISPATCH_SERVICE"
	EnvReadyFD     = "DISPATCH_READY_FD"
	EnvMode        = "DISPATCH_MODE"
	EnvErrorPolicy = "DISPATCH_ERROR_POLICY"
	EnvMetricsAddr = "DISPATCH_METRICS_ADDR"
)

// RoleLibrary marks a process as the library host
const RoleLibrary = "library"

// BootstrapConfig is the typed configuration a supervisor hands to the
// library host process.
type BootstrapConfig struct {
	Role        string
	LibraryPath string
	Endpoint    string
	ServiceName string
	ReadyFD     int
	Mode        string
	ErrorPolicy ErrorPolicy

	// MetricsAddr, when set, is where the host serves its /metrics endpoint.
	MetricsAddr string
}

// Env renders the config as KEY=VALUE pairs for exec.Cmd.Env
func (c BootstrapConfig) Env() []string {
	env := []string{
		EnvRole + "=" + c.Role,
		EnvLibraryPath + "=" + c.LibraryPath,
		EnvEndpoint + "=" + c.Endpoint,
		EnvErrorPolicy + "=" + c.ErrorPolicy.String(),
	}
	if c.ServiceName != "" {
		env = append(env, EnvService+"="+c.ServiceName)
	}
	if c.ReadyFD > 0 {
		env = append(env, EnvReadyFD+"="+strconv.Itoa(c.ReadyFD))
	}
	if c.Mode != "" {
		env = append(env, EnvMode+"="+c.Mode)
	}
	if c.MetricsAddr != "" {
		env = append(env, EnvMetricsAddr+"="+c.MetricsAddr)
	}
	return env
}

// Validate checks the config before the host uses it
func (c BootstrapConfig) Validate() error {
	if c.Role != RoleLibrary {
		return fmt.Errorf("%s must be %q, got %q", EnvRole, RoleLibrary, c.Role)
	}
	if c.Endpoint == "" {
		return fmt.Errorf("%s is required", EnvEndpoint)
	}
	if !strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("%s %q is not a transport endpoint", EnvEndpoint, c.Endpoint)
	}
	if c.ReadyFD < 0 {
		return fmt.Errorf("%s must be a file descriptor, got %d", EnvReadyFD, c.ReadyFD)
	}
	return nil
}

// BootstrapFromEnv reads and validates the bootstrap config from the process environment
func BootstrapFromEnv() (BootstrapConfig, error) {
	return bootstrapFrom(os.Getenv)
}

func bootstrapFrom(getenv func(string) string) (BootstrapConfig, error) {
	cfg := BootstrapConfig{
		Role:        getenv(EnvRole),
		LibraryPath: getenv(EnvLibraryPath),
		Endpoint:    getenv(EnvEndpoint),
		ServiceName: getenv(EnvService),
		Mode:        getenv(EnvMode),
		MetricsAddr: getenv(EnvMetricsAddr),
	}

	if fd := getenv(EnvReadyFD); fd != "" {
		n, err := strconv.Atoi(fd)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s %q: %w", EnvReadyFD, fd, err)
		}
		cfg.ReadyFD = n
	}

	policy, err := ParseErrorPolicy(getenv(EnvErrorPolicy))
	if err != nil {
		return cfg, err
	}
	cfg.ErrorPolicy = policy

	return cfg, cfg.Validate()
}

// ReadySignal is sent once from the library host to its supervisor after
// the library has been parsed.
type ReadySignal struct {
	Ready bool `msgpack:"ready"`
	PID   int  `msgpack:"pid"`
}

// SignalReady writes the readiness message to w
func SignalReady(w io.Writer) error {
	return msgpack.NewEncoder(w).Encode(ReadySignal{Ready: true, PID: os.Getpid()})
}

// ReadReady decodes one readiness message from r
func ReadReady(r io.Reader) (ReadySignal, error) {
	var sig ReadySignal
	if err := msgpack.NewDecoder(r).Decode(&sig); err != nil {
		return sig, err
	}
	return sig, nil
}

// signalReadyFD writes the readiness message to the inherited descriptor fd
func signalReadyFD(fd int) error {
	if fd <= 0 {
		return nil
	}
	f := os.NewFile(uintptr(fd), "dispatch-ready")
	if f == nil {
		return fmt.Errorf("ready descriptor %d is not open", fd)
	}
	defer f.Close()
	return SignalReady(f)
}
