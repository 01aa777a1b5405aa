package dispatch

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

const (
	RegistryFileName = "cluster_dispatch_services.json"
	DiscoveryTimeout = 5 * time.Second
)

var ErrServiceNotFound = errors.New("service not found")

// ServiceRegistry maps service names to library host endpoints via a JSON file
type ServiceRegistry struct {
	// update serializes load-modify-save cycles within the process
	update   sync.Mutex
	mu       sync.RWMutex
	services map[string]ServiceInfo
	filePath string
}

// ServiceInfo holds service registration data
type ServiceInfo struct {
	Endpoint  string    `json:"endpoint"`
	PID       int       `json:"pid"`
	StartTime time.Time `json:"start_time"`
}

// registrySingleton is the global registry instance
var registrySingleton *ServiceRegistry
var registryOnce sync.Once

// getRegistry returns the singleton registry instance
func getRegistry() *ServiceRegistry {
	registryOnce.Do(func() {
		registrySingleton = &ServiceRegistry{
			services: make(map[string]ServiceInfo),
			filePath: getRegistryPath(),
		}
		registrySingleton.load()
	})
	return registrySingleton
}

// EnvRegistryPath overrides the registry file location
const EnvRegistryPath = "DISPATCH_REGISTRY_PATH"

// getRegistryPath returns the path to the registry file
func getRegistryPath() string {
	if path := os.Getenv(EnvRegistryPath); path != "" {
		return path
	}
	// Use temp directory for cross-platform compatibility
	tmpDir := os.TempDir()
	return filepath.Join(tmpDir, RegistryFileName)
}

// load reads the registry from disk
func (r *ServiceRegistry) load() error {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File doesn't exist yet
		}
		return err
	}

	services := make(map[string]ServiceInfo)
	if err := json.Unmarshal(data, &services); err != nil {
		return err
	}

	r.mu.Lock()
	r.services = services
	r.mu.Unlock()
	return nil
}

// save writes the registry to disk
func (r *ServiceRegistry) save() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, err := json.MarshalIndent(r.services, "", "  ")
	if err != nil {
		return err
	}

	// Write to a sibling temp file and rename so readers never see a partial file
	tmp, err := os.CreateTemp(filepath.Dir(r.filePath), filepath.Base(r.filePath)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), r.filePath)
}

// refresh reloads the registry without racing a concurrent modify
func (r *ServiceRegistry) refresh() error {
	r.update.Lock()
	defer r.update.Unlock()
	return r.load()
}

// modify runs fn against the freshly loaded services and saves the result
func (r *ServiceRegistry) modify(fn func(services map[string]ServiceInfo)) error {
	r.update.Lock()
	defer r.update.Unlock()

	if err := r.load(); err != nil {
		return err
	}

	r.mu.Lock()
	fn(r.services)
	r.mu.Unlock()

	return r.save()
}

// Register records the endpoint of the library host serving serviceID
func Register(serviceID string, endpoint string) error {
	return getRegistry().modify(func(services map[string]ServiceInfo) {
		services[serviceID] = ServiceInfo{
			Endpoint:  endpoint,
			PID:       os.Getpid(),
			StartTime: time.Now(),
		}
	})
}

// Unregister removes a service from the registry
func Unregister(serviceID string) error {
	return getRegistry().modify(func(services map[string]ServiceInfo) {
		delete(services, serviceID)
	})
}

// Discover finds a service by ID and returns its endpoint
func Discover(serviceID string, timeout time.Duration) (string, error) {
	if timeout == 0 {
		timeout = DiscoveryTimeout
	}

	r := getRegistry()
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		// Reload from disk to get latest
		if err := r.refresh(); err != nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		r.mu.RLock()
		info, exists := r.services[serviceID]
		r.mu.RUnlock()

		if exists {
			// Check if process is still alive
			if isProcessAlive(info.PID) {
				return info.Endpoint, nil
			}
			// Process dead, clean up
			_ = Unregister(serviceID)
		}

		time.Sleep(100 * time.Millisecond)
	}

	return "", ErrServiceNotFound
}

// isProcessAlive checks if a process with the given PID is running
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, sending signal 0 checks if process exists
	return proc.Signal(syscall.Signal(0)) == nil
}

// ListServices returns all registered services
func ListServices() (map[string]ServiceInfo, error) {
	r := getRegistry()
	if err := r.refresh(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	// Return a copy
	result := make(map[string]ServiceInfo)
	for k, v := range r.services {
		result[k] = v
	}
	return result, nil
}

// ClearRegistry removes all services from the registry
func ClearRegistry() error {
	return getRegistry().modify(func(services map[string]ServiceInfo) {
		for name := range services {
			delete(services, name)
		}
	})
}

// GetRegistryPath returns the current registry file path (for debugging)
func GetRegistryPath() string {
	return getRegistryPath()
}
