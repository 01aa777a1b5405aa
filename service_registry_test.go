package dispatch

import (
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceRegistry_Paths(t *testing.T) {
	t.Run("registry path honours override", func(t *testing.T) {
		path := getRegistryPath()
		assert.Equal(t, os.Getenv(EnvRegistryPath), path)
		assert.Equal(t, path, GetRegistryPath())
	})

	t.Run("default path is in temp dir", func(t *testing.T) {
		t.Setenv(EnvRegistryPath, "")
		path := getRegistryPath()
		assert.Contains(t, path, os.TempDir())
		assert.Contains(t, path, RegistryFileName)
	})
}

func TestServiceRegistry_Lifecycle(t *testing.T) {
	require.NoError(t, ClearRegistry())

	t.Run("register and discover service", func(t *testing.T) {
		serviceID := "test-service-" + time.Now().Format("20060102150405")
		endpoint := "tcp://127.0.0.1:55555"

		require.NoError(t, Register(serviceID, endpoint))

		discovered, err := Discover(serviceID, 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, endpoint, discovered)

		assert.NoError(t, Unregister(serviceID))
	})

	t.Run("discover non-existent service", func(t *testing.T) {
		_, err := Discover("non-existent-service", 300*time.Millisecond)
		assert.ErrorIs(t, err, ErrServiceNotFound)
	})

	t.Run("unregister service", func(t *testing.T) {
		serviceID := "test-unregister-" + time.Now().Format("20060102150405")

		require.NoError(t, Register(serviceID, "tcp://127.0.0.1:55554"))
		require.NoError(t, Unregister(serviceID))

		_, err := Discover(serviceID, 200*time.Millisecond)
		assert.Error(t, err)
	})

	t.Run("dead process entries are dropped", func(t *testing.T) {
		data, err := json.Marshal(map[string]ServiceInfo{
			"ghost": {Endpoint: "tcp://127.0.0.1:1", PID: 1 << 22, StartTime: time.Now()},
		})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(getRegistryPath(), data, 0644))

		_, err = Discover("ghost", 300*time.Millisecond)
		assert.ErrorIs(t, err, ErrServiceNotFound)

		services, err := ListServices()
		require.NoError(t, err)
		assert.NotContains(t, services, "ghost")
	})
}

func TestServiceRegistry_List(t *testing.T) {
	require.NoError(t, ClearRegistry())

	t.Run("list services", func(t *testing.T) {
		services, err := ListServices()
		require.NoError(t, err)
		assert.Empty(t, services)

		serviceID := "test-list-" + time.Now().Format("20060102150405")
		require.NoError(t, Register(serviceID, "tcp://127.0.0.1:55553"))

		services, err = ListServices()
		require.NoError(t, err)
		require.Contains(t, services, serviceID)
		assert.Equal(t, os.Getpid(), services[serviceID].PID)
		assert.Equal(t, "tcp://127.0.0.1:55553", services[serviceID].Endpoint)

		assert.NoError(t, Unregister(serviceID))
	})
}

func TestServiceRegistry_Clear(t *testing.T) {
	t.Run("clear registry", func(t *testing.T) {
		serviceID := "test-clear-" + time.Now().Format("20060102150405")
		require.NoError(t, Register(serviceID, "tcp://127.0.0.1:55552"))

		require.NoError(t, ClearRegistry())

		services, err := ListServices()
		require.NoError(t, err)
		assert.Empty(t, services)
	})
}

func TestServiceRegistry_Concurrent(t *testing.T) {
	t.Run("concurrent register and unregister", func(t *testing.T) {
		require.NoError(t, ClearRegistry())

		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				serviceID := "concurrent-test-" + string(rune('0'+idx))
				if err := Register(serviceID, "tcp://127.0.0.1:5500"+string(rune('0'+idx))); err == nil {
					time.Sleep(50 * time.Millisecond)
					_ = Unregister(serviceID)
				}
			}(i)
		}
		wg.Wait()

		services, err := ListServices()
		require.NoError(t, err)
		for name := range services {
			assert.NotContains(t, name, "concurrent-test-")
		}
	})
}
