package dispatch

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helperSupervisor supervises the test binary running as a library host
func helperSupervisor(t *testing.T, helperMode string, cfg SupervisorConfig) *Supervisor {
	t.Helper()

	logger := zerolog.Nop()
	cfg.LibraryPath = os.Args[0]
	cfg.Env = append(cfg.Env, envTestHelper+"="+helperMode, EnvLogLevel+"=off")
	cfg.Logger = &logger
	cfg.Stdout = io.Discard
	cfg.Stderr = io.Discard

	s, err := NewSupervisor(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestNewSupervisor_Configuration(t *testing.T) {
	t.Run("missing library path", func(t *testing.T) {
		_, err := NewSupervisor(SupervisorConfig{LibraryPath: "/definitely/not/here"})

		var ce *ConfigurationError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "library_path", ce.Field)
	})

	t.Run("directory library path", func(t *testing.T) {
		_, err := NewSupervisor(SupervisorConfig{LibraryPath: t.TempDir()})

		var ce *ConfigurationError
		assert.ErrorAs(t, err, &ce)
	})

	t.Run("defaults", func(t *testing.T) {
		logger := zerolog.Nop()
		s, err := NewSupervisor(SupervisorConfig{LibraryPath: os.Args[0], Logger: &logger})
		require.NoError(t, err)

		assert.Contains(t, s.Endpoint(), "tcp://127.0.0.1:")
		assert.Equal(t, 0, s.PID())
		assert.Equal(t, 0, s.Forks())
		assert.False(t, s.Ready())

		assert.Error(t, s.WaitReady(context.Background()))
		assert.Error(t, s.Kill())
	})
}

func TestSupervisor_Lifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns library processes")
	}

	s := helperSupervisor(t, "serve", SupervisorConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx), "second start")

	require.NoError(t, s.WaitReady(ctx))
	assert.True(t, s.Ready())
	assert.NotZero(t, s.PID())
	assert.Equal(t, 1, s.Forks())

	t.Run("client reaches the library", func(t *testing.T) {
		client, err := Dial(ctx, s.Endpoint())
		require.NoError(t, err)
		defer client.Close()

		result, err := client.Invoke(ctx, "users", "GetUserName", "ignored")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"name": "yejiayu"}, result)
	})

	require.NoError(t, s.Stop())
	assert.False(t, s.Ready())
	assert.Equal(t, 1, s.Exits())
	assert.Equal(t, 1, s.Forks())
	assert.NoError(t, s.Stop(), "second stop")
}

func TestSupervisor_RestartPolicy(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns library processes")
	}

	t.Run("production mode replaces killed workers", func(t *testing.T) {
		s := helperSupervisor(t, "serve", SupervisorConfig{Mode: ModeProduction})
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		require.NoError(t, s.Start(ctx))
		require.NoError(t, s.WaitReady(ctx))

		for want := 2; want <= 3; want++ {
			oldPID := s.PID()
			require.NoError(t, s.Kill())

			require.Eventually(t, func() bool { return s.Forks() == want }, 10*time.Second, 20*time.Millisecond)
			require.NoError(t, s.WaitReady(ctx))
			assert.NotEqual(t, oldPID, s.PID())
		}

		assert.Equal(t, 2, s.Restarts())
		assert.Equal(t, 2, s.Exits())
		assert.Equal(t, "killed", s.LastExit().Signal)
		assert.True(t, s.LastExit().Ready)
	})

	t.Run("non production mode leaves the worker down", func(t *testing.T) {
		s := helperSupervisor(t, "serve", SupervisorConfig{Mode: "development"})
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		require.NoError(t, s.Start(ctx))
		require.NoError(t, s.WaitReady(ctx))
		require.NoError(t, s.Kill())

		require.Eventually(t, func() bool { return s.Exits() == 1 }, 10*time.Second, 20*time.Millisecond)
		time.Sleep(200 * time.Millisecond)

		assert.Equal(t, 1, s.Forks())
		assert.Equal(t, 0, s.Restarts())
		assert.False(t, s.Ready())
	})

	t.Run("bounded policy stops after its limit", func(t *testing.T) {
		s := helperSupervisor(t, "exit-early", SupervisorConfig{
			Policy: NewBounded(2, BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2}),
		})
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		require.NoError(t, s.Start(ctx))

		require.Eventually(t, func() bool { return s.Exits() == 3 }, 10*time.Second, 20*time.Millisecond)
		time.Sleep(200 * time.Millisecond)

		assert.Equal(t, 3, s.Forks())
		assert.Equal(t, 2, s.Restarts())
		assert.Equal(t, 3, s.LastExit().Code)
		assert.False(t, s.LastExit().Ready)
	})
}

func TestSupervisor_InitializationFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns library processes")
	}

	for _, mode := range []string{"fail-init", "exit-early"} {
		t.Run(mode, func(t *testing.T) {
			s := helperSupervisor(t, mode, SupervisorConfig{Policy: Never()})
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()

			require.NoError(t, s.Start(ctx))

			err := s.WaitReady(ctx)
			var ie *InitializationError
			require.ErrorAs(t, err, &ie)
			assert.False(t, s.Ready())
			assert.NotZero(t, s.LastExit().Code)
		})
	}
}

func TestSupervisor_Collector(t *testing.T) {
	logger := zerolog.Nop()
	s, err := NewSupervisor(SupervisorConfig{LibraryPath: os.Args[0], Logger: &logger})
	require.NoError(t, err)

	assert.Equal(t, 3, testutil.CollectAndCount(s))

	expected := `
# HELP dispatch_supervisor_forks_total Library worker processes started
# TYPE dispatch_supervisor_forks_total counter
dispatch_supervisor_forks_total 0
# HELP dispatch_supervisor_ready 1 if the current library worker signalled readiness
# TYPE dispatch_supervisor_ready gauge
dispatch_supervisor_ready 0
`
	assert.NoError(t, testutil.CollectAndCompare(s, strings.NewReader(expected),
		"dispatch_supervisor_forks_total", "dispatch_supervisor_ready"))
}
