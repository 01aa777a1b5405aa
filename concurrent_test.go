package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestHost_ConcurrentInvocations(t *testing.T) {
	h := newReadyHost(t)
	ctx := context.Background()

	const n = 200
	var g errgroup.Group
	for i := 0; i < n; i++ {
		method := []string{"GetUserName", "GetUserNameByPromise", "GetUserNameByGen"}[i%3]
		g.Go(func() error {
			mail, ch := recordingMail(fmt.Sprintf("caller-%d", i))
			h.Invoke(ctx, mail, &InvocationRequest{ObjectName: "users", MethodName: method, Args: []any{"yejiayu"}})

			select {
			case r := <-ch:
				if r.err != nil {
					return r.err
				}
				if r.value != (userRecord{Name: "yejiayu"}) {
					return fmt.Errorf("%s: unexpected result %v", method, r.value)
				}
				return nil
			case <-time.After(5 * time.Second):
				return fmt.Errorf("%s: no reply", method)
			}
		})
	}
	require.NoError(t, g.Wait())

	snap := h.Metrics().Snapshot()
	assert.Equal(t, n, snap.RequestsTotal)
	assert.Equal(t, n, snap.RequestsSuccess)
	assert.Equal(t, 0, snap.InFlight)
}

type counter struct {
	N int
}

func (c *counter) Inc() int {
	n := c.N
	time.Sleep(100 * time.Microsecond)
	c.N = n + 1
	return c.N
}

func TestHost_SynchronousMembersTakeTurns(t *testing.T) {
	ctx := context.Background()

	t.Run("read modify write is never interleaved", func(t *testing.T) {
		c := &counter{}
		h := NewHost(Library{"counter": c}, WithLogger(zerolog.Nop()))
		require.NoError(t, h.Init(ctx))

		const n = 200
		var g errgroup.Group
		for i := 0; i < n; i++ {
			g.Go(func() error {
				mail, ch := recordingMail(fmt.Sprintf("caller-%d", i))
				h.Invoke(ctx, mail, &InvocationRequest{ObjectName: "counter", MethodName: "Inc"})
				select {
				case r := <-ch:
					return r.err
				case <-time.After(10 * time.Second):
					return fmt.Errorf("no reply")
				}
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, n, c.N)
	})

	t.Run("awaiting gives up the turn", func(t *testing.T) {
		gate := NewFuture()
		h := NewHost(Library{
			"jobs": NewService().
				Method("Hold", func() Routine {
					return func(await AwaitFunc) (any, error) {
						return await(gate)
					}
				}).
				Method("Ping", func() string { return "pong" }),
		}, WithLogger(zerolog.Nop()))
		require.NoError(t, h.Init(ctx))

		holdMail, held := recordingMail("holder")
		h.Invoke(ctx, holdMail, &InvocationRequest{ObjectName: "jobs", MethodName: "Hold"})
		require.Eventually(t, func() bool { return h.Metrics().Snapshot().InFlight == 1 }, time.Second, 5*time.Millisecond)

		mail, ch := recordingMail("pinger")
		h.Invoke(ctx, mail, &InvocationRequest{ObjectName: "jobs", MethodName: "Ping"})
		r := awaitReply(t, ch)
		require.NoError(t, r.err)
		assert.Equal(t, "pong", r.value)
		assertNoReply(t, held)

		gate.Resolve("released")
		r = awaitReply(t, held)
		require.NoError(t, r.err)
		assert.Equal(t, "released", r.value)
	})
}

func TestHost_ConcurrentSubscriptions(t *testing.T) {
	sink := &eventRecorder{}
	h := newReadyHost(t, WithEventSink(sink))
	ctx := context.Background()

	const subscribers = 20
	subs := make([]*Subscription, subscribers)
	var g errgroup.Group
	for i := 0; i < subscribers; i++ {
		g.Go(func() error {
			sub, err := h.Subscribe(ctx, fmt.Sprintf("peer-%d", i), &InvocationRequest{
				ObjectName: "users",
				MethodName: "On",
				Args:       []any{"touched", nil},
				IsEvent:    true,
				EventName:  "touched",
			})
			subs[i] = sub
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, subscribers, h.Subscriptions())

	mail, ch := recordingMail("toucher")
	h.Invoke(ctx, mail, &InvocationRequest{ObjectName: "users", MethodName: "Touch", Args: []any{"x", 1}})
	require.NoError(t, awaitReply(t, ch).err)
	assert.Len(t, sink.Events(), subscribers)

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Cancel()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.Subscriptions())
}

func TestMail_OneShot(t *testing.T) {
	t.Run("only the first reply is delivered", func(t *testing.T) {
		mail, ch := recordingMail("a")

		var wg sync.WaitGroup
		var mu sync.Mutex
		delivered := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if mail.Reply(i) == nil {
					mu.Lock()
					delivered++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, delivered)
		assert.Len(t, ch, 1)
	})

	t.Run("error reply counts as the reply", func(t *testing.T) {
		mail, ch := recordingMail("b")
		require.NoError(t, mail.ReplyError(ErrUnknownMember))
		assert.ErrorIs(t, mail.Reply("late"), ErrAlreadyReplied)

		r := awaitReply(t, ch)
		assert.ErrorIs(t, r.err, ErrUnknownMember)
	})

	t.Run("mail without reply func", func(t *testing.T) {
		mail := NewMail("c", "id", nil)
		assert.NoError(t, mail.Reply(1))
		assert.ErrorIs(t, mail.Reply(2), ErrAlreadyReplied)
	})
}

func TestInvocationRequest_Validate(t *testing.T) {
	cases := []struct {
		name string
		req  *InvocationRequest
		ok   bool
	}{
		{"complete", &InvocationRequest{ObjectName: "users", MethodName: "GetUserName"}, true},
		{"event", &InvocationRequest{ObjectName: "users", MethodName: "On", IsEvent: true, EventName: "x"}, true},
		{"nil", nil, false},
		{"no object", &InvocationRequest{MethodName: "GetUserName"}, false},
		{"no method", &InvocationRequest{ObjectName: "users"}, false},
		{"event without name", &InvocationRequest{ObjectName: "users", MethodName: "On", IsEvent: true}, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.req.Validate()
			if c.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMalformedRequest)
			}
		})
	}
}
