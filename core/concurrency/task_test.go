package concurrency_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/core/concurrency"
	"github.com/momentics/hioload-mrcp/pool"
	"github.com/momentics/hioload-mrcp/reactor"
)

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

func TestConsumerTaskLifecycle(t *testing.T) {
	var got []int
	var mu sync.Mutex
	task := concurrency.NewConsumerTask("consumer", func(msg *api.Message) {
		mu.Lock()
		got = append(got, msg.Subtype)
		mu.Unlock()
	})
	assert.Equal(t, api.TaskIdle, task.State())
	assert.ErrorIs(t, task.Post(1, nil), api.ErrTaskNotRunning)
	assert.ErrorIs(t, task.Terminate(false), api.ErrTaskNotStarted)

	require.NoError(t, task.Start())
	assert.ErrorIs(t, task.Start(), api.ErrTaskAlreadyStarted)
	waitClosed(t, task.Running(), "running")

	for i := 1; i <= 3; i++ {
		require.NoError(t, task.Post(i, nil))
	}
	require.NoError(t, task.Terminate(true))
	assert.Equal(t, api.TaskTerminated, task.State())
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.ErrorIs(t, task.Post(4, nil), api.ErrTaskNotRunning)
}

func TestTaskHooksOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	mark := func(s string) func(*concurrency.Task) {
		return func(*concurrency.Task) {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
		}
	}
	task := concurrency.NewConsumerTask("hooks", nil, concurrency.WithHooks(concurrency.Hooks{
		OnPreRun:            mark("pre"),
		OnStartRequest:      mark("start-request"),
		OnStartComplete:     mark("start-complete"),
		OnTerminateRequest:  mark("terminate-request"),
		OnPostRun:           mark("post"),
		OnTerminateComplete: mark("terminate-complete"),
	}))
	require.NoError(t, task.Start())
	waitClosed(t, task.Running(), "running")
	require.NoError(t, task.Terminate(true))
	assert.Equal(t, []string{"pre", "start-request", "start-complete", "terminate-request", "post", "terminate-complete"}, order)
}

func TestParentRunsAfterChildren(t *testing.T) {
	parent := concurrency.NewConsumerTask("parent", nil)
	gated := concurrency.NewConsumerTask("gated", nil, concurrency.WithAutoReady(false))
	plain := concurrency.NewConsumerTask("plain", nil)
	require.NoError(t, parent.AddChild(gated.Task))
	require.NoError(t, parent.AddChild(plain.Task))

	require.NoError(t, parent.Start())
	waitClosed(t, plain.Running(), "plain running")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, api.TaskStarting, parent.State())
	assert.Equal(t, api.TaskStarting, gated.State())

	require.NoError(t, gated.Ready())
	waitClosed(t, parent.Running(), "parent running")
	assert.Equal(t, api.TaskRunning, gated.State())

	assert.ErrorIs(t, parent.AddChild(concurrency.NewConsumerTask("late", nil).Task), concurrency.ErrChildAfterStart)

	require.NoError(t, parent.Terminate(true))
	assert.Equal(t, api.TaskTerminated, gated.State())
	assert.Equal(t, api.TaskTerminated, plain.State())
}

func TestChildTerminatedEarlyDoesNotBlockParent(t *testing.T) {
	parent := concurrency.NewConsumerTask("parent", nil)
	child := concurrency.NewConsumerTask("child", nil)
	require.NoError(t, parent.AddChild(child.Task))
	require.NoError(t, parent.Start())
	waitClosed(t, parent.Running(), "running")

	require.NoError(t, child.Terminate(false))
	require.NoError(t, child.Terminate(false))
	waitClosed(t, child.Done(), "child done")
	require.NoError(t, child.Terminate(true))

	finished := make(chan struct{})
	go func() {
		_ = parent.Terminate(true)
		close(finished)
	}()
	waitClosed(t, finished, "parent terminated")
	assert.Equal(t, api.TaskTerminated, parent.State())
}

func TestParentAwaitsOnlyChildrenItStarted(t *testing.T) {
	parent := concurrency.NewConsumerTask("parent", nil)
	early := concurrency.NewConsumerTask("early", nil)
	slow := concurrency.NewConsumerTask("slow", nil, concurrency.WithHooks(concurrency.Hooks{
		OnPostRun: func(*concurrency.Task) { time.Sleep(100 * time.Millisecond) },
	}))
	require.NoError(t, parent.AddChild(early.Task))
	require.NoError(t, parent.AddChild(slow.Task))

	// started behind the parent's back: its notifications must not count
	require.NoError(t, early.Start())
	waitClosed(t, early.Running(), "early running")
	require.NoError(t, parent.Start())
	waitClosed(t, parent.Running(), "parent running")
	assert.Equal(t, api.TaskRunning, slow.State())

	require.NoError(t, parent.Terminate(true))
	assert.Equal(t, api.TaskTerminated, slow.State(), "parent finished before the child it started")
	assert.Equal(t, api.TaskRunning, early.State())
	require.NoError(t, early.Terminate(true))
}

func TestConsumerTaskKeepsOrderPerProducer(t *testing.T) {
	const producers, perProducer = 4, 200
	type item struct{ producer, seq int }
	var mu sync.Mutex
	got := make(map[int][]int)
	var n atomic.Int32
	done := make(chan struct{})
	task := concurrency.NewConsumerTask("fifo", func(msg *api.Message) {
		it := msg.Payload.(item)
		mu.Lock()
		got[it.producer] = append(got[it.producer], it.seq)
		mu.Unlock()
		if n.Add(1) == producers*perProducer {
			close(done)
		}
	})
	require.NoError(t, task.Start())
	waitClosed(t, task.Running(), "running")

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := task.Post(1, item{producer: p, seq: i}); err != nil {
					t.Errorf("post: %v", err)
					return
				}
			}
		}(p)
	}
	wg.Wait()
	waitClosed(t, done, "all consumed")
	require.NoError(t, task.Terminate(true))

	for p := 0; p < producers; p++ {
		require.Len(t, got[p], perProducer)
		for i, seq := range got[p] {
			assert.Equal(t, i, seq, "producer %d out of order", p)
		}
	}
}

func TestOfflineOnlinePropagates(t *testing.T) {
	var offline, online atomic.Int32
	hooks := concurrency.Hooks{
		OnOffline: func(*concurrency.Task) { offline.Add(1) },
		OnOnline:  func(*concurrency.Task) { online.Add(1) },
	}
	parent := concurrency.NewConsumerTask("parent", nil, concurrency.WithHooks(hooks))
	child := concurrency.NewConsumerTask("child", nil, concurrency.WithHooks(hooks))
	require.NoError(t, parent.AddChild(child.Task))
	require.NoError(t, parent.Start())
	waitClosed(t, parent.Running(), "running")

	require.NoError(t, parent.GoOffline())
	require.Eventually(t, func() bool { return parent.State() == api.TaskOffline }, time.Second, 5*time.Millisecond)
	assert.Equal(t, api.TaskOffline, child.State())
	assert.EqualValues(t, 2, offline.Load())

	require.NoError(t, parent.GoOnline())
	require.Eventually(t, func() bool { return parent.State() == api.TaskRunning }, time.Second, 5*time.Millisecond)
	assert.Equal(t, api.TaskRunning, child.State())
	assert.EqualValues(t, 2, online.Load())

	require.NoError(t, parent.Terminate(true))
}

func TestMessagesReturnToBoundedPool(t *testing.T) {
	p := pool.NewBoundedPool(8)
	done := make(chan struct{})
	var n atomic.Int32
	task := concurrency.NewConsumerTask("bounded", func(msg *api.Message) {
		if n.Add(1) == 20 {
			close(done)
		}
	}, concurrency.WithPool(p))
	require.NoError(t, task.Start())
	waitClosed(t, task.Running(), "running")

	for i := 0; i < 20; i++ {
		for task.Post(i, nil) != nil {
			time.Sleep(time.Millisecond)
		}
	}
	waitClosed(t, done, "consumed")
	require.NoError(t, task.Terminate(true))
	assert.Equal(t, p.Size(), p.Available())
}

func TestDeliverSurvivesExhaustedPool(t *testing.T) {
	p := pool.NewBoundedPool(1)
	var task *concurrency.ConsumerTask
	var postErr error
	got := make(chan int, 4)
	task = concurrency.NewConsumerTask("completions", func(msg *api.Message) {
		got <- msg.Subtype
		if msg.Subtype == 0 {
			// the only pooled envelope is still held by this dispatch
			postErr = task.Post(1, nil)
			require.NoError(t, task.Deliver(2, "done"))
		}
	}, concurrency.WithPool(p))
	require.NoError(t, task.Start())
	waitClosed(t, task.Running(), "running")

	require.NoError(t, task.Post(0, nil))
	for _, want := range []int{0, 2} {
		select {
		case sub := <-got:
			assert.Equal(t, want, sub)
		case <-time.After(2 * time.Second):
			t.Fatalf("subtype %d not delivered", want)
		}
	}
	require.NoError(t, task.Terminate(true))
	assert.ErrorIs(t, postErr, api.ErrResourceExhausted)
	assert.Equal(t, p.Size(), p.Available())
}

func TestPollerTaskTimersAndMessages(t *testing.T) {
	fired := make(chan time.Duration, 1)
	var pt *concurrency.PollerTask
	var err error
	start := time.Now()
	pt, err = concurrency.NewPollerTask("poller", 4, func(msg *api.Message) {
		tm := pt.CreateTimer(func(*concurrency.Timer, any) { fired <- time.Since(start) }, nil)
		tm.Set(int64(msg.Payload.(int)))
	}, nil)
	require.NoError(t, err)
	require.NoError(t, pt.Start())
	waitClosed(t, pt.Running(), "running")

	start = time.Now()
	require.NoError(t, pt.Post(1, 50))
	select {
	case d := <-fired:
		assert.GreaterOrEqual(t, d, 45*time.Millisecond)
		assert.Less(t, d, time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	require.NoError(t, pt.Terminate(true))
}

func TestTimerArmedInSlowHandlerCountsFromArming(t *testing.T) {
	armed := make(chan time.Time, 1)
	fired := make(chan time.Time, 1)
	var pt *concurrency.PollerTask
	var err error
	pt, err = concurrency.NewPollerTask("slow-handler", 4, func(*api.Message) {
		time.Sleep(80 * time.Millisecond)
		tm := pt.CreateTimer(func(*concurrency.Timer, any) { fired <- time.Now() }, nil)
		armed <- time.Now()
		tm.Set(50)
	}, nil)
	require.NoError(t, err)
	require.NoError(t, pt.Start())
	waitClosed(t, pt.Running(), "running")
	defer func() { require.NoError(t, pt.Terminate(true)) }()

	require.NoError(t, pt.Post(1, nil))
	at := <-armed
	select {
	case f := <-fired:
		assert.GreaterOrEqual(t, f.Sub(at), 45*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestPollerTaskDispatchesDescriptors(t *testing.T) {
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	defer unix.Close(p[1])

	got := make(chan string, 1)
	var pt *concurrency.PollerTask
	var err error
	pt, err = concurrency.NewPollerTask("io", 4, nil, func(d *reactor.Descriptor) {
		buf := make([]byte, 16)
		n, _ := unix.Read(d.Fd, buf)
		assert.NoError(t, pt.RemoveDescriptor(d))
		unix.Close(d.Fd)
		got <- string(buf[:n])
	})
	require.NoError(t, err)
	require.NoError(t, pt.AddDescriptor(&reactor.Descriptor{Fd: p[0], Events: reactor.EventRead}))
	require.NoError(t, pt.Start())
	waitClosed(t, pt.Running(), "running")

	_, err = unix.Write(p[1], []byte("ping"))
	require.NoError(t, err)
	select {
	case s := <-got:
		assert.Equal(t, "ping", s)
	case <-time.After(2 * time.Second):
		t.Fatal("descriptor not dispatched")
	}
	require.NoError(t, pt.Terminate(true))
}

func TestPinnedTaskProcessesMessages(t *testing.T) {
	got := make(chan int, 1)
	task := concurrency.NewConsumerTask("pinned", func(msg *api.Message) { got <- msg.Subtype },
		concurrency.WithCPU(0))
	require.NoError(t, task.Start())
	waitClosed(t, task.Running(), "running")
	require.NoError(t, task.Post(7, nil))
	select {
	case v := <-got:
		assert.Equal(t, 7, v)
	case <-time.After(2 * time.Second):
		t.Fatal("pinned task did not dispatch")
	}
	require.NoError(t, task.Terminate(true))
}
