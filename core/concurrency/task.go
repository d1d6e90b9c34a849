// File: core/concurrency/task.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Task is a hierarchical unit of execution owning one goroutine and one message
// queue. Lifecycle transitions are driven by core messages processed on the
// task's own goroutine, so hooks and handlers never race with each other.
//
//	Idle -> Starting -> Running <-> Offline -> Terminating -> Terminated

package concurrency

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/momentics/hioload-mrcp/affinity"
	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/pool"
)

// MessageHandler consumes user messages on the task goroutine.
type MessageHandler func(msg *api.Message)

// Hooks are optional lifecycle callbacks, all invoked on the task goroutine.
type Hooks struct {
	OnPreRun            func(t *Task)
	OnPostRun           func(t *Task)
	OnStartRequest      func(t *Task)
	OnStartComplete     func(t *Task)
	OnTerminateRequest  func(t *Task)
	OnTerminateComplete func(t *Task)
	OnOffline           func(t *Task)
	OnOnline            func(t *Task)
}

// loop is the flavor-specific run loop.
type loop interface {
	push(msg *api.Message) error
	run(t *Task)
	pending() int
}

// Option customizes task construction.
type Option func(*Task)

// WithPool sets the message pool used by Post and core notifications.
func WithPool(p api.MessagePool) Option {
	return func(t *Task) {
		if p != nil {
			t.pool = p
		}
	}
}

// WithLogger sets the base logger; the task adds its own name field.
func WithLogger(l *log.Logger) Option {
	return func(t *Task) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithHooks installs lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(t *Task) { t.hooks = h }
}

// WithCPU pins the task goroutine to one logical CPU; negative disables.
func WithCPU(cpu int) Option {
	return func(t *Task) { t.cpu = cpu }
}

// WithAutoReady(false) holds the task in Starting until Ready is called.
func WithAutoReady(auto bool) Option {
	return func(t *Task) { t.autoReady = auto }
}

// Core requests a task posts to itself.
const (
	coreStartRequest = iota + 100
	coreOfflineRequest
	coreOnlineRequest
)

// childState tracks a child this task started until it terminates.
type childState uint8

const (
	childStarting childState = iota
	childUp
	childStopping
)

// Task is the shared lifecycle machinery embedded by ConsumerTask and PollerTask.
type Task struct {
	name      string
	parent    *Task
	children  []*Task
	hooks     Hooks
	handler   MessageHandler
	pool      api.MessagePool
	logger    *log.Logger
	autoReady bool
	cpu       int
	loop      loop

	state         atomic.Int32
	termRequested atomic.Bool

	// owner goroutine only
	pendingStart   int
	pendingTerm    int
	pendingOffline int
	live           map[*Task]childState
	stopping       bool

	runningCh   chan struct{}
	runningOnce sync.Once
	doneCh      chan struct{}
}

func newTask(name string, handler MessageHandler, opts ...Option) *Task {
	t := &Task{
		name:      name,
		handler:   handler,
		autoReady: true,
		cpu:       -1,
		runningCh: make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.pool == nil {
		t.pool = pool.NewDynamicPool()
	}
	if t.logger == nil {
		t.logger = log.New(io.Discard)
	}
	t.logger = t.logger.With("task", name)
	return t
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// State returns the current lifecycle state.
func (t *Task) State() api.TaskState { return api.TaskState(t.state.Load()) }

// Logger returns the task logger.
func (t *Task) Logger() *log.Logger { return t.logger }

// Pool returns the task message pool.
func (t *Task) Pool() api.MessagePool { return t.pool }

// Parent returns the parent task or nil.
func (t *Task) Parent() *Task { return t.parent }

// Running is closed once the task reaches Running for the first time.
func (t *Task) Running() <-chan struct{} { return t.runningCh }

// Done is closed exactly once, when the task is Terminated.
func (t *Task) Done() <-chan struct{} { return t.doneCh }

// Pending returns the number of queued messages.
func (t *Task) Pending() int { return t.loop.pending() }

// AddChild attaches child; both tasks must still be Idle.
func (t *Task) AddChild(child *Task) error {
	if child == nil || child == t {
		return api.ErrInvalidArgument
	}
	if t.State() != api.TaskIdle || child.State() != api.TaskIdle {
		return ErrChildAfterStart
	}
	if child.parent != nil {
		return fmt.Errorf("task %s already has parent %s: %w", child.name, child.parent.name, api.ErrAlreadyExists)
	}
	child.parent = t
	t.children = append(t.children, child)
	return nil
}

// Start launches the task goroutine. Starting twice fails without side effects.
func (t *Task) Start() error {
	if !t.state.CompareAndSwap(int32(api.TaskIdle), int32(api.TaskStarting)) {
		return ErrTaskAlreadyStarted
	}
	if err := t.loop.push(t.coreMessage(coreStartRequest)); err != nil {
		return err
	}
	go t.run()
	return nil
}

// Terminate requests termination. With wait it blocks until Terminated;
// otherwise completion reaches the parent as a core message.
func (t *Task) Terminate(wait bool) error {
	switch t.State() {
	case api.TaskIdle:
		return ErrTaskNotStarted
	case api.TaskTerminated:
		return nil
	}
	if t.termRequested.CompareAndSwap(false, true) {
		if err := t.loop.push(t.coreMessage(api.CoreTerminateRequest)); err != nil {
			t.termRequested.Store(false)
			return err
		}
	}
	if wait {
		<-t.doneCh
	}
	return nil
}

// Ready releases a task created WithAutoReady(false). Safe from any goroutine.
func (t *Task) Ready() error {
	return t.loop.push(t.coreMessage(api.CoreReady))
}

// GoOffline moves a running task and its subtree offline.
func (t *Task) GoOffline() error {
	if t.State() != api.TaskRunning {
		return ErrTaskNotRunning
	}
	return t.loop.push(t.coreMessage(coreOfflineRequest))
}

// GoOnline brings an offline task and its subtree back to Running.
func (t *Task) GoOnline() error {
	if t.State() != api.TaskOffline {
		return ErrTaskNotRunning
	}
	return t.loop.push(t.coreMessage(coreOnlineRequest))
}

// SendMessage enqueues msg. User messages require Running, Offline or Terminating.
// On failure ownership stays with the caller.
func (t *Task) SendMessage(msg *api.Message) error {
	if msg == nil {
		return api.ErrInvalidArgument
	}
	if msg.Type == api.MessageUser {
		switch t.State() {
		case api.TaskRunning, api.TaskOffline, api.TaskTerminating:
		default:
			return ErrTaskNotRunning
		}
	}
	if err := t.loop.push(msg); err != nil {
		return ErrTaskNotRunning
	}
	return nil
}

// SendToParent forwards msg to the parent task.
func (t *Task) SendToParent(msg *api.Message) error {
	if t.parent == nil {
		return api.ErrNotFound
	}
	msg.Sender = t.name
	return t.parent.SendMessage(msg)
}

// Post acquires a user message from the task pool and enqueues it.
func (t *Task) Post(subtype int, payload any) error {
	msg := t.pool.Acquire()
	if msg == nil {
		return fmt.Errorf("task %s: %w", t.name, api.ErrResourceExhausted)
	}
	msg.Type = api.MessageUser
	msg.Subtype = subtype
	msg.Payload = payload
	if err := t.SendMessage(msg); err != nil {
		msg.Release()
		return err
	}
	return nil
}

// Deliver is Post for completions that must not be lost: with the pool
// exhausted it sends an unpooled message instead of failing.
func (t *Task) Deliver(subtype int, payload any) error {
	msg := t.pool.Acquire()
	if msg == nil {
		msg = &api.Message{}
	}
	msg.Type = api.MessageUser
	msg.Subtype = subtype
	msg.Payload = payload
	if err := t.SendMessage(msg); err != nil {
		msg.Release()
		return err
	}
	return nil
}

// coreMessage falls back to an unpooled envelope so lifecycle traffic
// survives bounded pool exhaustion.
func (t *Task) coreMessage(subtype int) *api.Message {
	msg := t.pool.Acquire()
	if msg == nil {
		msg = &api.Message{}
	}
	msg.Type = api.MessageCore
	msg.Subtype = subtype
	msg.Sender = t.name
	return msg
}

func (t *Task) notifyParent(subtype int) {
	if t.parent == nil {
		return
	}
	if err := t.parent.SendMessage(t.coreMessage(subtype)); err != nil {
		t.logger.Warn("parent notification dropped", "subtype", subtype, "err", err)
	}
}

func (t *Task) run() {
	if t.cpu >= 0 {
		if err := affinity.Pin(t.cpu); err != nil {
			t.logger.Warn("cpu pinning failed", "cpu", t.cpu, "err", err)
		}
	}
	if t.hooks.OnPreRun != nil {
		t.hooks.OnPreRun(t)
	}
	t.loop.run(t)
	if t.hooks.OnPostRun != nil {
		t.hooks.OnPostRun(t)
	}
	t.state.Store(int32(api.TaskTerminated))
	if t.hooks.OnTerminateComplete != nil {
		t.hooks.OnTerminateComplete(t)
	}
	t.logger.Debug("terminated")
	close(t.doneCh)
	t.notifyParent(api.CoreTerminateComplete)
}

// dispatch processes one message on the task goroutine and releases it.
func (t *Task) dispatch(msg *api.Message) {
	defer msg.Release()
	if msg.Type == api.MessageCore {
		t.processCore(msg)
		return
	}
	if t.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("message handler panic", "subtype", msg.Subtype, "panic", r)
		}
	}()
	t.handler(msg)
}

func (t *Task) processCore(msg *api.Message) {
	switch msg.Subtype {
	case coreStartRequest:
		t.processStart()
	case api.CoreReady:
		if t.autoReady {
			return
		}
		t.autoReady = true
		t.startStep()
	case api.CoreStartComplete:
		if child := t.liveChild(msg.Sender); child != nil && t.live[child] == childStarting {
			t.live[child] = childUp
			t.startStep()
		}
	case api.CoreTerminateRequest:
		t.processTerminate()
	case api.CoreTerminateComplete:
		t.childTerminated(msg.Sender)
	case coreOfflineRequest:
		t.processOffline()
	case coreOnlineRequest:
		t.processOnline()
	case api.CoreOfflineComplete:
		t.pendingOffline--
		if t.pendingOffline == 0 {
			t.completeOffline()
		}
	case api.CoreOnlineComplete:
		t.pendingOffline--
		if t.pendingOffline == 0 {
			t.completeOnline()
		}
	default:
		t.logger.Warn("unknown core message", "subtype", msg.Subtype, "from", msg.Sender)
	}
}

func (t *Task) processStart() {
	t.pendingStart = len(t.children)
	if !t.autoReady {
		t.pendingStart++
	}
	t.live = make(map[*Task]childState, len(t.children))
	if t.hooks.OnStartRequest != nil {
		t.hooks.OnStartRequest(t)
	}
	for _, child := range t.children {
		if err := child.Start(); err != nil {
			t.logger.Error("child start failed", "child", child.name, "err", err)
			t.pendingStart--
			continue
		}
		t.live[child] = childStarting
	}
	if t.pendingStart == 0 {
		t.becomeRunning()
	}
}

func (t *Task) startStep() {
	if t.State() != api.TaskStarting {
		return
	}
	t.pendingStart--
	if t.pendingStart == 0 {
		t.becomeRunning()
	}
}

func (t *Task) becomeRunning() {
	if !t.state.CompareAndSwap(int32(api.TaskStarting), int32(api.TaskRunning)) {
		return
	}
	t.runningOnce.Do(func() { close(t.runningCh) })
	if t.hooks.OnStartComplete != nil {
		t.hooks.OnStartComplete(t)
	}
	t.logger.Debug("running")
	t.notifyParent(api.CoreStartComplete)
}

func (t *Task) processTerminate() {
	t.state.Store(int32(api.TaskTerminating))
	if t.hooks.OnTerminateRequest != nil {
		t.hooks.OnTerminateRequest(t)
	}
	t.pendingTerm = 0
	for _, child := range t.children {
		if _, ok := t.live[child]; !ok {
			continue
		}
		if err := child.Terminate(false); err != nil {
			t.logger.Error("child terminate failed", "child", child.name, "err", err)
			continue
		}
		t.live[child] = childStopping
		t.pendingTerm++
	}
	if t.pendingTerm == 0 {
		t.stopping = true
	}
}

// liveChild finds the started, not yet terminated child called name.
func (t *Task) liveChild(name string) *Task {
	for _, child := range t.children {
		if _, ok := t.live[child]; ok && child.name == name {
			return child
		}
	}
	return nil
}

// childTerminated accounts for one CoreTerminateComplete. Only children this
// task started count, and each one at most once.
func (t *Task) childTerminated(name string) {
	child := t.liveChild(name)
	if child == nil {
		t.logger.Debug("termination of unknown child ignored", "child", name)
		return
	}
	state := t.live[child]
	delete(t.live, child)
	if state == childStarting {
		t.startStep()
	}
	if state == childStopping && t.State() == api.TaskTerminating {
		t.pendingTerm--
		if t.pendingTerm == 0 {
			t.stopping = true
		}
	}
}

func (t *Task) processOffline() {
	if t.State() != api.TaskRunning {
		return
	}
	t.pendingOffline = 0
	for _, child := range t.children {
		if child.GoOffline() == nil {
			t.pendingOffline++
		}
	}
	if t.pendingOffline == 0 {
		t.completeOffline()
	}
}

func (t *Task) completeOffline() {
	if !t.state.CompareAndSwap(int32(api.TaskRunning), int32(api.TaskOffline)) {
		return
	}
	if t.hooks.OnOffline != nil {
		t.hooks.OnOffline(t)
	}
	t.notifyParent(api.CoreOfflineComplete)
}

func (t *Task) processOnline() {
	if t.State() != api.TaskOffline {
		return
	}
	t.pendingOffline = 0
	for _, child := range t.children {
		if child.GoOnline() == nil {
			t.pendingOffline++
		}
	}
	if t.pendingOffline == 0 {
		t.completeOnline()
	}
}

func (t *Task) completeOnline() {
	if !t.state.CompareAndSwap(int32(api.TaskOffline), int32(api.TaskRunning)) {
		return
	}
	if t.hooks.OnOnline != nil {
		t.hooks.OnOnline(t)
	}
	t.notifyParent(api.CoreOnlineComplete)
}

// releaseAll returns leftover messages to their pools after the loop exits.
func releaseAll(msgs []*api.Message) {
	for _, m := range msgs {
		m.Release()
	}
}
