// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package stream implements credit based command streaming to a motion
// controller.
//
// The Engine keeps an ordered queue of pending commands and the sub-sequence
// already written to the controller. A command is only written while the
// controller's receive buffer has room for it: every sent command charges its
// cost (bytes for GRBL's character counting protocol, lines for the JSON
// dialects) against the buffer credit, and every acknowledgement gives it
// back. Small commands are batched so the buffer stays full.
//
// Responses are fed in with OnResponse from the reader task. Writes happen on
// the engine's sender goroutine (or a direct Tick call), one command per
// transport write so realtime bytes never wait behind a whole batch.
package stream

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/graver/internal/logging"
	"github.com/Thermoquad/graver/pkg/firmware"
)

// DefaultOrphanTimeout is how long a cancelled in-flight command waits for a
// late response before it is written off
const DefaultOrphanTimeout = 2 * time.Second

// sweepInterval is how often the sender goroutine expires orphans
const sweepInterval = 250 * time.Millisecond

// Transport is the write side of a controller link
type Transport interface {
	// WriteCommand writes one formatted command
	WriteCommand(wire []byte) error
	// SendRealtime writes a single control byte, bypassing any queue
	SendRealtime(b byte) error
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithStrictInvariants makes credit accounting errors panic instead of
// being logged and refused
func WithStrictInvariants(strict bool) Option {
	return func(e *Engine) {
		e.strict = strict
	}
}

// WithOrphanTimeout sets how long cancelled in-flight commands wait for a
// late response
func WithOrphanTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.orphanTimeout = d
		}
	}
}

// WithObserver registers a callback run after every command resolves. It
// runs on the goroutine that resolved the command and must not block.
func WithObserver(fn func(Result)) Option {
	return func(e *Engine) {
		e.observer = fn
	}
}

// WithWriteErrorHandler is called when a command write fails. Without one
// the engine resets itself with the write error.
func WithWriteErrorHandler(fn func(error)) Option {
	return func(e *Engine) {
		e.onWriteError = fn
	}
}

// orphan is a sent command whose acknowledgement no longer releases credit
type orphan struct {
	cmd *Command
	err error
}

// resolution is a command leaving the engine
type resolution struct {
	cmd *Command
	err error
}

// Engine is the credit based command queue
type Engine struct {
	transport     Transport
	logger        logrus.FieldLogger
	strict        bool
	orphanTimeout time.Duration
	observer      func(Result)
	onWriteError  func(error)

	// sendMu keeps batches in order on the wire. It is never held while
	// waiting for a response.
	sendMu sync.Mutex

	mu           sync.Mutex
	profile      firmware.Profile
	pending      []*Command
	sent         []*Command
	credit       int
	paused       bool
	alarm        *AlarmError // non-nil while frozen
	ready        bool
	closed       bool
	seq          uint32
	plannerFree  int
	plannerKnown bool
	orphanOrder  []uint32

	orphans      *ttlcache.Cache[uint32, *orphan]
	stopEviction func()

	kick      chan struct{}
	stop      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates an engine for the given dialect writing to transport
func New(profile firmware.Profile, transport Transport, opts ...Option) *Engine {
	e := &Engine{
		transport:     transport,
		logger:        logging.Discard(),
		orphanTimeout: DefaultOrphanTimeout,
		profile:       profile,
		credit:        profile.BufferCapacity(),
		ready:         true,
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.orphans = ttlcache.New[uint32, *orphan](
		ttlcache.WithTTL[uint32, *orphan](e.orphanTimeout),
		ttlcache.WithDisableTouchOnHit[uint32, *orphan](),
	)
	e.stopEviction = e.orphans.OnEviction(e.onOrphanEvicted)
	return e
}

// Start runs the sender goroutine until ctx ends or Close is called
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go e.run(ctx)
	})
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-e.kick:
		case <-ticker.C:
			e.Sweep()
		}
		if _, err := e.Tick(); err != nil {
			e.logger.WithError(err).Debug("Dispatch stopped")
		}
	}
}

// Close stops the sender and resolves every outstanding command with
// ErrClosed
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		close(e.stop)
	})
	e.wg.Wait()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	dropped := e.drainLocked(ErrClosed)
	e.mu.Unlock()

	e.finish(dropped)
	e.stopEviction()
}

// Enqueue appends a command to the queue. It never blocks on I/O.
func (e *Engine) Enqueue(text string) (*Handle, error) {
	return e.enqueue(text, false)
}

// EnqueueUnlocking queues a command at the head of the queue that may be
// sent while an alarm freezes the queue. Its successful acknowledgement
// lifts the freeze. In-flight commands still waiting for a late response
// are written off first.
func (e *Engine) EnqueueUnlocking(text string) (*Handle, error) {
	return e.enqueue(text, true)
}

// Unlock queues the dialect's alarm unlock command
func (e *Engine) Unlock() (*Handle, error) {
	e.mu.Lock()
	cmd := e.profile.UnlockCommand()
	e.mu.Unlock()
	return e.EnqueueUnlocking(cmd)
}

func (e *Engine) enqueue(text string, unlocking bool) (*Handle, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyCommand
	}
	if strings.ContainsAny(text, "\r\n") {
		return nil, ErrMultiLine
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}

	seq := e.seq + 1
	wire := e.profile.FormatCommand(text, seq)
	cost := e.profile.Cost(wire)
	if cost > e.profile.BufferCapacity() {
		e.mu.Unlock()
		return nil, &CommandTooLongError{Cost: cost, Capacity: e.profile.BufferCapacity()}
	}
	e.seq = seq

	cmd := &Command{
		ID:        uuid.New(),
		Seq:       seq,
		Text:      text,
		Wire:      wire,
		Cost:      cost,
		State:     StatePending,
		QueuedAt:  time.Now(),
		unlocking: unlocking,
	}
	cmd.handle = newHandle(cmd)

	var dropped []resolution
	if unlocking {
		dropped = e.dropOrphansLocked()
		e.pending = slices.Insert(e.pending, 0, cmd)
	} else {
		e.pending = append(e.pending, cmd)
	}
	e.mu.Unlock()

	e.finish(dropped)
	e.notify()
	return cmd.handle, nil
}

// Tick writes as many pending commands as the buffer credit allows and
// returns how many were written. It is safe to call from any goroutine.
func (e *Engine) Tick() (int, error) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	batch := e.collect()
	for i, cmd := range batch {
		if err := e.transport.WriteCommand(cmd.Wire); err != nil {
			e.logger.WithError(err).WithField("command", cmd.Text).Error("Command write failed")
			if e.onWriteError != nil {
				e.onWriteError(err)
			} else {
				e.Reset(err)
			}
			return i, err
		}
		e.logger.WithFields(logrus.Fields{
			"seq":     cmd.Seq,
			"command": cmd.Text,
			"cost":    cmd.Cost,
		}).Debug("Sent command")
	}
	return len(batch), nil
}

// collect moves the commands that fit into the sent queue
func (e *Engine) collect() []*Command {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || !e.ready || e.paused || len(e.pending) == 0 {
		return nil
	}
	if !e.verifyLocked() {
		return nil
	}

	var batch []*Command
	now := time.Now()
	for len(e.pending) > 0 {
		cmd := e.pending[0]
		if !cmd.unlocking && e.blockedLocked() {
			break
		}
		if cmd.Cost > e.credit {
			break
		}

		e.pending[0] = nil
		e.pending = e.pending[1:]
		e.credit -= cmd.Cost
		cmd.State = StateSent
		cmd.SentAt = now
		e.sent = append(e.sent, cmd)
		if e.plannerKnown {
			e.plannerFree--
		}
		batch = append(batch, cmd)
	}

	if len(batch) > 0 {
		e.verifyLocked()
	}
	return batch
}

// blockedLocked reports whether ordinary commands must wait
func (e *Engine) blockedLocked() bool {
	if e.alarm != nil {
		return true
	}
	// positional acknowledgements cannot tell a late response for a
	// cancelled command from one for a new command
	if e.profile.Correlation() == firmware.CorrelateFIFO && len(e.orphanOrder) > 0 {
		return true
	}
	if low := e.profile.LowWater(); low > 0 && e.plannerKnown && e.plannerFree <= low {
		return true
	}
	return false
}

// verifyLocked checks sum(cost of sent) + credit == capacity
func (e *Engine) verifyLocked() bool {
	inFlight := 0
	for _, cmd := range e.sent {
		inFlight += cmd.Cost
	}
	capacity := e.profile.BufferCapacity()
	if inFlight+e.credit == capacity && inFlight <= capacity {
		return true
	}

	v := &InvariantViolation{InFlight: inFlight, Credit: e.credit, Capacity: capacity}
	if e.strict {
		panic(v)
	}
	e.logger.WithError(v).Error("Refusing to send")
	e.credit = max(capacity-inFlight, 0)
	return false
}

// OnResponse applies a decoded response. It is called by the reader task.
func (e *Engine) OnResponse(resp firmware.Response) {
	if resp.HasQueue {
		e.mu.Lock()
		e.plannerFree = resp.QueueFree
		e.plannerKnown = true
		e.mu.Unlock()
	}

	switch resp.Kind {
	case firmware.ResponseOk, firmware.ResponseError:
		e.acknowledge(resp)
	case firmware.ResponseAlarm:
		e.raiseAlarm(resp)
	}

	if resp.HasQueue {
		e.notify()
	}
}

func (e *Engine) acknowledge(resp firmware.Response) {
	now := time.Now()

	e.mu.Lock()
	if o := e.matchOrphanLocked(resp); o != nil {
		o.cmd.State = StateSkipped
		o.cmd.CompletedAt = now
		e.mu.Unlock()

		e.logger.WithFields(logrus.Fields{
			"seq":      o.cmd.Seq,
			"response": resp.Raw,
		}).Debug("Discarding late response for cancelled command")
		e.finish([]resolution{{o.cmd, o.err}})
		e.notify()
		return
	}

	cmd := e.matchSentLocked(resp)
	if cmd == nil {
		e.mu.Unlock()
		e.logger.WithField("response", resp.Raw).Warn("Acknowledgement with no matching command in flight")
		return
	}

	e.credit += cmd.Cost
	cmd.CompletedAt = now

	var err error
	if resp.Kind == firmware.ResponseOk {
		cmd.State = StateAcknowledged
		if cmd.unlocking && e.alarm != nil {
			e.logger.WithField("command", cmd.Text).Info("Alarm cleared")
			e.alarm = nil
		}
		cmd.State = StateDone
	} else {
		cmd.State = StateErrored
		cmd.Code = resp.Code
		err = &CommandError{Code: resp.Code, Message: resp.Message}
	}
	e.mu.Unlock()

	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"seq":     cmd.Seq,
			"command": cmd.Text,
		}).WithError(err).Info("Command rejected")
	}
	e.finish([]resolution{{cmd, err}})
	e.notify()
}

// matchSentLocked removes and returns the command an acknowledgement is for
func (e *Engine) matchSentLocked(resp firmware.Response) *Command {
	if len(e.sent) == 0 {
		return nil
	}

	idx := 0
	if e.profile.Correlation() == firmware.CorrelateByID && resp.HasID {
		idx = slices.IndexFunc(e.sent, func(c *Command) bool {
			return c.Seq == resp.ID
		})
		if idx < 0 {
			return nil
		}
	}

	cmd := e.sent[idx]
	e.sent = slices.Delete(e.sent, idx, idx+1)
	return cmd
}

// matchOrphanLocked returns the orphan a late acknowledgement is for. Orphans
// were all sent before anything currently in flight, so positional matching
// tries them first.
func (e *Engine) matchOrphanLocked(resp firmware.Response) *orphan {
	if len(e.orphanOrder) == 0 {
		return nil
	}

	if e.profile.Correlation() == firmware.CorrelateByID && resp.HasID {
		item, ok := e.orphans.GetAndDelete(resp.ID)
		if !ok {
			return nil
		}
		e.removeOrphanLocked(resp.ID)
		return item.Value()
	}

	for len(e.orphanOrder) > 0 {
		seq := e.orphanOrder[0]
		e.orphanOrder = e.orphanOrder[1:]
		if item, ok := e.orphans.GetAndDelete(seq); ok {
			return item.Value()
		}
	}
	return nil
}

func (e *Engine) removeOrphanLocked(seq uint32) {
	if i := slices.Index(e.orphanOrder, seq); i >= 0 {
		e.orphanOrder = slices.Delete(e.orphanOrder, i, i+1)
	}
}

// orphanSentLocked moves every sent command to the orphan table
func (e *Engine) orphanSentLocked(err error) {
	for _, cmd := range e.sent {
		e.orphans.Set(cmd.Seq, &orphan{cmd: cmd, err: err}, ttlcache.DefaultTTL)
		e.orphanOrder = append(e.orphanOrder, cmd.Seq)
	}
	e.sent = nil
	e.credit = e.profile.BufferCapacity()
}

// dropOrphansLocked writes off every orphan
func (e *Engine) dropOrphansLocked() []resolution {
	var dropped []resolution
	now := time.Now()
	for _, seq := range e.orphanOrder {
		item, ok := e.orphans.GetAndDelete(seq)
		if !ok {
			continue
		}
		o := item.Value()
		o.cmd.State = StateSkipped
		o.cmd.CompletedAt = now
		dropped = append(dropped, resolution{o.cmd, o.err})
	}
	e.orphanOrder = nil
	return dropped
}

func (e *Engine) onOrphanEvicted(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[uint32, *orphan]) {
	if reason != ttlcache.EvictionReasonExpired {
		return
	}
	o := item.Value()

	e.mu.Lock()
	e.removeOrphanLocked(item.Key())
	o.cmd.State = StateSkipped
	o.cmd.CompletedAt = time.Now()
	e.mu.Unlock()

	e.logger.WithField("seq", o.cmd.Seq).Debug("No response for cancelled command")
	e.finish([]resolution{{o.cmd, o.err}})
	e.notify()
}

// Sweep expires orphans whose late response never came
func (e *Engine) Sweep() {
	e.orphans.DeleteExpired()
}

func (e *Engine) raiseAlarm(resp firmware.Response) {
	alarm := &AlarmError{Code: resp.Code, Message: resp.Message}

	e.mu.Lock()
	e.alarm = alarm
	e.orphanSentLocked(alarm)
	e.mu.Unlock()

	e.logger.WithError(alarm).Error("Controller alarm, queue frozen")
}

// Freeze stops dispatch as if the controller had raised an alarm, used when
// a status report shows an alarm the engine never saw announced
func (e *Engine) Freeze(code int, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.alarm == nil {
		e.alarm = &AlarmError{Code: code, Message: message}
	}
}

// Unfreeze lifts an alarm freeze without an unlock command
func (e *Engine) Unfreeze() {
	e.mu.Lock()
	e.alarm = nil
	e.mu.Unlock()
	e.notify()
}

// Pause stops dispatch and sends a feed hold. Commands already sent stay
// in flight.
func (e *Engine) Pause() error {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	return e.sendRealtime(firmware.RealtimeFeedHold)
}

// Resume sends a cycle start and restarts dispatch
func (e *Engine) Resume() error {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	err := e.sendRealtime(firmware.RealtimeCycleStart)
	e.notify()
	return err
}

// Cancel soft resets the controller and drops all queued work. Pending
// commands resolve Skipped with ErrCancelled immediately. Sent commands
// resolve Skipped when their late response arrives or after the orphan
// timeout. Credit returns to the full buffer capacity.
func (e *Engine) Cancel() error {
	// no batch may start between the flush and the reset byte
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	now := time.Now()
	e.mu.Lock()
	skipped := make([]resolution, 0, len(e.pending))
	for _, cmd := range e.pending {
		cmd.State = StateSkipped
		cmd.CompletedAt = now
		skipped = append(skipped, resolution{cmd, ErrCancelled})
	}
	e.pending = nil
	e.orphanSentLocked(ErrCancelled)
	e.paused = false
	e.plannerKnown = false
	e.mu.Unlock()

	e.finish(skipped)
	e.logger.WithField("skipped", len(skipped)).Info("Stream cancelled")
	return e.sendRealtime(firmware.RealtimeSoftReset)
}

// Reset drops every pending, in-flight and orphaned command with err. It is
// used when the controller restarts or the link is lost. An alarm freeze
// survives a reset.
func (e *Engine) Reset(err error) {
	e.mu.Lock()
	dropped := e.drainLocked(err)
	e.paused = false
	e.plannerKnown = false
	e.mu.Unlock()

	if len(dropped) > 0 {
		e.logger.WithError(err).WithField("dropped", len(dropped)).Warn("Stream reset")
	}
	e.finish(dropped)
}

func (e *Engine) drainLocked(err error) []resolution {
	now := time.Now()
	dropped := e.dropOrphansLocked()
	for _, cmds := range [][]*Command{e.sent, e.pending} {
		for _, cmd := range cmds {
			cmd.State = StateSkipped
			cmd.CompletedAt = now
			dropped = append(dropped, resolution{cmd, err})
		}
	}
	e.sent = nil
	e.pending = nil
	e.credit = e.profile.BufferCapacity()
	return dropped
}

// SetReady gates dispatch until the controller has finished starting up
func (e *Engine) SetReady(ready bool) {
	e.mu.Lock()
	e.ready = ready
	e.mu.Unlock()
	if ready {
		e.notify()
	}
}

// SetProfile switches dialect, normally after auto-detection. Pending
// commands are formatted again for the new dialect.
func (e *Engine) SetProfile(profile firmware.Profile) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.profile = profile
	inFlight := 0
	for _, cmd := range e.sent {
		inFlight += cmd.Cost
	}
	e.credit = max(profile.BufferCapacity()-inFlight, 0)
	for _, cmd := range e.pending {
		cmd.Wire = profile.FormatCommand(cmd.Text, cmd.Seq)
		cmd.Cost = profile.Cost(cmd.Wire)
	}
}

// Profile returns the active dialect
func (e *Engine) Profile() firmware.Profile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profile
}

// Credit returns the remaining buffer credit
func (e *Engine) Credit() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.credit
}

// InFlight returns the number of sent, unacknowledged commands
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sent)
}

// Pending returns the number of commands not yet sent
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Orphans returns the number of cancelled commands awaiting a late response
func (e *Engine) Orphans() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.orphanOrder)
}

// Drained returns true when nothing is pending or in flight
func (e *Engine) Drained() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending) == 0 && len(e.sent) == 0
}

// Paused returns true between Pause and Resume
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Alarm returns the alarm freezing the queue, or nil
func (e *Engine) Alarm() *AlarmError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alarm
}

func (e *Engine) sendRealtime(kind firmware.RealtimeKind) error {
	e.mu.Lock()
	profile := e.profile
	e.mu.Unlock()

	b, ok := profile.RealtimeByte(kind)
	if !ok {
		return fmt.Errorf("%s has no %s realtime command", profile.Kind(), kind)
	}
	return e.transport.SendRealtime(b)
}

// finish resolves handles outside the engine lock
func (e *Engine) finish(list []resolution) {
	for _, r := range list {
		result := r.cmd.result(r.err)
		if r.cmd.handle.resolve(result) && e.observer != nil {
			e.observer(result)
		}
	}
}

func (e *Engine) notify() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}
