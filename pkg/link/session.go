// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package link ties a controller connection to the streaming engine.
//
// A Session owns one connection. Its reader task reassembles frames, parses
// them with the active firmware profile and routes the result: command
// acknowledgements to the stream engine, status reports to the status
// snapshot and the state machine, and everything to the event dispatcher.
// A poller sends status queries on the realtime channel.
package link

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/graver/internal/logging"
	"github.com/Thermoquad/graver/pkg/capture"
	"github.com/Thermoquad/graver/pkg/events"
	"github.com/Thermoquad/graver/pkg/firmware"
	"github.com/Thermoquad/graver/pkg/frame"
	"github.com/Thermoquad/graver/pkg/machine"
	"github.com/Thermoquad/graver/pkg/stream"
	"github.com/Thermoquad/graver/pkg/transport"
)

// DefaultPollInterval is the status query period
const DefaultPollInterval = 200 * time.Millisecond

const readBufferSize = 1024

// Option configures a Session
type Option func(*Session)

// WithLogger sets the session logger. The engine, state machine and
// dispatcher log through it too.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithPollInterval sets the status query period. Zero disables polling.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		s.pollInterval = d
	}
}

// WithAutoDetect switches dialect when the controller's banner names a
// different firmware than the one the session was opened with
func WithAutoDetect(detect bool) Option {
	return func(s *Session) {
		s.detect = detect
	}
}

// WithRecorder copies every chunk crossing the link to r
func WithRecorder(r Recorder) Option {
	return func(s *Session) {
		s.recorder = r
	}
}

// WithCapacity overrides the receive buffer capacity of every profile the
// session uses
func WithCapacity(n int) Option {
	return func(s *Session) {
		s.capacity = n
	}
}

// WithMaxFrameSize bounds a single controller frame
func WithMaxFrameSize(n int) Option {
	return func(s *Session) {
		s.maxFrame = n
	}
}

// WithStreamOptions passes options through to the stream engine
func WithStreamOptions(opts ...stream.Option) Option {
	return func(s *Session) {
		s.streamOpts = append(s.streamOpts, opts...)
	}
}

// WithEventOptions passes options through to the event dispatcher
func WithEventOptions(opts ...events.Option) Option {
	return func(s *Session) {
		s.eventOpts = append(s.eventOpts, opts...)
	}
}

// WithListener subscribes l before the session starts reading, so it sees
// every event including the connection handshake
func WithListener(l events.Listener) Option {
	return func(s *Session) {
		s.listeners = append(s.listeners, l)
	}
}

// Session is a live connection to one controller
type Session struct {
	ID uuid.UUID

	conn         transport.Connection
	logger       logrus.FieldLogger
	pollInterval time.Duration
	detect       bool
	recorder     Recorder
	capacity     int
	maxFrame     int
	streamOpts   []stream.Option
	eventOpts    []events.Option
	listeners    []events.Listener

	writer      *writer
	realtime    *RealtimeChannel
	engine      *stream.Engine
	machine     *machine.StateMachine
	dispatcher  *events.Dispatcher
	stats       *statsTracker
	reassembler *frame.Reassembler // owned by the reader task

	status atomic.Pointer[machine.Status]

	mu          sync.Mutex
	profile     firmware.Profile
	established bool
	version     string
	closing     bool
	err         error

	ready     chan struct{}
	readyOnce sync.Once

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	failOnce sync.Once
	done     chan struct{}
}

// Open starts a session on conn. The session owns conn from here on and
// closes it when the session ends. Commands may be queued immediately; they
// are held until the controller has announced itself.
func Open(ctx context.Context, conn transport.Connection, profile firmware.Profile, opts ...Option) (*Session, error) {
	if conn == nil {
		return nil, ErrNotConnected
	}

	s := &Session{
		ID:           uuid.New(),
		conn:         conn,
		logger:       logging.Discard(),
		pollInterval: DefaultPollInterval,
		stats:        newStatsTracker(),
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("session", s.ID.String()[:8])
	s.profile = s.adapt(profile)

	s.writer = &writer{
		conn:     conn,
		stats:    s.stats,
		recorder: s.recorder,
		onError:  s.fail,
	}
	s.realtime = &RealtimeChannel{w: s.writer, profile: s.Profile}

	s.dispatcher = events.NewDispatcher(append([]events.Option{events.WithLogger(s.logger)}, s.eventOpts...)...)
	for _, l := range s.listeners {
		s.dispatcher.Subscribe(l)
	}
	s.machine = machine.NewStateMachine(
		machine.WithLogger(s.logger),
		machine.WithChangeFunc(func(from, to machine.State) {
			s.logger.WithFields(logrus.Fields{"from": from, "to": to}).Debug("State changed")
			s.dispatcher.Publish(events.StateChanged{From: from, To: to})
		}),
	)

	engineOpts := []stream.Option{
		stream.WithLogger(s.logger),
		stream.WithObserver(s.onResult),
		stream.WithWriteErrorHandler(s.fail),
	}
	s.engine = stream.New(s.profile, s.writer, append(engineOpts, s.streamOpts...)...)
	s.engine.SetReady(false)

	s.reassembler = frame.New(s.profile.Framing(), s.maxFrame)

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.machine.Fire(machine.TriggerOpen)
	s.engine.Start(s.ctx)

	s.wg.Add(2)
	go s.readLoop()
	go s.watchContext()
	if s.pollInterval > 0 {
		s.wg.Add(1)
		go s.pollLoop()
	}

	s.logger.WithFields(logrus.Fields{
		"firmware": s.profile.Kind(),
		"link":     describe(conn),
	}).Info("Session opened")
	return s, nil
}

func describe(conn transport.Connection) string {
	if str, ok := conn.(interface{ String() string }); ok {
		return str.String()
	}
	return "connection"
}

// adapt fits a profile to this session's capacity override and link type
func (s *Session) adapt(p firmware.Profile) firmware.Profile {
	if s.capacity > 0 {
		p = p.WithCapacity(s.capacity)
	}
	if _, ok := s.conn.(transport.MessageReader); !ok {
		p = p.ForStream()
	}
	return p
}

// ============================================================================
// Reader task
// ============================================================================

func (s *Session) readLoop() {
	defer s.wg.Done()

	mr, messages := s.conn.(transport.MessageReader)
	buf := make([]byte, readBufferSize)
	for {
		var chunk []byte
		var err error
		if messages {
			chunk, err = mr.ReadMessage()
		} else {
			var n int
			n, err = s.conn.Read(buf)
			chunk = buf[:n]
		}

		if len(chunk) > 0 {
			s.stats.update(func(st *Statistics) { st.BytesReceived += uint64(len(chunk)) })
			if s.recorder != nil {
				_ = s.recorder.Record(capture.Rx, chunk)
			}
			for f, ferr := range s.reassembler.Frames(chunk) {
				if ferr != nil {
					s.frameError(ferr)
					continue
				}
				s.handleFrame(f)
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				err = transport.ErrConnectionClosed
			}
			s.fail(&TransportError{Op: "read", Err: err})
			return
		}
	}
}

// watchContext ends the session when the caller's context ends
func (s *Session) watchContext() {
	defer s.wg.Done()
	<-s.ctx.Done()
	s.fail(&TransportError{Op: "session", Err: s.ctx.Err()})
}

func (s *Session) frameError(err error) {
	s.stats.update(func(st *Statistics) { st.UpdateFrame(firmware.Response{}, err) })
	s.logger.WithError(err).Warn("Dropped oversized frame")
	s.dispatcher.Publish(events.ProtocolError{Reason: err.Error()})
}

// handleFrame routes one complete frame
func (s *Session) handleFrame(f []byte) {
	s.mu.Lock()
	if s.detect && !s.established {
		if k, ok := firmware.Detect(f); ok && k != s.profile.Kind() {
			s.switchProfileLocked(k)
		}
	}
	profile := s.profile
	s.mu.Unlock()

	resp, err := profile.Parse(f)
	s.stats.update(func(st *Statistics) { st.UpdateFrame(resp, err) })
	if err != nil {
		var perr *firmware.ProtocolError
		if errors.As(err, &perr) {
			s.logger.WithField("frame", perr.Frame).Warn(perr.Reason)
			s.dispatcher.Publish(events.ProtocolError{Frame: perr.Frame, Reason: perr.Reason})
		} else {
			s.logger.WithError(err).WithField("frame", string(f)).Warn("Undecodable frame")
			s.dispatcher.Publish(events.ProtocolError{Frame: string(f), Reason: err.Error()})
		}
		return
	}

	s.logger.WithField("response", resp.Kind).Debug(resp.Raw)

	if resp.Kind == firmware.ResponseStatus && !s.isEstablished() {
		s.establish("")
	}
	if resp.Status != nil {
		s.updateStatus(*resp.Status)
	}

	switch resp.Kind {
	case firmware.ResponseWelcome:
		s.onWelcome(resp)
	case firmware.ResponseOk, firmware.ResponseError, firmware.ResponseQueueReport:
		s.engine.OnResponse(resp)
	case firmware.ResponseAlarm:
		s.engine.OnResponse(resp)
		s.machine.Fire(machine.TriggerAlarm)
		s.logger.WithField("code", resp.Code).Error("Controller alarm: " + resp.Message)
		s.dispatcher.Publish(events.Alarm{Code: resp.Code, Message: resp.Message})
	case firmware.ResponseStatus:
		s.engine.OnResponse(resp)
	case firmware.ResponseFeedback, firmware.ResponseInfo:
		s.dispatcher.Publish(events.Feedback{Tag: resp.Tag, Message: resp.Message})
	case firmware.ResponseSetting:
		s.dispatcher.Publish(events.Feedback{Tag: "$", Message: resp.Key + "=" + resp.Value})
	}
}

// switchProfileLocked adopts a detected dialect
func (s *Session) switchProfileLocked(k firmware.Kind) {
	s.logger.WithFields(logrus.Fields{
		"from": s.profile.Kind(),
		"to":   k,
	}).Info("Detected firmware")
	s.profile = s.adapt(firmware.ForKind(k))
	s.engine.SetProfile(s.profile)
	if mode := s.profile.Framing(); mode != s.reassembler.Mode() {
		s.reassembler.SetMode(mode)
	}
}

func (s *Session) onWelcome(resp firmware.Response) {
	if !s.isEstablished() {
		s.establish(resp.Version)
		return
	}

	// the controller restarted under us
	s.logger.WithField("version", resp.Version).Warn("Controller reset")
	s.engine.Reset(stream.ErrControllerReset)
	s.machine.Fire(machine.TriggerReset)
	s.mu.Lock()
	if resp.Version != "" {
		s.version = resp.Version
	}
	s.mu.Unlock()
}

func (s *Session) establish(version string) {
	s.mu.Lock()
	if s.established {
		s.mu.Unlock()
		return
	}
	s.established = true
	s.version = version
	kind := s.profile.Kind()
	s.mu.Unlock()

	s.machine.Fire(machine.TriggerInitOK)
	s.engine.SetReady(true)
	s.readyOnce.Do(func() { close(s.ready) })

	s.logger.WithFields(logrus.Fields{
		"firmware": kind,
		"version":  version,
	}).Info("Controller ready")
	s.dispatcher.Publish(events.ConnectionEstablished{Firmware: kind, Version: version})
}

// updateStatus merges a report into the snapshot and follows the reported
// state
func (s *Session) updateStatus(report machine.Status) {
	st := report.Resolve(s.status.Load())
	if st.Received.IsZero() {
		st.Received = time.Now()
	}
	s.status.Store(&st)

	if report.HasState {
		s.machine.Observe(st.State)
		switch {
		case st.State == machine.StateAlarm && s.engine.Alarm() == nil:
			s.engine.Freeze(0, "controller reports alarm state")
			s.dispatcher.Publish(events.Alarm{Message: "controller reports alarm state"})
		case st.State != machine.StateAlarm && s.engine.Alarm() != nil:
			s.engine.Unfreeze()
		}
	}
	s.dispatcher.Publish(events.StatusUpdated{Status: st})
}

// onResult runs whenever a command resolves
func (s *Session) onResult(r stream.Result) {
	s.stats.update(func(st *Statistics) { st.UpdateResult(r) })
	s.dispatcher.Publish(events.CommandCompleted{Result: r})

	if !r.OK() {
		return
	}
	profile := s.Profile()
	switch r.Text {
	case profile.UnlockCommand():
		s.machine.Fire(machine.TriggerUnlock)
	case profile.HomeCommand():
		s.machine.Fire(machine.TriggerHomeDone)
	}
	if s.engine.Drained() && s.machine.State() == machine.StateRun {
		s.machine.Fire(machine.TriggerStreamDone)
	}
}

// ============================================================================
// Status poller
// ============================================================================

func (s *Session) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.realtime.SendKind(firmware.RealtimeStatusQuery); err != nil {
				if errors.Is(err, ErrUnsupported) {
					continue
				}
				return
			}
		}
	}
}

// ============================================================================
// Teardown
// ============================================================================

// fail tears the session down once. Every later call is a no-op.
func (s *Session) fail(err error) {
	s.failOnce.Do(func() {
		s.mu.Lock()
		closing := s.closing
		if !closing {
			s.err = err
		}
		s.mu.Unlock()

		s.cancel()
		_ = s.conn.Close()

		if closing {
			s.engine.Reset(ErrSessionClosed)
		} else {
			s.logger.WithError(err).Error("Connection lost")
			s.engine.Reset(err)
		}
		s.machine.Fire(machine.TriggerConnectionLost)
		if closing {
			err = nil
		}
		s.dispatcher.Publish(events.ConnectionLost{Err: err})
		close(s.done)
	})
}

// Close ends the session. Commands still queued resolve Skipped and
// subscribers receive every event published before the link went down.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.fail(nil)
	s.wg.Wait()
	s.engine.Close()
	s.dispatcher.Close()
	return nil
}

// Done is closed when the session ends
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the session, or nil
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// WaitReady blocks until the controller has announced itself
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// Commands
// ============================================================================

func (s *Session) alive() error {
	select {
	case <-s.done:
		if err := s.Err(); err != nil {
			return errors.Join(ErrNotConnected, err)
		}
		return ErrSessionClosed
	default:
		return nil
	}
}

// Enqueue queues one command line
func (s *Session) Enqueue(text string) (*stream.Handle, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	h, err := s.engine.Enqueue(text)
	if err != nil {
		return nil, err
	}
	if s.machine.State() == machine.StateIdle {
		s.machine.Fire(machine.TriggerStreamStart)
	}
	return h, nil
}

// Pause sends a feed hold and stops dispatch
func (s *Session) Pause() error {
	if err := s.alive(); err != nil {
		return err
	}
	if err := s.engine.Pause(); err != nil {
		return err
	}
	s.machine.Fire(machine.TriggerHold)
	return nil
}

// Resume sends a cycle start and restarts dispatch
func (s *Session) Resume() error {
	if err := s.alive(); err != nil {
		return err
	}
	if err := s.engine.Resume(); err != nil {
		return err
	}
	s.machine.Fire(machine.TriggerResume)
	return nil
}

// Cancel soft resets the controller and drops all queued work
func (s *Session) Cancel() error {
	if err := s.alive(); err != nil {
		return err
	}
	return s.engine.Cancel()
}

// Unlock clears an alarm lock
func (s *Session) Unlock() (*stream.Handle, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	return s.engine.Unlock()
}

// Home runs the homing cycle. Homing is allowed while alarmed.
func (s *Session) Home() (*stream.Handle, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	h, err := s.engine.EnqueueUnlocking(s.Profile().HomeCommand())
	if err != nil {
		return nil, err
	}
	s.machine.Fire(machine.TriggerHome)
	return h, nil
}

// Jog moves relative to the current position, e.g. Jog("X10 Y-5", 500)
func (s *Session) Jog(words string, feed float64) (*stream.Handle, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	cmd, ok := s.Profile().JogCommand(strings.TrimSpace(words), feed)
	if !ok {
		return nil, ErrUnsupported
	}
	h, err := s.engine.Enqueue(cmd)
	if err != nil {
		return nil, err
	}
	s.machine.Fire(machine.TriggerJog)
	return h, nil
}

// JogCancel stops a jog in progress
func (s *Session) JogCancel() error {
	if err := s.alive(); err != nil {
		return err
	}
	if err := s.realtime.SendKind(firmware.RealtimeJogCancel); err != nil {
		return err
	}
	s.machine.Fire(machine.TriggerJogDone)
	return nil
}

// SendRealtime sends a realtime action such as an override
func (s *Session) SendRealtime(kind firmware.RealtimeKind) error {
	if err := s.alive(); err != nil {
		return err
	}
	return s.realtime.SendKind(kind)
}

// Realtime returns the session's realtime channel
func (s *Session) Realtime() *RealtimeChannel {
	return s.realtime
}

// Ping sends a status query and measures the time until the next status
// report arrives. Polling should be disabled for a meaningful result.
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	if err := s.alive(); err != nil {
		return 0, err
	}

	got := make(chan struct{}, 1)
	sub := s.dispatcher.SubscribeFunc(func(ev events.Event) {
		if _, ok := ev.(events.StatusUpdated); ok {
			select {
			case got <- struct{}{}:
			default:
			}
		}
	})
	defer s.dispatcher.Unsubscribe(sub)

	start := time.Now()
	if err := s.realtime.SendKind(firmware.RealtimeStatusQuery); err != nil {
		return 0, err
	}
	select {
	case <-got:
		return time.Since(start), nil
	case <-s.done:
		return 0, ErrNotConnected
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ============================================================================
// Observation
// ============================================================================

// CurrentStatus returns the latest status snapshot and whether one has
// been received
func (s *Session) CurrentStatus() (machine.Status, bool) {
	st := s.status.Load()
	if st == nil {
		return machine.Status{}, false
	}
	return *st, true
}

// State returns the controller state
func (s *Session) State() machine.State {
	return s.machine.State()
}

// Profile returns the active firmware profile
func (s *Session) Profile() firmware.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// Version returns the firmware version from the banner, if any
func (s *Session) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Session) isEstablished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.established
}

// Engine returns the stream engine for queue inspection
func (s *Session) Engine() *stream.Engine {
	return s.engine
}

// Subscribe registers an event listener
func (s *Session) Subscribe(l events.Listener) events.Subscription {
	return s.dispatcher.Subscribe(l)
}

// SubscribeFunc registers a function as an event listener
func (s *Session) SubscribeFunc(fn func(events.Event)) events.Subscription {
	return s.dispatcher.SubscribeFunc(fn)
}

// Unsubscribe removes a listener
func (s *Session) Unsubscribe(sub events.Subscription) {
	s.dispatcher.Unsubscribe(sub)
}

// Statistics returns a snapshot of the link counters
func (s *Session) Statistics() Statistics {
	return s.stats.snapshot()
}
