// internal/monitoring/engine.go
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"alertd/internal/config"
	"alertd/internal/database"
	"alertd/internal/metrics"
	"alertd/internal/protocol"
	"alertd/internal/transport"
)

const (
	OriginSyslog = "syslog"

	// pollTimeout bounds each wait so queued events are seen at least once a second.
	pollTimeout = 1000
)

// Engine runs the event loop. Everything it owns is touched only from the
// goroutine running Run; other goroutines talk to it through Post.
type Engine struct {
	config     *config.Config
	store      database.Store
	metrics    *metrics.Collector
	alerts     *AlertManager
	matcher    *SyslogMatcher
	thresholds *ThresholdMonitor
	sampler    Sampler

	server  *transport.Server
	syslog  *transport.SyslogSource
	clients map[int]*client
	timers  []*ticker

	events chan Event
	quit   chan struct{}
	now    func() time.Time

	// current mirrors config for readers outside the loop.
	current atomic.Pointer[config.Config]
}

type client struct {
	conn      *transport.Conn
	pkt       *protocol.Packet
	version   uint32
	session   string
	connected time.Time
}

func (c *client) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"fd":      c.conn.FD(),
		"session": c.session,
	})
}

func NewEngine(cfg *config.Config, store database.Store, metricsCollector *metrics.Collector) *Engine {
	types := NewTypeTable(cfg.Types)
	e := &Engine{
		config:  cfg,
		store:   store,
		metrics: metricsCollector,
		alerts:  NewAlertManager(store, types, metricsCollector),
		sampler: NewSystemSampler(),
		clients: make(map[int]*client),
		events:  make(chan Event, eventQueueSize),
		quit:    make(chan struct{}, 1),
		now:     time.Now,
	}
	e.current.Store(cfg)
	return e
}

// SetSampler replaces the system sampler used by threshold rules.
func (e *Engine) SetSampler(s Sampler) {
	e.sampler = s
}

// SetClock replaces the time source of the engine and its alert manager.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.alerts.SetClock(now)
}

// Config returns the configuration currently in effect. Safe from any goroutine.
func (e *Engine) Config() *config.Config {
	return e.current.Load()
}

// Post queues an event for the loop. It is safe to call from any goroutine
// and never blocks. It reports false when a full queue dropped the event;
// QUIT is never dropped.
func (e *Engine) Post(ev Event) bool {
	if ev.Type == EventQuit {
		e.Quit()
		return true
	}
	select {
	case e.events <- ev:
		return true
	default:
		logrus.WithField("event", ev.Type.String()).Warn("Event queue full, dropping event")
		e.metrics.RecordDroppedEvent(ev.Type.String())
		return false
	}
}

// Quit asks the loop to stop. Repeated calls collapse into one request.
func (e *Engine) Quit() {
	select {
	case e.quit <- struct{}{}:
	default:
	}
}

func (e *Engine) Reload() {
	e.Post(Event{Type: EventReload})
}

// Run executes the event loop until a QUIT event, ctx cancellation or a
// poll failure.
func (e *Engine) Run(ctx context.Context) error {
	logrus.Info("Starting alert engine")

	e.build(ctx)
	e.openSockets()
	e.startTimers()
	defer e.shutdown()

	for {
		fds := e.pollSet()
		n, err := unix.Poll(fds, pollTimeout)
		if err != nil && !errors.Is(err, unix.EINTR) {
			logrus.WithError(err).Error("Poll failed, stopping engine")
			return fmt.Errorf("poll: %w", err)
		}
		if n > 0 {
			e.dispatch(ctx, fds)
		}

		if e.drainEvents(ctx) || ctx.Err() != nil {
			logrus.Info("Alert engine stopped")
			return nil
		}
	}
}

// build (re)creates everything derived from the configuration.
func (e *Engine) build(ctx context.Context) {
	locale := e.config.ProcessLocale()

	e.alerts.SetTypes(NewTypeTable(e.config.Types))
	if err := e.alerts.Refresh(ctx); err != nil {
		logrus.WithError(err).Error("Failed to load alert types and overrides")
	}

	e.matcher = NewSyslogMatcher(e.config.SyslogSources, locale, e.config.Syslog.ExcludePolicy)

	prev := e.thresholds
	e.thresholds = NewThresholdMonitor(e.config.SysinfoSources, locale, e.sampler, e.metrics)
	e.thresholds.Adopt(prev)

	types := e.alerts.Types()
	for _, src := range e.config.SyslogSources {
		if _, ok := types.Lookup(src.Type); !ok {
			logrus.WithField("type", src.Type).Warn("Syslog rule refers to an unknown alert type")
		}
	}
	for _, src := range e.config.SysinfoSources {
		if _, ok := types.Lookup(src.Type); !ok {
			logrus.WithField("type", src.Type).Warn("Sysinfo rule refers to an unknown alert type")
		}
	}

	logrus.WithFields(logrus.Fields{
		"locale":        locale,
		"types":         types.Len(),
		"syslog_rules":  e.matcher.Len(),
		"sysinfo_rules": e.thresholds.Len(),
	}).Info("Alert rules loaded")
}

// openSockets starts whichever listeners are not running yet. A failure is
// logged and retried on the next reload.
func (e *Engine) openSockets() {
	if e.server == nil {
		server, err := transport.Listen(e.config.Sockets.Events, e.config.Sockets.Timeout)
		if err != nil {
			logrus.WithError(err).WithField("path", e.config.Sockets.Events).Error("Failed to open event socket")
		} else {
			e.server = server
			logrus.WithField("path", server.Path()).Info("Listening for clients")
		}
	}

	if e.syslog == nil {
		src, err := transport.ListenSyslog(e.config.Sockets.Syslog)
		if err != nil {
			logrus.WithError(err).WithField("path", e.config.Sockets.Syslog).Error("Failed to open syslog socket")
		} else {
			e.syslog = src
			logrus.WithField("path", e.config.Sockets.Syslog).Info("Listening for syslog")
		}
	}
}

func (e *Engine) startTimers() {
	e.timers = []*ticker{
		startTicker(TimerPurge, e.config.Timers.Purge, e.Post),
		startTicker(TimerSysinfo, e.config.Timers.Sysinfo, e.Post),
	}
}

func (e *Engine) stopTimers() {
	for _, t := range e.timers {
		t.Stop()
	}
	e.timers = nil
}

func (e *Engine) shutdown() {
	e.stopTimers()

	for _, c := range e.clients {
		e.removeClient(c)
	}
	if e.server != nil {
		e.server.Close()
		e.server = nil
	}
	if e.syslog != nil {
		e.syslog.Close()
		e.syslog = nil
	}
}

const readyEvents = unix.POLLIN | unix.POLLHUP | unix.POLLERR

// pollSet lists the descriptors to wait on: listener, syslog, then clients.
func (e *Engine) pollSet() []unix.PollFd {
	fds := make([]unix.PollFd, 0, len(e.clients)+2)
	if e.server != nil {
		fds = append(fds, unix.PollFd{Fd: int32(e.server.FD()), Events: unix.POLLIN})
	}
	if e.syslog != nil {
		fds = append(fds, unix.PollFd{Fd: int32(e.syslog.FD()), Events: unix.POLLIN})
	}
	for fd := range e.clients {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	return fds
}

// dispatch handles ready descriptors: syslog first, then clients, then at
// most one new connection.
func (e *Engine) dispatch(ctx context.Context, fds []unix.PollFd) {
	var listenReady, syslogReady bool
	var ready []*client

	for _, pfd := range fds {
		if pfd.Revents&readyEvents == 0 {
			continue
		}
		fd := int(pfd.Fd)
		switch {
		case e.server != nil && fd == e.server.FD():
			listenReady = true
		case e.syslog != nil && fd == e.syslog.FD():
			syslogReady = true
		default:
			if c, ok := e.clients[fd]; ok {
				ready = append(ready, c)
			}
		}
	}

	if syslogReady {
		e.processSyslog(ctx)
	}

	for _, c := range ready {
		if err := e.serveClient(ctx, c); err != nil {
			e.dropClient(c, err)
		}
	}

	if listenReady {
		e.acceptClient()
	}
}

func (e *Engine) processSyslog(ctx context.Context) {
	lines, err := e.syslog.Drain()
	if err != nil {
		logrus.WithError(err).Warn("Failed to read syslog socket")
	}

	for _, line := range lines {
		if !e.config.SyslogEnabled() {
			e.metrics.RecordSyslogLine("discarded")
			continue
		}

		match, outcome := e.matcher.Match(line)
		e.metrics.RecordSyslogLine(outcome)
		if match == nil {
			continue
		}

		logrus.WithFields(logrus.Fields{
			"type": match.TypeName,
			"line": line,
		}).Debug("Syslog line matched")
		e.RaiseAlert(ctx, OriginSyslog, match.TypeName, match.Flags, match.Desc, "")
	}
}

// RaiseAlert resolves typeName and stores the alert.
func (e *Engine) RaiseAlert(ctx context.Context, origin, typeName string, flags uint32, desc, ref string) {
	log := logrus.WithFields(logrus.Fields{
		"origin": origin,
		"type":   typeName,
	})

	id, ok := e.alerts.Types().Lookup(typeName)
	if !ok {
		log.Warn("Unknown alert type, alert dropped")
		return
	}

	alert := &database.Alert{
		Flags:  flags,
		Type:   id,
		Origin: origin,
		UUID:   truncate(ref, protocol.MaxStringLength),
		Desc:   truncate(desc, protocol.MaxStringLength),
	}
	if _, err := e.alerts.Insert(ctx, alert); err != nil {
		log.WithError(err).Error("Failed to store alert")
	}
}

// ResolveAlerts marks every open alert of typeName as resolved.
func (e *Engine) ResolveAlerts(ctx context.Context, typeName string) {
	id, ok := e.alerts.Types().Lookup(typeName)
	if !ok {
		logrus.WithField("type", typeName).Warn("Unknown alert type, nothing to resolve")
		return
	}
	if _, err := e.alerts.MarkAsResolved(ctx, id); err != nil {
		logrus.WithError(err).WithField("type", typeName).Error("Failed to resolve alerts")
	}
}

func (e *Engine) acceptClient() {
	conn, err := e.server.Accept()
	if err != nil {
		logrus.WithError(err).Warn("Failed to accept client")
		return
	}
	if conn == nil {
		return
	}

	c := &client{
		conn:      conn,
		pkt:       protocol.NewPacket(),
		session:   uuid.NewString(),
		connected: e.now(),
	}
	e.clients[conn.FD()] = c
	e.metrics.RecordConnection(1)
	c.log().Debug("Client connected")
}

// serveClient negotiates the version on first contact, then handles one
// request per call.
func (e *Engine) serveClient(ctx context.Context, c *client) error {
	if c.version == 0 {
		version, err := protocol.Negotiate(c.conn, c.pkt)
		if err != nil {
			return err
		}
		c.version = version
		c.log().WithField("version", fmt.Sprintf("%#x", version)).Debug("Client negotiated protocol version")
		return nil
	}

	if err := c.pkt.Read(c.conn); err != nil {
		return err
	}
	return e.handleRequest(ctx, c)
}

func (e *Engine) dropClient(c *client, err error) {
	kind := transport.Kind(err)
	var perr *protocol.ProtocolError
	if errors.As(err, &perr) {
		kind = "protocol"
	}
	e.metrics.RecordClientError(kind)

	log := c.log().WithField("kind", kind)
	if kind == "hangup" {
		log.Debug("Client disconnected")
	} else {
		log.WithError(err).Warn("Dropping client")
	}
	e.removeClient(c)
}

func (e *Engine) removeClient(c *client) {
	delete(e.clients, c.conn.FD())
	c.conn.Close()
	e.metrics.RecordConnection(-1)
}

// drainEvents handles every queued event and reports whether to stop. A
// pending quit wins over anything still queued.
func (e *Engine) drainEvents(ctx context.Context) bool {
	for {
		select {
		case <-e.quit:
			logrus.Info("Quit requested")
			e.stopTimers()
			return true
		default:
		}

		select {
		case ev := <-e.events:
			switch ev.Type {
			case EventTimer:
				e.handleTimer(ctx, ev.Timer)
			case EventReload:
				e.reload(ctx)
			}
		default:
			return false
		}
	}
}

func (e *Engine) handleTimer(ctx context.Context, id TimerID) {
	switch id {
	case TimerPurge:
		if _, err := e.alerts.Purge(ctx, e.config.Database.MaxAge); err != nil {
			logrus.WithError(err).Error("Purge failed")
		}
		if err := e.metrics.UpdateStoreMetrics(ctx); err != nil {
			logrus.WithError(err).Warn("Failed to update store metrics")
		}
	case TimerSysinfo:
		e.thresholds.Refresh(ctx, e.now(), e)
	default:
		logrus.WithField("timer", int(id)).Warn("Unknown timer")
	}
}

// reload re-reads the configuration. On failure the running configuration
// stays in effect.
func (e *Engine) reload(ctx context.Context) {
	logrus.WithField("path", e.config.Path()).Info("Reloading configuration")

	cfg, err := config.Load(e.config.Path())
	if err != nil {
		logrus.WithError(err).Error("Failed to reload configuration, keeping current")
		return
	}

	if cfg.Sockets.Events != e.config.Sockets.Events || cfg.Sockets.Syslog != e.config.Sockets.Syslog {
		logrus.Warn("Socket paths changed, restart to apply")
		cfg.Sockets = e.config.Sockets
	}

	timersChanged := cfg.Timers != e.config.Timers
	e.config = cfg
	e.current.Store(cfg)
	e.build(ctx)
	e.openSockets()

	if timersChanged {
		e.stopTimers()
		e.startTimers()
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
