package collector

import (
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	logindInterface     = "org.freedesktop.login1.Manager"
	prepareForSleep     = logindInterface + ".PrepareForSleep"
	prepareForSleepName = "PrepareForSleep"
)

// ResumeMonitor listens for systemd-logind PrepareForSleep signals and
// delivers a notification each time the system resumes. Battery state usually
// changes a lot across a suspend, so the sampler takes a sample right away
// instead of waiting for the next interval.
type ResumeMonitor struct {
	conn *dbus.Conn
	done chan struct{}
	wake chan struct{}
	log  *slog.Logger
}

// NewResumeMonitor connects to the system bus and starts listening.
func NewResumeMonitor(logger *slog.Logger) (*ResumeMonitor, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}

	err = conn.AddMatchSignal(
		dbus.WithMatchInterface(logindInterface),
		dbus.WithMatchMember(prepareForSleepName),
	)
	if err != nil {
		return nil, err
	}

	m := newResumeMonitor(conn, logger)
	ch := make(chan *dbus.Signal, 16)
	conn.Signal(ch)
	go m.listen(ch)
	return m, nil
}

func newResumeMonitor(conn *dbus.Conn, logger *slog.Logger) *ResumeMonitor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ResumeMonitor{
		conn: conn,
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
		log:  logger,
	}
}

// Wake returns a channel that receives a value each time the system resumes.
// Notifications are coalesced: at most one is pending at a time.
func (m *ResumeMonitor) Wake() <-chan struct{} {
	return m.wake
}

// Close stops the monitor.
func (m *ResumeMonitor) Close() {
	close(m.done)
}

func (m *ResumeMonitor) listen(ch chan *dbus.Signal) {
	if m.conn != nil {
		defer m.conn.RemoveSignal(ch)
	}

	for {
		select {
		case sig, ok := <-ch:
			if !ok {
				return
			}
			m.handle(sig)
		case <-m.done:
			return
		}
	}
}

func (m *ResumeMonitor) handle(sig *dbus.Signal) {
	if sig == nil || sig.Name != prepareForSleep || len(sig.Body) < 1 {
		return
	}
	active, ok := sig.Body[0].(bool)
	if !ok {
		return
	}
	if active {
		m.log.Info("system going to sleep")
		return
	}
	m.log.Info("system resumed")
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
