// Package sampler runs the periodic read-filter-store loop over a set of
// power supply devices.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cptspacemanspiff/batmeter/internal/collector"
)

// ErrInvalidOptions is returned by New for unusable Options.
var ErrInvalidOptions = errors.New("invalid sampler options")

// DeviceReader reads the current state of one device.
type DeviceReader interface {
	Read(name string) (collector.Record, error)
}

// RecordWriter durably appends a record.
type RecordWriter interface {
	Insert(ctx context.Context, rec collector.Record) error
}

// State is the lifecycle state of a Loop.
type State int32

const (
	StateInit State = iota
	StatePolling
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StatePolling:
		return "polling"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StopReason says why a Loop left POLLING.
type StopReason string

const (
	ReasonSignal    StopReason = "signal"
	ReasonCondition StopReason = "condition"
	ReasonContext   StopReason = "context"
	ReasonError     StopReason = "error"
)

// Options configures a Loop.
type Options struct {
	// Devices are read in order on every sweep. Must not be empty.
	Devices []string
	// Interval is the pause between sweeps. Must be positive.
	Interval time.Duration
	// ShouldStop, if set, is evaluated before each sweep against the most
	// recent record of Devices[0].
	ShouldStop Predicate
	// ShouldSkip, if set, discards a record before it is stored.
	ShouldSkip Predicate
	// Wake cuts the pause short and starts the next sweep immediately.
	Wake <-chan struct{}
	Logger *slog.Logger
}

// Result summarises a finished run.
type Result struct {
	Stored  int
	Skipped int
	Sweeps  int
	Reason  StopReason
}

// Loop samples devices until stopped. A Loop runs once.
type Loop struct {
	reader DeviceReader
	store  RecordWriter
	stop   *StopFlag
	opts   Options
	log    *slog.Logger

	state     atomic.Int32
	started   atomic.Bool
	lastFirst collector.Record
	haveFirst bool
}

// New validates opts and returns a Loop in StateInit. stop may be shared with
// a signal watcher (see Notify); a nil stop gets a private flag.
func New(reader DeviceReader, store RecordWriter, stop *StopFlag, opts Options) (*Loop, error) {
	if reader == nil || store == nil {
		return nil, fmt.Errorf("%w: reader and store are required", ErrInvalidOptions)
	}
	if len(opts.Devices) == 0 {
		return nil, fmt.Errorf("%w: no devices", ErrInvalidOptions)
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidOptions, opts.Interval)
	}
	if stop == nil {
		stop = NewStopFlag()
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if opts.ShouldSkip == nil {
		opts.ShouldSkip = NeverSkip
	}
	opts.Devices = append([]string(nil), opts.Devices...)

	return &Loop{
		reader: reader,
		store:  store,
		stop:   stop,
		opts:   opts,
		log:    log,
	}, nil
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
}

// Run polls until the stop flag is raised, ctx is done, ShouldStop matches,
// or a read or write fails. The returned Result is valid in every case; on
// failure it holds the records stored before the error.
func (l *Loop) Run(ctx context.Context) (Result, error) {
	if !l.started.CompareAndSwap(false, true) {
		return Result{}, errors.New("sampler: loop already started")
	}

	var res Result
	if l.opts.ShouldStop != nil {
		rec, err := l.reader.Read(l.opts.Devices[0])
		if err != nil {
			return l.fail(res, fmt.Errorf("initial read %s: %w", l.opts.Devices[0], err))
		}
		l.remember(rec)
	}

	l.setState(StatePolling)
	l.log.Debug("polling", "devices", l.opts.Devices, "interval", l.opts.Interval.String())

	for {
		if reason, ok := l.stopRequested(ctx); ok {
			res.Reason = reason
			break
		}

		if err := l.sweep(ctx, &res); err != nil {
			return l.fail(res, err)
		}
		res.Sweeps++
		l.log.Debug("sweep done",
			"sweep", res.Sweeps,
			"stored", res.Stored,
			"skipped", res.Skipped,
			"last", time.Now().Format(time.DateTime))

		if l.stop.Raised() {
			continue
		}
		l.pause(ctx)
	}

	l.setState(StateStopping)
	l.log.Info("sampling stopped",
		"reason", string(res.Reason),
		"stored", res.Stored,
		"skipped", res.Skipped,
		"sweeps", res.Sweeps)
	l.setState(StateStopped)
	return res, nil
}

func (l *Loop) fail(res Result, err error) (Result, error) {
	res.Reason = ReasonError
	l.setState(StateStopping)
	l.log.Error("sampling failed", "err", err, "stored", res.Stored)
	l.setState(StateStopped)
	return res, err
}

func (l *Loop) stopRequested(ctx context.Context) (StopReason, bool) {
	if l.stop.Raised() {
		return ReasonSignal, true
	}
	if ctx.Err() != nil {
		return ReasonContext, true
	}
	if l.opts.ShouldStop != nil && l.haveFirst && l.opts.ShouldStop(l.lastFirst) {
		return ReasonCondition, true
	}
	return "", false
}

// sweep reads every device once. Stop requests are only honoured between
// sweeps, so every completed run stores the same number of samples per
// device (minus skipped ones).
func (l *Loop) sweep(ctx context.Context, res *Result) error {
	for i, name := range l.opts.Devices {
		rec, err := l.reader.Read(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if i == 0 {
			l.remember(rec)
		}

		if l.opts.ShouldSkip(rec) {
			res.Skipped++
			l.log.Debug("sample skipped", "device", name)
			continue
		}
		if err := l.store.Insert(ctx, rec); err != nil {
			return fmt.Errorf("store %s: %w", name, err)
		}
		res.Stored++
	}
	return nil
}

func (l *Loop) remember(rec collector.Record) {
	l.lastFirst = rec
	l.haveFirst = true
}

// pause waits for the interval, a stop request, ctx, or a wake tick.
func (l *Loop) pause(ctx context.Context) {
	timer := time.NewTimer(l.opts.Interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return
		case <-l.stop.Done():
			return
		case <-ctx.Done():
			return
		case _, ok := <-l.opts.Wake:
			if !ok {
				// A closed wake channel would never block again.
				l.opts.Wake = nil
				continue
			}
			l.log.Debug("woken early")
			return
		}
	}
}
