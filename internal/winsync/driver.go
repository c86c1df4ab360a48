package winsync

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"
)

// State is one of the Agreement Driver's 10 states, per spec.md §4.E.
type State int

const (
	StateStart State = iota
	StateWaitWindowOpen
	StateWaitChanges
	StateReadyToAcquire
	StateBackoffStart
	StateBackoff
	StateSendingUpdates
	StateStopFatalError
	StateStopFatalErrorPart2
	StateStopNormalTermination
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateWaitWindowOpen:
		return "WAIT_WINDOW_OPEN"
	case StateWaitChanges:
		return "WAIT_CHANGES"
	case StateReadyToAcquire:
		return "READY_TO_ACQUIRE"
	case StateBackoffStart:
		return "BACKOFF_START"
	case StateBackoff:
		return "BACKOFF"
	case StateSendingUpdates:
		return "SENDING_UPDATES"
	case StateStopFatalError:
		return "STOP_FATAL_ERROR"
	case StateStopFatalErrorPart2:
		return "STOP_FATAL_ERROR_PART2"
	case StateStopNormalTermination:
		return "STOP_NORMAL_TERMINATION"
	default:
		return "UNKNOWN"
	}
}

// AcquireResult is the outcome of attempting to acquire exclusive replay
// rights against the consumer, per spec.md §4.E "READY_TO_ACQUIRE".
type AcquireResult int

const (
	AcquireSuccess AcquireResult = iota
	AcquireBusy
	AcquireConsumerUpToDate
	AcquireTransient
	AcquireFatal
)

// RUVCheck is the verdict of verifying the remote RUV at the start of
// SENDING_UPDATES, per spec.md §4.E step 1.
type RUVCheck int

const (
	RUVOk RUVCheck = iota
	RUVPristine
	RUVGenerationMismatch
	RUVTooOld
	RUVParamError
)

// ReplicaCoordinator is the external collaborator that negotiates exclusive
// replay access with the consumer and exposes its RUV generation state.
// Real implementations speak whatever out-of-band protocol the consumer
// directory uses (an extended operation, a lock entry, …); this package only
// depends on the three verbs below.
type ReplicaCoordinator interface {
	AcquireReplica(ctx context.Context, dirSyncPending bool) AcquireResult
	ReleaseReplica(ctx context.Context)
	VerifyRUV(ctx context.Context) RUVCheck
}

// Driver runs one agreement's full state machine, per spec.md §4.E. One
// Driver owns one Connection, one Mapper, and one goroutine (the "runner
// thread" in spec.md §5's terms).
type Driver struct {
	agmt   *Agreement
	conn   *Connection
	mapper *Mapper
	local  LocalDirectory
	ruv    ReplicaUpdateVector
	coord  ReplicaCoordinator
	iters  ChangelogIteratorFactory
	log    zerolog.Logger

	events *eventSet

	state      State
	runDirSync bool
	backoff    *backoffSchedule
	pendingBusy  bool
	backoffTimer *timerHandle
	cookie       []byte

	stateAtomic atomic.Int32

	terminate chan struct{}
	done      chan struct{}
}

// AgreementStatus is the user-visible status snapshot from spec.md §7:
// last LDAP error, last operation, a human-readable status string, and
// whether the driver is currently in SENDING_UPDATES.
type AgreementStatus struct {
	Name             string
	State            State
	UpdateInProgress bool
	Connected        bool
	LastError        error
	LastOperation    string
	LastStatus       string
}

// Status returns a thread-safe snapshot of the driver's current state and
// its connection's last-operation status, for the read-only status server.
func (d *Driver) Status() AgreementStatus {
	state := State(d.stateAtomic.Load())
	lastErr, lastOp, lastStatus := d.conn.Status()

	return AgreementStatus{
		Name:             d.agmt.Name,
		State:            state,
		UpdateInProgress: state == StateSendingUpdates,
		Connected:        d.conn.Connected(),
		LastError:        lastErr,
		LastOperation:    lastOp,
		LastStatus:       lastStatus,
	}
}

// ChangelogIteratorFactory opens a fresh bounded changelog iterator for one
// outbound pass; the storage engine implements this.
type ChangelogIteratorFactory func(ctx context.Context, ruv ReplicaUpdateVector) (ChangelogIterator, error)

// NewDriver builds a Driver for one agreement. SetPauseAndBusyTime is
// applied to agmt.Schedule before the driver ever reads it.
func NewDriver(agmt *Agreement, conn *Connection, mapper *Mapper, local LocalDirectory, ruv ReplicaUpdateVector, coord ReplicaCoordinator, iters ChangelogIteratorFactory, log zerolog.Logger) *Driver {
	agmt.Schedule.SetPauseAndBusyTime()

	return &Driver{
		agmt:      agmt,
		conn:      conn,
		mapper:    mapper,
		local:     local,
		ruv:       ruv,
		coord:     coord,
		iters:     iters,
		log:       log.With().Str("agreement", agmt.Name).Logger(),
		events:    newEventSet(),
		state:     StateStart,
		backoff:   newBackoffSchedule(),
		terminate: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Raise delivers an event to the running Driver loop.
func (d *Driver) Raise(e Event) {
	d.events.Raise(e)
}

// Stop requests shutdown and waits up to StopWaitTimeout for the runner to
// acknowledge, per spec.md §4.E "stop()". Returns false if the timeout
// elapsed first (a non-graceful stop; the caller tears down anyway).
func (d *Driver) Stop() bool {
	close(d.terminate)
	d.events.Raise(EventProtocolShutdown)

	select {
	case <-d.done:
		return true
	case <-time.After(StopWaitTimeout):
		d.log.Warn().Msg("agreement did not acknowledge shutdown within timeout; proceeding anyway")

		return false
	}
}

func (d *Driver) terminating() bool {
	select {
	case <-d.terminate:
		return true
	default:
		return false
	}
}

// Run executes the state machine until it reaches STOP_NORMAL_TERMINATION or
// is torn down via Stop. Intended to run on its own goroutine.
func (d *Driver) Run(ctx context.Context) {
	defer close(d.done)

	var dirSyncTimer *timerHandle

	for {
		if d.terminating() && d.state != StateStopFatalError && d.state != StateStopFatalErrorPart2 {
			d.conn.disconnect()
			d.state = StateStopNormalTermination
		}

		d.stateAtomic.Store(int32(d.state))
		d.log.Debug().Str("state", d.state.String()).Msg("driver state")

		switch d.state {
		case StateStart:
			d.conn.cancelLinger()
			d.conn.disconnect()

			if dirSyncTimer == nil {
				dirSyncTimer = newTimerHandle(DirSyncPeriod)
			}

			if d.inWindow() {
				d.state = StateReadyToAcquire
			} else {
				d.state = StateWaitWindowOpen
			}

		case StateWaitWindowOpen:
			got := d.events.TakeAny(EventWindowOpened|EventReplicateNow|EventAgmtChanged, nil)
			if got.has(EventAgmtChanged) {
				d.runDirSync = true
			}

			d.state = StateStart

		case StateWaitChanges:
			timeout := newTimerHandle(MaxWaitBetweenSessions)
			got := d.events.TakeAny(EventReplicateNow|EventRunDirSync|EventChangesAvailable, timeout.C())
			timeout.Stop()

			if got == 0 {
				d.runDirSync = true
				d.state = StateStart

				continue
			}

			if got.has(EventRunDirSync) {
				d.runDirSync = true
			}

			d.state = StateReadyToAcquire

		case StateReadyToAcquire:
			switch d.coord.AcquireReplica(ctx, d.runDirSync) {
			case AcquireSuccess:
				d.backoff.Reset()
				d.state = StateSendingUpdates
			case AcquireBusy:
				d.state = StateBackoffStart
				d.pendingBusy = true
			case AcquireConsumerUpToDate:
				d.state = StateWaitChanges
			case AcquireTransient:
				d.state = StateBackoffStart
				d.pendingBusy = false
			case AcquireFatal:
				d.state = StateStopFatalError
			}

		case StateBackoffStart:
			wait := d.backoff.Next(d.pendingBusy)
			d.backoffTimer = newTimerHandle(wait)
			d.state = StateBackoff

		case StateBackoff:
			got := d.events.TakeAny(EventBackoffExpired|EventReplicateNow|EventRunDirSync|EventChangesAvailable, d.backoffTimer.C())

			switch {
			case got == 0:
				d.state = StateReadyToAcquire
			case d.backoff.Stale():
				d.backoffTimer.Stop()
				d.state = StateReadyToAcquire
			default:
				d.state = StateBackoff
			}

		case StateSendingUpdates:
			d.state = d.runSendingUpdates(ctx)

		case StateStopFatalError:
			d.log.Error().Msg("agreement halted on fatal error; awaiting operator intervention")
			d.state = StateStopFatalErrorPart2

		case StateStopFatalErrorPart2:
			got := d.events.TakeAny(EventAgmtChanged|EventProtocolShutdown, nil)
			if got.has(EventAgmtChanged) {
				d.state = StateStart
			}

		case StateStopNormalTermination:
			if dirSyncTimer != nil {
				dirSyncTimer.Stop()
			}

			d.stateAtomic.Store(int32(d.state))

			return
		}
	}
}

// inWindow reports whether the agreement's schedule currently permits
// replication.
func (d *Driver) inWindow() bool {
	if d.agmt.Schedule.AlwaysOpen {
		return true
	}

	now := timeNow()
	minute := now.Hour()*60 + now.Minute()

	for _, w := range d.agmt.Schedule.Windows {
		if w.Day != now.Weekday() {
			continue
		}

		if minute >= w.StartMin && minute < w.EndMin {
			return true
		}
	}

	return false
}

// runSendingUpdates executes spec.md §4.E's SENDING_UPDATES steps 1-6 and
// returns the next state.
func (d *Driver) runSendingUpdates(ctx context.Context) State {
	defer d.coord.ReleaseReplica(ctx)

	switch d.coord.VerifyRUV(ctx) {
	case RUVPristine, RUVGenerationMismatch:
		d.log.Warn().Msg("remote RUV stale or mismatched; running total update")

		return d.totalUpdate(ctx)
	case RUVTooOld, RUVParamError:
		d.log.Error().Msg("remote RUV verification failed")

		return StateBackoffStart
	}

	iter, err := d.iters(ctx, d.ruv)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to open changelog iterator")

		return StateBackoffStart
	}

	replayer := NewOutboundReplayer(d.agmt, d.mapper, d.local, d.conn, d.ruv, d.log)

	outcome := replayer.Run(ctx, iter)
	sentAny := replayer.sent > 0

	if d.runDirSync {
		if err := d.runInboundPass(ctx); err != nil {
			d.log.Error().Err(err).Msg("dirsync pass failed")
		} else {
			d.runDirSync = false
		}
	}

	if outcome == ReplayNoMore && sentAny {
		time.Sleep(d.agmt.Schedule.PauseTime)
	}

	switch outcome {
	case ReplayNoMore:
		return StateWaitChanges
	case ReplayYield, ReplayTransient, ReplayConnectionLost, ReplayTimeout:
		return StateBackoffStart
	case ReplayFatal:
		return StateStopFatalError
	case ReplayScheduleWindowClosed:
		return StateWaitWindowOpen
	default:
		return StateBackoffStart
	}
}

// runInboundPass streams a fresh DirSync search to completion, applying
// each entry via the Inbound Processor, then persists the updated cookie.
func (d *Driver) runInboundPass(ctx context.Context) error {
	processor := NewInboundProcessor(d.agmt, d.mapper, d.local, d.conn, d.log)

	cookie := d.cookie
	base := d.agmt.RemoteSubtree

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entries, newCookie, result := d.conn.SendDirSyncSearch(base, "(objectClass=*)", cookie)
		if result != ResultSuccess {
			return errResultf(result)
		}

		for _, raw := range entries {
			re := remoteEntryFromLDAP(raw)

			if err := processor.Apply(ctx, re); err != nil {
				d.log.Warn().Err(err).Str("dn", raw.DN).Msg("inbound apply failed; continuing")
			}
		}

		cookie = newCookie

		if len(entries) == 0 {
			break
		}
	}

	d.cookie = cookie

	return nil
}

// totalUpdate runs a full resync of the remote subtree in place of an
// incremental DirSync pass, per windows_tot_protocol.c: the consumer RUV is
// pristine or its generation no longer matches ours, so an incremental
// cookie-based pass cannot be trusted to see a consistent view. Dropping the
// cookie makes the next SendDirSyncSearch call start from the beginning of
// the remote subtree, sweeping every entry through the Inbound Processor
// exactly as an incremental pass would, just unbounded by a prior cursor.
func (d *Driver) totalUpdate(ctx context.Context) State {
	d.cookie = nil

	if err := d.runInboundPass(ctx); err != nil {
		d.log.Error().Err(err).Msg("total update failed")

		return StateBackoffStart
	}

	d.runDirSync = false

	return StateWaitChanges
}

// errResultf turns a non-success coarse Result from a DirSync search into an
// error for runInboundPass's caller to log.
func errResultf(result Result) error {
	return fmt.Errorf("winsync: dirsync search: %s", result)
}

// remoteEntryFromLDAP adapts a raw *ldap.Entry from a DirSync response into
// the RemoteEntry shape the Inbound Processor consumes, resolving its kind,
// GUID, and samAccountName from well-known attributes.
func remoteEntryFromLDAP(e *ldap.Entry) RemoteEntry {
	kind := KindUser
	for _, oc := range e.GetAttributeValues("objectClass") {
		if strings.EqualFold(oc, "group") {
			kind = KindGroup
		}
	}

	guid := ""
	if raw := e.GetRawAttributeValue("objectGUID"); len(raw) == 16 {
		guid, _ = HexGUID(raw)
	}

	return RemoteEntry{
		DN:      e.DN,
		Deleted: len(e.GetAttributeValues("isDeleted")) > 0,
		Kind:    kind,
		GUID:    guid,
		SAM:     e.GetAttributeValue("sAMAccountName"),
		Attrs:   entryToAttrs(e),
	}
}
