package winsync

import (
	"sync"
	"time"

	dirldap "github.com/netresearch/winsync-agreement/internal/ldap"
)

// Flavor distinguishes the remote directory's dialect, per spec.md §3.
type Flavor int

const (
	FlavorNT4 Flavor = iota
	FlavorWin2k3
	FlavorGenericAD
)

func (f Flavor) String() string {
	switch f {
	case FlavorNT4:
		return "nt4"
	case FlavorWin2k3:
		return "win2k3"
	default:
		return "generic-ad"
	}
}

// MoveScopeAction controls what happens to a local entry whose remote
// counterpart moved out of the agreement's scope (spec.md §4.C step 2).
type MoveScopeAction int

const (
	MoveDoesDelete MoveScopeAction = iota
	MoveDoesUnsync
)

// TransportFlags selects the wire transport mode for the Connection.
type TransportFlags struct {
	Mode dirldap.TransportMode
}

// Schedule describes the windows during which the agreement is allowed to
// replicate, plus the pause/busy timers used by the Driver's backoff helper.
type Schedule struct {
	// AlwaysOpen bypasses window checks entirely (the common case for a
	// "replicate always" agreement).
	AlwaysOpen bool

	// Windows is a list of weekly [start,end) windows in minutes-since-
	// midnight, evaluated against the process's local wall clock (timeNow).
	// Ignored when AlwaysOpen is true.
	Windows []ScheduleWindow

	// PauseTime is how long SENDING_UPDATES sleeps after a pass that sent at
	// least one change and reported "no more updates", to let other masters
	// acquire the consumer (spec.md §4.E step 5).
	PauseTime time.Duration

	// BusyBackoff is the busy time SetPauseAndBusyTime derives PauseTime
	// from. The Driver's wait after a BUSY acquisition result is the fixed
	// BusyBackoffMin, not this field.
	BusyBackoff time.Duration
}

// ScheduleWindow is one weekly open window. Day uses time.Weekday numbering
// (Sunday=0..Saturday=6).
type ScheduleWindow struct {
	Day        time.Weekday
	StartMin   int
	EndMin     int
}

// SetPauseAndBusyTime enforces the invariants from spec.md §4.E
// "set_pause_and_busy_time": if neither is set, busy defaults to
// BusyBackoffMin; pause must exceed busy; and pause is at least 2s once busy
// is at least 1s.
func (s *Schedule) SetPauseAndBusyTime() {
	if s.BusyBackoff <= 0 && s.PauseTime <= 0 {
		s.BusyBackoff = BusyBackoffMin
	}

	if s.PauseTime <= s.BusyBackoff {
		s.PauseTime = s.BusyBackoff + time.Second
	}

	if s.BusyBackoff >= time.Second && s.PauseTime < 2*time.Second {
		s.PauseTime = 2 * time.Second
	}
}

// Timing constants from spec.md §4.E / §9.
const (
	BackoffMin              = 3 * time.Second
	BackoffMax              = 5 * time.Minute
	BusyBackoffMin          = 30 * time.Second
	MaxWaitBetweenSessions  = 5 * time.Minute
	DirSyncPeriod           = 5 * time.Minute
	LingerSeconds           = 60 * time.Second
	MaxChangesPerSession    = 10000
	StopWaitTimeout         = 1200 * time.Second
	BackoffStaleAfter       = 60 * time.Second
)

// Agreement is the immutable (from the engine's point of view) configuration
// of one sync relationship, per spec.md §3.
type Agreement struct {
	Name string

	LocalSubtree  string
	RemoteSubtree string

	BindDN   string
	BindPW   string
	Mechanism dirldap.Mechanism

	Endpoint  string
	Transport TransportFlags
	Timeout   time.Duration

	WinsyncDomain string
	Flavor        Flavor

	Schedule Schedule

	// CreateUsers/CreateGroups gate whether the Inbound Processor is allowed
	// to create local entries for remote entries with no local match
	// (spec.md §4.C step 3).
	CreateUsers  bool
	CreateGroups bool

	// OutOfScopeAction selects MOVE_DOES_DELETE vs MOVE_DOES_UNSYNC
	// for out-of-scope moves (spec.md §4.C step 2).
	OutOfScopeAction MoveScopeAction

	// DeleteUserOnLocalDelete/DeleteGroupOnLocalDelete are carried from the
	// agreements file. The Outbound Replayer does not read them: outbound
	// DELETE is gated by the local entry's ntUserDeleteAccount/
	// ntGroupDeleteGroup attribute (spec.md §4.D step g).
	DeleteUserOnLocalDelete  bool
	DeleteGroupOnLocalDelete bool

	// changed is set by the owner when hostname/bind/credentials need to be
	// reloaded at the next Connection.connect() (spec.md §3).
	mu      sync.Mutex
	changed bool
}

// SetChanged marks the agreement as changed so the next connect() reloads
// configuration; mirrors Connection.set_agmt_changed().
func (a *Agreement) SetChanged() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.changed = true
}

// consumeChanged reads and clears the changed flag.
func (a *Agreement) consumeChanged() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.changed
	a.changed = false

	return v
}

// EntryKind is the two object classes the engine synchronizes.
type EntryKind int

const (
	KindUser EntryKind = iota
	KindGroup
)

func (k EntryKind) String() string {
	if k == KindGroup {
		return "group"
	}

	return "user"
}

// OpType is the kind of a changelog operation, per spec.md §3.
type OpType int

const (
	OpAdd OpType = iota
	OpModify
	OpDelete
	OpModRDN
)

func (t OpType) String() string {
	switch t {
	case OpAdd:
		return "ADD"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	case OpModRDN:
		return "MODRDN"
	default:
		return "UNKNOWN"
	}
}

// ModType is the kind of one attribute-level modification within an
// Operation, mirroring LDAP's add/delete/replace semantics.
type ModType int

const (
	ModAdd ModType = iota
	ModDelete
	ModReplace
)

// CSN is a Change Sequence Number: monotonic timestamp + replica id.
type CSN struct {
	Time      time.Time
	Seq       uint16
	ReplicaID uint16
}

// Compare returns -1, 0, 1 as c sorts before, equal to, or after other.
func (c CSN) Compare(other CSN) int {
	switch {
	case c.Time.Before(other.Time):
		return -1
	case c.Time.After(other.Time):
		return 1
	case c.Seq < other.Seq:
		return -1
	case c.Seq > other.Seq:
		return 1
	case c.ReplicaID < other.ReplicaID:
		return -1
	case c.ReplicaID > other.ReplicaID:
		return 1
	default:
		return 0
	}
}

func (c CSN) String() string {
	return c.Time.UTC().Format(time.RFC3339Nano)
}

// AttrMod is one attribute-level modification.
type AttrMod struct {
	Type   ModType
	Attr   string
	Values []string
}

// Operation is one changelog entry to replay outbound, per spec.md §3
// "Operation record".
type Operation struct {
	Type           OpType
	TargetUniqueID string
	TargetDN       string
	CSN            CSN
	Mods           []AttrMod // for MODIFY
	NewRDN         string    // for MODRDN
	NewSuperior    string    // for MODRDN
	DeleteOldRDN   bool      // for MODRDN
	IsDummyStart   bool      // synthetic start-iteration marker
}
