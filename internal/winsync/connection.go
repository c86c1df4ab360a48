package winsync

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"

	dirldap "github.com/netresearch/winsync-agreement/internal/ldap"
)

// capability is a tri-state flag: unknown at session start, resolved to
// yes/no at most once per session, reset to unknown on disconnect
// (spec.md §3, §6).
type capability int

const (
	capUnknown capability = iota - 1
	capNo
	capYes
)

func (c capability) String() string {
	switch c {
	case capYes:
		return "yes"
	case capNo:
		return "no"
	default:
		return "unknown"
	}
}

// connState is the Connection's two-value lifecycle state, kept in lockstep
// with whether the underlying *ldap.Conn is non-nil (spec.md §3 invariant
// "ld != null ⇔ state = CONNECTED").
type connState int

const (
	stateDisconnected connState = iota
	stateConnected
)

// Connection owns one LDAP session to an agreement's remote peer: dial,
// bind, capability probing, per-operation error classification, and the
// linger-on-idle behavior from spec.md §4.A. One Connection belongs
// exclusively to its Agreement and is reused across sessions.
type Connection struct {
	agmt *Agreement
	log  zerolog.Logger

	mu    sync.Mutex
	state connState
	conn  *ldap.Conn

	lastOperation string
	lastError     error
	lastStatus    string

	refCount int

	lingerTimer *time.Timer
	lingerDone  chan struct{}

	supportsDirSync capability
	supportsDS5     capability
	isNT4           capability
	isWin2k3        capability

	cred dirldap.Credential
}

// NewConnection builds an unconnected Connection for the given agreement.
func NewConnection(agmt *Agreement, log zerolog.Logger) *Connection {
	return &Connection{
		agmt:            agmt,
		log:             log.With().Str("agreement", agmt.Name).Logger(),
		supportsDirSync: capUnknown,
		supportsDS5:     capUnknown,
		isNT4:           capUnknown,
		isWin2k3:        capUnknown,
	}
}

// Connected reports whether the Connection currently owns a live session.
// It takes the Connection's lock itself, so any goroutine may call it.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state == stateConnected
}

// connect establishes a session: reload credentials if the agreement was
// marked changed, dial per the transport flags, bind with the configured
// mechanism, and probe capabilities. Mirrors spec.md §4.A "connect()".
func (c *Connection) connect() Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelLingerLocked()

	if c.state == stateConnected {
		return ResultSuccess
	}

	if c.agmt.consumeChanged() {
		c.log.Info().Msg("agreement changed, reloading bind identity before reconnect")
	}

	conn, err := dirldap.Dial(dirldap.DialOptions{
		Endpoint: c.agmt.Endpoint,
		Mode:     c.agmt.Transport.Mode,
		Timeout:  c.agmt.Timeout,
	})
	if err != nil {
		return c.failLocked("connect", err)
	}

	conn.SetTimeout(c.agmt.Timeout)

	cred := dirldap.Credential{
		DN:       c.agmt.BindDN,
		Password: c.agmt.BindPW,
		Realm:    c.agmt.WinsyncDomain,
	}

	if err := dirldap.Bind(conn, c.agmt.Mechanism, cred); err != nil {
		conn.Close()

		return c.failLocked("bind", err)
	}

	c.conn = conn
	c.state = stateConnected
	c.cred = cred

	c.probeCapabilitiesLocked()

	c.log.Info().Str("endpoint", c.agmt.Endpoint).Str("mechanism", c.agmt.Mechanism.String()).
		Msg("connected")

	return ResultSuccess
}

// probeCapabilitiesLocked reads the root DSE once per session to resolve the
// tri-state capability flags (spec.md §6). Caller must hold mu and have a
// live c.conn.
func (c *Connection) probeCapabilitiesLocked() {
	req := ldap.NewSearchRequest(
		"",
		ldap.ScopeBaseObject, ldap.NeverDerefAliases, 0, 0, false,
		"(objectClass=*)",
		[]string{"supportedControl", "supportedCapabilities", "supportedExtension"},
		nil,
	)

	res, err := c.conn.Search(req)
	if err != nil {
		c.log.Warn().Err(err).Msg("root DSE probe failed; capabilities remain unknown")

		return
	}

	if len(res.Entries) == 0 {
		return
	}

	entry := res.Entries[0]
	controls := entry.GetAttributeValues("supportedControl")
	extensions := entry.GetAttributeValues("supportedExtension")
	capsOID := entry.GetAttributeValues("supportedCapabilities")

	c.supportsDirSync = toCapability(containsOID(controls, dirldap.OIDDirSync))
	c.supportsDS5 = toCapability(
		containsOID(controls, dirldap.OIDDS5ReplInfo) &&
			containsOID(extensions, dirldap.OIDDS5ReplStart) &&
			containsOID(extensions, dirldap.OIDDS5ReplEnd) &&
			containsOID(extensions, dirldap.OIDDS5ReplEntry) &&
			containsOID(extensions, dirldap.OIDDS5ReplResponse),
	)
	c.isWin2k3 = toCapability(containsOID(capsOID, dirldap.OIDWin2k3Capability))
	c.isNT4 = toCapability(c.supportsDirSync == capNo)
}

func toCapability(b bool) capability {
	if b {
		return capYes
	}

	return capNo
}

func containsOID(values []string, oid string) bool {
	for _, v := range values {
		if v == oid {
			return true
		}
	}

	return false
}

// disconnect tears down the session and resets capability flags to unknown,
// per spec.md §3's session-scoped capability lifecycle.
func (c *Connection) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.disconnectLocked()
}

func (c *Connection) disconnectLocked() {
	c.cancelLingerLocked()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	c.state = stateDisconnected
	c.supportsDirSync = capUnknown
	c.supportsDS5 = capUnknown
	c.isNT4 = capUnknown
	c.isWin2k3 = capUnknown
	c.cred = dirldap.Credential{}
}

// startLinger arms a LINGER_SECONDS timer that disconnects the session if
// nobody reclaims it first (spec.md §4.A "Linger").
func (c *Connection) startLinger(after func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateConnected {
		return
	}

	c.cancelLingerLocked()

	done := make(chan struct{})
	c.lingerDone = done

	c.lingerTimer = time.AfterFunc(LingerSeconds, func() {
		c.mu.Lock()
		select {
		case <-done:
			c.mu.Unlock()

			return
		default:
		}

		c.disconnectLocked()
		c.mu.Unlock()

		if after != nil {
			after()
		}
	})
}

// cancelLinger cancels a pending linger timer, reusing the session.
func (c *Connection) cancelLinger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLingerLocked()
}

func (c *Connection) cancelLingerLocked() {
	if c.lingerTimer != nil {
		c.lingerTimer.Stop()
		c.lingerTimer = nil
	}

	if c.lingerDone != nil {
		close(c.lingerDone)
		c.lingerDone = nil
	}
}

// setAgmtChanged mirrors spec.md §4.A "set_agmt_changed()".
func (c *Connection) setAgmtChanged() {
	c.agmt.SetChanged()
}

// failLocked records err as the last operation failure, classifies it, and
// disconnects if it is disconnect-worthy. Caller must hold mu.
func (c *Connection) failLocked(op string, err error) Result {
	result := ClassifyLDAPError(err)

	if !sameError(c.lastError, err) {
		c.log.Error().Err(err).Str("operation", op).Msg("ldap operation failed")
	}

	c.lastOperation = op
	c.lastError = err
	c.lastStatus = fmt.Sprintf("%s: %v", op, err)

	if result == ResultNotConnected || IsDisconnectWorthy(err) {
		c.disconnectLocked()

		return ResultNotConnected
	}

	return result
}

func sameError(a, b error) bool {
	if a == nil || b == nil {
		return a == b
	}

	return a.Error() == b.Error()
}

// Status returns the user-visible status triple from spec.md §7.
func (c *Connection) Status() (lastError error, lastOperation, lastStatus string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastError, c.lastOperation, c.lastStatus
}

// SupportsDirSync reports the tri-state DirSync capability flag.
func (c *Connection) SupportsDirSync() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.supportsDirSync == capYes
}

// IsNT4 reports whether the remote peer looks like an NT4 domain
// (¬supports-dirsync, per spec.md §4.A).
func (c *Connection) IsNT4() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.isNT4 == capYes
}

// IsWin2k3OrOlder reports the Win2k3-capability flag.
func (c *Connection) IsWin2k3OrOlder() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.isWin2k3 == capYes
}

// SearchEntry performs a base/one/sub-scope search, per spec.md §4.A
// "search_entry". Returns at most one entry for base-scope capability
// probes; callers needing multiple entries use SearchEntries.
func (c *Connection) SearchEntry(base, filter string, scope int, controls []ldap.Control) (*ldap.Entry, Result) {
	entries, result := c.SearchEntries(base, filter, scope, controls)
	if result != ResultSuccess || len(entries) == 0 {
		return nil, result
	}

	return entries[0], ResultSuccess
}

// SearchEntries returns every entry matching the search.
func (c *Connection) SearchEntries(base, filter string, scope int, controls []ldap.Control) ([]*ldap.Entry, Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateConnected {
		return nil, ResultNotConnected
	}

	req := ldap.NewSearchRequest(base, scope, ldap.NeverDerefAliases, 0, 0, false, filter, nil, controls)

	res, err := c.conn.Search(req)
	if err != nil {
		return nil, c.failLocked("search", err)
	}

	return res.Entries, ResultSuccess
}

// ReadEntryAttribute performs the synchronous base-scope read spec.md §4.A
// uses for capability discovery.
func (c *Connection) ReadEntryAttribute(dn, attr string) ([]string, Result) {
	entry, result := c.SearchEntry(dn, "(objectClass=*)", ldap.ScopeBaseObject, nil)
	if result != ResultSuccess {
		return nil, result
	}

	return entry.GetAttributeValues(attr), ResultSuccess
}

// SendAdd issues an ADD request.
func (c *Connection) SendAdd(req *ldap.AddRequest) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateConnected {
		return ResultNotConnected
	}

	if err := c.conn.Add(req); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
			return ResultSuccess
		}

		return c.failLocked("add", err)
	}

	return ResultSuccess
}

// SendModify issues a MODIFY request, treating UNWILLING_TO_PERFORM as
// SUCCESS per spec.md §4.A's benign-error mapping.
func (c *Connection) SendModify(req *ldap.ModifyRequest) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateConnected {
		return ResultNotConnected
	}

	if err := c.conn.Modify(req); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultUnwillingToPerform) {
			return ResultSuccess
		}

		return c.failLocked("modify", err)
	}

	return ResultSuccess
}

// SendDelete issues a DELETE request, treating NO_SUCH_OBJECT as SUCCESS.
func (c *Connection) SendDelete(req *ldap.DelRequest) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateConnected {
		return ResultNotConnected
	}

	if err := c.conn.Del(req); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return ResultSuccess
		}

		return c.failLocked("delete", err)
	}

	return ResultSuccess
}

// SendRename issues a MODRDN (rename/move) request.
func (c *Connection) SendRename(req *ldap.ModifyDNRequest) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateConnected {
		return ResultNotConnected
	}

	if err := c.conn.ModifyDN(req); err != nil {
		return c.failLocked("rename", err)
	}

	return ResultSuccess
}

// SendExtended issues an extended operation (e.g. WhoAmI, password reset).
func (c *Connection) SendExtended(req *ldap.ExtendedRequest) (*ldap.ExtendedResponse, Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateConnected {
		return nil, ResultNotConnected
	}

	res, err := c.conn.Extended(req)
	if err != nil {
		return nil, c.failLocked("extended", err)
	}

	return res, ResultSuccess
}

// SendDirSyncSearch issues the agreement's DirSync control with the given
// cookie and returns every entry in the response plus the updated cookie,
// per spec.md §4.A "send_dirsync_search".
func (c *Connection) SendDirSyncSearch(base, filter string, cookie []byte) ([]*ldap.Entry, []byte, Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateConnected {
		return nil, nil, ResultNotConnected
	}

	controls := dirldap.WithManageDsaIT(
		dirldap.DirSyncControl(0, 0, cookie),
		dirldap.ReturnDeletedObjectsControl(),
	)

	req := ldap.NewSearchRequest(base, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false, filter, nil, controls)

	res, err := c.conn.Search(req)
	if err != nil {
		return nil, nil, c.failLocked("dirsync-search", err)
	}

	newCookie, ok := dirldap.FindDirSyncCookie(res.Controls)
	if !ok {
		newCookie = cookie
	}

	return res.Entries, newCookie, ResultSuccess
}

// CheckUserPassword probes the given credentials with a throwaway bind and
// always restores the agreement's own bind before returning, per spec.md
// §4.A "check_user_password".
func (c *Connection) CheckUserPassword(dn, password string) (bool, Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateConnected {
		return false, ResultNotConnected
	}

	if err := c.conn.Bind(dn, password); err != nil {
		if rebindErr := dirldap.Bind(c.conn, c.agmt.Mechanism, c.cred); rebindErr != nil {
			return false, c.failLocked("rebind-after-password-check", rebindErr)
		}

		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return false, ResultSuccess
		}

		return false, c.failLocked("check-user-password", err)
	}

	if err := dirldap.Bind(c.conn, c.agmt.Mechanism, c.cred); err != nil {
		return false, c.failLocked("rebind-after-password-check", err)
	}

	return true, ResultSuccess
}
