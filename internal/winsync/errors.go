package winsync

import (
	"errors"

	"github.com/go-ldap/ldap/v3"

	dirldap "github.com/netresearch/winsync-agreement/internal/ldap"
)

// Result is the coarse-grained outcome the Connection reports for every
// public operation, per spec.md §7. The Driver and the Outbound Replayer
// switch on this enum only — neither ever inspects a raw LDAP result code.
type Result int

const (
	ResultSuccess Result = iota
	ResultFailed
	ResultNotConnected
	ResultTimeout
	ResultBusy
	ResultLocalError
	ResultTLSNotEnabled
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "SUCCESS"
	case ResultFailed:
		return "FAILED"
	case ResultNotConnected:
		return "NOT_CONNECTED"
	case ResultTimeout:
		return "TIMEOUT"
	case ResultBusy:
		return "BUSY"
	case ResultLocalError:
		return "LOCAL_ERROR"
	case ResultTLSNotEnabled:
		return "TLS_NOT_ENABLED"
	default:
		return "UNKNOWN"
	}
}

// disconnectWorthy is the exact error set from spec.md §7 that flips a
// Connection to DISCONNECTED rather than just failing the one operation:
// SERVER_DOWN, CONNECT_ERROR, INVALID_CREDENTIALS, INAPPROPRIATE_AUTH,
// LOCAL_ERROR. go-ldap has no result code for the client-side CONNECT_ERROR
// (a dial failure never reaches the wire to get a code); LDAPResultUnavailable
// stands in for it here since both mean "could not reach a usable server".
var disconnectWorthy = map[uint16]bool{
	ldap.LDAPResultServerDown:                  true,
	ldap.LDAPResultUnavailable:                 true,
	ldap.LDAPResultInvalidCredentials:          true,
	ldap.LDAPResultInappropriateAuthentication: true,
}

// benignCodes is the "keep going" set from spec.md §7: a replay error on one
// of these codes is reported upward as SUCCESS, since it means the remote
// already reflects the intended state (or the attribute-level failure is not
// worth halting the agreement for).
var benignCodes = map[uint16]bool{
	ldap.LDAPResultSuccess:                   true,
	ldap.LDAPResultNoSuchAttribute:           true,
	ldap.LDAPResultUndefinedAttributeType:    true,
	ldap.LDAPResultConstraintViolation:       true,
	ldap.LDAPResultAttributeOrValueExists:    true,
	ldap.LDAPResultInvalidAttributeSyntax:    true,
	ldap.LDAPResultNoSuchObject:              true,
	ldap.LDAPResultInvalidDNSyntax:           true,
	ldap.LDAPResultIsLeaf:                    true,
	ldap.LDAPResultInsufficientAccessRights:  true,
	ldap.LDAPResultNamingViolation:           true,
	ldap.LDAPResultObjectClassViolation:      true,
	ldap.LDAPResultNotAllowedOnNonLeaf:       true,
	ldap.LDAPResultNotAllowedOnRDN:           true,
	ldap.LDAPResultEntryAlreadyExists:        true,
	ldap.LDAPResultObjectClassModsProhibited: true,
}

// busyCodes signal the remote is already replicating with another master, a
// BUSY acquisition result the Driver backs off on at BUSY_BACKOFF_MIN rather
// than the exponential schedule.
var busyCodes = map[uint16]bool{
	ldap.LDAPResultBusy: true,
}

// codeMatches reports whether err carries one of the LDAP result codes in
// codes, using go-ldap's own IsErrorWithCode rather than inspecting the
// error's internal representation.
func codeMatches(err error, codes map[uint16]bool) bool {
	for code, want := range codes {
		if want && ldap.IsErrorWithCode(err, code) {
			return true
		}
	}

	return false
}

// ClassifyLDAPError maps a raw error returned by go-ldap into the coarse
// Result enum, per spec.md §7. A nil err classifies as ResultSuccess.
func ClassifyLDAPError(err error) Result {
	if err == nil {
		return ResultSuccess
	}

	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return ResultTimeout
	}

	switch {
	case errors.Is(err, ErrLocalError):
		return ResultLocalError
	case errors.Is(err, dirldap.ErrTLSNotEnabled):
		return ResultTLSNotEnabled
	case codeMatches(err, busyCodes):
		return ResultBusy
	case codeMatches(err, disconnectWorthy):
		return ResultNotConnected
	case codeMatches(err, benignCodes):
		return ResultSuccess
	default:
		return ResultFailed
	}
}

// IsDisconnectWorthy reports whether err belongs to the exact
// disconnect-worthy set from spec.md §7 — SERVER_DOWN, CONNECT_ERROR,
// INVALID_CREDENTIALS, INAPPROPRIATE_AUTH, LOCAL_ERROR — for callers that
// need the raw test rather than the coarse Result.
func IsDisconnectWorthy(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrLocalError) {
		return true
	}

	return codeMatches(err, disconnectWorthy)
}

// IsBenign reports whether err is in the "keep going" set reported upward as
// SUCCESS from the replay path (spec.md §7, §8 "Replayer idempotence").
func IsBenign(err error) bool {
	if err == nil {
		return true
	}

	return codeMatches(err, benignCodes)
}

// ErrLocalError marks a client-side failure — allocation, internal
// invariant — that has no corresponding LDAP result code.
var ErrLocalError = errors.New("winsync: local error")
