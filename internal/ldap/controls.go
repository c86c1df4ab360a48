package ldap

import (
	"github.com/go-ldap/ldap/v3"
)

// Well-known control and capability OIDs this engine drives on the wire.
// See spec.md §6 "External Interfaces".
const (
	// OIDManageDsaIT is sent on every outbound operation so the remote treats
	// referral-bearing objects (e.g. tombstones) as ordinary entries.
	OIDManageDsaIT = "2.16.840.1.113730.3.4.2"

	// OIDDirSync is the incremental-change control used on inbound searches,
	// carrying the agreement's opaque cookie.
	OIDDirSync = "1.2.840.113556.1.4.841"

	// OIDReturnDeletedObjects makes tombstoned entries visible to a search.
	OIDReturnDeletedObjects = "1.2.840.113556.1.4.417"

	// OIDWin2k3Capability appears in supportedCapabilities on a Windows 2003+
	// root DSE.
	OIDWin2k3Capability = "1.2.840.113556.1.4.1670"

	// OIDDS5ReplInfo, OIDDS5ReplStart, OIDDS5ReplEnd, OIDDS5ReplEntry and
	// OIDDS5ReplResponse are the DS5 replication OIDs whose joint presence in
	// supportedControl/supportedExtension marks supports-ds5.
	OIDDS5ReplInfo     = "1.2.840.113556.1.4.1670.1"
	OIDDS5ReplStart    = "1.2.840.113556.1.4.1948"
	OIDDS5ReplEnd      = "1.2.840.113556.1.4.1949"
	OIDDS5ReplEntry    = "1.2.840.113556.1.4.1950"
	OIDDS5ReplResponse = "1.2.840.113556.1.4.1951"
)

// manageDsaITControl is a simple valueless control; go-ldap models it via
// ldap.ControlString so every outbound operation can attach one instance.
func manageDsaITControl() ldap.Control {
	return ldap.NewControlString(OIDManageDsaIT, false, "")
}

// ReturnDeletedObjectsControl returns the control that makes tombstones
// visible to a search.
func ReturnDeletedObjectsControl() ldap.Control {
	return ldap.NewControlString(OIDReturnDeletedObjects, false, "")
}

// DirSyncControl builds the DirSync control carrying the given cookie. Flags
// is normally 0; AD's "object security" flag (0x1) is left to the caller.
func DirSyncControl(flags int64, maxLength int64, cookie []byte) *ldap.ControlDirSync {
	return ldap.NewControlDirSync(flags, maxLength, cookie)
}

// WithManageDsaIT prepends the manage-DSA-IT control to the caller-supplied
// control list, so every outbound Add/Modify/Delete/ModifyDN carries it as
// required by spec.md §6.
func WithManageDsaIT(extra ...ldap.Control) []ldap.Control {
	out := make([]ldap.Control, 0, len(extra)+1)
	out = append(out, manageDsaITControl())
	out = append(out, extra...)

	return out
}

// FindDirSyncCookie extracts the response DirSync control's cookie, if
// present, from a set of response controls.
func FindDirSyncCookie(controls []ldap.Control) ([]byte, bool) {
	for _, c := range controls {
		if dc, ok := c.(*ldap.ControlDirSync); ok {
			return dc.Cookie, true
		}
	}

	return nil, false
}
