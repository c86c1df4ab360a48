// Package ldap provides the low-level wire helpers the winsync engine needs on
// top of github.com/go-ldap/ldap/v3: dialing with the right transport mode,
// selecting a bind mechanism, and the well-known control OIDs a
// Windows-Sync-style agreement drives (DirSync, return-deleted-objects,
// manage-DSA-IT).
//
// Everything here is stateless helpers around a *ldap.Conn; connection
// lifecycle, capability caching, and linger behavior live in
// internal/winsync, which is the only caller.
package ldap
