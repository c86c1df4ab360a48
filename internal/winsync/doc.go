// Package winsync implements the Windows Sync replication agreement engine:
// a connection manager, an outbound incremental-replay state machine, an
// inbound DirSync change-pull engine, and the entry-mapping layer that
// translates between a local LDAP schema/namespace and a remote
// Active-Directory-like one.
//
// The package is organized by the five components of the design:
//
//	Connection (connection.go)   — one LDAP session to the remote peer
//	Entry Mapper (mapper.go)     — schema/DN translation, both directions
//	Inbound Processor (inbound.go) — apply one DirSync entry locally
//	Outbound Replayer (outbound.go) — replay local changelog ops remotely
//	Agreement Driver (driver.go) — the state machine orchestrating all four
//
// The local storage engine, changelog, and RUV/CSN generator are external
// collaborators (localstore.go defines the interfaces this package needs
// from them); this package never implements storage itself.
package winsync
