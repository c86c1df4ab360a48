// Package status serves a read-only HTTP status and health surface for a
// winsyncd process, per spec.md §7 "User-visible status". It never accepts
// writes and holds no credentials; it only reads snapshots off the Drivers
// it was handed at startup.
package status
