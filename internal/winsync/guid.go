package winsync

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// tombstonePermutation is the fixed byte-order rule from spec.md §6, used to
// recover a canonical GUID hex string from the messy order embedded in a
// remote tombstone RDN. The first 16 hex characters (objectGUID's Data1/
// Data2/Data3 fields) are little-endian and get byte-swapped; the trailing
// 16 (Data4) are already in network order and pass through unchanged.
var tombstonePermutation = func() [32]int {
	var perm [32]int
	copy(perm[:16], []int{6, 7, 4, 5, 2, 3, 0, 1, 10, 11, 8, 9, 14, 15, 12, 13})
	for i := 16; i < 32; i++ {
		perm[i] = i
	}

	return perm
}()

// tombstoneRDN matches "CN=<name>\0ADEL:<guid>" — the escaped-NUL
// deleted-object marker spec.md §6 describes embedded in a tombstone's RDN.
// The remote directory renders the embedded GUID in its dashed 8-4-4-4-12
// string form (e.g. "d4ca4e16-e35b-400d-834a-f02db600f3fa"), so the capture
// allows dashes; ParseTombstoneRDN dedashes before applying the byte
// permutation.
var tombstoneRDN = regexp.MustCompile(`(?i)^CN=(.*)\\0ADEL:([0-9A-F-]{32,36})$`)

// HexGUID converts a 16-byte objectGUID value (as returned by go-ldap for the
// objectGUID attribute) into the 32-char lowercase hex string stored in
// ntUniqueId (spec.md §6). Validated via google/uuid.FromBytes rather than a
// bare length check, since objectGUID is the same 16-byte layout a UUID is.
func HexGUID(raw []byte) (string, error) {
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return "", fmt.Errorf("winsync: objectGUID must be 16 bytes: %w", err)
	}

	return hex.EncodeToString(id[:]), nil
}

// DedashGUID strips the dashes from a dashed GUID string; the inverse of
// DashGUID. Round-trips per spec.md §8: dedash(dash(g)) == g.
func DedashGUID(g string) string {
	return strings.ReplaceAll(g, "-", "")
}

// DashGUID inserts dashes at offsets 8, 13, 18, 23 to produce the
// 8-4-4-4-12 form used inside "<GUID=…>" DNs (spec.md §6), via
// google/uuid's parser. Input that uuid.Parse rejects is returned
// unchanged; already-dashed or braced forms it accepts are re-rendered in
// the 8-4-4-4-12 form.
func DashGUID(hexGUID string) string {
	id, err := uuid.Parse(hexGUID)
	if err != nil {
		return hexGUID
	}

	return id.String()
}

// PermuteTombstoneGUID applies the fixed byte permutation from spec.md §6 to
// recover the canonical hex GUID from the messy order embedded in a
// tombstone RDN.
func PermuteTombstoneGUID(messy string) (string, error) {
	if len(messy) != 32 {
		return "", fmt.Errorf("winsync: tombstone GUID must be 32 hex chars, got %d", len(messy))
	}

	out := make([]byte, 32)
	messy = strings.ToLower(messy)

	for i, srcIdx := range tombstonePermutation {
		out[i] = messy[srcIdx]
	}

	return string(out), nil
}

// ParseTombstoneRDN splits a remote tombstone's leading RDN of the form
// "CN=<name>\0ADEL:<messy-guid>" into the original name and the canonical
// (already de-permuted) GUID. Per spec.md §4.B, callers look the returned
// GUID up locally via ntUniqueId.
func ParseTombstoneRDN(rdn string) (name, guid string, err error) {
	m := tombstoneRDN.FindStringSubmatch(rdn)
	if m == nil {
		return "", "", fmt.Errorf("winsync: %q is not a tombstone RDN", rdn)
	}

	canonical, err := PermuteTombstoneGUID(DedashGUID(m[2]))
	if err != nil {
		return "", "", fmt.Errorf("winsync: tombstone RDN %q: %w", rdn, err)
	}

	return m[1], canonical, nil
}

// BuildTombstoneRDN synthesizes the leading RDN for a remote tombstone probe
// (spec.md §4.B "local → remote-tombstone"): "cn=<name>\0ADEL:<guid
// formatted 8-4-4-4-12>". hexGUID is the canonical (locally stored) form;
// the remote directory embeds it messy and byte-swapped, the same
// permutation ParseTombstoneRDN undoes on the way in — windows_protocol_util.c's
// map_windows_tombstone_dn applies decrypt_guid then dash_guid for the same
// reason before probing the remote side.
func BuildTombstoneRDN(name, hexGUID string) string {
	messy, err := PermuteTombstoneGUID(hexGUID)
	if err != nil {
		messy = hexGUID
	}

	return fmt.Sprintf(`cn=%s\0ADEL:%s`, name, DashGUID(messy))
}
