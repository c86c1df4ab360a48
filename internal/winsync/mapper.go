package winsync

import (
	"context"
	"fmt"
	"strings"
)

// AttrDirection is the per-attribute replication direction from spec.md
// §4.B's attribute map rows.
type AttrDirection int

const (
	DirBidirectional AttrDirection = iota
	DirToRemoteOnly
	DirFromRemoteOnly
	DirDisabled
)

// AttrWhen distinguishes attributes copied on every convergence pass from
// ones copied only at entry-creation time.
type AttrWhen int

const (
	WhenAlways AttrWhen = iota
	WhenCreateOnly
)

// AttrRow is one static attribute-map entry, keyed by entity kind and
// direction (spec.md §4.B).
type AttrRow struct {
	Kind      EntryKind
	Local     string
	Remote    string
	Direction AttrDirection
	When      AttrWhen
	IsPassword bool
}

// attrMap is the static table of user/group attribute correspondences.
// Attributes with no row here are copied verbatim under the same name in
// both directions.
var attrMap = []AttrRow{
	{Kind: KindUser, Local: "uid", Remote: "sAMAccountName", Direction: DirBidirectional, When: WhenCreateOnly},
	{Kind: KindUser, Local: "cn", Remote: "cn", Direction: DirBidirectional, When: WhenAlways},
	{Kind: KindUser, Local: "sn", Remote: "sn", Direction: DirBidirectional, When: WhenAlways},
	{Kind: KindUser, Local: "givenName", Remote: "givenName", Direction: DirBidirectional, When: WhenAlways},
	{Kind: KindUser, Local: "initials", Remote: "initials", Direction: DirBidirectional, When: WhenAlways},
	{Kind: KindUser, Local: "telephoneNumber", Remote: "telephoneNumber", Direction: DirBidirectional, When: WhenAlways},
	{Kind: KindUser, Local: "in#place#of#streetaddress", Remote: "streetAddress", Direction: DirBidirectional, When: WhenAlways},
	{Kind: KindUser, Local: "mail", Remote: "mail", Direction: DirBidirectional, When: WhenAlways},
	{Kind: KindUser, Local: "description", Remote: "description", Direction: DirBidirectional, When: WhenAlways},
	{Kind: KindUser, Local: "unhashed#user#password", Remote: "unicodePwd", Direction: DirToRemoteOnly, When: WhenAlways, IsPassword: true},
	{Kind: KindUser, Local: "ntUserHomeDir", Remote: "homeDirectory", Direction: DirBidirectional, When: WhenAlways},
	{Kind: KindUser, Local: "ntUserScriptPath", Remote: "scriptPath", Direction: DirBidirectional, When: WhenAlways},
	{Kind: KindUser, Local: "ntUniqueId", Remote: "objectGUID", Direction: DirFromRemoteOnly, When: WhenCreateOnly},

	{Kind: KindGroup, Local: "cn", Remote: "cn", Direction: DirBidirectional, When: WhenAlways},
	{Kind: KindGroup, Local: "description", Remote: "description", Direction: DirBidirectional, When: WhenAlways},
	{Kind: KindGroup, Local: "uniqueMember", Remote: "member", Direction: DirBidirectional, When: WhenAlways},
	{Kind: KindGroup, Local: "ntUniqueId", Remote: "objectGUID", Direction: DirFromRemoteOnly, When: WhenCreateOnly},
}

// singleValuedRemote is the fixed set of attributes the remote side only
// ever accepts one value for (spec.md §4.B). "initials" is additionally
// length-capped to 6 characters.
var singleValuedRemote = map[string]bool{
	"telephoneNumber": true,
	"givenName":       true,
	"sn":              true,
	"initials":        true,
	"streetAddress":   true,
	"homeDirectory":   true,
	"scriptPath":      true,
}

const initialsMaxLen = 6

// rowsFor returns the attribute-map rows for the given entity kind.
func rowsFor(kind EntryKind) []AttrRow {
	out := make([]AttrRow, 0, len(attrMap))

	for _, r := range attrMap {
		if r.Kind == kind {
			out = append(out, r)
		}
	}

	return out
}

// Mapper translates entries and modifications between the local and remote
// schemas, per spec.md §4.B. It needs a LocalDirectory to resolve the DN
// lookup chain (GUID → samAccountName → DN) in either direction.
type Mapper struct {
	agmt  *Agreement
	local LocalDirectory

	remoteResolver remoteResolveFunc
}

// NewMapper builds a Mapper bound to the given agreement and local
// directory.
func NewMapper(agmt *Agreement, local LocalDirectory) *Mapper {
	return &Mapper{agmt: agmt, local: local}
}

// ToRemoteValues maps one local attribute's value-set onto the remote
// attribute name and value-set it should carry, applying the single-valued
// truncation and the initials length cap. ok is false when the attribute has
// no outbound mapping (disabled or from-remote-only).
func (m *Mapper) ToRemoteValues(kind EntryKind, localAttr string, values []string) (remoteAttr string, remoteValues []string, ok bool) {
	for _, row := range rowsFor(kind) {
		if row.Local != localAttr {
			continue
		}

		if row.Direction == DirDisabled || row.Direction == DirFromRemoteOnly {
			return "", nil, false
		}

		return row.Remote, clampRemoteValues(row.Remote, values), true
	}

	return localAttr, clampRemoteValues(localAttr, values), true
}

// clampRemoteValues applies spec.md §4.B's single-valued-remote truncation:
// if the remote attribute only accepts one value, keep the first; for
// "initials" additionally cap the string to 6 characters.
func clampRemoteValues(remoteAttr string, values []string) []string {
	if !singleValuedRemote[remoteAttr] || len(values) == 0 {
		return values
	}

	v := values[0]
	if remoteAttr == "initials" && len(v) > initialsMaxLen {
		v = v[:initialsMaxLen]
	}

	return []string{v}
}

// FromRemoteValues maps one remote attribute's value-set back onto the
// local attribute name, for the reverse (inbound) direction.
func (m *Mapper) FromRemoteValues(kind EntryKind, remoteAttr string, values []string) (localAttr string, localValues []string, ok bool) {
	for _, row := range rowsFor(kind) {
		if row.Remote != remoteAttr {
			continue
		}

		if row.Direction == DirDisabled || row.Direction == DirToRemoteOnly {
			return "", nil, false
		}

		return row.Local, values, true
	}

	return remoteAttr, values, true
}

// LocalToRemoteDN computes the DN a local entry should have on the remote
// side, per spec.md §4.B "local → remote". wantGUID requests the <GUID=…>
// form when the entry already carries a remote-recorded GUID.
func (m *Mapper) LocalToRemoteDN(ctx context.Context, e *LocalEntry, wantGUID bool) (string, bool, error) {
	if wantGUID && e.UniqueID != "" {
		return fmt.Sprintf("<GUID=%s>", DashGUID(e.UniqueID)), true, nil
	}

	if e.SAMAccountName != "" {
		remoteDN, found, err := m.findRemoteBySAM(ctx, e.Kind, e.SAMAccountName)
		if err != nil {
			return "", false, err
		}

		if found {
			return remoteDN, false, nil
		}
	}

	leaf := "cn"
	if m.agmt.Flavor == FlavorNT4 {
		leaf = "samaccountname"
	}

	name := e.SAMAccountName
	if name == "" {
		name = firstOr(e.Attrs["cn"], "unnamed")
	}

	container := preservedContainer(e.DN, m.agmt.LocalSubtree)

	return fmt.Sprintf("%s=%s,%s%s", leaf, name, container, m.agmt.RemoteSubtree), false, nil
}

// findRemoteBySAM is a seam the Outbound Replayer/Connection fill with an
// actual remote search; the Mapper itself only knows local storage. Callers
// that need the live remote lookup pass a populated resolver via
// WithRemoteResolver; without one, this always reports not-found so DN
// synthesis proceeds.
func (m *Mapper) findRemoteBySAM(_ context.Context, kind EntryKind, sam string) (string, bool, error) {
	if m.remoteResolver != nil {
		return m.remoteResolver(kind, sam)
	}

	return "", false, nil
}

// remoteResolver, when set, looks up a remote DN by samAccountName. It is
// unexported and wired by NewOutboundReplayer, which searches the remote
// subtree through its Connection.
type remoteResolveFunc func(kind EntryKind, sam string) (dn string, found bool, err error)

// WithRemoteResolver attaches the live remote-lookup function used by
// LocalToRemoteDN; the Outbound Replayer calls this once per session.
func (m *Mapper) WithRemoteResolver(fn remoteResolveFunc) {
	m.remoteResolver = fn
}

func firstOr(values []string, def string) string {
	if len(values) == 0 {
		return def
	}

	return values[0]
}

// preservedContainer returns the portion of dn between its leaf RDN and the
// local subtree suffix, so the same relative container is reproduced under
// the remote subtree.
func preservedContainer(dn, localSuffix string) string {
	trimmed := strings.TrimSuffix(dn, localSuffix)
	trimmed = strings.TrimPrefix(trimmed, leafRDN(dn)+",")

	if trimmed == dn {
		return ""
	}

	return trimmed
}

func leafRDN(dn string) string {
	for i := 0; i < len(dn); i++ {
		if dn[i] == ',' && (i == 0 || dn[i-1] != '\\') {
			return dn[:i]
		}
	}

	return dn
}

// RemoteToLocalDN computes the local DN for a (non-tombstone) remote entry,
// per spec.md §4.B "remote → local": GUID, then samAccountName, then
// synthesis.
func (m *Mapper) RemoteToLocalDN(ctx context.Context, kind EntryKind, guid, sam string, remoteDN string) (string, error) {
	if guid != "" {
		if e, found, err := m.local.FindByUniqueID(ctx, guid); err != nil {
			return "", err
		} else if found {
			return e.DN, nil
		}
	}

	if sam != "" {
		if e, found, err := m.local.FindBySAMAccountName(ctx, kind, sam); err != nil {
			return "", err
		} else if found {
			return e.DN, nil
		}
	}

	leaf := "cn"
	if kind == KindUser {
		leaf = "uid"
	}

	name := sam
	if name == "" {
		name = leafRDNValue(remoteDN)
	}

	container := preservedContainer(remoteDN, m.agmt.RemoteSubtree)

	return fmt.Sprintf("%s=%s,%s%s", leaf, name, container, m.agmt.LocalSubtree), nil
}

// leafRDNValue extracts the attribute value out of a DN's leading RDN
// ("cn=foo,..." -> "foo").
func leafRDNValue(dn string) string {
	leaf := leafRDN(dn)
	if i := strings.IndexByte(leaf, '='); i >= 0 {
		return leaf[i+1:]
	}

	return leaf
}

// RemoteTombstoneToLocalDN implements spec.md §4.B "tombstone (remote) →
// local": parse the embedded GUID out of the deleted-object RDN and look up
// the local entry by it.
func (m *Mapper) RemoteTombstoneToLocalDN(ctx context.Context, tombstoneDN string) (string, bool, error) {
	_, guid, err := ParseTombstoneRDN(leafRDN(tombstoneDN))
	if err != nil {
		return "", false, err
	}

	e, found, err := m.local.FindByUniqueID(ctx, guid)
	if err != nil || !found {
		return "", false, err
	}

	return e.DN, true, nil
}

// LocalToRemoteTombstoneDN synthesizes the probe DN from spec.md §4.B
// "local → remote-tombstone".
func (m *Mapper) LocalToRemoteTombstoneDN(e *LocalEntry) string {
	name := firstOr(e.Attrs["cn"], e.SAMAccountName)
	dcSuffix := dcOnlySuffix(m.agmt.RemoteSubtree)

	return fmt.Sprintf("%s,cn=Deleted Objects,%s", BuildTombstoneRDN(name, e.UniqueID), dcSuffix)
}

// dcOnlySuffix strips every non-dc RDN component, keeping only dc=... pairs,
// since Deleted Objects lives directly under the domain root.
func dcOnlySuffix(dn string) string {
	parts := strings.Split(dn, ",")
	kept := make([]string, 0, len(parts))

	for _, p := range parts {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(p)), "dc=") {
			kept = append(kept, strings.TrimSpace(p))
		}
	}

	return strings.Join(kept, ",")
}

// BuildRemoteEntry constructs a minimal remote entry for outbound create,
// per spec.md §4.B "Entry construction". Returns the attribute set to ADD
// and, separately, any captured cleartext password (sent only after a
// successful ADD).
func (m *Mapper) BuildRemoteEntry(e *LocalEntry) (attrs map[string][]string, password string, err error) {
	attrs = make(map[string][]string)

	switch e.Kind {
	case KindUser:
		attrs["objectClass"] = []string{"top", "person", "organizationalPerson", "user"}

		name := firstOr(e.Attrs["cn"], e.SAMAccountName)
		attrs["userPrincipalName"] = []string{fmt.Sprintf("%s@%s", name, m.agmt.WinsyncDomain)}

		if e.SAMAccountName != "" {
			attrs["sAMAccountName"] = []string{e.SAMAccountName}
		}
	case KindGroup:
		attrs["objectClass"] = []string{"top", "group"}

		if m.agmt.Flavor == FlavorNT4 {
			attrs["groupType"] = []string{"2"}
		}
	}

	for attr, values := range e.Attrs {
		remoteAttr, remoteValues, ok := m.ToRemoteValues(e.Kind, attr, values)
		if !ok {
			continue
		}

		if pw, isPW := extractCleartextPassword(attr, values); isPW {
			password = pw

			continue
		}

		if len(remoteValues) == 0 {
			continue
		}

		attrs[remoteAttr] = remoteValues
	}

	return attrs, password, nil
}

// extractCleartextPassword recognizes unhashed#user#password's "{clear}"-
// prefixed or unprefixed cleartext form, per spec.md §4.B. This is the
// pseudo-attribute the local backend synthesizes from the real bind
// password (389-ds's PSEUDO_ATTR_UNHASHEDUSERPASSWORD); userPassword itself
// is a one-way hash and is never usable as a replay source.
func extractCleartextPassword(attr string, values []string) (string, bool) {
	if attr != "unhashed#user#password" || len(values) == 0 {
		return "", false
	}

	v := values[0]
	if strings.HasPrefix(v, "{clear}") {
		return strings.TrimPrefix(v, "{clear}"), true
	}

	if strings.HasPrefix(v, "{") {
		return "", false // some other scheme: not usable, caller skips replay
	}

	return v, true
}

// EncodePassword renders the captured cleartext password in the wire form
// the remote flavor expects, per spec.md §6 "Password replay wire form":
// AD wants the quoted UTF-8 password re-encoded as UTF-16LE; NT4 takes
// plaintext directly.
func (m *Mapper) EncodePassword(password string) []byte {
	if m.agmt.Flavor == FlavorNT4 {
		return []byte(password)
	}

	quoted := `"` + password + `"`

	return utf16LE(quoted)
}

// utf16LE encodes s as UTF-16LE, the byte order unicodePwd requires.
func utf16LE(s string) []byte {
	out := make([]byte, 0, len(s)*2)

	for _, r := range s {
		if r <= 0xFFFF {
			out = append(out, byte(r), byte(r>>8))

			continue
		}

		r -= 0x10000
		hi := 0xD800 + (r >> 10)
		lo := 0xDC00 + (r & 0x3FF)
		out = append(out, byte(hi), byte(hi>>8), byte(lo), byte(lo>>8))
	}

	return out
}

// ModsToRemote translates a set of local AttrMods into remote AttrMods,
// dropping create-only rows and disabled/from-remote-only attributes, per
// spec.md §4.B "Modify mapping".
func (m *Mapper) ModsToRemote(kind EntryKind, mods []AttrMod) []AttrMod {
	out := make([]AttrMod, 0, len(mods))

	for _, mod := range mods {
		row, found := findRow(kind, mod.Attr)
		if found && row.When == WhenCreateOnly {
			continue
		}

		remoteAttr, remoteValues, ok := m.ToRemoteValues(kind, mod.Attr, mod.Values)
		if !ok {
			continue
		}

		out = append(out, AttrMod{Type: mod.Type, Attr: remoteAttr, Values: remoteValues})
	}

	return out
}

func findRow(kind EntryKind, localAttr string) (AttrRow, bool) {
	for _, r := range rowsFor(kind) {
		if r.Local == localAttr {
			return r, true
		}
	}

	return AttrRow{}, false
}

// PruneMods drops modifications the remote already reflects, per spec.md
// §4.D "mod-pruning": for ADD, drop values already present; for DELETE, drop
// values already absent; drop the whole mod if nothing remains. current is
// the remote's existing value-set for mod.Attr.
func PruneMods(mods []AttrMod, current map[string][]string) []AttrMod {
	out := make([]AttrMod, 0, len(mods))

	for _, mod := range mods {
		existing := current[mod.Attr]

		var remaining []string

		switch mod.Type {
		case ModAdd:
			remaining = subtract(mod.Values, existing)
		case ModDelete:
			if len(mod.Values) == 0 {
				// delete-all-values: prune only if the attribute is already absent
				if len(existing) == 0 {
					continue
				}

				out = append(out, mod)

				continue
			}

			remaining = intersect(mod.Values, existing)
		case ModReplace:
			if sameValueSet(mod.Values, existing) {
				continue
			}

			out = append(out, mod)

			continue
		}

		if len(remaining) == 0 {
			continue
		}

		out = append(out, AttrMod{Type: mod.Type, Attr: mod.Attr, Values: remaining})
	}

	return out
}

func intersect(values, within []string) []string {
	have := make(map[string]bool, len(within))
	for _, v := range within {
		have[v] = true
	}

	out := make([]string, 0, len(values))

	for _, v := range values {
		if have[v] {
			out = append(out, v)
		}
	}

	return out
}

func sameValueSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	have := make(map[string]int, len(a))
	for _, v := range a {
		have[v]++
	}

	for _, v := range b {
		have[v]--
	}

	for _, n := range have {
		if n != 0 {
			return false
		}
	}

	return true
}

// RDNChange describes a modification that changes the naming attribute's
// value such that the current RDN value would disappear, requiring a MODRDN
// before the remaining mods are sent (spec.md §4.B, §4.D step f).
type RDNChange struct {
	NewRDN string
}

// DetectRDNChange inspects mods for a replace of the naming attribute (cn on
// AD) that drops the value currently used as the RDN, returning the new RDN
// (built from the replace's first value) if so. A delete mod that removes the
// current value is not reported as a change.
func DetectRDNChange(namingAttr, currentRDNValue string, mods []AttrMod) (RDNChange, bool) {
	for _, mod := range mods {
		if mod.Attr != namingAttr {
			continue
		}

		if mod.Type != ModReplace && mod.Type != ModDelete {
			continue
		}

		stillPresent := false

		for _, v := range mod.Values {
			if v == currentRDNValue {
				stillPresent = true
			}
		}

		if mod.Type == ModReplace && !stillPresent && len(mod.Values) > 0 {
			return RDNChange{NewRDN: fmt.Sprintf("%s=%s", namingAttr, mod.Values[0])}, true
		}
	}

	return RDNChange{}, false
}
