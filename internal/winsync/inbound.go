package winsync

import (
	"context"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"
)

// InboundProcessor applies one DirSync-streamed remote entry to the local
// directory, per spec.md §4.C.
type InboundProcessor struct {
	agmt   *Agreement
	mapper *Mapper
	local  LocalDirectory
	conn   *Connection
	log    zerolog.Logger
}

// NewInboundProcessor builds an InboundProcessor bound to one agreement's
// mapper, local directory, and live Connection.
func NewInboundProcessor(agmt *Agreement, mapper *Mapper, local LocalDirectory, conn *Connection, log zerolog.Logger) *InboundProcessor {
	return &InboundProcessor{agmt: agmt, mapper: mapper, local: local, conn: conn, log: log.With().Str("agreement", agmt.Name).Logger()}
}

// RemoteEntry is the minimal shape the Inbound Processor needs out of a
// DirSync search result: DN, whether it is a tombstone, and its attributes
// (with per-attribute "deleted value" markers already separated out by the
// caller, per spec.md §4.C step 3).
type RemoteEntry struct {
	DN        string
	Deleted   bool
	Kind      EntryKind
	GUID      string
	SAM       string
	Attrs     map[string][]string
	DelValues map[string][]string
}

// Apply runs the full algorithm from spec.md §4.C against one entry.
func (p *InboundProcessor) Apply(ctx context.Context, e RemoteEntry) error {
	if e.Deleted {
		return p.applyTombstone(ctx, e)
	}

	localDN, err := p.mapper.RemoteToLocalDN(ctx, e.Kind, e.GUID, e.SAM, e.DN)
	if err != nil {
		return err
	}

	if !p.inScope(localDN) {
		return p.applyOutOfScope(ctx, localDN)
	}

	return p.applyInScope(ctx, e, localDN)
}

// applyTombstone is step 1: resolve the tombstone's embedded GUID to a local
// entry and delete it; drop silently if no match.
func (p *InboundProcessor) applyTombstone(ctx context.Context, e RemoteEntry) error {
	localDN, found, err := p.mapper.RemoteTombstoneToLocalDN(ctx, e.DN)
	if err != nil {
		p.log.Debug().Err(err).Str("dn", e.DN).Msg("tombstone RDN did not parse; dropping")

		return nil
	}

	if !found {
		return nil
	}

	return p.local.Delete(ctx, localDN)
}

// inScope reports whether localDN falls under the agreement's local
// subtree.
func (p *InboundProcessor) inScope(localDN string) bool {
	return hasSuffixDN(localDN, p.agmt.LocalSubtree)
}

func hasSuffixDN(dn, suffix string) bool {
	if len(dn) < len(suffix) {
		return false
	}

	return dn[len(dn)-len(suffix):] == suffix
}

// applyOutOfScope is step 2: the remote entry mapped outside the local
// subtree (a move). MOVE_DOES_DELETE removes the local entry;
// MOVE_DOES_UNSYNC leaves it in place with sync markers stripped.
func (p *InboundProcessor) applyOutOfScope(ctx context.Context, localDN string) error {
	_, found, err := p.local.FindByDN(ctx, localDN)
	if err != nil || !found {
		return err
	}

	if p.agmt.OutOfScopeAction == MoveDoesDelete {
		return p.local.Delete(ctx, localDN)
	}

	mods := []AttrMod{
		{Type: ModDelete, Attr: "ntUniqueId"},
		{Type: ModDelete, Attr: "ntUserDomainId"},
	}

	return p.local.ApplyMods(ctx, localDN, mods)
}

// applyInScope is step 3: re-fetch the full remote entry, converge
// attributes against the matching local entry (or create one).
func (p *InboundProcessor) applyInScope(ctx context.Context, e RemoteEntry, localDN string) error {
	fresh, result := p.conn.SearchEntry(e.DN, "(objectClass=*)", ldap.ScopeBaseObject, nil)
	if result != ResultSuccess {
		// the entry disappeared between the DirSync notification and the
		// re-fetch; nothing to converge.
		return nil
	}

	attrs := entryToAttrs(fresh)
	for attr, delVals := range e.DelValues {
		attrs[attr] = subtract(attrs[attr], delVals)
	}

	local, found, err := p.local.FindByDN(ctx, localDN)
	if err != nil {
		return err
	}

	if found {
		return p.converge(ctx, local, attrs, e.Kind)
	}

	if !p.creationAllowed(e.Kind) {
		return nil
	}

	return p.createLocal(ctx, localDN, attrs, e)
}

func (p *InboundProcessor) creationAllowed(kind EntryKind) bool {
	if kind == KindGroup {
		return p.agmt.CreateGroups
	}

	return p.agmt.CreateUsers
}

func entryToAttrs(e *ldap.Entry) map[string][]string {
	out := make(map[string][]string, len(e.Attributes))
	for _, a := range e.Attributes {
		out[a.Name] = a.Values
	}

	return out
}

// converge computes attribute-level mods to bring local up to date with the
// remote's (fresh) attribute set, handling an RDN/parent change first.
func (p *InboundProcessor) converge(ctx context.Context, local *LocalEntry, remoteAttrs map[string][]string, kind EntryKind) error {
	mods := p.diffMods(local, remoteAttrs, kind)

	newRDN, newSuperior, renamed := p.detectLocalRename(local, remoteAttrs, kind)
	if renamed {
		if err := p.local.Rename(ctx, local.DN, newRDN, newSuperior); err != nil {
			return err
		}

		refreshed, found, err := p.local.FindByDN(ctx, newRDN+","+newSuperior)
		if err != nil {
			return err
		}

		if found {
			local = refreshed
			mods = p.diffMods(local, remoteAttrs, kind)
		}
	}

	if len(mods) == 0 {
		return nil
	}

	return p.local.ApplyMods(ctx, local.DN, mods)
}

// diffMods compares local's current attributes to the mapped remote
// attribute set and returns the mods needed to converge: add missing
// values, delete removed values, replace when a single-valued attribute
// differs (spec.md §4.C step 3).
func (p *InboundProcessor) diffMods(local *LocalEntry, remoteAttrs map[string][]string, kind EntryKind) []AttrMod {
	var mods []AttrMod

	for remoteAttr, remoteValues := range remoteAttrs {
		localAttr, localValues, ok := p.mapper.FromRemoteValues(kind, remoteAttr, remoteValues)
		if !ok {
			continue
		}

		current := local.Attrs[localAttr]

		if singleValuedRemote[remoteAttr] {
			if len(remoteValues) > 0 && !sameValueSet(current, remoteValues[:1]) {
				mods = append(mods, AttrMod{Type: ModReplace, Attr: localAttr, Values: remoteValues[:1]})
			}

			continue
		}

		toAdd := subtract(localValues, current)
		toDelete := subtract(current, localValues)

		if len(toAdd) > 0 {
			mods = append(mods, AttrMod{Type: ModAdd, Attr: localAttr, Values: toAdd})
		}

		if len(toDelete) > 0 {
			mods = append(mods, AttrMod{Type: ModDelete, Attr: localAttr, Values: toDelete})
		}
	}

	return mods
}

// detectLocalRename reports whether the remote's naming attribute no longer
// matches local's current RDN value, requiring a local rename before mods
// apply.
func (p *InboundProcessor) detectLocalRename(local *LocalEntry, remoteAttrs map[string][]string, kind EntryKind) (newRDN, newSuperior string, changed bool) {
	namingAttr := "cn"
	localNaming := "cn"

	if kind == KindUser {
		localNaming = "uid"
		namingAttr = "sAMAccountName"
	}

	remoteValues := remoteAttrs[namingAttr]
	if len(remoteValues) == 0 {
		return "", "", false
	}

	currentLeafValue := leafRDNValue(local.DN)
	if currentLeafValue == remoteValues[0] {
		return "", "", false
	}

	return localNaming + "=" + remoteValues[0], dnSuperior(local.DN), true
}

// createLocal builds a new local entry from the schema-agnostic template
// (spec.md §6) and adds it.
func (p *InboundProcessor) createLocal(ctx context.Context, localDN string, remoteAttrs map[string][]string, e RemoteEntry) error {
	entry := &LocalEntry{
		DN:       localDN,
		Kind:     e.Kind,
		UniqueID: e.GUID,
		Attrs:    make(map[string][]string),
	}

	if e.Kind == KindUser {
		entry.Attrs["objectclass"] = []string{"top", "person", "organizationalPerson", "inetOrgPerson", "ntUser"}
		entry.Attrs["ntUserDeleteAccount"] = []string{"true"}
		entry.SAMAccountName = e.SAM
		entry.Attrs["uid"] = []string{e.SAM}
	} else {
		entry.Attrs["objectclass"] = []string{"top", "groupOfUniqueNames", "ntGroup"}
		entry.Attrs["ntGroupDeleteGroup"] = []string{"true"}
		entry.SAMAccountName = e.SAM
	}

	for remoteAttr, values := range remoteAttrs {
		localAttr, localValues, ok := p.mapper.FromRemoteValues(e.Kind, remoteAttr, values)
		if !ok || len(localValues) == 0 {
			continue
		}

		entry.Attrs[localAttr] = localValues
	}

	return p.local.CreateEntry(ctx, entry)
}
