package winsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"

	dirldap "github.com/netresearch/winsync-agreement/internal/ldap"
)

// ReplayOutcome is the per-pass verdict the Outbound Replayer hands back to
// the Driver, per spec.md §4.E step "SENDING_UPDATES" substep 6.
type ReplayOutcome int

const (
	ReplayNoMore ReplayOutcome = iota
	ReplayYield
	ReplayTransient
	ReplayConnectionLost
	ReplayTimeout
	ReplayFatal
	ReplayScheduleWindowClosed
)

// OutboundReplayer drives local changelog operations to the remote peer,
// per spec.md §4.D.
type OutboundReplayer struct {
	agmt   *Agreement
	mapper *Mapper
	local  LocalDirectory
	conn   *Connection
	ruv    ReplicaUpdateVector
	log    zerolog.Logger

	sent int
}

// NewOutboundReplayer builds an OutboundReplayer for one pass.
func NewOutboundReplayer(agmt *Agreement, mapper *Mapper, local LocalDirectory, conn *Connection, ruv ReplicaUpdateVector, log zerolog.Logger) *OutboundReplayer {
	mapper.WithRemoteResolver(func(_ EntryKind, sam string) (string, bool, error) {
		filter := fmt.Sprintf("(sAMAccountName=%s)", ldap.EscapeFilter(sam))

		entry, result := conn.SearchEntry(agmt.RemoteSubtree, filter, ldap.ScopeWholeSubtree, nil)
		if result != ResultSuccess || entry == nil {
			return "", false, nil
		}

		return entry.DN, true, nil
	})

	return &OutboundReplayer{agmt: agmt, mapper: mapper, local: local, conn: conn, ruv: ruv, log: log.With().Str("agreement", agmt.Name).Logger()}
}

// Run executes one pass per spec.md §4.D: consumes the changelog iterator it
// is given (closing it on return), replays operations in order up to
// MAX_CHANGES_PER_SESSION, and reports the coarse outcome.
func (r *OutboundReplayer) Run(ctx context.Context, iter ChangelogIterator) ReplayOutcome {
	defer iter.Close()

	r.sent = 0

	for {
		if err := ctx.Err(); err != nil {
			return ReplayScheduleWindowClosed
		}

		op, ok, err := iter.Next(ctx)
		if err != nil {
			r.log.Error().Err(err).Msg("changelog iterator failed")

			return ReplayFatal
		}

		if !ok {
			return ReplayNoMore
		}

		if op.IsDummyStart {
			continue
		}

		if r.sent >= MaxChangesPerSession {
			return ReplayYield
		}

		outcome := r.applyOne(ctx, op)

		switch outcome {
		case ReplayNoMore:
			r.sent++

			if err := r.ruv.Advance(ctx, op.CSN); err != nil {
				r.log.Error().Err(err).Msg("failed to advance RUV after successful replay")

				return ReplayFatal
			}
		case ReplayTransient, ReplayConnectionLost, ReplayTimeout, ReplayFatal:
			return outcome
		}
		// benign/skip outcomes fall through to the next op without
		// advancing the RUV past this CSN's predecessor guarantee being
		// broken — they still count as consumed per spec.md §4.D step 3.
	}
}

// applyOne dispatches one Operation to its op-type handler and classifies
// the result, per spec.md §4.D steps c-h and 3.
func (r *OutboundReplayer) applyOne(ctx context.Context, op Operation) ReplayOutcome {
	local, found, err := r.local.FindByUniqueID(ctx, op.TargetUniqueID)
	if err != nil {
		return classifyLocalErr(err)
	}

	if !found {
		if op.Type == OpDelete {
			// tombstones are searched too, per spec.md §4.D step b; a
			// LocalDirectory implementation surfaces them via FindByUniqueID
			// with Tombstone set. If truly gone, there's nothing to delete.
			return ReplayNoMore
		}

		// target vanished locally between changelog write and replay;
		// benign, nothing to do.
		return ReplayNoMore
	}

	if local.Kind != KindUser && local.Kind != KindGroup {
		return ReplayNoMore
	}

	switch op.Type {
	case OpAdd:
		return r.applyAdd(ctx, local)
	case OpModify:
		return r.applyModify(ctx, local, op.Mods)
	case OpDelete:
		return r.applyDelete(ctx, local)
	case OpModRDN:
		return r.applyModRDN(ctx, local, op)
	default:
		return ReplayNoMore
	}
}

func classifyLocalErr(err error) ReplayOutcome {
	switch ClassifyLDAPError(err) {
	case ResultNotConnected, ResultLocalError:
		return ReplayConnectionLost
	case ResultTimeout:
		return ReplayTimeout
	case ResultBusy:
		return ReplayTransient
	default:
		return ReplayFatal
	}
}

// applyAdd is spec.md §4.D step e.
func (r *OutboundReplayer) applyAdd(ctx context.Context, local *LocalEntry) ReplayOutcome {
	remoteDN, isGUIDForm, err := r.mapper.LocalToRemoteDN(ctx, local, true)
	if err != nil {
		return classifyLocalErr(err)
	}

	missing := r.remoteMissing(remoteDN)

	if isGUIDForm && missing {
		if outcome := r.reanimate(remoteDN, local); outcome != ReplayNoMore {
			return outcome
		}
	}

	if !missing {
		return ReplayNoMore
	}

	if !r.creationAllowed(local.Kind) {
		return ReplayNoMore
	}

	attrs, password, err := r.mapper.BuildRemoteEntry(local)
	if err != nil {
		return classifyLocalErr(err)
	}

	addReq := ldap.NewAddRequest(remoteDN, dirldap.WithManageDsaIT())
	for attr, values := range attrs {
		addReq.Attribute(attr, values)
	}

	result := r.conn.SendAdd(addReq)
	if result == ResultSuccess {
		// ALREADY_EXISTS is folded into ResultSuccess by SendAdd; fall back
		// to MODIFY semantics by re-running the converge path once more is
		// unnecessary here since SendAdd already treats it as success.
		if password != "" {
			if outcome := r.replayPassword(remoteDN, password); outcome != ReplayNoMore {
				return outcome
			}
		}

		return ReplayNoMore
	}

	return resultToOutcome(result)
}

func (r *OutboundReplayer) creationAllowed(kind EntryKind) bool {
	if kind == KindGroup {
		return r.agmt.CreateGroups
	}

	return r.agmt.CreateUsers
}

// remoteMissing probes whether remoteDN currently exists.
func (r *OutboundReplayer) remoteMissing(remoteDN string) bool {
	_, result := r.conn.SearchEntry(remoteDN, "(objectClass=*)", ldap.ScopeBaseObject, nil)

	return result != ResultSuccess
}

// reanimate attempts the tombstone-reanimate modify from spec.md §4.D step
// e: delete isDeleted, replace distinguishedName with the CN-form DN.
func (r *OutboundReplayer) reanimate(guidDN string, local *LocalEntry) ReplayOutcome {
	cnDN, _, err := r.mapper.LocalToRemoteDN(context.Background(), local, false)
	if err != nil {
		return classifyLocalErr(err)
	}

	modReq := ldap.NewModifyRequest(guidDN, dirldap.WithManageDsaIT())
	modReq.Delete("isDeleted", nil)
	modReq.Replace("distinguishedName", []string{cnDN})

	return resultToOutcome(r.conn.SendModify(modReq))
}

// replayPassword is the password-modify sequence from spec.md §4.B /
// §4.D step e: replace unicodePwd, then set userAccountControl's "normal
// account" bit and clear "disabled" for new users.
func (r *OutboundReplayer) replayPassword(remoteDN, password string) ReplayOutcome {
	already, result := r.conn.CheckUserPassword(remoteDN, password)
	if result != ResultSuccess {
		return resultToOutcome(result)
	}

	if !already {
		pwReq := ldap.NewModifyRequest(remoteDN, dirldap.WithManageDsaIT())

		encoded := r.mapper.EncodePassword(password)
		pwReq.Replace("unicodePwd", []string{string(encoded)})

		if outcome := resultToOutcome(r.conn.SendModify(pwReq)); outcome != ReplayNoMore {
			return outcome
		}
	}

	uacReq := ldap.NewModifyRequest(remoteDN, dirldap.WithManageDsaIT())
	uacReq.Replace("userAccountControl", []string{"512"}) // NORMAL_ACCOUNT, not disabled

	return resultToOutcome(r.conn.SendModify(uacReq))
}

// applyModify is spec.md §4.D step f.
func (r *OutboundReplayer) applyModify(ctx context.Context, local *LocalEntry, mods []AttrMod) ReplayOutcome {
	if enablesSync(mods) {
		if outcome := r.applyAdd(ctx, local); outcome != ReplayNoMore {
			return outcome
		}
	}

	remoteDN, _, err := r.mapper.LocalToRemoteDN(ctx, local, false)
	if err != nil {
		return classifyLocalErr(err)
	}

	remoteAttrs, err := r.currentRemoteAttrs(remoteDN)
	if err != nil {
		return classifyLocalErr(err)
	}

	mapped := r.mapper.ModsToRemote(local.Kind, mods)
	pruned := PruneMods(mapped, remoteAttrs)

	namingAttr := "cn"
	if r.agmt.Flavor == FlavorNT4 {
		namingAttr = "sAMAccountName"
	}

	currentLeaf := leafRDNValue(remoteDN)

	if change, changed := DetectRDNChange(namingAttr, currentLeaf, pruned); changed {
		renameReq := ldap.NewModifyDNRequest(remoteDN, change.NewRDN, true, "")
		if outcome := resultToOutcome(r.conn.SendRename(renameReq)); outcome != ReplayNoMore {
			return outcome
		}

		remoteDN = change.NewRDN + "," + dnSuperior(remoteDN)
	}

	var password string

	finalMods := make([]AttrMod, 0, len(pruned))

	for _, m := range pruned {
		if m.Attr == "unicodePwd" {
			if len(m.Values) > 0 {
				password = m.Values[0]
			}

			continue
		}

		finalMods = append(finalMods, m)
	}

	if len(finalMods) > 0 {
		modReq := ldap.NewModifyRequest(remoteDN, dirldap.WithManageDsaIT())
		applyModsToRequest(modReq, finalMods)

		if outcome := resultToOutcome(r.conn.SendModify(modReq)); outcome != ReplayNoMore {
			return outcome
		}
	}

	if password != "" {
		return r.replayPassword(remoteDN, password)
	}

	return ReplayNoMore
}

func enablesSync(mods []AttrMod) bool {
	for _, m := range mods {
		if m.Type == ModAdd && strings.EqualFold(m.Attr, "ntUniqueId") {
			return true
		}
	}

	return false
}

func applyModsToRequest(req *ldap.ModifyRequest, mods []AttrMod) {
	for _, m := range mods {
		switch m.Type {
		case ModAdd:
			req.Add(m.Attr, m.Values)
		case ModDelete:
			req.Delete(m.Attr, m.Values)
		case ModReplace:
			req.Replace(m.Attr, m.Values)
		}
	}
}

// currentRemoteAttrs fetches the remote entry's existing attributes for
// mod-pruning.
func (r *OutboundReplayer) currentRemoteAttrs(remoteDN string) (map[string][]string, error) {
	entry, result := r.conn.SearchEntry(remoteDN, "(objectClass=*)", ldap.ScopeBaseObject, nil)
	if result != ResultSuccess {
		return nil, fmt.Errorf("winsync: fetching current remote attrs for %s: %s", remoteDN, result)
	}

	return entryToAttrs(entry), nil
}

// applyDelete is spec.md §4.D step g.
func (r *OutboundReplayer) applyDelete(ctx context.Context, local *LocalEntry) ReplayOutcome {
	permitted := local.Attrs["ntUserDeleteAccount"]
	if local.Kind == KindGroup {
		permitted = local.Attrs["ntGroupDeleteGroup"]
	}

	if !truthy(permitted) {
		return ReplayNoMore
	}

	remoteDN, _, err := r.mapper.LocalToRemoteDN(ctx, local, true)
	if err != nil {
		return classifyLocalErr(err)
	}

	delReq := ldap.NewDelRequest(remoteDN, dirldap.WithManageDsaIT())

	return resultToOutcome(r.conn.SendDelete(delReq))
}

func truthy(values []string) bool {
	for _, v := range values {
		if strings.EqualFold(v, "true") || v == "1" {
			return true
		}
	}

	return false
}

// applyModRDN is spec.md §4.D step h.
func (r *OutboundReplayer) applyModRDN(ctx context.Context, local *LocalEntry, op Operation) ReplayOutcome {
	remoteDN, _, err := r.mapper.LocalToRemoteDN(ctx, local, true)
	if err != nil {
		return classifyLocalErr(err)
	}

	if r.remoteMissing(remoteDN) {
		return r.applyAdd(ctx, local)
	}

	newRDN := op.NewRDN
	if local.Kind == KindUser {
		newRDN = "cn=" + firstOr(local.Attrs["cn"], local.SAMAccountName)
	}

	newSuperior := ""
	if op.NewSuperior != "" {
		newSuperior = substituteSubtreeRoot(op.NewSuperior, r.agmt.LocalSubtree, r.agmt.RemoteSubtree)
	}

	renameReq := ldap.NewModifyDNRequest(remoteDN, newRDN, op.DeleteOldRDN, newSuperior)

	return resultToOutcome(r.conn.SendRename(renameReq))
}

// substituteSubtreeRoot rewrites a DN rooted under localSuffix to be rooted
// under remoteSuffix instead, preserving the container path between them.
func substituteSubtreeRoot(dn, localSuffix, remoteSuffix string) string {
	if !hasSuffixDN(dn, localSuffix) {
		return dn
	}

	return strings.TrimSuffix(dn, localSuffix) + remoteSuffix
}

func resultToOutcome(result Result) ReplayOutcome {
	switch result {
	case ResultSuccess:
		return ReplayNoMore
	case ResultNotConnected:
		return ReplayConnectionLost
	case ResultTimeout:
		return ReplayTimeout
	case ResultBusy:
		return ReplayTransient
	case ResultTLSNotEnabled, ResultLocalError:
		return ReplayFatal
	default:
		return ReplayTransient
	}
}
