package winsync

import (
	"context"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInboundProcessor(local LocalDirectory) *InboundProcessor {
	agmt := testAgreement()
	agmt.CreateUsers = true
	agmt.CreateGroups = true

	return NewInboundProcessor(agmt, NewMapper(agmt, local), local, nil, zerolog.Nop())
}

func TestHasSuffixDN(t *testing.T) {
	assert.True(t, hasSuffixDN("uid=jane,ou=people,dc=example,dc=com", "ou=people,dc=example,dc=com"))
	assert.False(t, hasSuffixDN("uid=jane,ou=other,dc=example,dc=com", "ou=people,dc=example,dc=com"))
}

func TestApplyTombstoneDeletesMatchingLocalEntry(t *testing.T) {
	local := NewMemoryDirectory([]*LocalEntry{
		{DN: "uid=jane,ou=people,dc=example,dc=com", UniqueID: "0123456789abcdef0123456789abcdef", Kind: KindUser},
	})
	p := testInboundProcessor(local)

	tombstoneDN := BuildTombstoneRDN("Jane Doe", "0123456789abcdef0123456789abcdef") + ",cn=users,dc=corp,dc=example,dc=com"

	err := p.Apply(context.Background(), RemoteEntry{DN: tombstoneDN, Deleted: true})
	require.NoError(t, err)

	_, found, _ := local.FindByDN(context.Background(), "uid=jane,ou=people,dc=example,dc=com")
	assert.False(t, found)
}

func TestApplyTombstoneWithNoLocalMatchIsNoop(t *testing.T) {
	local := NewMemoryDirectory(nil)
	p := testInboundProcessor(local)

	tombstoneDN := BuildTombstoneRDN("Jane Doe", "0123456789abcdef0123456789abcdef") + ",cn=users,dc=corp,dc=example,dc=com"

	err := p.Apply(context.Background(), RemoteEntry{DN: tombstoneDN, Deleted: true})
	assert.NoError(t, err)
}

func TestApplyOutOfScopeDeletesWhenConfigured(t *testing.T) {
	local := NewMemoryDirectory([]*LocalEntry{
		{DN: "uid=jane,ou=elsewhere,dc=example,dc=com", Kind: KindUser},
	})
	p := testInboundProcessor(local)
	p.agmt.OutOfScopeAction = MoveDoesDelete

	err := p.applyOutOfScope(context.Background(), "uid=jane,ou=elsewhere,dc=example,dc=com")
	require.NoError(t, err)

	_, found, _ := local.FindByDN(context.Background(), "uid=jane,ou=elsewhere,dc=example,dc=com")
	assert.False(t, found)
}

func TestApplyOutOfScopeUnsyncsWhenConfigured(t *testing.T) {
	local := NewMemoryDirectory([]*LocalEntry{
		{
			DN:   "uid=jane,ou=elsewhere,dc=example,dc=com",
			Kind: KindUser,
			Attrs: map[string][]string{
				"ntUniqueId":     {"abc"},
				"ntUserDomainId": {"jane"},
			},
		},
	})
	p := testInboundProcessor(local)
	p.agmt.OutOfScopeAction = MoveDoesUnsync

	err := p.applyOutOfScope(context.Background(), "uid=jane,ou=elsewhere,dc=example,dc=com")
	require.NoError(t, err)

	e, found, _ := local.FindByDN(context.Background(), "uid=jane,ou=elsewhere,dc=example,dc=com")
	require.True(t, found)
	assert.NotContains(t, e.Attrs, "ntUniqueId")
	assert.NotContains(t, e.Attrs, "ntUserDomainId")
}

func TestCreationAllowedRespectsPerKindFlags(t *testing.T) {
	local := NewMemoryDirectory(nil)
	p := testInboundProcessor(local)
	p.agmt.CreateUsers = true
	p.agmt.CreateGroups = false

	assert.True(t, p.creationAllowed(KindUser))
	assert.False(t, p.creationAllowed(KindGroup))
}

func TestEntryToAttrsFlattensEntryAttributes(t *testing.T) {
	e := ldap.NewEntry("cn=jane,cn=users,dc=corp,dc=example,dc=com", map[string][]string{
		"cn": {"Jane Doe"},
		"sn": {"Doe"},
	})

	attrs := entryToAttrs(e)
	assert.Equal(t, []string{"Jane Doe"}, attrs["cn"])
	assert.Equal(t, []string{"Doe"}, attrs["sn"])
}

func TestDiffModsAddsMissingAndDeletesRemovedMultiValued(t *testing.T) {
	local := NewMemoryDirectory(nil)
	p := testInboundProcessor(local)

	localEntry := &LocalEntry{
		DN:   "cn=group1,ou=groups,dc=example,dc=com",
		Kind: KindGroup,
		Attrs: map[string][]string{
			"uniqueMember": {"uid=old,ou=people,dc=example,dc=com"},
		},
	}

	remoteAttrs := map[string][]string{
		"member": {"uid=new,ou=people,dc=example,dc=com"},
	}

	mods := p.diffMods(localEntry, remoteAttrs, KindGroup)
	require.Len(t, mods, 2)

	var sawAdd, sawDelete bool
	for _, m := range mods {
		if m.Type == ModAdd {
			sawAdd = true
			assert.Equal(t, []string{"uid=new,ou=people,dc=example,dc=com"}, m.Values)
		}

		if m.Type == ModDelete {
			sawDelete = true
			assert.Equal(t, []string{"uid=old,ou=people,dc=example,dc=com"}, m.Values)
		}
	}

	assert.True(t, sawAdd)
	assert.True(t, sawDelete)
}

func TestDiffModsReplacesSingleValuedAttributeOnChange(t *testing.T) {
	local := NewMemoryDirectory(nil)
	p := testInboundProcessor(local)

	localEntry := &LocalEntry{
		DN:   "uid=jane,ou=people,dc=example,dc=com",
		Kind: KindUser,
		Attrs: map[string][]string{
			"sn": {"Old"},
		},
	}

	mods := p.diffMods(localEntry, map[string][]string{"sn": {"New"}}, KindUser)
	require.Len(t, mods, 1)
	assert.Equal(t, ModReplace, mods[0].Type)
	assert.Equal(t, []string{"New"}, mods[0].Values)
}

func TestDiffModsNoChangeYieldsNoMods(t *testing.T) {
	local := NewMemoryDirectory(nil)
	p := testInboundProcessor(local)

	localEntry := &LocalEntry{
		DN:    "uid=jane,ou=people,dc=example,dc=com",
		Kind:  KindUser,
		Attrs: map[string][]string{"sn": {"Doe"}},
	}

	mods := p.diffMods(localEntry, map[string][]string{"sn": {"Doe"}}, KindUser)
	assert.Empty(t, mods)
}

func TestDetectLocalRenameOnSAMAccountNameChange(t *testing.T) {
	local := NewMemoryDirectory(nil)
	p := testInboundProcessor(local)

	localEntry := &LocalEntry{DN: "uid=jane,ou=people,dc=example,dc=com", Kind: KindUser}

	newRDN, newSuperior, changed := p.detectLocalRename(localEntry, map[string][]string{"sAMAccountName": {"janedoe"}}, KindUser)
	require.True(t, changed)
	assert.Equal(t, "uid=janedoe", newRDN)
	assert.Equal(t, "ou=people,dc=example,dc=com", newSuperior)
}

func TestDetectLocalRenameNoneWhenUnchanged(t *testing.T) {
	local := NewMemoryDirectory(nil)
	p := testInboundProcessor(local)

	localEntry := &LocalEntry{DN: "uid=jane,ou=people,dc=example,dc=com", Kind: KindUser}

	_, _, changed := p.detectLocalRename(localEntry, map[string][]string{"sAMAccountName": {"jane"}}, KindUser)
	assert.False(t, changed)
}

func TestCreateLocalBuildsUserTemplate(t *testing.T) {
	local := NewMemoryDirectory(nil)
	p := testInboundProcessor(local)

	e := RemoteEntry{DN: "cn=jane,cn=users,dc=corp,dc=example,dc=com", Kind: KindUser, GUID: "0123456789abcdef0123456789abcdef", SAM: "jane"}
	remoteAttrs := map[string][]string{"sn": {"Doe"}}

	err := p.createLocal(context.Background(), "uid=jane,ou=people,dc=example,dc=com", remoteAttrs, e)
	require.NoError(t, err)

	created, found, _ := local.FindByDN(context.Background(), "uid=jane,ou=people,dc=example,dc=com")
	require.True(t, found)
	assert.Equal(t, []string{"Doe"}, created.Attrs["sn"])
	assert.Equal(t, []string{"true"}, created.Attrs["ntUserDeleteAccount"])
	assert.Equal(t, "jane", created.SAMAccountName)
}

func TestConvergeAppliesModsWithoutRename(t *testing.T) {
	local := NewMemoryDirectory([]*LocalEntry{
		{DN: "uid=jane,ou=people,dc=example,dc=com", Kind: KindUser, Attrs: map[string][]string{"sn": {"Old"}}},
	})
	p := testInboundProcessor(local)

	localEntry, _, _ := local.FindByDN(context.Background(), "uid=jane,ou=people,dc=example,dc=com")

	err := p.converge(context.Background(), localEntry, map[string][]string{"sn": {"New"}, "sAMAccountName": {"jane"}}, KindUser)
	require.NoError(t, err)

	updated, _, _ := local.FindByDN(context.Background(), "uid=jane,ou=people,dc=example,dc=com")
	assert.Equal(t, []string{"New"}, updated.Attrs["sn"])
}
