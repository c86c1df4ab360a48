package winsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAgreement() *Agreement {
	return &Agreement{
		Name:          "corp-dc1",
		LocalSubtree:  "ou=people,dc=example,dc=com",
		RemoteSubtree: "cn=users,dc=corp,dc=example,dc=com",
		WinsyncDomain: "corp.example.com",
		Flavor:        FlavorGenericAD,
	}
}

func TestToRemoteValuesMapsKnownAttribute(t *testing.T) {
	m := NewMapper(testAgreement(), NewMemoryDirectory(nil))

	remoteAttr, values, ok := m.ToRemoteValues(KindUser, "mail", []string{"jane@example.com"})
	require.True(t, ok)
	assert.Equal(t, "mail", remoteAttr)
	assert.Equal(t, []string{"jane@example.com"}, values)
}

func TestToRemoteValuesDropsFromRemoteOnly(t *testing.T) {
	m := NewMapper(testAgreement(), NewMemoryDirectory(nil))

	_, _, ok := m.ToRemoteValues(KindUser, "ntUniqueId", []string{"abc"})
	assert.False(t, ok)
}

func TestToRemoteValuesClampsSingleValuedAndInitials(t *testing.T) {
	m := NewMapper(testAgreement(), NewMemoryDirectory(nil))

	remoteAttr, values, ok := m.ToRemoteValues(KindUser, "initials", []string{"ABCDEFGH"})
	require.True(t, ok)
	assert.Equal(t, "initials", remoteAttr)
	require.Len(t, values, 1)
	assert.Equal(t, "ABCDEF", values[0])
}

func TestFromRemoteValuesDropsToRemoteOnly(t *testing.T) {
	m := NewMapper(testAgreement(), NewMemoryDirectory(nil))

	_, _, ok := m.FromRemoteValues(KindUser, "unicodePwd", []string{"x"})
	assert.False(t, ok)
}

func TestFromRemoteValuesMapsBack(t *testing.T) {
	m := NewMapper(testAgreement(), NewMemoryDirectory(nil))

	localAttr, values, ok := m.FromRemoteValues(KindUser, "sn", []string{"Doe"})
	require.True(t, ok)
	assert.Equal(t, "sn", localAttr)
	assert.Equal(t, []string{"Doe"}, values)
}

func TestLocalToRemoteDNPrefersGUIDForm(t *testing.T) {
	m := NewMapper(testAgreement(), NewMemoryDirectory(nil))

	e := &LocalEntry{DN: "uid=jane,ou=people,dc=example,dc=com", UniqueID: "0123456789abcdef0123456789abcdef"}

	dn, isGUID, err := m.LocalToRemoteDN(context.Background(), e, true)
	require.NoError(t, err)
	assert.True(t, isGUID)
	assert.Contains(t, dn, "<GUID=01234567-89ab-cdef-0123-456789abcdef>")
}

func TestLocalToRemoteDNSynthesizesWhenNoRemoteMatch(t *testing.T) {
	m := NewMapper(testAgreement(), NewMemoryDirectory(nil))

	e := &LocalEntry{
		DN:             "uid=jane,ou=people,dc=example,dc=com",
		SAMAccountName: "jane",
		Kind:           KindUser,
		Attrs:          map[string][]string{"cn": {"Jane Doe"}},
	}

	dn, isGUID, err := m.LocalToRemoteDN(context.Background(), e, false)
	require.NoError(t, err)
	assert.False(t, isGUID)
	assert.Equal(t, "cn=jane,cn=users,dc=corp,dc=example,dc=com", dn)
}

func TestLocalToRemoteDNUsesRemoteResolverWhenWired(t *testing.T) {
	m := NewMapper(testAgreement(), NewMemoryDirectory(nil))
	m.WithRemoteResolver(func(kind EntryKind, sam string) (string, bool, error) {
		return "cn=jane,ou=resolved,cn=users,dc=corp,dc=example,dc=com", true, nil
	})

	e := &LocalEntry{DN: "uid=jane,ou=people,dc=example,dc=com", SAMAccountName: "jane", Kind: KindUser}

	dn, isGUID, err := m.LocalToRemoteDN(context.Background(), e, false)
	require.NoError(t, err)
	assert.False(t, isGUID)
	assert.Equal(t, "cn=jane,ou=resolved,cn=users,dc=corp,dc=example,dc=com", dn)
}

func TestRemoteToLocalDNFindsByUniqueID(t *testing.T) {
	local := NewMemoryDirectory([]*LocalEntry{
		{DN: "uid=jane,ou=people,dc=example,dc=com", UniqueID: "deadbeefdeadbeefdeadbeefdeadbeef", Kind: KindUser},
	})
	m := NewMapper(testAgreement(), local)

	dn, err := m.RemoteToLocalDN(context.Background(), KindUser, "deadbeefdeadbeefdeadbeefdeadbeef", "", "cn=jane,cn=users,dc=corp,dc=example,dc=com")
	require.NoError(t, err)
	assert.Equal(t, "uid=jane,ou=people,dc=example,dc=com", dn)
}

func TestRemoteToLocalDNSynthesizesForNewEntry(t *testing.T) {
	m := NewMapper(testAgreement(), NewMemoryDirectory(nil))

	dn, err := m.RemoteToLocalDN(context.Background(), KindUser, "", "jane", "cn=jane,cn=users,dc=corp,dc=example,dc=com")
	require.NoError(t, err)
	assert.Equal(t, "uid=jane,ou=people,dc=example,dc=com", dn)
}

func TestBuildRemoteEntrySplitsPasswordOut(t *testing.T) {
	m := NewMapper(testAgreement(), NewMemoryDirectory(nil))

	e := &LocalEntry{
		Kind:           KindUser,
		SAMAccountName: "jane",
		Attrs: map[string][]string{
			"cn":                      {"Jane Doe"},
			"sn":                      {"Doe"},
			"unhashed#user#password": {"{clear}hunter2"},
		},
	}

	attrs, password, err := m.BuildRemoteEntry(e)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", password)
	assert.NotContains(t, attrs, "unicodePwd")
	assert.Equal(t, []string{"Doe"}, attrs["sn"])
	assert.Equal(t, []string{"Jane Doe@corp.example.com"}, attrs["userPrincipalName"])
}

func TestExtractCleartextPasswordRejectsOtherSchemes(t *testing.T) {
	_, ok := extractCleartextPassword("unhashed#user#password", []string{"{SSHA}notusable"})
	assert.False(t, ok)
}

func TestExtractCleartextPasswordIgnoresHashedUserPassword(t *testing.T) {
	_, ok := extractCleartextPassword("userPassword", []string{"{SSHA}notusable"})
	assert.False(t, ok)
}

func TestEncodePasswordADFlavorIsUTF16LEQuoted(t *testing.T) {
	m := NewMapper(testAgreement(), NewMemoryDirectory(nil))

	encoded := m.EncodePassword("hunter2")
	// `"hunter2"` is 9 ASCII chars -> 18 UTF-16LE bytes, first byte '"' = 0x22.
	require.Len(t, encoded, 18)
	assert.Equal(t, byte('"'), encoded[0])
	assert.Equal(t, byte(0), encoded[1])
}

func TestEncodePasswordNT4FlavorIsPlaintext(t *testing.T) {
	agmt := testAgreement()
	agmt.Flavor = FlavorNT4
	m := NewMapper(agmt, NewMemoryDirectory(nil))

	assert.Equal(t, []byte("hunter2"), m.EncodePassword("hunter2"))
}

func TestModsToRemoteDropsCreateOnlyRows(t *testing.T) {
	m := NewMapper(testAgreement(), NewMemoryDirectory(nil))

	mods := []AttrMod{
		{Type: ModReplace, Attr: "uid", Values: []string{"jane2"}},
		{Type: ModReplace, Attr: "mail", Values: []string{"jane2@example.com"}},
	}

	out := m.ModsToRemote(KindUser, mods)
	require.Len(t, out, 1)
	assert.Equal(t, "mail", out[0].Attr)
}

func TestPruneModsAdd(t *testing.T) {
	mods := []AttrMod{{Type: ModAdd, Attr: "mail", Values: []string{"a@x.com", "b@x.com"}}}
	current := map[string][]string{"mail": {"a@x.com"}}

	out := PruneMods(mods, current)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"b@x.com"}, out[0].Values)
}

func TestPruneModsAddFullyPresentDropsMod(t *testing.T) {
	mods := []AttrMod{{Type: ModAdd, Attr: "mail", Values: []string{"a@x.com"}}}
	current := map[string][]string{"mail": {"a@x.com"}}

	assert.Empty(t, PruneMods(mods, current))
}

func TestPruneModsDelete(t *testing.T) {
	mods := []AttrMod{{Type: ModDelete, Attr: "mail", Values: []string{"a@x.com", "b@x.com"}}}
	current := map[string][]string{"mail": {"a@x.com"}}

	out := PruneMods(mods, current)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"a@x.com"}, out[0].Values)
}

func TestPruneModsDeleteAlreadyAbsentDropsMod(t *testing.T) {
	mods := []AttrMod{{Type: ModDelete, Attr: "mail", Values: []string{"a@x.com"}}}
	current := map[string][]string{}

	assert.Empty(t, PruneMods(mods, current))
}

func TestPruneModsReplaceSameValueSetDropsMod(t *testing.T) {
	mods := []AttrMod{{Type: ModReplace, Attr: "mail", Values: []string{"a@x.com", "b@x.com"}}}
	current := map[string][]string{"mail": {"b@x.com", "a@x.com"}}

	assert.Empty(t, PruneMods(mods, current))
}

func TestPruneModsReplaceDifferentValueSetKeepsMod(t *testing.T) {
	mods := []AttrMod{{Type: ModReplace, Attr: "mail", Values: []string{"a@x.com"}}}
	current := map[string][]string{"mail": {"b@x.com"}}

	out := PruneMods(mods, current)
	require.Len(t, out, 1)
}

func TestDetectRDNChangeOnReplaceDroppingCurrentValue(t *testing.T) {
	mods := []AttrMod{{Type: ModReplace, Attr: "cn", Values: []string{"New Name"}}}

	change, found := DetectRDNChange("cn", "Old Name", mods)
	require.True(t, found)
	assert.Equal(t, "cn=New Name", change.NewRDN)
}

func TestDetectRDNChangeNoneWhenValuePreserved(t *testing.T) {
	mods := []AttrMod{{Type: ModReplace, Attr: "cn", Values: []string{"Old Name", "Alias"}}}

	_, found := DetectRDNChange("cn", "Old Name", mods)
	assert.False(t, found)
}
