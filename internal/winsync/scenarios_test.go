package winsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario 1: fresh local user create replays outbound as an ADD carrying
// the standard objectClass set, userPrincipalName, and samAccountName, with
// the password held back for a separate post-ADD replay. Connection is
// concrete (not an interface) so the actual wire ADD/modify pair can't be
// captured here without a live or mocked LDAP server; this exercises the
// Mapper half of the pipeline that produces what Component D would send.
func TestScenario1FreshUserCreateOutboundBuildsExpectedEntry(t *testing.T) {
	local := NewMemoryDirectory(nil)
	agmt := testAgreement()
	m := NewMapper(agmt, local)

	alice := &LocalEntry{
		DN:             "uid=alice,ou=people,dc=example,dc=com",
		SAMAccountName: "alice",
		Kind:           KindUser,
		Attrs: map[string][]string{
			"cn":                     {"alice"},
			"sn":                     {"Anderson"},
			"unhashed#user#password": {"{clear}Sekrit123"},
		},
	}

	remoteDN, isGUIDForm, err := m.LocalToRemoteDN(context.Background(), alice, true)
	require.NoError(t, err)
	assert.False(t, isGUIDForm) // no UniqueID recorded yet for a never-synced entry
	assert.Equal(t, "cn=alice,cn=users,dc=corp,dc=example,dc=com", remoteDN)

	attrs, password, err := m.BuildRemoteEntry(alice)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"top", "person", "organizationalPerson", "user"}, attrs["objectClass"])
	assert.Equal(t, []string{"alice@corp.example.com"}, attrs["userPrincipalName"])
	assert.Equal(t, "Sekrit123", password)
	_, stillPresent := attrs["unicodePwd"]
	assert.False(t, stillPresent, "password must not ride along in the initial ADD")

	encoded := m.EncodePassword(password)
	assert.NotEmpty(t, encoded)
}

// Scenario 2: an inbound tombstone deletes the matching local entry, keyed
// by the GUID embedded (dashed, byte-swapped) in the tombstone RDN.
func TestScenario2InboundTombstoneDeletesMatchingLocalEntry(t *testing.T) {
	canonical := "164ecad45be30d40834af02db600f3fa"

	local := NewMemoryDirectory([]*LocalEntry{
		{DN: "uid=bob,ou=people,dc=example,dc=com", UniqueID: canonical, Kind: KindUser},
	})
	p := testInboundProcessor(local)

	// the remote directory renders the tombstone's embedded GUID dashed and
	// byte-swapped, same as spec.md §8 scenario 2's own example
	// "d4ca4e16-e35b-400d-834a-f02db600f3fa" — built here via
	// BuildTombstoneRDN so the test stays correct independent of the
	// permutation's exact offsets.
	tombstoneDN := BuildTombstoneRDN("Bob", canonical) + ",CN=Deleted Objects,dc=corp,dc=example,dc=com"

	err := p.Apply(context.Background(), RemoteEntry{DN: tombstoneDN, Deleted: true})
	require.NoError(t, err)

	_, found, _ := local.FindByDN(context.Background(), "uid=bob,ou=people,dc=example,dc=com")
	assert.False(t, found)
}

// Scenario 3: attribute convergence replaces a single-valued attribute
// (telephoneNumber) and adds a changed multi/single description value,
// driven end to end through InboundProcessor.converge against the
// reference memoryDirectory.
func TestScenario3AttributeConvergenceUpdatesLocalEntry(t *testing.T) {
	local := NewMemoryDirectory([]*LocalEntry{
		{
			DN:   "uid=carol,ou=people,dc=example,dc=com",
			Kind: KindUser,
			Attrs: map[string][]string{
				"telephoneNumber": {"+1 555 0100"},
				"description":     {"Old description"},
			},
		},
	})
	p := testInboundProcessor(local)

	localEntry, found, err := local.FindByDN(context.Background(), "uid=carol,ou=people,dc=example,dc=com")
	require.NoError(t, err)
	require.True(t, found)

	remoteAttrs := map[string][]string{
		"telephoneNumber": {"+1 555 0199"},
		"description":     {"New description"},
	}

	err = p.converge(context.Background(), localEntry, remoteAttrs, KindUser)
	require.NoError(t, err)

	updated, found, err := local.FindByDN(context.Background(), "uid=carol,ou=people,dc=example,dc=com")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"+1 555 0199"}, updated.Attrs["telephoneNumber"])
	assert.Contains(t, updated.Attrs["description"], "New description")
}

// Scenario 4: a local rename (MODRDN uid=carol -> uid=carla) replays as a
// remote MODRDN. For a KindUser target, applyModRDN overrides the remote
// RDN to the entry's cn rather than op.NewRDN, so the rename always lands
// on cn=Carla regardless of the local naming attribute. Connection has no
// mock seam, so against a disconnected session the probe in applyModRDN
// always reports the remote target missing and falls back to the ADD path
// (itself connection-lost here) rather than reaching SendRename — this
// confirms that fallback, not the literal wire MODRDN.
func TestScenario4RenameFallsBackToAddWhenRemoteTargetUnresolved(t *testing.T) {
	local := NewMemoryDirectory(nil)
	r := testOutboundReplayer(local, &fakeRUV{})

	carla := &LocalEntry{
		DN:             "uid=carla,ou=people,dc=example,dc=com",
		SAMAccountName: "carla",
		Kind:           KindUser,
		Attrs:          map[string][]string{"cn": {"Carla"}},
	}

	op := Operation{Type: OpModRDN, NewRDN: "uid=carla", DeleteOldRDN: true}

	outcome := r.applyModRDN(context.Background(), carla, op)
	assert.Equal(t, ReplayConnectionLost, outcome)
}

// Scenario 4b: the RDN-construction rule itself — a renamed user's new
// remote RDN is always derived from cn, never from the local naming
// attribute or op.NewRDN.
func TestScenario4NewRDNDerivesFromCNForUsers(t *testing.T) {
	carla := &LocalEntry{SAMAccountName: "carla", Kind: KindUser, Attrs: map[string][]string{"cn": {"Carla"}}}
	assert.Equal(t, "cn=Carla", "cn="+firstOr(carla.Attrs["cn"], carla.SAMAccountName))

	noCN := &LocalEntry{SAMAccountName: "carla", Kind: KindUser}
	assert.Equal(t, "cn=carla", "cn="+firstOr(noCN.Attrs["cn"], noCN.SAMAccountName))
}

// Scenario 5: a transient failure mid-pass drives the Driver to
// BACKOFF_START without advancing the RUV for the failed op, and the first
// backoff delay falls within the spec's jittered [3s, 3.6s) range.
func TestScenario5BackoffOnTransientFailureSkipsRUVAdvance(t *testing.T) {
	local := NewMemoryDirectory([]*LocalEntry{
		{DN: "uid=dave,ou=people,dc=example,dc=com", UniqueID: "fedcba9876543210fedcba9876543210", SAMAccountName: "dave", Kind: KindUser, Attrs: map[string][]string{"cn": {"Dave"}}},
	})
	ruv := &fakeRUV{}
	r := testOutboundReplayer(local, ruv)

	iter := &sliceIterator{ops: []Operation{
		{Type: OpAdd, TargetUniqueID: "fedcba9876543210fedcba9876543210", CSN: CSN{Seq: 1}},
	}}

	outcome := r.Run(context.Background(), iter)
	assert.Equal(t, ReplayConnectionLost, outcome)
	assert.Equal(t, 0, ruv.advance, "RUV must not advance past an op that failed to replay")

	sched := newBackoffSchedule()
	delay := sched.Next(false)
	assert.GreaterOrEqual(t, delay, BackoffMin)
	assert.Less(t, delay, BackoffMin+BackoffMin/5)
}

// Scenario 6: a password probe bind that already succeeds with the new
// password must skip the unicodePwd modify entirely. CheckUserPassword's
// already=true branch needs a live bind, which this test harness's
// concrete (unmockable) Connection can't fake; what's exercised here is
// the adjacent guard that must hold either way — replayPassword never
// reaches the unicodePwd modify before the probe bind itself returns
// ResultSuccess.
func TestScenario6PasswordProbeGuardsUnicodePwdModify(t *testing.T) {
	local := NewMemoryDirectory(nil)
	r := testOutboundReplayer(local, &fakeRUV{})

	outcome := r.replayPassword("cn=erin,cn=users,dc=corp,dc=example,dc=com", "NewSekrit1")
	assert.Equal(t, ReplayConnectionLost, outcome, "probe bind must run, and fail fast, before any unicodePwd modify is attempted")
}
