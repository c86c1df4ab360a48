package options

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dirldap "github.com/netresearch/winsync-agreement/internal/ldap"
	"github.com/netresearch/winsync-agreement/internal/winsync"
)

func writeAgreementsFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "agreements.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadAgreementsMinimal(t *testing.T) {
	path := writeAgreementsFile(t, `
- name: corp-dc1
  local_subtree: ou=people,dc=example,dc=com
  remote_subtree: cn=users,dc=corp,dc=example,dc=com
  endpoint: dc1.corp.example.com:636
  transport: tls
  bind_dn: cn=svc,dc=corp,dc=example,dc=com
  bind_password: s3cret
  winsync_domain: corp.example.com
  create_users: true
`)

	opts := &Opts{AgreementsPath: path, DefaultTimeout: 30 * time.Second}

	agreements, err := LoadAgreements(opts)
	require.NoError(t, err)
	require.Len(t, agreements, 1)

	a := agreements[0]
	assert.Equal(t, "corp-dc1", a.Name)
	assert.Equal(t, dirldap.TransportTLS, a.Transport.Mode)
	assert.Equal(t, dirldap.MechanismSimple, a.Mechanism)
	assert.Equal(t, winsync.FlavorGenericAD, a.Flavor)
	assert.Equal(t, 30*time.Second, a.Timeout)
	assert.True(t, a.CreateUsers)
	assert.False(t, a.CreateGroups)
	assert.Equal(t, winsync.MoveDoesDelete, a.OutOfScopeAction)
}

func TestLoadAgreementsOverridesTimeoutAndMechanism(t *testing.T) {
	path := writeAgreementsFile(t, `
- name: nt4-dc
  local_subtree: ou=people,dc=example,dc=com
  remote_subtree: dc=legacy,dc=example,dc=com
  endpoint: ntdc.legacy.example.com:389
  transport: plain
  mechanism: digest-md5
  flavor: nt4
  timeout: 10s
  out_of_scope_action: unsync
`)

	opts := &Opts{AgreementsPath: path, DefaultTimeout: 30 * time.Second}

	agreements, err := LoadAgreements(opts)
	require.NoError(t, err)
	require.Len(t, agreements, 1)

	a := agreements[0]
	assert.Equal(t, dirldap.MechanismDigestMD5, a.Mechanism)
	assert.Equal(t, winsync.FlavorNT4, a.Flavor)
	assert.Equal(t, 10*time.Second, a.Timeout)
	assert.Equal(t, winsync.MoveDoesUnsync, a.OutOfScopeAction)
}

func TestLoadAgreementsRejectsMissingName(t *testing.T) {
	path := writeAgreementsFile(t, `
- local_subtree: ou=people,dc=example,dc=com
  remote_subtree: dc=corp,dc=example,dc=com
  endpoint: dc1:636
`)

	_, err := LoadAgreements(&Opts{AgreementsPath: path, DefaultTimeout: time.Second})
	require.Error(t, err)
}

func TestLoadAgreementsRejectsUnknownMechanism(t *testing.T) {
	path := writeAgreementsFile(t, `
- name: bad
  local_subtree: ou=people,dc=example,dc=com
  remote_subtree: dc=corp,dc=example,dc=com
  endpoint: dc1:636
  mechanism: ntlm-v2
`)

	_, err := LoadAgreements(&Opts{AgreementsPath: path, DefaultTimeout: time.Second})
	require.Error(t, err)
}

func TestLoadAgreementsMissingFile(t *testing.T) {
	_, err := LoadAgreements(&Opts{AgreementsPath: filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
}
