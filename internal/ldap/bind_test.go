package ldap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMechanismString(t *testing.T) {
	assert.Equal(t, "SIMPLE", MechanismSimple.String())
	assert.Equal(t, "EXTERNAL", MechanismExternal.String())
	assert.Equal(t, "GSSAPI", MechanismGSSAPI.String())
	assert.Equal(t, "DIGEST-MD5", MechanismDigestMD5.String())
	assert.Equal(t, "SIMPLE", Mechanism(99).String())
}

func TestBindRejectsUnsupportedMechanism(t *testing.T) {
	err := Bind(nil, Mechanism(99), Credential{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported bind mechanism")
}
