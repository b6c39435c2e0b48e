// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package privilege

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flyhook/internal/logging"
)

func bareChecker() *Checker {
	return &Checker{log: logging.WithComponent("privilege")}
}

func TestRootIsAlwaysPrivileged(t *testing.T) {
	c := bareChecker()
	assert.True(t, c.Privileged(Identity{UID: 0, GID: 0}))
	assert.True(t, c.Privileged(Identity{UID: 0, GID: 12345}))
}

func TestUnlistedCallerIsDenied(t *testing.T) {
	c := bareChecker()
	assert.False(t, c.Privileged(Identity{UID: 65534, GID: 65534}))
}

func TestAdminGroupByPrimaryGID(t *testing.T) {
	c := bareChecker()
	c.adminGID = 4321
	c.haveAdmin = true

	assert.True(t, c.Privileged(Identity{UID: 1000, GID: 4321}))
	assert.False(t, c.Privileged(Identity{UID: 65534, GID: 65533}))
}

func TestServiceAccountByUID(t *testing.T) {
	c := bareChecker()
	c.serviceUID = 987
	c.haveService = true

	assert.True(t, c.Privileged(Identity{UID: 987, GID: 65534}))
	assert.False(t, c.Privileged(Identity{UID: 988, GID: 65534}))
}

func TestCheckerRejectsUnknownNames(t *testing.T) {
	_, err := NewChecker(Config{AdminGroup: "no-such-group-xyzzy"})
	require.Error(t, err)

	_, err = NewChecker(Config{ServiceAccount: "no-such-user-xyzzy"})
	require.Error(t, err)
}

func TestEmptyConfigAllowsOnlyRoot(t *testing.T) {
	c, err := NewChecker(Config{})
	require.NoError(t, err)
	assert.True(t, c.Privileged(Identity{UID: 0}))
	assert.False(t, c.Privileged(Identity{UID: 1000, GID: 1000}))
}

func TestPrincipalFallsBackToUID(t *testing.T) {
	c := bareChecker()
	// uid 4294967294 is not in any sane user database.
	assert.Equal(t, "uid:4294967294", c.Principal(Identity{UID: 4294967294}))
}
