package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenRoundTripCarriesRoles(t *testing.T) {
	token, err := SignToken("s3cret", "ops@example.com", []string{"operator"}, time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken("s3cret", token)
	require.NoError(t, err)
	require.Equal(t, "ops@example.com", claims.Subject)
	require.True(t, Allowed(claims.Roles, claims.Permissions, PermCampaignSync))
	require.False(t, Allowed(claims.Roles, claims.Permissions, PermSessionWrite))

	_, err = ParseToken("other", token)
	require.Error(t, err)
}

func TestSignTokenRejectsBadInput(t *testing.T) {
	_, err := SignToken("", "a", nil, 0)
	require.Error(t, err)
	_, err = SignToken("s", "", nil, 0)
	require.Error(t, err)
	_, err = SignToken("s", "a", []string{"root"}, 0)
	require.Error(t, err)
}

func TestNonPositiveTTLOmitsExpiry(t *testing.T) {
	token, err := SignToken("s3cret", "a", []string{"admin"}, -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken("s3cret", token)
	require.NoError(t, err)
}

func TestExplicitPermissions(t *testing.T) {
	require.True(t, Allowed(nil, []string{PermStatsRead}, PermStatsRead))
	require.False(t, Allowed([]string{"viewer"}, nil, PermCampaignSync))
	require.ElementsMatch(t, []string{PermStatsRead, PermCampaignRead}, Permissions([]string{"viewer", "viewer"}))
}
