package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

const (
	PermStatsRead       = "stats.read"
	PermEventsRead      = "events.read"
	PermCampaignRead    = "campaign.read"
	PermCampaignWrite   = "campaign.write"
	PermCampaignSync    = "campaign.sync"
	PermCampaignDeliver = "campaign.deliver"
	PermSessionRead     = "session.read"
	PermSessionWrite    = "session.write"
)

// RolePermissions is the fixed role table. Tokens may also carry explicit
// permissions on top of their roles.
var RolePermissions = map[string][]string{
	"viewer": {PermStatsRead, PermCampaignRead},
	"operator": {
		PermStatsRead, PermCampaignRead, PermEventsRead,
		PermCampaignSync, PermCampaignDeliver, PermSessionRead,
	},
	"admin": {
		PermStatsRead, PermCampaignRead, PermEventsRead, PermCampaignWrite,
		PermCampaignSync, PermCampaignDeliver, PermSessionRead, PermSessionWrite,
	},
}

// Permissions expands roles into the permissions they grant.
func Permissions(roles []string) []string {
	var out []string
	for _, r := range roles {
		for _, p := range RolePermissions[r] {
			if !slices.Contains(out, p) {
				out = append(out, p)
			}
		}
	}
	return out
}

// Allowed reports whether roles or explicit perms grant perm.
func Allowed(roles, perms []string, perm string) bool {
	return slices.Contains(perms, perm) || slices.Contains(Permissions(roles), perm)
}

// Claims is the JWT body issued to operators and dashboards.
type Claims struct {
	jwt.RegisteredClaims
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// SignToken issues an HS256 token for subject. ttl <= 0 omits expiry.
func SignToken(secret, subject string, roles []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject required")
	}
	for _, r := range roles {
		if _, ok := RolePermissions[r]; !ok {
			return "", fmt.Errorf("unknown role %q", r)
		}
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Roles: roles,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken verifies an HS256 token and returns its claims.
func ParseToken(secret, token string) (*Claims, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("subject claim required")
	}
	return claims, nil
}
