// Package auth resolves API credentials to caller identities.
//
// Credentials are never stored: the store holds their SHA-256 hash and the
// resolver looks callers up by hash, confirming the match in constant time.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// Role is a caller's privilege level.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleStandard Role = "standard"
	RoleFree     Role = "free"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleStandard, RoleFree:
		return r, nil
	case "":
		return RoleStandard, nil
	}
	return "", fmt.Errorf("auth: unknown role %q", s)
}

// Caller is an authenticated identity together with its limits.
type Caller struct {
	ID        int64
	Name      string
	KeyPrefix string
	KeyHash   string
	Role      Role
	Active    bool

	// QuotaLimit is the ceiling per window in billing units; <= 0 is unlimited.
	QuotaLimit   int64
	QuotaUsed    int64
	QuotaResetAt time.Time

	// MaxConcurrent and RPM override the gateway defaults when > 0.
	MaxConcurrent int
	RPM           int

	// AllowedModels restricts the models the caller may use; empty allows all.
	AllowedModels []string

	CreatedAt time.Time
}

// IsAdmin reports whether the caller may use admin endpoints.
func (c *Caller) IsAdmin() bool { return c.Role == RoleAdmin }

// Allows reports whether the caller may use modelID.
func (c *Caller) Allows(modelID string) bool {
	return len(c.AllowedModels) == 0 || slices.Contains(c.AllowedModels, modelID)
}

// Ref is the caller reference written to audit records: name plus the
// public key prefix, or whichever of the two is set.
func (c *Caller) Ref() string {
	switch {
	case c.Name == "":
		return c.KeyPrefix
	case c.KeyPrefix == "":
		return c.Name
	}
	return c.Name + "/" + c.KeyPrefix
}

// ErrNotFound is returned by a Store when no caller has the hash.
var ErrNotFound = errors.New("auth: caller not found")

// Store looks callers up by credential hash.
type Store interface {
	CallerByKeyHash(ctx context.Context, keyHash string) (*Caller, error)
}

// Resolver authenticates credentials. It never writes.
type Resolver struct {
	store Store
	log   *slog.Logger
}

func NewResolver(store Store, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{store: store, log: log}
}

// Resolve returns the caller owning credential. Missing or unknown
// credentials fail with Unauthenticated, deactivated ones with Disabled.
func (r *Resolver) Resolve(ctx context.Context, credential string) (*Caller, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, apierr.ErrUnauthenticated
	}
	hash := HashKey(credential)

	c, err := r.store.CallerByKeyHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return nil, apierr.ErrUnauthenticated
	}
	if err != nil {
		r.log.ErrorContext(ctx, "auth_lookup_failed", slog.String("error", err.Error()))
		return nil, apierr.Wrap(apierr.CodeInternal, err, apierr.ErrInternal.Message)
	}
	if subtle.ConstantTimeCompare([]byte(c.KeyHash), []byte(hash)) != 1 {
		return nil, apierr.ErrUnauthenticated
	}
	if !c.Active {
		return nil, apierr.ErrDisabled
	}
	return c, nil
}

// KeyPrefixLen is the number of leading credential characters kept in clear
// for display and audit.
const KeyPrefixLen = 12

const keyScheme = "igw_"

// HashKey returns the hex SHA-256 of a credential.
func HashKey(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// GenerateKey returns a new random credential, its display prefix and hash.
func GenerateKey() (key, prefix, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("auth: generate key: %w", err)
	}
	key = keyScheme + base64.RawURLEncoding.EncodeToString(buf)
	return key, key[:KeyPrefixLen], HashKey(key), nil
}

// CredentialFromHeaders extracts the credential from X-API-Key or an
// "Authorization: Bearer" header, preferring X-API-Key.
func CredentialFromHeaders(apiKey, authorization string) string {
	if k := strings.TrimSpace(apiKey); k != "" {
		return k
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}
