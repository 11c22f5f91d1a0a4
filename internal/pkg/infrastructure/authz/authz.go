package authz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Role is an API-key's authorization role.
type Role string

const (
	RoleAdmin        Role = "ADMIN"
	RoleSourceWriter Role = "SOURCE_WRITER"
	RoleReadOnly     Role = "READ_ONLY"
)

// ApiKeyInfo is what a successful X-API-Key lookup yields.
type ApiKeyInfo struct {
	KeyID           string
	Role            Role
	AllowedSourceID string
	AllowedDomains  []string
	Revoked         bool
	ExpiresAt       *time.Time
}

// DeviceKeyInfo is what a successful X-Device-Key lookup yields.
type DeviceKeyInfo struct {
	KeyID      string
	DeviceUUID string
	Active     bool
	Revoked    bool
	ExpiresAt  *time.Time
}

var (
	ErrKeyNotFound    = errors.New("authz: key not found")
	ErrKeyRevoked     = errors.New("authz: key revoked")
	ErrKeyExpired     = errors.New("authz: key expired")
	ErrKeyInactive    = errors.New("authz: key inactive")
	ErrDeviceMismatch = errors.New("authz: device key bound to a different device")
	ErrScopeMismatch  = errors.New("authz: api key not authorized for this source/domain")
	ErrStoreUnavailable = errors.New("authz: credential store unavailable")
)

// KeyStore is the persistence boundary for both key schemes. Hashing
// happens in Authenticator, never in the store, so the store only ever
// sees SHA-256 digests — the raw key never reaches a log line or a query
// plan.
//
//go:generate moq -rm -out keystore_mock.go . KeyStore
type KeyStore interface {
	LookupDeviceKey(ctx context.Context, hash string) (DeviceKeyInfo, bool, error)
	LookupAPIKey(ctx context.Context, hash string) (ApiKeyInfo, bool, error)
	TouchDeviceKey(ctx context.Context, keyID string) error
}

// Authenticator validates both key schemes: per-device X-Device-Key and
// per-tenant X-API-Key.
type Authenticator struct {
	store KeyStore
}

func NewAuthenticator(store KeyStore) *Authenticator {
	return &Authenticator{store: store}
}

// HashKey is the SHA-256 lookup key both schemes use.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Prefix returns the 8-char log-safe prefix of a raw key.
func Prefix(raw string) string {
	if len(raw) <= 8 {
		return raw
	}
	return raw[:8]
}

// AuthenticateDevice validates an X-Device-Key against deviceUUID.
func (a *Authenticator) AuthenticateDevice(ctx context.Context, rawKey, deviceUUID string) (DeviceKeyInfo, error) {
	info, found, err := a.store.LookupDeviceKey(ctx, HashKey(rawKey))
	if err != nil {
		log.Error().Err(err).Msg("device key store unreachable")
		return DeviceKeyInfo{}, ErrStoreUnavailable
	}
	if !found {
		log.Warn().Str("keyPrefix", Prefix(rawKey)).Msg("device key not found")
		return DeviceKeyInfo{}, ErrKeyNotFound
	}
	if info.Revoked {
		log.Warn().Str("keyPrefix", Prefix(rawKey)).Msg("device key revoked")
		return DeviceKeyInfo{}, ErrKeyRevoked
	}
	if !info.Active {
		return DeviceKeyInfo{}, ErrKeyInactive
	}
	if info.ExpiresAt != nil && info.ExpiresAt.Before(time.Now()) {
		return DeviceKeyInfo{}, ErrKeyExpired
	}
	if info.DeviceUUID != deviceUUID {
		log.Warn().Str("keyPrefix", Prefix(rawKey)).Str("expected", info.DeviceUUID).Str("got", deviceUUID).Msg("device key bound to different device")
		return DeviceKeyInfo{}, ErrDeviceMismatch
	}

	// Best-effort; failure here never blocks ingestion.
	if err := a.store.TouchDeviceKey(ctx, info.KeyID); err != nil {
		log.Warn().Err(err).Msg("failed to update device key last_used_at")
	}

	return info, nil
}

// AuthenticateAPIKey validates an X-API-Key and returns its scope info.
func (a *Authenticator) AuthenticateAPIKey(ctx context.Context, rawKey string) (ApiKeyInfo, error) {
	info, found, err := a.store.LookupAPIKey(ctx, HashKey(rawKey))
	if err != nil {
		log.Error().Err(err).Msg("api key store unreachable")
		return ApiKeyInfo{}, ErrStoreUnavailable
	}
	if !found {
		log.Warn().Str("keyPrefix", Prefix(rawKey)).Msg("api key not found")
		return ApiKeyInfo{}, ErrKeyNotFound
	}
	if info.Revoked {
		return ApiKeyInfo{}, ErrKeyRevoked
	}
	if info.ExpiresAt != nil && info.ExpiresAt.Before(time.Now()) {
		return ApiKeyInfo{}, ErrKeyExpired
	}
	return info, nil
}

// Authorize decides write access: ADMIN passes everything;
// SOURCE_WRITER passes iff source and domain both match its allow-list;
// READ_ONLY denies all writes.
func Authorize(info ApiKeyInfo, sourceID, domain string) error {
	switch info.Role {
	case RoleAdmin:
		return nil
	case RoleSourceWriter:
		if info.AllowedSourceID != sourceID {
			return ErrScopeMismatch
		}
		for _, d := range info.AllowedDomains {
			if d == domain {
				return nil
			}
		}
		return ErrScopeMismatch
	default:
		return ErrScopeMismatch
	}
}

func (e ApiKeyInfo) String() string {
	return fmt.Sprintf("ApiKeyInfo{role=%s source=%s domains=%v}", e.Role, e.AllowedSourceID, e.AllowedDomains)
}
