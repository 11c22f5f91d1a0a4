package authz

import (
	"context"
	"testing"
	"time"

	"github.com/matryer/is"
)

type fakeStore struct {
	deviceKeys map[string]DeviceKeyInfo
	apiKeys    map[string]ApiKeyInfo
	touched    []string
}

func (f *fakeStore) LookupDeviceKey(_ context.Context, hash string) (DeviceKeyInfo, bool, error) {
	info, ok := f.deviceKeys[hash]
	return info, ok, nil
}

func (f *fakeStore) LookupAPIKey(_ context.Context, hash string) (ApiKeyInfo, bool, error) {
	info, ok := f.apiKeys[hash]
	return info, ok, nil
}

func (f *fakeStore) TouchDeviceKey(_ context.Context, keyID string) error {
	f.touched = append(f.touched, keyID)
	return nil
}

func TestAuthenticateDevice_Success(t *testing.T) {
	is := is.New(t)
	store := &fakeStore{deviceKeys: map[string]DeviceKeyInfo{
		HashKey("raw-key"): {KeyID: "k1", DeviceUUID: "dev-1", Active: true},
	}}
	a := NewAuthenticator(store)

	info, err := a.AuthenticateDevice(context.Background(), "raw-key", "dev-1")
	is.NoErr(err)
	is.Equal(info.KeyID, "k1")
	is.Equal(len(store.touched), 1)
}

func TestAuthenticateDevice_WrongDevice(t *testing.T) {
	is := is.New(t)
	store := &fakeStore{deviceKeys: map[string]DeviceKeyInfo{
		HashKey("raw-key"): {KeyID: "k1", DeviceUUID: "dev-1", Active: true},
	}}
	a := NewAuthenticator(store)

	_, err := a.AuthenticateDevice(context.Background(), "raw-key", "dev-2")
	is.Equal(err, ErrDeviceMismatch)
}

func TestAuthenticateDevice_RevokedAndExpired(t *testing.T) {
	is := is.New(t)
	past := time.Now().Add(-time.Hour)
	store := &fakeStore{deviceKeys: map[string]DeviceKeyInfo{
		HashKey("revoked"): {KeyID: "k1", DeviceUUID: "dev-1", Active: true, Revoked: true},
		HashKey("expired"): {KeyID: "k2", DeviceUUID: "dev-1", Active: true, ExpiresAt: &past},
	}}
	a := NewAuthenticator(store)

	_, err := a.AuthenticateDevice(context.Background(), "revoked", "dev-1")
	is.Equal(err, ErrKeyRevoked)

	_, err = a.AuthenticateDevice(context.Background(), "expired", "dev-1")
	is.Equal(err, ErrKeyExpired)
}

func TestAuthenticateDevice_NotFound(t *testing.T) {
	is := is.New(t)
	a := NewAuthenticator(&fakeStore{deviceKeys: map[string]DeviceKeyInfo{}})

	_, err := a.AuthenticateDevice(context.Background(), "unknown", "dev-1")
	is.Equal(err, ErrKeyNotFound)
}

func TestAuthorize_Admin(t *testing.T) {
	is := is.New(t)
	is.NoErr(Authorize(ApiKeyInfo{Role: RoleAdmin}, "any-source", "any-domain"))
}

func TestAuthorize_SourceWriterScoped(t *testing.T) {
	is := is.New(t)
	info := ApiKeyInfo{Role: RoleSourceWriter, AllowedSourceID: "src-1", AllowedDomains: []string{"iot", "water"}}

	is.NoErr(Authorize(info, "src-1", "iot"))
	is.Equal(Authorize(info, "src-1", "energy"), ErrScopeMismatch)
	is.Equal(Authorize(info, "src-2", "iot"), ErrScopeMismatch)
}

func TestAuthorize_ReadOnlyDeniesWrites(t *testing.T) {
	is := is.New(t)
	info := ApiKeyInfo{Role: RoleReadOnly, AllowedSourceID: "src-1", AllowedDomains: []string{"iot"}}
	is.Equal(Authorize(info, "src-1", "iot"), ErrScopeMismatch)
}

func TestPrefix(t *testing.T) {
	is := is.New(t)
	is.Equal(Prefix("abcdefghijkl"), "abcdefgh")
	is.Equal(Prefix("short"), "short")
}
