package tokens

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalklabs/chalk/pkg/models"
)

func secretFor(kid string) []byte {
	sum := sha256.Sum256([]byte("test-secret-" + kid))
	return sum[:]
}

func writeRingFile(t *testing.T, path, active string, kids ...string) {
	t.Helper()
	file := keyringFile{Active: active, Keys: map[string]string{}}
	for _, kid := range kids {
		file.Keys[kid] = base64.StdEncoding.EncodeToString(secretFor(kid))
	}
	raw, err := json.Marshal(file)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))
}

func testUser() *models.User {
	return &models.User{
		ID:       "user-1",
		Email:    "ada@example.com",
		FullName: "Ada Lovelace",
		Role:     models.RoleStudent,
	}
}

func TestLoadKeyring(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	writeRingFile(t, path, "2026-01", "2026-01", "2025-07")

	ring, err := LoadKeyring(path)
	require.NoError(t, err)

	kid, secret := ring.Active()
	assert.Equal(t, "2026-01", kid)
	assert.Equal(t, secretFor("2026-01"), secret)

	old, ok := ring.Lookup("2025-07")
	require.True(t, ok)
	assert.Equal(t, secretFor("2025-07"), old)

	_, ok = ring.Lookup("2024-01")
	assert.False(t, ok)
	assert.Len(t, ring.Kids(), 2)
}

func TestLoadKeyring_Invalid(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadKeyring(filepath.Join(dir, "nope.json"))
		assert.Error(t, err)
	})

	t.Run("bad json", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
		_, err := LoadKeyring(path)
		assert.Error(t, err)
	})

	t.Run("active kid absent", func(t *testing.T) {
		path := filepath.Join(dir, "orphan-active.json")
		writeRingFile(t, path, "missing", "2026-01")
		_, err := LoadKeyring(path)
		assert.ErrorContains(t, err, "active kid")
	})

	t.Run("secret too short", func(t *testing.T) {
		path := filepath.Join(dir, "short.json")
		raw, _ := json.Marshal(keyringFile{
			Active: "k",
			Keys:   map[string]string{"k": base64.StdEncoding.EncodeToString([]byte("short"))},
		})
		require.NoError(t, os.WriteFile(path, raw, 0o600))
		_, err := LoadKeyring(path)
		assert.ErrorContains(t, err, "shorter")
	})

	t.Run("secret not base64", func(t *testing.T) {
		path := filepath.Join(dir, "notb64.json")
		raw, _ := json.Marshal(keyringFile{Active: "k", Keys: map[string]string{"k": "***"}})
		require.NoError(t, os.WriteFile(path, raw, 0o600))
		_, err := LoadKeyring(path)
		assert.ErrorContains(t, err, "base64")
	})
}

func TestKeyring_WatchPicksUpRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	writeRingFile(t, path, "old", "old")

	ring, err := LoadKeyring(path)
	require.NoError(t, err)
	require.NoError(t, ring.Watch())
	defer ring.Close()

	writeRingFile(t, path, "new", "old", "new")

	require.Eventually(t, func() bool {
		kid, _ := ring.Active()
		return kid == "new"
	}, 3*time.Second, 20*time.Millisecond)

	_, ok := ring.Lookup("old")
	assert.True(t, ok, "rotated-out key must stay verifiable")
}

func TestKeyring_WatchKeepsRingOnBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	writeRingFile(t, path, "good", "good")

	ring, err := LoadKeyring(path)
	require.NoError(t, err)
	require.NoError(t, ring.Watch())
	defer ring.Close()

	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))
	time.Sleep(300 * time.Millisecond)

	kid, secret := ring.Active()
	assert.Equal(t, "good", kid)
	assert.Equal(t, secretFor("good"), secret)
}

func TestKeyring_StaticCannotWatch(t *testing.T) {
	ring := NewStaticKeyring("k", secretFor("k"))
	assert.Error(t, ring.Watch())
	assert.NoError(t, ring.Close())
}

func TestManager_MintVerify(t *testing.T) {
	ring := NewStaticKeyring("k1", secretFor("k1"))
	m := NewManager(ring, "chalk-auth", 15*time.Minute)

	token, expiresAt, err := m.Mint(testUser())
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), expiresAt, 5*time.Second)

	principal, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", principal.UserID)
	assert.Equal(t, "ada@example.com", principal.Email)
	assert.Equal(t, "Ada Lovelace", principal.Name)
	assert.Equal(t, models.RoleStudent, principal.Role)
	assert.False(t, principal.IsAdmin())
}

func TestManager_Expired(t *testing.T) {
	ring := NewStaticKeyring("k1", secretFor("k1"))
	m := NewManager(ring, "chalk-auth", 15*time.Minute)

	minted := time.Now()
	m.now = func() time.Time { return minted }
	token, _, err := m.Mint(testUser())
	require.NoError(t, err)

	m.now = func() time.Time { return minted.Add(16 * time.Minute) }
	_, err = m.Verify(token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestManager_RotationGrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	writeRingFile(t, path, "k1", "k1")
	ring, err := LoadKeyring(path)
	require.NoError(t, err)
	m := NewManager(ring, "chalk-auth", 15*time.Minute)

	oldToken, _, err := m.Mint(testUser())
	require.NoError(t, err)

	// Rotate: k2 becomes active, k1 stays in the ring.
	writeRingFile(t, path, "k2", "k1", "k2")
	require.NoError(t, ring.reload())

	newToken, _, err := m.Mint(testUser())
	require.NoError(t, err)

	_, err = m.Verify(oldToken)
	assert.NoError(t, err, "token signed before rotation must stay valid")
	_, err = m.Verify(newToken)
	assert.NoError(t, err)
}

func TestManager_UnknownKid(t *testing.T) {
	minter := NewManager(NewStaticKeyring("gone", secretFor("gone")), "chalk-auth", time.Minute)
	verifier := NewManager(NewStaticKeyring("current", secretFor("current")), "chalk-auth", time.Minute)

	token, _, err := minter.Mint(testUser())
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestManager_WrongSecret(t *testing.T) {
	minter := NewManager(NewStaticKeyring("k1", secretFor("other")), "chalk-auth", time.Minute)
	verifier := NewManager(NewStaticKeyring("k1", secretFor("k1")), "chalk-auth", time.Minute)

	token, _, err := minter.Mint(testUser())
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestManager_WrongIssuer(t *testing.T) {
	ring := NewStaticKeyring("k1", secretFor("k1"))
	minter := NewManager(ring, "someone-else", time.Minute)
	verifier := NewManager(ring, "chalk-auth", time.Minute)

	token, _, err := minter.Mint(testUser())
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestManager_RejectsForeignAlgorithm(t *testing.T) {
	ring := NewStaticKeyring("k1", secretFor("k1"))
	m := NewManager(ring, "chalk-auth", time.Minute)

	// Correct secret and kid, wrong algorithm.
	claims := Claims{
		Role: string(models.RoleStudent),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "chalk-auth",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(secretFor("k1"))
	require.NoError(t, err)

	_, err = m.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestManager_RejectsGarbage(t *testing.T) {
	m := NewManager(NewStaticKeyring("k1", secretFor("k1")), "chalk-auth", time.Minute)

	for _, tok := range []string{"", "garbage", "a.b.c"} {
		_, err := m.Verify(tok)
		assert.ErrorIs(t, err, ErrInvalid)
	}
}

func TestManager_UnknownRoleFallsBackToStudent(t *testing.T) {
	ring := NewStaticKeyring("k1", secretFor("k1"))
	m := NewManager(ring, "chalk-auth", time.Minute)

	u := testUser()
	u.Role = models.Role("superuser")
	token, _, err := m.Mint(u)
	require.NoError(t, err)

	principal, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, models.RoleStudent, principal.Role)
}

func TestNewRefreshValue(t *testing.T) {
	a, err := NewRefreshValue()
	require.NoError(t, err)
	b, err := NewRefreshValue()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	raw, err := base64.RawURLEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestHashRefresh(t *testing.T) {
	a := HashRefresh("value-1")
	assert.Equal(t, a, HashRefresh("value-1"))
	assert.NotEqual(t, a, HashRefresh("value-2"))
	assert.Len(t, a, 64)
	assert.NotContains(t, a, "value-1")
}
