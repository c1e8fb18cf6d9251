package session

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnehpets/hfconnect/cookies"
	"github.com/mnehpets/hfconnect/seal"
)

func newTestSealer(t *testing.T) (*Sealer, *seal.Codec) {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	codec, err := seal.NewCodec(key)
	require.NoError(t, err)
	return NewSealer(codec), codec
}

func int64p(v int64) *int64 { return &v }

func TestBuildPayload(t *testing.T) {
	p, err := BuildPayload("  hf_token  ", int64p(1800000000), 1700000000)
	require.NoError(t, err)
	want := Payload{V: 1, AccessToken: "hf_token", ExpiresAt: int64p(1800000000), IssuedAt: 1700000000}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}

	p, err = BuildPayload("tok", nil, 0)
	require.NoError(t, err)
	assert.Nil(t, p.ExpiresAt)
	assert.InDelta(t, time.Now().Unix(), p.IssuedAt, 2)

	_, err = BuildPayload("   ", nil, 0)
	assert.ErrorIs(t, err, ErrEmptyAccessToken)
	_, err = BuildPayload("tok", int64p(0), 0)
	assert.ErrorIs(t, err, ErrInvalidExpiry)
	_, err = BuildPayload("tok", int64p(-5), 0)
	assert.ErrorIs(t, err, ErrInvalidExpiry)
}

func TestParseExpiresAt(t *testing.T) {
	got, err := ParseExpiresAt(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	n := json.Number("1800000000")
	got, err = ParseExpiresAt(&n)
	require.NoError(t, err)
	assert.Equal(t, int64(1800000000), *got)

	for _, bad := range []string{"1.5", "-1", "0", "abc"} {
		n := json.Number(bad)
		_, err := ParseExpiresAt(&n)
		assert.ErrorIs(t, err, ErrInvalidExpiry, "value %q", bad)
	}
}

func TestSealer_RoundTrip(t *testing.T) {
	s, _ := newTestSealer(t)
	for _, p := range []Payload{
		{V: 1, AccessToken: "hf_a", ExpiresAt: int64p(1800000000), IssuedAt: 1700000000},
		{V: 1, AccessToken: "hf_b", ExpiresAt: nil, IssuedAt: 1700000001},
	} {
		tok, err := s.Seal(p)
		require.NoError(t, err)
		got, err := s.Unseal(tok)
		require.NoError(t, err)
		if diff := cmp.Diff(p, got); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestSealer_TamperCollapsesToInvalid(t *testing.T) {
	s, _ := newTestSealer(t)
	tok, err := s.Seal(Payload{V: 1, AccessToken: "hf", IssuedAt: 1})
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	ct, _ := base64.RawURLEncoding.DecodeString(parts[3])
	ct[0] ^= 0x01
	parts[3] = base64.RawURLEncoding.EncodeToString(ct)

	for _, bad := range []string{
		strings.Join(parts, "."),
		"garbage",
		"v1.a.b.c",
		"",
	} {
		_, err := s.Unseal(bad)
		assert.ErrorIs(t, err, ErrInvalid, "token %q", bad)
	}

	other, _ := newTestSealer(t)
	_, err = other.Unseal(tok)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSealer_RejectsStructurallyBadPayloads(t *testing.T) {
	s, codec := newTestSealer(t)
	for _, body := range []string{
		`not json`,
		`{"v":2,"accessToken":"x","expiresAt":null,"issuedAt":1}`,
		`{"v":1,"expiresAt":null,"issuedAt":1}`,
		`{"v":1,"accessToken":"","expiresAt":null,"issuedAt":1}`,
		`{"v":1,"accessToken":"x","expiresAt":"soon","issuedAt":1}`,
		`{"v":1,"accessToken":"x","expiresAt":null}`,
	} {
		tok, err := codec.Seal([]byte(body), aad)
		require.NoError(t, err)
		_, err = s.Unseal(tok)
		assert.ErrorIs(t, err, ErrInvalid, "body %s", body)
	}
}

// A sealed value for a different purpose must not open as a session.
func TestSealer_RejectsOtherAAD(t *testing.T) {
	s, codec := newTestSealer(t)
	tok, err := codec.Seal([]byte(`{"v":1,"accessToken":"x","expiresAt":null,"issuedAt":1}`), []byte("hfconnect:oauth-state:v1"))
	require.NoError(t, err)
	_, err = s.Unseal(tok)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSealer_NoKey(t *testing.T) {
	var s *Sealer
	_, err := s.Seal(Payload{})
	assert.ErrorIs(t, err, ErrNoKey)
	_, err = NewSealer(nil).Unseal("v1.a.b.c")
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestStore_ReadWriteClear(t *testing.T) {
	sealer, _ := newTestSealer(t)
	now := time.Unix(1700000000, 0)
	store := NewStore(sealer, cookies.New(cookies.WithSecure(true)), WithClock(func() time.Time { return now }))

	// No cookie.
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	p, err := store.Read(r)
	require.NoError(t, err)
	assert.Nil(t, p)

	payload := Payload{V: 1, AccessToken: "hf_live", ExpiresAt: int64p(now.Unix() + 3600), IssuedAt: now.Unix()}
	c, err := store.Cookie(payload)
	require.NoError(t, err)
	assert.Equal(t, DefaultCookieName, c.Name)
	assert.Equal(t, 3600, c.MaxAge)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(c)
	p, err = store.Read(r)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "hf_live", p.AccessToken)

	cleared := store.Clear()
	assert.Equal(t, DefaultCookieName, cleared.Name)
	assert.Equal(t, "", cleared.Value)
	assert.Less(t, cleared.MaxAge, 0)
}

func TestStore_NoExpiryUsesDefaultMaxAge(t *testing.T) {
	sealer, _ := newTestSealer(t)
	store := NewStore(sealer, cookies.New())
	c, err := store.Cookie(Payload{V: 1, AccessToken: "x", IssuedAt: 1})
	require.NoError(t, err)
	assert.Equal(t, int(DefaultMaxAge.Seconds()), c.MaxAge)
}

func TestStore_ExpiredSession(t *testing.T) {
	sealer, _ := newTestSealer(t)
	issued := time.Unix(1700000000, 0)
	now := issued
	store := NewStore(sealer, cookies.New(), WithClock(func() time.Time { return now }))

	c, err := store.Cookie(Payload{V: 1, AccessToken: "x", ExpiresAt: int64p(issued.Unix() + 60), IssuedAt: issued.Unix()})
	require.NoError(t, err)

	// Decrypts fine, but is past expiry.
	now = issued.Add(61 * time.Second)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(c)
	p, err := store.Read(r)
	assert.ErrorIs(t, err, ErrExpired)
	require.NotNil(t, p)

	// Exactly at expiry counts as expired.
	now = issued.Add(60 * time.Second)
	_, err = store.Read(r)
	assert.ErrorIs(t, err, ErrExpired)

	// Writing an already-expired payload fails.
	_, err = store.Cookie(Payload{V: 1, AccessToken: "x", ExpiresAt: int64p(now.Unix()), IssuedAt: 1})
	assert.ErrorIs(t, err, ErrExpired)
}

func TestStore_InvalidCookie(t *testing.T) {
	sealer, _ := newTestSealer(t)
	store := NewStore(sealer, cookies.New(), WithCookieName("sess"))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "sess", Value: "v1.tampered.value.here"})
	_, err := store.Read(r)
	assert.ErrorIs(t, err, ErrInvalid)
}
