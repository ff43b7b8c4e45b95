package platform

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/latchkey/crypto"
	"github.com/jmcleod/latchkey/issuance"
)

var (
	testSecretRaw = []byte("0123456789ABCDEF0123456789ABCDEF")
	testNow       = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fakePlatform struct {
	t *testing.T
	// tokenGate, when set, holds token responses until it is closed.
	tokenGate chan struct{}

	mu          sync.Mutex
	tokenCalls  int
	lastSubmit  tempPasswordRequest
	ticketCode  int
	submitPaths []string
}

func (f *fakePlatform) reply(w http.ResponseWriter, result any) {
	raw, _ := json.Marshal(result)
	json.NewEncoder(w).Encode(envelope{Success: true, Result: raw, T: testNow.UnixMilli()})
}

func (f *fakePlatform) fail(w http.ResponseWriter, code int, msg string) {
	json.NewEncoder(w).Encode(envelope{Success: false, Code: code, Msg: msg})
}

func (f *fakePlatform) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	accessToken := r.Header.Get("access_token")
	want := sign(testSecretRaw, "client-1", accessToken, r.Header.Get("t"), r.Header.Get("nonce"),
		stringToSign(r.Method, r.URL.RequestURI(), body))
	if r.Header.Get("sign") != want || r.Header.Get("sign_method") != signMethod {
		f.fail(w, 1004, "sign invalid")
		return
	}

	if r.URL.Path == "/v1.0/token" && f.tokenGate != nil {
		<-f.tokenGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == "/v1.0/token":
		f.tokenCalls++
		f.reply(w, tokenResult{AccessToken: "tok-1", ExpireTime: 7200})
	case accessToken != "tok-1":
		f.fail(w, codeTokenInvalid, "token invalid")
	case r.URL.Path == "/v1.0/devices/dev-1/door-lock/password-ticket":
		if f.ticketCode != 0 {
			f.fail(w, f.ticketCode, "permission deny")
			return
		}
		f.reply(w, ticketResult{TicketID: "ticket-1", TicketKey: "AABBCC", ExpireTime: 300})
	case r.URL.Path == "/v1.0/devices/dev-1/door-lock/temp-password":
		f.submitPaths = append(f.submitPaths, r.URL.Path)
		require.NoError(f.t, json.Unmarshal(body, &f.lastSubmit))
		assert.Equal(f.t, "application/json", r.Header.Get("Content-Type"))
		f.reply(w, map[string]any{"id": 4242})
	default:
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("not json"))
	}
}

func newTestClient(t *testing.T) (*Client, *fakePlatform) {
	t.Helper()
	fp := &fakePlatform{t: t}
	srv := httptest.NewServer(fp)
	t.Cleanup(srv.Close)
	secret, err := crypto.NewSharedSecret(testSecretRaw)
	require.NoError(t, err)
	c := NewClient(srv.URL+"/", "client-1", secret, WithClock(func() time.Time { return testNow }))
	return c, fp
}

func TestRequestTicket(t *testing.T) {
	c, fp := newTestClient(t)

	ticket, err := c.RequestTicket(t.Context(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "ticket-1", ticket.ID)
	assert.Equal(t, "AABBCC", ticket.WrappedKey)
	assert.Equal(t, testNow.Add(300*time.Second), ticket.ExpiresAt)

	_, err = c.RequestTicket(t.Context(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 1, fp.tokenCalls, "access token should be cached")
}

func TestRequestTicket_PlatformError(t *testing.T) {
	c, fp := newTestClient(t)
	fp.ticketCode = 1106

	_, err := c.RequestTicket(t.Context(), "dev-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 1106, apiErr.Code)
	assert.Contains(t, err.Error(), "permission deny")
}

func TestSubmitCredential(t *testing.T) {
	c, fp := newTestClient(t)

	res, err := c.SubmitCredential(t.Context(), issuance.Submission{
		DeviceID:            "dev-1",
		TicketID:            "ticket-1",
		EncryptedCredential: "0A1B2C",
		Name:                "guest",
		EffectiveTime:       testNow,
		InvalidTime:         testNow.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "4242", res.PasswordID)

	assert.Equal(t, tempPasswordRequest{
		Name:          "guest",
		Password:      "0A1B2C",
		EffectiveTime: testNow.Unix(),
		InvalidTime:   testNow.Add(time.Hour).Unix(),
		PasswordType:  "ticket",
		TicketID:      "ticket-1",
	}, fp.lastSubmit)
}

func TestTokenInvalidatedOnRejection(t *testing.T) {
	c, fp := newTestClient(t)

	_, err := c.RequestTicket(t.Context(), "dev-1")
	require.NoError(t, err)

	c.mu.Lock()
	c.accessToken = "stale"
	c.mu.Unlock()

	_, err = c.RequestTicket(t.Context(), "dev-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, codeTokenInvalid, apiErr.Code)

	_, err = c.RequestTicket(t.Context(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 2, fp.tokenCalls)
}

func TestTokenRefreshShared(t *testing.T) {
	c, fp := newTestClient(t)
	fp.tokenGate = make(chan struct{})

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.RequestTicket(t.Context(), "dev-1")
			errs <- err
		}()
	}

	// A caller whose context ends stops waiting on the refresh in flight.
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.RequestTicket(ctx, "dev-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Less(t, time.Since(start), time.Second)

	close(fp.tokenGate)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()
	assert.Equal(t, 1, fp.tokenCalls, "concurrent callers share one token fetch")
}

func TestUnknownDeviceTransportError(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.RequestTicket(t.Context(), "other")
	assert.ErrorIs(t, err, ErrTransport)
}

func TestSign(t *testing.T) {
	canonical := stringToSign(http.MethodGet, "/v1.0/token?grant_type=1", nil)
	assert.Equal(t, "GET\ne3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855\n\n/v1.0/token?grant_type=1", canonical)

	a := sign(testSecretRaw, "client-1", "", "1700000000000", "n", canonical)
	b := sign(testSecretRaw, "client-1", "", "1700000000001", "n", canonical)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
	assert.Regexp(t, "^[0-9A-F]+$", a)
}
