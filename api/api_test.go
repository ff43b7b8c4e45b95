package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/latchkey/api"
	"github.com/jmcleod/latchkey/crypto"
	"github.com/jmcleod/latchkey/internal/util"
	"github.com/jmcleod/latchkey/issuance"
	"github.com/jmcleod/latchkey/media"
	"github.com/jmcleod/latchkey/storage/memory"
)

const (
	sessionKey = "abcdefghijklmnop"
	mediaKey   = "0123456789abcdef"
)

var (
	testNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testSecret = []byte("0123456789ABCDEF0123456789ABCDEF")
	jpeg       = append([]byte{0xff, 0xd8, 0xff, 0xe0}, bytes.Repeat([]byte{0x42}, 200)...)
)

type fakePlatform struct {
	mu          sync.Mutex
	ticket      *issuance.Ticket
	ticketErr   error
	ticketCalls int
	submissions []issuance.Submission
}

func (p *fakePlatform) RequestTicket(ctx context.Context, deviceID string) (*issuance.Ticket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ticketCalls++
	if p.ticketErr != nil {
		return nil, p.ticketErr
	}
	t := *p.ticket
	return &t, nil
}

func (p *fakePlatform) SubmitCredential(ctx context.Context, sub issuance.Submission) (*issuance.SubmissionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submissions = append(p.submissions, sub)
	return &issuance.SubmissionResult{PasswordID: fmt.Sprintf("pw-%d", len(p.submissions))}, nil
}

func (p *fakePlatform) failTickets(err error) {
	p.mu.Lock()
	p.ticketErr = err
	p.mu.Unlock()
}

func (p *fakePlatform) setWrappedKey(wrapped string) {
	p.mu.Lock()
	p.ticket.WrappedKey = wrapped
	p.mu.Unlock()
}

func (p *fakePlatform) submitted() []issuance.Submission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]issuance.Submission(nil), p.submissions...)
}

func (p *fakePlatform) calls() (tickets, submits int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ticketCalls, len(p.submissions)
}

// syncBuffer lets the test read logs written by server goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testEnv struct {
	srv      *httptest.Server
	platform *fakePlatform
	logs     *syncBuffer
}

func wrapKey(t *testing.T, key string) string {
	t.Helper()
	ct, err := util.EncryptECB([]byte(key), testSecret, util.AES256KeySize)
	require.NoError(t, err)
	return util.HexEncode(ct)
}

func setupServer(t *testing.T, opts ...api.Option) *testEnv {
	t.Helper()
	secret, err := crypto.NewSharedSecret(testSecret)
	require.NoError(t, err)

	fp := &fakePlatform{ticket: &issuance.Ticket{
		ID:         "ticket-1",
		WrappedKey: wrapKey(t, sessionKey),
		ExpiresAt:  testNow.Add(5 * time.Minute),
	}}
	clock := func() time.Time { return testNow }
	flow := issuance.New(secret, fp, fp, issuance.WithClock(clock))

	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	opts = append([]api.Option{api.WithLogger(logger), api.WithClock(clock)}, opts...)
	a := api.New(flow, media.New(media.WithLogger(logger)), memory.NewRepository(), opts...)
	t.Cleanup(a.Close)

	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, platform: fp, logs: logs}
}

func newUpstream(t *testing.T, status int, body []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func encryptedJPEG(t *testing.T) []byte {
	t.Helper()
	c, err := crypto.EncodeMediaContainer(jpeg, []byte(mediaKey), bytes.Repeat([]byte{7}, crypto.MediaIVSize))
	require.NoError(t, err)
	return c
}

func imageURL(base, source, key string) string {
	q := url.Values{}
	if source != "" {
		q.Set("url", source)
	}
	if key != "" {
		q.Set("key", key)
	}
	return base + "/api/v1/media/image?" + q.Encode()
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) api.ErrorResponse {
	t.Helper()
	var e api.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	return e
}

func validPassword() api.CreatePasswordRequest {
	return api.CreatePasswordRequest{
		Password:      "12345678",
		Name:          "guest",
		EffectiveTime: testNow.Unix(),
		InvalidTime:   testNow.Add(24 * time.Hour).Unix(),
	}
}

func passwordsURL(base, deviceID string) string {
	return base + "/api/v1/devices/" + deviceID + "/temporary-passwords"
}

func TestDecryptImage_Success(t *testing.T) {
	env := setupServer(t)
	up, _ := newUpstream(t, http.StatusOK, encryptedJPEG(t))

	resp := doJSON(t, http.MethodGet, imageURL(env.srv.URL, up.URL+"/snap.bin", mediaKey), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, "public, max-age=31536000, immutable", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, jpeg, body)
	assert.NotContains(t, env.logs.String(), mediaKey)
	assert.Contains(t, env.logs.String(), `"event":"media_decrypted"`)
}

func TestDecryptImage_MissingParameters(t *testing.T) {
	env := setupServer(t)

	for _, u := range []string{
		imageURL(env.srv.URL, "", mediaKey),
		imageURL(env.srv.URL, "http://blobs.example.com/a", ""),
		imageURL(env.srv.URL, "", ""),
	} {
		resp := doJSON(t, http.MethodGet, u, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, api.KindMissingParameter, decodeError(t, resp).Kind)
	}
}

func TestDecryptImage_InvalidKeyNoFetch(t *testing.T) {
	env := setupServer(t)
	up, hits := newUpstream(t, http.StatusOK, encryptedJPEG(t))

	resp := doJSON(t, http.MethodGet, imageURL(env.srv.URL, up.URL, "short"), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, api.KindInvalidKeyLength, decodeError(t, resp).Kind)
	assert.Equal(t, int32(0), hits.Load())
}

func TestDecryptImage_UpstreamFailure(t *testing.T) {
	env := setupServer(t)
	up, _ := newUpstream(t, http.StatusNotFound, []byte("gone"))

	resp := doJSON(t, http.MethodGet, imageURL(env.srv.URL, up.URL, mediaKey), nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, api.KindUpstreamFetchFailed, decodeError(t, resp).Kind)
	assert.Contains(t, env.logs.String(), `"event":"media_fetch_failed"`)
	assert.Contains(t, env.logs.String(), `"upstream_status":404`)
}

func TestDecryptImage_FetchFailureKeepsURLOutOfAudit(t *testing.T) {
	var mu sync.Mutex
	var hookBodies []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		hookBodies = append(hookBodies, string(b))
		mu.Unlock()
	}))
	defer hook.Close()

	env := setupServer(t, api.WithAuditWebhook(hook.URL, ""))
	gone, _ := newUpstream(t, http.StatusOK, nil)
	source := gone.URL + "/cam/7/snap.bin?X-Signature=SECRETTOKEN"
	gone.Close()

	resp := doJSON(t, http.MethodGet, imageURL(env.srv.URL, source, mediaKey), nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	e := decodeError(t, resp)
	assert.Equal(t, api.KindUpstreamFetchFailed, e.Kind)
	assert.NotContains(t, e.Error, "SECRETTOKEN")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(hookBodies) > 0
	}, 2*time.Second, 10*time.Millisecond)

	logs := env.logs.String()
	assert.Contains(t, logs, `"event":"media_fetch_failed"`)
	assert.NotContains(t, logs, "SECRETTOKEN")
	assert.NotContains(t, logs, "/cam/7/snap.bin")
	mu.Lock()
	defer mu.Unlock()
	for _, b := range hookBodies {
		assert.NotContains(t, b, "SECRETTOKEN")
	}
}

func TestDecryptImage_DecodeFailures(t *testing.T) {
	env := setupServer(t)

	short, _ := newUpstream(t, http.StatusOK, make([]byte, 40))
	resp := doJSON(t, http.MethodGet, imageURL(env.srv.URL, short.URL, mediaKey), nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, api.KindContainerTooShort, decodeError(t, resp).Kind)

	ragged, _ := newUpstream(t, http.StatusOK, make([]byte, crypto.MediaMinSize+15))
	resp = doJSON(t, http.MethodGet, imageURL(env.srv.URL, ragged.URL, mediaKey), nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	e := decodeError(t, resp)
	assert.Equal(t, api.KindDecryptFailed, e.Kind)
	assert.Empty(t, e.Stage)
	assert.Contains(t, env.logs.String(), `"event":"media_decrypt_failed"`)
}

func TestCreateTemporaryPassword_Success(t *testing.T) {
	env := setupServer(t)

	resp := doJSON(t, http.MethodPost, passwordsURL(env.srv.URL, "dev-1"), validPassword())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out api.CreatePasswordResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "dev-1", out.DeviceID)
	assert.Equal(t, "ticket-1", out.TicketID)
	assert.Equal(t, "pw-1", out.PasswordID)
	assert.Equal(t, "guest", out.Name)
	assert.NotEmpty(t, out.RecordID)

	want, err := crypto.EncryptCredential("12345678", []byte(sessionKey))
	require.NoError(t, err)
	subs := env.platform.submitted()
	require.Len(t, subs, 1)
	assert.Equal(t, want, subs[0].EncryptedCredential)
	assert.Equal(t, "ticket-1", subs[0].TicketID)

	logs := env.logs.String()
	assert.Contains(t, logs, `"event":"password_issued"`)
	assert.NotContains(t, logs, "12345678")
	assert.NotContains(t, logs, sessionKey)
	assert.NotContains(t, logs, want)
}

func TestCreateTemporaryPassword_InvalidRequest(t *testing.T) {
	env := setupServer(t)

	cases := map[string]api.CreatePasswordRequest{}
	bad := validPassword()
	bad.Password = "12ab56"
	cases["letters"] = bad
	bad = validPassword()
	bad.Password = "123"
	cases["too short"] = bad
	bad = validPassword()
	bad.InvalidTime = bad.EffectiveTime
	cases["empty window"] = bad

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := doJSON(t, http.MethodPost, passwordsURL(env.srv.URL, "dev-1"), body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, api.KindInvalidRequest, decodeError(t, resp).Kind)
		})
	}

	resp := doJSON(t, http.MethodPost, passwordsURL(env.srv.URL, "dev-1"), map[string]any{"password": 12345678})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	tickets, _ := env.platform.calls()
	assert.Zero(t, tickets, "invalid requests must not request a ticket")
}

func TestCreateTemporaryPassword_StageFailures(t *testing.T) {
	t.Run("ticket", func(t *testing.T) {
		env := setupServer(t)
		env.platform.failTickets(errors.New("platform code 1106: permission deny"))

		resp := doJSON(t, http.MethodPost, passwordsURL(env.srv.URL, "dev-1"), validPassword())
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		e := decodeError(t, resp)
		assert.Equal(t, api.KindTicketRequestFailed, e.Kind)
		assert.Equal(t, string(issuance.StageRequestTicket), e.Stage)
		assert.Contains(t, e.Error, "permission deny")
	})

	t.Run("unwrap", func(t *testing.T) {
		var alerts atomic.Int32
		env := setupServer(t, api.WithAlertFunc(func(api.AlertEvent) { alerts.Add(1) }))
		env.platform.setWrappedKey("not-hex")

		for i := 0; i < 3; i++ {
			resp := doJSON(t, http.MethodPost, passwordsURL(env.srv.URL, "dev-1"), validPassword())
			assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
			e := decodeError(t, resp)
			assert.Equal(t, api.KindUnwrapFailed, e.Kind)
			assert.Equal(t, string(issuance.StageUnwrapKey), e.Stage)
		}
		_, submits := env.platform.calls()
		assert.Zero(t, submits, "no submission after an unwrap failure")
		assert.Equal(t, int32(1), alerts.Load(), "repeated unwrap failures raise one alert")
	})
}

func TestCreateTemporaryPassword_Throttled(t *testing.T) {
	env := setupServer(t)
	env.platform.failTickets(errors.New("platform unavailable"))

	for i := 0; i < 5; i++ {
		resp := doJSON(t, http.MethodPost, passwordsURL(env.srv.URL, "dev-1"), validPassword())
		require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	}

	resp := doJSON(t, http.MethodPost, passwordsURL(env.srv.URL, "dev-1"), validPassword())
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	assert.Equal(t, api.KindThrottled, decodeError(t, resp).Kind)

	tickets, _ := env.platform.calls()
	assert.Equal(t, 5, tickets, "a throttled request never reaches the platform")

	env.platform.failTickets(nil)
	resp = doJSON(t, http.MethodPost, passwordsURL(env.srv.URL, "dev-2"), validPassword())
	assert.Equal(t, http.StatusCreated, resp.StatusCode, "other devices are unaffected")
}

func TestCreateTemporaryPassword_CancelledDoesNotThrottle(t *testing.T) {
	env := setupServer(t)
	env.platform.failTickets(fmt.Errorf("token refresh: %w", context.Canceled))

	for i := 0; i < 7; i++ {
		resp := doJSON(t, http.MethodPost, passwordsURL(env.srv.URL, "dev-1"), validPassword())
		require.Equal(t, http.StatusBadGateway, resp.StatusCode, "attempt %d", i+1)
	}
	tickets, _ := env.platform.calls()
	assert.Equal(t, 7, tickets)

	env.platform.failTickets(nil)
	resp := doJSON(t, http.MethodPost, passwordsURL(env.srv.URL, "dev-1"), validPassword())
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestIssuanceHistory(t *testing.T) {
	env := setupServer(t)

	for i := 0; i < 3; i++ {
		resp := doJSON(t, http.MethodPost, passwordsURL(env.srv.URL, "dev-1"), validPassword())
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	env.platform.failTickets(errors.New("platform unavailable"))
	resp := doJSON(t, http.MethodPost, passwordsURL(env.srv.URL, "dev-1"), validPassword())
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, passwordsURL(env.srv.URL, "dev-1")+"/history?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page api.IssuanceHistoryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	assert.Equal(t, 4, page.TotalCount)
	assert.True(t, page.HasMore)
	require.Len(t, page.Records, 2)

	outcomes := map[string]int{}
	resp = doJSON(t, http.MethodGet, passwordsURL(env.srv.URL, "dev-1")+"/history", nil)
	var all api.IssuanceHistoryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&all))
	for _, r := range all.Records {
		outcomes[r.Outcome]++
		if r.Outcome == "failed" {
			assert.Equal(t, string(issuance.StageRequestTicket), r.FailedStage)
			assert.Equal(t, api.KindTicketRequestFailed, r.ErrorKind)
		}
	}
	assert.Equal(t, map[string]int{"issued": 3, "failed": 1}, outcomes)

	resp = doJSON(t, http.MethodGet, passwordsURL(env.srv.URL, "dev-1")+"/history/"+all.Records[0].ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var one api.IssuanceRecordResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&one))
	assert.Equal(t, all.Records[0].ID, one.ID)

	resp = doJSON(t, http.MethodGet, passwordsURL(env.srv.URL, "dev-1")+"/history?outcome=failed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var failed api.IssuanceHistoryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&failed))
	assert.Equal(t, 1, failed.TotalCount)
	require.Len(t, failed.Records, 1)
	assert.Equal(t, "failed", failed.Records[0].Outcome)

	resp = doJSON(t, http.MethodGet, passwordsURL(env.srv.URL, "dev-1")+"/history?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, api.KindInvalidRequest, decodeError(t, resp).Kind)

	resp = doJSON(t, http.MethodGet, passwordsURL(env.srv.URL, "dev-1")+"/history/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, passwordsURL(env.srv.URL, "dev-2")+"/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var empty api.IssuanceHistoryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&empty))
	assert.Empty(t, empty.Records)
}

func TestMetricsExported(t *testing.T) {
	reg := prometheus.NewRegistry()
	env := setupServer(t, api.WithRegisterer(reg))

	resp := doJSON(t, http.MethodPost, passwordsURL(env.srv.URL, "dev-1"), validPassword())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = doJSON(t, http.MethodGet, imageURL(env.srv.URL, "", ""), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	rec := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `latchkey_issuance_total{outcome="success",stage="done"} 1`)
	assert.Contains(t, rec.Body.String(), `latchkey_media_requests_total{outcome="rejected"} 1`)
}

func TestAuditWebhookReceivesEvents(t *testing.T) {
	var mu sync.Mutex
	var events []map[string]any
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt map[string]any
		json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		events = append(events, evt)
		mu.Unlock()
	}))
	defer hook.Close()

	secret, err := crypto.NewSharedSecret(testSecret)
	require.NoError(t, err)
	fp := &fakePlatform{ticket: &issuance.Ticket{ID: "ticket-1", WrappedKey: wrapKey(t, sessionKey)}}
	clock := func() time.Time { return testNow }
	a := api.New(issuance.New(secret, fp, fp, issuance.WithClock(clock)), media.New(), memory.NewRepository(),
		api.WithClock(clock),
		api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		api.WithAuditWebhook(hook.URL, "Authorization: Bearer t"),
	)
	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, passwordsURL(srv.URL, "dev-9"), validPassword())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	a.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "password_issued", events[0]["event"])
	assert.Equal(t, "dev-9", events[0]["device_id"])
}
