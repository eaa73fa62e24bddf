package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andyleap/fincenter/internal/aggregate"
	"github.com/andyleap/fincenter/internal/ident"
	"github.com/andyleap/fincenter/internal/models"
	"github.com/andyleap/fincenter/internal/oauth"
	"github.com/andyleap/fincenter/internal/storage"
)

const (
	clientID    = "demo-app"
	secret      = "demo-secret"
	redirectURI = "http://localhost:3000/callback"
)

type testEnv struct {
	handler http.Handler
	store   *storage.MemoryStorage
}

func newTestEnv(t *testing.T, mockCI bool) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	hash, err := oauth.HashSecret(secret)
	require.NoError(t, err)
	require.NoError(t, store.SaveClient(ctx, &models.Client{
		ID: clientID, SecretHash: hash, RedirectURI: redirectURI, UseCode: "M202300001", Active: true,
	}))

	bank := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"bank_tran_id": r.URL.Query().Get("bank_tran_id"),
			"rsp_code":     aggregate.SuccessCode,
			"rsp_message":  "ok",
			"res_cnt":      "1",
			"res_list":     []map[string]string{{"account_alias": "salary"}},
		})
	}))
	t.Cleanup(bank.Close)

	txIDs, err := ident.NewTransactionIDGenerator(store, "M202300000")
	require.NoError(t, err)
	signer, err := oauth.NewSigner([]byte("api-test-key"), "https://fincenter.test")
	require.NoError(t, err)
	svc, err := oauth.NewService(oauth.Options{
		Registry: oauth.NewRegistry(store),
		Codes:    store,
		Tokens:   store,
		Signer:   signer,
		TxIDs:    txIDs,
	})
	require.NoError(t, err)

	proxy, err := aggregate.NewProxy(aggregate.ProxyOptions{
		Caller:       aggregate.NewHTTPCaller(bank.Client(), "key", "M202300000"),
		Consents:     store,
		Institutions: []models.Institution{{Code: "004", Name: "Bank", Type: models.InstitutionBank, BaseURL: bank.URL}},
		TxIDs:        txIDs,
	})
	require.NoError(t, err)

	ci := ident.NewCIDeriver([]byte("attribute"), []byte("hmac-key"))
	return &testEnv{handler: NewRouter(NewServer(svc, proxy, ci, mockCI)), store: store}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func authorizeURL(params map[string]string) string {
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {clientID},
		"redirect_uri":  {redirectURI},
		"scope":         {"login|inquiry"},
		"state":         {"st"},
		"auth_type":     {"0"},
	}
	for k, v := range params {
		if v == "" {
			q.Del(k)
			continue
		}
		q.Set(k, v)
	}
	return "/oauth/2.0/authorize?" + q.Encode()
}

func (e *testEnv) authorize(t *testing.T, req *http.Request) url.Values {
	t.Helper()
	rec := e.do(req)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return loc.Query()
}

func (e *testEnv) token(t *testing.T, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/oauth/2.0/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(req)
}

func (e *testEnv) login(t *testing.T) models.TokenPair {
	t.Helper()
	params := e.authorize(t, httptest.NewRequest(http.MethodGet, authorizeURL(nil), nil))
	rec := e.token(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {params.Get("code")},
		"client_id":     {clientID},
		"client_secret": {secret},
		"redirect_uri":  {redirectURI},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pair models.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	return pair
}

func bearer(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestAuthorizeRedirectsWithCode(t *testing.T) {
	env := newTestEnv(t, false)
	params := env.authorize(t, httptest.NewRequest(http.MethodGet, authorizeURL(map[string]string{"client_info": "app-1"}), nil))

	assert.Len(t, params.Get("code"), 64)
	assert.Equal(t, "login|inquiry", params.Get("scope"))
	assert.Equal(t, "app-1", params.Get("client_info"))
	assert.Equal(t, "st", params.Get("state"))
}

func TestAuthorizeRejectsUnknownRedirectWithoutRedirecting(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(httptest.NewRequest(http.MethodGet, authorizeURL(map[string]string{"redirect_uri": "http://evil.test/cb"}), nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
	assert.Contains(t, rec.Body.String(), `"rsp_code":"O0003"`)
}

func TestAuthorizeErrorsAreRedirected(t *testing.T) {
	env := newTestEnv(t, false)

	cases := map[string]struct {
		params map[string]string
		want   string
	}{
		"response type": {map[string]string{"response_type": "token"}, "unsupported_response_type"},
		"scope":         {map[string]string{"scope": "everything"}, "invalid_scope"},
		"auth type":     {map[string]string{"auth_type": "7"}, "invalid_request"},
		"missing seqno": {map[string]string{"auth_type": "1"}, "invalid_request"},
		"missing token": {map[string]string{"auth_type": "2"}, "invalid_request"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			params := env.authorize(t, httptest.NewRequest(http.MethodGet, authorizeURL(tc.params), nil))
			assert.Equal(t, tc.want, params.Get("error"))
			assert.Equal(t, "st", params.Get("state"))
			assert.Empty(t, params.Get("code"))
		})
	}
}

func TestAuthorizeSubjectFromHeaderAndToken(t *testing.T) {
	env := newTestEnv(t, false)

	req := httptest.NewRequest(http.MethodGet, authorizeURL(map[string]string{"auth_type": "1"}), nil)
	req.Header.Set(HeaderUserSeqNo, "1234567890")
	params := env.authorize(t, req)
	rec := env.token(t, url.Values{
		"grant_type": {"authorization_code"}, "code": {params.Get("code")},
		"client_id": {clientID}, "client_secret": {secret}, "redirect_uri": {redirectURI},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pair models.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	assert.Equal(t, "1234567890", pair.UserSeqNo)

	req = bearer(httptest.NewRequest(http.MethodGet, authorizeURL(map[string]string{"auth_type": "2"}), nil), pair.AccessToken)
	params = env.authorize(t, req)
	require.NotEmpty(t, params.Get("code"))

	code, err := env.store.GetCode(context.Background(), params.Get("code"))
	require.NoError(t, err)
	assert.Equal(t, "1234567890", code.Subject)

	req = bearer(httptest.NewRequest(http.MethodGet, authorizeURL(map[string]string{"auth_type": "2"}), nil), "forged")
	params = env.authorize(t, req)
	assert.Equal(t, "invalid_token", params.Get("error"))
}

func TestTokenGrantErrors(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.token(t, url.Values{"grant_type": {"password"}, "client_id": {clientID}, "client_secret": {secret}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unsupported_grant_type", body.Error)
	assert.Equal(t, "O0015", body.RspCode)

	rec = env.token(t, url.Values{
		"grant_type": {"authorization_code"}, "code": {"nope"},
		"client_id": {clientID}, "client_secret": {secret}, "redirect_uri": {redirectURI},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"invalid_grant"`)

	rec = env.token(t, url.Values{"grant_type": {"client_credentials"}, "client_id": {clientID}, "client_secret": {"bad"}, "scope": {"oob"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestClientCredentialsWithBasicAuth(t *testing.T) {
	env := newTestEnv(t, false)

	req := httptest.NewRequest(http.MethodPost, "/oauth/2.0/token", strings.NewReader("grant_type=client_credentials&scope=oob"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(clientID, secret)
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var pair models.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	assert.Empty(t, pair.RefreshToken)

	rec = env.do(bearer(httptest.NewRequest(http.MethodGet, "/v2.0/user/me", nil), pair.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshGrant(t *testing.T) {
	env := newTestEnv(t, false)
	pair := env.login(t)

	rec := env.token(t, url.Values{
		"grant_type": {"refresh_token"}, "refresh_token": {pair.RefreshToken},
		"client_id": {clientID}, "client_secret": {secret},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var rotated models.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rotated))
	assert.Equal(t, pair.UserSeqNo, rotated.UserSeqNo)
	assert.NotEqual(t, pair.AccessToken, rotated.AccessToken)
}

func introspect(t *testing.T, env *testEnv, token string) bool {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/oauth/2.0/introspect", strings.NewReader(url.Values{"token": {token}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Active bool `json:"active"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Active
}

func TestIntrospectAndRevoke(t *testing.T) {
	env := newTestEnv(t, false)
	pair := env.login(t)

	assert.True(t, introspect(t, env, pair.AccessToken))
	assert.False(t, introspect(t, env, "garbage"))

	form := url.Values{"token": {pair.AccessToken}, "client_id": {clientID}, "client_secret": {secret}}
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/oauth/2.0/revoke", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := env.do(req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	assert.False(t, introspect(t, env, pair.AccessToken))
}

func TestUserMeAggregatesConsentedInstitutions(t *testing.T) {
	env := newTestEnv(t, false)
	pair := env.login(t)

	rec := env.do(bearer(httptest.NewRequest(http.MethodGet, "/v2.0/user/me", nil), pair.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var empty aggregate.AggregateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &empty))
	assert.Zero(t, empty.ResCnt)
	assert.Equal(t, pair.UserSeqNo, empty.UserSeqNo)

	_, err := env.store.CreateConsentIfAbsent(context.Background(), &models.InstitutionConsent{
		Subject: pair.UserSeqNo, BankCodeStd: "004", Status: models.ConsentActive,
	})
	require.NoError(t, err)

	rec = env.do(bearer(httptest.NewRequest(http.MethodGet, "/v2.0/user/me", nil), pair.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result aggregate.AggregateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.EqualValues(t, 1, result.ResCnt)
	require.Len(t, result.ResList, 1)
	assert.Equal(t, "004", result.ResList[0].BankCodeStd)
}

func TestUserEndpointsRequireToken(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/v2.0/user/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
}

func link(env *testEnv, token, body string) *httptest.ResponseRecorder {
	req := bearer(httptest.NewRequest(http.MethodPost, "/v2.0/user/link", strings.NewReader(body)), token)
	req.Header.Set("Content-Type", "application/json")
	return env.do(req)
}

func TestUserLink(t *testing.T) {
	env := newTestEnv(t, false)
	pair := env.login(t)

	rec := link(env, pair.AccessToken, `{"identifier":"9001011234567"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result aggregate.LinkResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.ResList, 1)
	assert.Equal(t, aggregate.LinkNew, result.ResList[0].LinkStatus)

	rec = link(env, pair.AccessToken, `{"identifier":"9001011234567"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, aggregate.LinkExisting, result.ResList[0].LinkStatus)

	// Blank fields do not count as supplied.
	rec = link(env, pair.AccessToken, `{"user_ci":"  ","identifier":" 9001011234567 ","phone_no":""}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, aggregate.LinkExisting, result.ResList[0].LinkStatus)

	for _, bad := range []string{`{"identifier":"123"}`, `{"phone_no":"01012345678"}`, `{}`, `{"user_ci":"short"}`, `not json`} {
		rec = link(env, pair.AccessToken, bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestUserLinkMockMode(t *testing.T) {
	env := newTestEnv(t, true)
	pair := env.login(t)

	rec := link(env, pair.AccessToken, `{"phone_no":"010-1234-5678"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(httptest.NewRequest(http.MethodOptions, "/oauth/2.0/token", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}
