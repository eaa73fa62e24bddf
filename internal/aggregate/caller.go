package aggregate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andyleap/fincenter/internal/models"
)

const (
	SuccessCode = "A0000"

	HeaderAPIKey      = "X-Api-Key"
	HeaderClientID    = "X-Client-Id"
	HeaderBankCodeStd = "X-Bank-Code-Std"

	userInfoPath = "/v2.0/user/me"
	findUserPath = "/v2.0/user/find"

	defaultCallTimeout             = 10 * time.Second
	defaultResponseBodyLimit int64 = 4 << 20
)

// InstitutionRequest is what the proxy sends to one institution.
type InstitutionRequest struct {
	TransactionID string
	Subject       string
	UserCI        string
}

// Count decodes res_cnt, which institutions send either as a number or as a
// numeric string.
type Count int64

func (c *Count) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*c = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("res_cnt: %w", err)
		}
		*c = Count(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("res_cnt: %w", err)
	}
	*c = Count(n)
	return nil
}

// InstitutionResponse is the envelope every institution answers with.
type InstitutionResponse struct {
	APITranID   string          `json:"api_tran_id"`
	BankTranID  string          `json:"bank_tran_id"`
	BankCodeStd string          `json:"bank_code_std,omitempty"`
	RspCode     string          `json:"rsp_code"`
	RspMessage  string          `json:"rsp_message"`
	ResCnt      Count           `json:"res_cnt"`
	ResList     json.RawMessage `json:"res_list,omitempty"`
}

// Caller performs the per-institution calls the proxy fans out.
type Caller interface {
	FetchUserInfo(ctx context.Context, inst models.Institution, req InstitutionRequest) (*InstitutionResponse, error)
	FindUser(ctx context.Context, inst models.Institution, req InstitutionRequest) (*InstitutionResponse, error)
}

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPCaller calls institutions over their REST interface.
type HTTPCaller struct {
	Client               HTTPDoer
	APIKey               string
	ClientID             string
	MaxResponseBodyBytes int64
}

func NewHTTPCaller(client HTTPDoer, apiKey, clientID string) *HTTPCaller {
	if client == nil {
		client = &http.Client{Timeout: defaultCallTimeout}
	}
	return &HTTPCaller{
		Client:               client,
		APIKey:               apiKey,
		ClientID:             clientID,
		MaxResponseBodyBytes: defaultResponseBodyLimit,
	}
}

func (c *HTTPCaller) FetchUserInfo(ctx context.Context, inst models.Institution, req InstitutionRequest) (*InstitutionResponse, error) {
	return c.get(ctx, inst, userInfoPath, req)
}

func (c *HTTPCaller) FindUser(ctx context.Context, inst models.Institution, req InstitutionRequest) (*InstitutionResponse, error) {
	return c.get(ctx, inst, findUserPath, req)
}

// get returns the decoded envelope together with an error when the
// institution answered but did not succeed, so its rsp_code can be recorded.
func (c *HTTPCaller) get(ctx context.Context, inst models.Institution, path string, req InstitutionRequest) (*InstitutionResponse, error) {
	endpoint, err := url.Parse(strings.TrimRight(strings.TrimSpace(inst.BaseURL), "/") + path)
	if err != nil {
		return nil, fmt.Errorf("institution %s: invalid base url: %w", inst.Code, err)
	}

	query := endpoint.Query()
	query.Set("bank_tran_id", req.TransactionID)
	if req.Subject != "" {
		query.Set("user_seq_no", req.Subject)
	}
	if req.UserCI != "" {
		query.Set("user_ci", req.UserCI)
	}
	endpoint.RawQuery = query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("institution %s: create request: %w", inst.Code, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(HeaderAPIKey, c.APIKey)
	httpReq.Header.Set(HeaderClientID, c.ClientID)
	httpReq.Header.Set(HeaderBankCodeStd, inst.Code)

	httpRes, err := c.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("institution %s: %w", inst.Code, err)
	}
	defer httpRes.Body.Close()

	limit := c.MaxResponseBodyBytes
	if limit <= 0 {
		limit = defaultResponseBodyLimit
	}
	body, err := io.ReadAll(io.LimitReader(httpRes.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("institution %s: read response: %w", inst.Code, err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("institution %s: response exceeds %d bytes", inst.Code, limit)
	}
	if httpRes.StatusCode < 200 || httpRes.StatusCode > 299 {
		return nil, fmt.Errorf("institution %s: unexpected status %d", inst.Code, httpRes.StatusCode)
	}

	var resp InstitutionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("institution %s: malformed response: %w", inst.Code, err)
	}
	if resp.RspCode != SuccessCode {
		return &resp, fmt.Errorf("institution %s: rsp_code %s: %s", inst.Code, resp.RspCode, resp.RspMessage)
	}
	return &resp, nil
}
