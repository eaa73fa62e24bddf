package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/andyleap/fincenter/internal/apperr"
	"github.com/andyleap/fincenter/internal/ident"
	"github.com/andyleap/fincenter/internal/models"
	"github.com/andyleap/fincenter/internal/storage"
)

const (
	DefaultPoolSize = 10

	userInfoAPIName = "user/me"
	findUserAPIName = "user/find"

	// failureCode is recorded against a transaction id when the institution
	// never produced an rsp_code of its own.
	failureCode    = "E0001"
	abortedCode    = "E0002"
	successMessage = "success"
)

// TransactionIssuer issues the transaction ids carried on institution calls.
type TransactionIssuer interface {
	Generate(ctx context.Context, apiName, subject string) (ident.TransactionID, error)
	Complete(ctx context.Context, id ident.TransactionID, rspCode, rspMessage string, latency time.Duration) error
}

type ProxyOptions struct {
	Caller       Caller
	Consents     storage.ConsentStorage
	Institutions []models.Institution
	TxIDs        TransactionIssuer
	PoolSize     int
	Logger       *slog.Logger
	Now          func() time.Time
}

// Proxy fans requests out to institutions through one worker pool shared by
// every request.
type Proxy struct {
	caller       Caller
	consents     storage.ConsentStorage
	institutions []models.Institution
	byCode       map[string]models.Institution
	txIDs        TransactionIssuer
	pool         *semaphore.Weighted
	logger       *slog.Logger
	now          func() time.Time
}

func NewProxy(opts ProxyOptions) (*Proxy, error) {
	if opts.Caller == nil || opts.Consents == nil || opts.TxIDs == nil {
		return nil, errors.New("aggregate: caller, consent store and transaction issuer are required")
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	institutions := append([]models.Institution(nil), opts.Institutions...)
	sort.Slice(institutions, func(i, j int) bool { return institutions[i].Code < institutions[j].Code })
	byCode := make(map[string]models.Institution, len(institutions))
	for _, inst := range institutions {
		if _, dup := byCode[inst.Code]; dup {
			return nil, fmt.Errorf("aggregate: duplicate institution code %s", inst.Code)
		}
		byCode[inst.Code] = inst
	}

	return &Proxy{
		caller:       opts.Caller,
		consents:     opts.Consents,
		institutions: institutions,
		byCode:       byCode,
		txIDs:        opts.TxIDs,
		pool:         semaphore.NewWeighted(int64(opts.PoolSize)),
		logger:       opts.Logger,
		now:          opts.Now,
	}, nil
}

// Institutions returns the known institution catalogue ordered by code.
func (p *Proxy) Institutions() []models.Institution {
	return append([]models.Institution(nil), p.institutions...)
}

// InstitutionResult is one institution's contribution to an aggregate.
type InstitutionResult struct {
	BankCodeStd string          `json:"bank_code_std"`
	BankName    string          `json:"bank_name"`
	BankTranID  string          `json:"bank_tran_id"`
	RspCode     string          `json:"bank_rsp_code"`
	RspMessage  string          `json:"bank_rsp_message"`
	ResCnt      int64           `json:"res_cnt"`
	ResList     json.RawMessage `json:"res_list,omitempty"`
}

type AggregateResult struct {
	APITranID  string              `json:"api_tran_id"`
	APITranDtm string              `json:"api_tran_dtm"`
	RspCode    string              `json:"rsp_code"`
	RspMessage string              `json:"rsp_message"`
	UserSeqNo  string              `json:"user_seq_no"`
	ResCnt     int64               `json:"res_cnt"`
	ResList    []InstitutionResult `json:"res_list"`
}

type LinkStatus string

const (
	LinkNew      LinkStatus = "NEW"
	LinkExisting LinkStatus = "EXISTING"
)

type LinkedInstitution struct {
	BankCodeStd     string                 `json:"bank_code_std"`
	BankName        string                 `json:"bank_name"`
	InstitutionType models.InstitutionType `json:"institution_type"`
	LinkStatus      LinkStatus             `json:"link_status"`
}

type LinkResult struct {
	APITranID  string              `json:"api_tran_id"`
	APITranDtm string              `json:"api_tran_dtm"`
	RspCode    string              `json:"rsp_code"`
	RspMessage string              `json:"rsp_message"`
	UserSeqNo  string              `json:"user_seq_no"`
	ResCnt     int                 `json:"res_cnt"`
	ResList    []LinkedInstitution `json:"res_list"`
}

// AggregateUserInfo queries every institution the subject actively consents
// to and merges the answers. Institution failures only remove that
// institution's contribution.
func (p *Proxy) AggregateUserInfo(ctx context.Context, subject string) (*AggregateResult, error) {
	consents, err := p.consents.ListActiveConsents(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to list consents: %w", err)
	}

	var institutions []models.Institution
	for _, consent := range consents {
		inst, ok := p.byCode[consent.BankCodeStd]
		if !ok {
			p.logger.Warn("Consent references unknown institution", "user_seq_no", subject, "bank_code_std", consent.BankCodeStd)
			continue
		}
		institutions = append(institutions, inst)
	}

	apiTranID, apiTranDtm := p.correlation()
	result := &AggregateResult{
		APITranID:  apiTranID,
		APITranDtm: apiTranDtm,
		RspCode:    SuccessCode,
		RspMessage: successMessage,
		UserSeqNo:  subject,
		ResList:    []InstitutionResult{},
	}
	if len(institutions) == 0 {
		return result, nil
	}

	targets, err := p.prepare(ctx, institutions, userInfoAPIName, subject)
	if err != nil {
		return nil, err
	}
	outcomes := p.dispatch(ctx, targets, InstitutionRequest{Subject: subject}, p.caller.FetchUserInfo)

	for _, o := range outcomes {
		p.complete(ctx, o)
		if o.err != nil {
			continue
		}
		result.ResCnt += int64(o.resp.ResCnt)
		result.ResList = append(result.ResList, InstitutionResult{
			BankCodeStd: o.inst.Code,
			BankName:    o.inst.Name,
			BankTranID:  o.txID.Value,
			RspCode:     o.resp.RspCode,
			RspMessage:  o.resp.RspMessage,
			ResCnt:      int64(o.resp.ResCnt),
			ResList:     o.resp.ResList,
		})
	}

	p.logger.Info("Aggregated user info", "user_seq_no", subject, "api_tran_id", apiTranID,
		"institutions", len(targets), "succeeded", len(result.ResList), "res_cnt", result.ResCnt)
	return result, nil
}

// DiscoverAndLink probes every known institution for userCI and records a
// consent for each one that recognizes it. Repeated calls never duplicate a
// consent; institutions linked before are reported as EXISTING.
func (p *Proxy) DiscoverAndLink(ctx context.Context, subject, userCI string) (*LinkResult, error) {
	apiTranID, apiTranDtm := p.correlation()
	result := &LinkResult{
		APITranID:  apiTranID,
		APITranDtm: apiTranDtm,
		RspCode:    SuccessCode,
		RspMessage: successMessage,
		UserSeqNo:  subject,
		ResList:    []LinkedInstitution{},
	}
	if len(p.institutions) == 0 {
		return result, nil
	}

	targets, err := p.prepare(ctx, p.institutions, findUserAPIName, subject)
	if err != nil {
		return nil, err
	}
	outcomes := p.dispatch(ctx, targets, InstitutionRequest{Subject: subject, UserCI: userCI}, p.caller.FindUser)

	for _, o := range outcomes {
		p.complete(ctx, o)
	}

	// Consents are written one at a time once every probe has finished.
	for _, o := range outcomes {
		if o.err != nil {
			continue
		}
		status, err := p.link(ctx, subject, o.inst.Code)
		if err != nil {
			return nil, err
		}
		result.ResList = append(result.ResList, LinkedInstitution{
			BankCodeStd:     o.inst.Code,
			BankName:        o.inst.Name,
			InstitutionType: o.inst.Type,
			LinkStatus:      status,
		})
	}
	result.ResCnt = len(result.ResList)

	p.logger.Info("Institution discovery finished", "user_seq_no", subject, "api_tran_id", apiTranID,
		"probed", len(targets), "linked", result.ResCnt)
	return result, nil
}

func (p *Proxy) link(ctx context.Context, subject, bankCodeStd string) (LinkStatus, error) {
	now := p.now()
	consent := &models.InstitutionConsent{
		Subject:            subject,
		BankCodeStd:        bankCodeStd,
		InfoProvision:      true,
		AccountInquiry:     true,
		TransactionInquiry: true,
		BalanceInquiry:     true,
		Status:             models.ConsentActive,
		RegisteredAt:       now,
		UpdatedAt:          now,
	}

	created, err := p.consents.CreateConsentIfAbsent(ctx, consent)
	if err != nil {
		return "", fmt.Errorf("failed to create consent for %s: %w", bankCodeStd, err)
	}
	if created {
		return LinkNew, nil
	}

	existing, err := p.consents.GetConsent(ctx, subject, bankCodeStd)
	if err != nil {
		return "", fmt.Errorf("failed to load consent for %s: %w", bankCodeStd, err)
	}
	if existing != nil && existing.Status != models.ConsentActive {
		existing.Status = models.ConsentActive
		existing.UpdatedAt = now
		if err := p.consents.SaveConsent(ctx, existing); err != nil {
			return "", fmt.Errorf("failed to reactivate consent for %s: %w", bankCodeStd, err)
		}
		return LinkNew, nil
	}
	return LinkExisting, nil
}

type target struct {
	inst models.Institution
	txID ident.TransactionID
}

type outcome struct {
	target
	resp    *InstitutionResponse
	err     error
	latency time.Duration
}

type callFunc func(ctx context.Context, inst models.Institution, req InstitutionRequest) (*InstitutionResponse, error)

// prepare issues one transaction id per institution before anything is
// dispatched. Running out of ids aborts the whole request.
func (p *Proxy) prepare(ctx context.Context, institutions []models.Institution, apiName, subject string) ([]target, error) {
	targets := make([]target, 0, len(institutions))
	for _, inst := range institutions {
		txID, err := p.txIDs.Generate(ctx, apiName, subject)
		if err != nil {
			for _, t := range targets {
				if cerr := p.txIDs.Complete(ctx, t.txID, abortedCode, "request aborted", 0); cerr != nil {
					p.logger.Warn("Failed to complete transaction record", "bank_tran_id", t.txID.Value, "error", cerr)
				}
			}
			if apperr.Is(err, apperr.TransactionIDExhausted) {
				return nil, err
			}
			return nil, fmt.Errorf("failed to issue transaction id: %w", err)
		}
		targets = append(targets, target{inst: inst, txID: txID})
	}
	return targets, nil
}

// dispatch runs fn once per target on the shared pool and waits for all of
// them. Callers are detached from ctx cancellation so a slow institution is
// never cut short; the transport timeout bounds each call.
func (p *Proxy) dispatch(ctx context.Context, targets []target, base InstitutionRequest, fn callFunc) []outcome {
	ctx = context.WithoutCancel(ctx)
	outcomes := make([]outcome, len(targets))

	var wg sync.WaitGroup
	for i, t := range targets {
		i, t := i, t
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = p.call(ctx, t, base, fn)
		}()
	}
	wg.Wait()
	return outcomes
}

func (p *Proxy) call(ctx context.Context, t target, base InstitutionRequest, fn callFunc) (o outcome) {
	o.target = t
	if err := p.pool.Acquire(ctx, 1); err != nil {
		o.err = err
		return o
	}
	defer p.pool.Release(1)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.resp = nil
			o.err = fmt.Errorf("institution %s: panic: %v", t.inst.Code, r)
		}
		o.latency = time.Since(start)
	}()

	req := base
	req.TransactionID = t.txID.Value
	o.resp, o.err = fn(ctx, t.inst, req)
	if o.err == nil && o.resp == nil {
		o.err = fmt.Errorf("institution %s: empty response", t.inst.Code)
	}
	return o
}

// complete records the institution outcome against its transaction id and
// logs failures.
func (p *Proxy) complete(ctx context.Context, o outcome) {
	rspCode, rspMessage := SuccessCode, successMessage
	if o.resp != nil {
		rspCode, rspMessage = o.resp.RspCode, o.resp.RspMessage
	}
	if o.err != nil {
		if o.resp == nil {
			rspCode, rspMessage = failureCode, o.err.Error()
		}
		p.logger.Warn("Institution call failed", "bank_code_std", o.inst.Code, "bank_tran_id", o.txID.Value,
			"latency", o.latency, "error", o.err)
	}

	if err := p.txIDs.Complete(context.WithoutCancel(ctx), o.txID, rspCode, truncate(rspMessage, 200), o.latency); err != nil {
		p.logger.Warn("Failed to complete transaction record", "bank_tran_id", o.txID.Value, "error", err)
	}
}

// correlation returns a fresh api_tran_id and its yyyyMMddHHmmssSSS timestamp.
func (p *Proxy) correlation() (string, string) {
	now := p.now()
	return uuid.NewString(), fmt.Sprintf("%s%03d", now.Format("20060102150405"), now.Nanosecond()/int(time.Millisecond))
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
