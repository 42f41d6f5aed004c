package access

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/ehr-access/internal/repository"
	apperrors "github.com/jwalitptl/ehr-access/pkg/errors"
	"github.com/jwalitptl/ehr-access/pkg/policy"
)

// Method names the path that permitted access.
type Method string

const (
	MethodGrant          Method = "grant"
	MethodSameOrgHistory Method = "same-org-history"
	MethodAccessCode     Method = "access-code"
)

// Reason names why access was denied. It is never shown to the requester.
type Reason string

const (
	ReasonInvalidCode Reason = "invalid-code"
	ReasonNoAccess    Reason = "no-access"
)

type Decision struct {
	Permitted bool   `json:"permitted"`
	Method    Method `json:"method,omitempty"`
	Reason    Reason `json:"-"`
}

func Permit(m Method) Decision { return Decision{Permitted: true, Method: m} }

func Deny(r Reason) Decision { return Decision{Reason: r} }

// Detail is the method or reason, for metrics and audit rows.
func (d Decision) Detail() string {
	if d.Permitted {
		return string(d.Method)
	}
	return string(d.Reason)
}

// Query is one authorization attempt by RequesterID against OwnerID's records.
type Query struct {
	RequesterID uuid.UUID
	OwnerID     uuid.UUID
	Attributes  policy.AttributeSet
	AccessCode  string
	Now         time.Time

	eval *evaluation
}

// evaluation is scratch state shared by the strategies of one Authorize call.
type evaluation struct {
	codeChecked bool
	codeOK      bool
}

// checkCode verifies the supplied code at most once per evaluation.
func (q Query) checkCode(ctx context.Context, codes *CodeVerifier) (bool, error) {
	if q.eval != nil && q.eval.codeChecked {
		return q.eval.codeOK, nil
	}
	ok, err := codes.Verify(ctx, q.RequesterID, q.OwnerID, q.AccessCode)
	if err != nil {
		return false, err
	}
	if q.eval != nil {
		q.eval.codeChecked = true
		q.eval.codeOK = ok
	}
	return ok, nil
}

// Strategy is one access path. It either decides (decided=true) or abstains
// and lets the next strategy run.
type Strategy interface {
	Name() string
	Evaluate(ctx context.Context, q Query) (d Decision, decided bool, err error)
}

// Engine evaluates strategies in order and stops at the first decision.
type Engine struct {
	strategies []Strategy
}

func NewEngine(strategies ...Strategy) *Engine {
	return &Engine{strategies: strategies}
}

// DefaultStrategies is the production order. A supplied code is checked
// right after the grant path, so a wrong code is refused even when
// same-org history would have permitted access.
func DefaultStrategies(grants repository.GrantRepository, records repository.MedicalRecordRepository,
	codes *CodeVerifier, requests repository.AccessRequestRepository) []Strategy {
	return []Strategy{
		GrantStrategy{Grants: grants},
		CodeMismatchStrategy{Codes: codes},
		OrgHistoryStrategy{Records: records},
		CodeAccessStrategy{Codes: codes, Requests: requests},
	}
}

func (e *Engine) Authorize(ctx context.Context, q Query) (Decision, error) {
	q.eval = &evaluation{}
	for _, s := range e.strategies {
		d, decided, err := s.Evaluate(ctx, q)
		if err != nil {
			return Decision{}, fmt.Errorf("%s: %w", s.Name(), err)
		}
		if decided {
			return d, nil
		}
	}
	return Deny(ReasonNoAccess), nil
}

// GrantStrategy permits when an effective grant exists for the pair.
type GrantStrategy struct {
	Grants repository.GrantRepository
}

func (GrantStrategy) Name() string { return "grant" }

func (s GrantStrategy) Evaluate(ctx context.Context, q Query) (Decision, bool, error) {
	grant, err := s.Grants.GetActive(ctx, q.RequesterID, q.OwnerID, q.Now)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return Decision{}, false, nil
		}
		return Decision{}, false, err
	}
	if !grant.EffectiveAt(q.Now) {
		return Decision{}, false, nil
	}
	return Permit(MethodGrant), true, nil
}

// OrgHistoryStrategy permits when the requester has authored a record for
// the owner within the organization they currently belong to.
type OrgHistoryStrategy struct {
	Records repository.MedicalRecordRepository
}

func (OrgHistoryStrategy) Name() string { return "same-org-history" }

func (s OrgHistoryStrategy) Evaluate(ctx context.Context, q Query) (Decision, bool, error) {
	if q.Attributes.Org == "" {
		return Decision{}, false, nil
	}
	ok, err := s.Records.HasAuthoredInOrg(ctx, q.RequesterID, q.OwnerID, q.Attributes.Org)
	if err != nil || !ok {
		return Decision{}, false, err
	}
	return Permit(MethodSameOrgHistory), true, nil
}

// CodeMismatchStrategy denies as soon as a supplied code is wrong.
type CodeMismatchStrategy struct {
	Codes *CodeVerifier
}

func (CodeMismatchStrategy) Name() string { return "code-check" }

func (s CodeMismatchStrategy) Evaluate(ctx context.Context, q Query) (Decision, bool, error) {
	if q.AccessCode == "" {
		return Decision{}, false, nil
	}
	ok, err := q.checkCode(ctx, s.Codes)
	if err != nil {
		return Decision{}, false, err
	}
	if !ok {
		return Deny(ReasonInvalidCode), true, nil
	}
	return Decision{}, false, nil
}

// CodeAccessStrategy permits on a correct code and records an approved
// request for the pair, once.
type CodeAccessStrategy struct {
	Codes    *CodeVerifier
	Requests repository.AccessRequestRepository
}

func (CodeAccessStrategy) Name() string { return "access-code" }

func (s CodeAccessStrategy) Evaluate(ctx context.Context, q Query) (Decision, bool, error) {
	if q.AccessCode == "" {
		return Decision{}, false, nil
	}
	ok, err := q.checkCode(ctx, s.Codes)
	if err != nil || !ok {
		return Decision{}, false, err
	}
	if _, err := s.Requests.RecordCodeAccess(ctx, q.RequesterID, q.OwnerID, q.Now); err != nil {
		return Decision{}, false, err
	}
	return Permit(MethodAccessCode), true, nil
}

// CodeVerifier compares supplied access codes with the owner's current code.
// Attempts are rate limited per requester.
type CodeVerifier struct {
	codes    repository.AccessCodeRepository
	limiters *cache.Cache
	limit    rate.Limit
	burst    int
	onLimit  func()
}

// NewCodeVerifier allows perMinute attempts per requester. perMinute <= 0
// disables limiting.
func NewCodeVerifier(codes repository.AccessCodeRepository, perMinute int, onLimit func()) *CodeVerifier {
	v := &CodeVerifier{
		codes:    codes,
		limiters: cache.New(10*time.Minute, 20*time.Minute),
		limit:    rate.Inf,
		onLimit:  onLimit,
	}
	if perMinute > 0 {
		v.limit = rate.Every(time.Minute / time.Duration(perMinute))
		v.burst = perMinute
	}
	return v
}

func (v *CodeVerifier) limiter(requester uuid.UUID) *rate.Limiter {
	key := requester.String()
	if l, ok := v.limiters.Get(key); ok {
		return l.(*rate.Limiter)
	}
	l := rate.NewLimiter(v.limit, v.burst)
	if err := v.limiters.Add(key, l, cache.DefaultExpiration); err != nil {
		// Lost a race with a concurrent attempt; share its limiter.
		if existing, ok := v.limiters.Get(key); ok {
			return existing.(*rate.Limiter)
		}
	}
	return l
}

// Verify reports whether code is the owner's current code. An owner without
// a code never matches.
func (v *CodeVerifier) Verify(ctx context.Context, requester, owner uuid.UUID, code string) (bool, error) {
	if !v.limiter(requester).Allow() {
		if v.onLimit != nil {
			v.onLimit()
		}
		return false, apperrors.TooManyRequests("too many access code attempts")
	}

	current, err := v.codes.Get(ctx, owner)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(current.Code), []byte(code)) == 1, nil
}
