package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/apelier/backend/internal/aiengine"
	"github.com/PortNumber53/apelier/backend/internal/billing"
	"github.com/PortNumber53/apelier/backend/internal/booking"
	"github.com/PortNumber53/apelier/backend/internal/models"
	"github.com/PortNumber53/apelier/backend/internal/store"
	stripeClient "github.com/PortNumber53/apelier/backend/internal/stripe"
)

const testAccountID = "0b7e4f3c-1a2d-4e5f-8a9b-c0d1e2f3a4b5"

var errBoom = errors.New("boom")

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type registrar interface {
	RegisterRoutes(chi.Router)
}

func doRequest(t *testing.T, h registrar, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	router := chi.NewRouter()
	h.RegisterRoutes(router)
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

type fakeAccounts struct {
	mu        sync.Mutex
	accounts  map[string]*models.Account
	createErr error
	getErr    error
	attached  []string
}

func newFakeAccounts(accts ...*models.Account) *fakeAccounts {
	f := &fakeAccounts{accounts: make(map[string]*models.Account)}
	for _, a := range accts {
		f.accounts[a.ID] = a
	}
	return f
}

func (f *fakeAccounts) CreateAccount(_ context.Context, acct *models.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.accounts[acct.ID]; ok {
		return store.ErrDuplicate
	}
	cp := *acct
	f.accounts[acct.ID] = &cp
	return nil
}

func (f *fakeAccounts) GetAccount(_ context.Context, id string) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	a, ok := f.accounts[id]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAccounts) AttachCustomer(_ context.Context, id, customerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return "", store.ErrAccountNotFound
	}
	f.attached = append(f.attached, customerID)
	if a.StripeCustomerID != nil {
		return *a.StripeCustomerID, nil
	}
	a.StripeCustomerID = &customerID
	return customerID, nil
}

type fakePayments struct {
	customerID  string
	customerErr error
	checkouts   []stripeClient.CheckoutRequest
	checkoutErr error
	portalFor   string
	portalURL   string
	event       billing.Event
	parseErr    error
	signatures  []string
}

func (f *fakePayments) CreateCustomer(_ context.Context, _, _, _ string) (string, error) {
	if f.customerErr != nil {
		return "", f.customerErr
	}
	return f.customerID, nil
}

func (f *fakePayments) CreateCheckoutSession(_ context.Context, req stripeClient.CheckoutRequest) (string, error) {
	f.checkouts = append(f.checkouts, req)
	if f.checkoutErr != nil {
		return "", f.checkoutErr
	}
	return "https://checkout.stripe.test/" + string(req.Tier), nil
}

func (f *fakePayments) CreatePortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	f.portalFor = customerID
	f.portalURL = returnURL
	return "https://billing.stripe.test/portal", nil
}

func (f *fakePayments) ParseWebhook(_ []byte, signature string) (billing.Event, error) {
	f.signatures = append(f.signatures, signature)
	return f.event, f.parseErr
}

type recordCall struct {
	accountID string
	units     int
}

type fakeGate struct {
	mu        sync.Mutex
	decision  billing.Decision
	err       error
	recordErr error
	records   []recordCall
}

func (f *fakeGate) Authorize(_ context.Context, _ string) (billing.Decision, error) {
	if f.err != nil {
		return billing.Decision{Code: billing.ReasonUnavailable, Reason: "Unable to verify your plan right now."}, f.err
	}
	return f.decision, nil
}

func (f *fakeGate) Record(ctx context.Context, accountID string, units int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, recordCall{accountID: accountID, units: units})
	return f.recordErr
}

type fakeApplier struct {
	outcome billing.Outcome
	err     error
	applied []billing.Event
}

func (f *fakeApplier) Apply(_ context.Context, ev billing.Event) (billing.Outcome, error) {
	f.applied = append(f.applied, ev)
	return f.outcome, f.err
}

type fakeEngine struct {
	resp      *aiengine.ProcessResponse
	err       error
	requests  []aiengine.ProcessRequest
	restyle   *aiengine.RestyleResponse
	restyled  []aiengine.RestyleRequest
	status    map[string]interface{}
	code      int
	statusErr error
	// afterCall runs once the engine has answered, before the handler resumes.
	afterCall func()
}

func (f *fakeEngine) ProcessGallery(_ context.Context, req aiengine.ProcessRequest) (*aiengine.ProcessResponse, error) {
	f.requests = append(f.requests, req)
	if f.afterCall != nil {
		f.afterCall()
	}
	return f.resp, f.err
}

func (f *fakeEngine) RestylePhoto(_ context.Context, req aiengine.RestyleRequest) (*aiengine.RestyleResponse, error) {
	f.restyled = append(f.restyled, req)
	if f.afterCall != nil {
		f.afterCall()
	}
	return f.restyle, f.err
}

func (f *fakeEngine) JobStatus(_ context.Context, _ string) (map[string]interface{}, int, error) {
	return f.status, f.code, f.statusErr
}

type fakeQuotes struct {
	quote     *models.Quote
	result    *booking.Result
	err       error
	token     string
	accepted  []string
	expired   []string
	issuedFor string
}

func (f *fakeQuotes) Accept(_ context.Context, token string, now time.Time) (*booking.Result, error) {
	f.accepted = append(f.accepted, token)
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	res.AcceptedAt = now.UTC()
	return &res, nil
}

func (f *fakeQuotes) Info(_ context.Context, _ string) (*models.Quote, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.quote, nil
}

func (f *fakeQuotes) Expire(_ context.Context, token string) error {
	f.expired = append(f.expired, token)
	return f.err
}

func (f *fakeQuotes) Issue(_ context.Context, leadID string, _ *int64, _ *string) (string, error) {
	f.issuedFor = leadID
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

type fakeJobs struct {
	enqueued   []*models.Job
	enqueueErr error
	job        *models.Job
	getErr     error
	cancelErr  error
	cancelled  []int64
	stats      *models.JobStats
	pending    []*models.Job
	processing []*models.Job
	lastLimit  int
}

func (f *fakeJobs) Enqueue(_ context.Context, job *models.Job) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	job.ID = int64(len(f.enqueued) + 1)
	job.Status = models.JobStatusPending
	f.enqueued = append(f.enqueued, job)
	return nil
}

func (f *fakeJobs) GetByID(_ context.Context, id int64) (*models.Job, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.job == nil || f.job.ID != id {
		return nil, store.ErrJobNotFound
	}
	return f.job, nil
}

func (f *fakeJobs) CancelJob(_ context.Context, id int64) error {
	f.cancelled = append(f.cancelled, id)
	return f.cancelErr
}

func (f *fakeJobs) GetQueueStats(_ context.Context) (*models.JobStats, error) {
	return f.stats, nil
}

func (f *fakeJobs) ListPendingJobs(_ context.Context, limit int) ([]*models.Job, error) {
	f.lastLimit = limit
	return f.pending, nil
}

func (f *fakeJobs) ListProcessingJobs(_ context.Context) ([]*models.Job, error) {
	return f.processing, nil
}

// The remaining methods let fakeJobs back a real worker.

func (f *fakeJobs) GetStats(ctx context.Context) (*models.JobStats, error) {
	return f.GetQueueStats(ctx)
}

func (f *fakeJobs) ClaimNextJob(context.Context, string, time.Duration) (*models.Job, error) {
	return nil, nil
}

func (f *fakeJobs) MarkCompleted(context.Context, int64) error { return nil }
func (f *fakeJobs) MarkFailed(context.Context, int64, string) error { return nil }
func (f *fakeJobs) ScheduleRetry(context.Context, int64, string, time.Time) error { return nil }
func (f *fakeJobs) ReleaseJob(context.Context, int64) error { return nil }

func (f *fakeJobs) CleanupOldJobs(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

var (
	_ AccountStore    = (*fakeAccounts)(nil)
	_ PaymentProvider = (*fakePayments)(nil)
	_ UsageGate       = (*fakeGate)(nil)
	_ EventApplier    = (*fakeApplier)(nil)
	_ ImageEngine     = (*fakeEngine)(nil)
	_ QuoteService    = (*fakeQuotes)(nil)
	_ JobQueue        = (*fakeJobs)(nil)
	_ JobStore        = (*fakeJobs)(nil)
)
