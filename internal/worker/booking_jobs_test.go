package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/apelier/backend/internal/booking"
	"github.com/PortNumber53/apelier/backend/internal/models"
	"github.com/PortNumber53/apelier/backend/internal/notify"
)

type fakeFinalizer struct {
	leads []string
	err   error
}

func (f *fakeFinalizer) Finalize(_ context.Context, leadID string) (*models.ClientJob, error) {
	f.leads = append(f.leads, leadID)
	if f.err != nil {
		return nil, f.err
	}
	return &models.ClientJob{LeadID: leadID, JobNumber: 1}, nil
}

type fakeMailer struct {
	template string
	to       string
	data     map[string]string
	err      error
}

func (m *fakeMailer) SendTemplate(_ context.Context, template, to string, data map[string]string) error {
	m.template, m.to, m.data = template, to, data
	return m.err
}

func registered(t *testing.T, f *fakeFinalizer, m *fakeMailer) *Worker {
	t.Helper()
	w := newTestWorker(newFakeJobStore())
	RegisterBookingJobs(w, f, m)
	return w
}

func TestFinalizeHandler(t *testing.T) {
	f := &fakeFinalizer{}
	w := registered(t, f, &fakeMailer{})

	h, ok := w.handler(booking.JobTypeFinalize)
	require.True(t, ok)
	require.NoError(t, h(context.Background(), booking.NewFinalizeJob("lead-1")))
	assert.Equal(t, []string{"lead-1"}, f.leads)

	err := h(context.Background(), &models.Job{Payload: models.JSONB{}})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	f.err = errors.New("db down")
	err = h(context.Background(), booking.NewFinalizeJob("lead-2"))
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestSendEmailHandler(t *testing.T) {
	m := &fakeMailer{}
	w := registered(t, &fakeFinalizer{}, m)

	h, ok := w.handler(booking.JobTypeSendEmail)
	require.True(t, ok)

	job := booking.NewEmailJob("k", booking.TemplateInvoice, "client@example.com", map[string]string{"invoiceNumber": "INV-0001"}, nil)
	require.NoError(t, h(context.Background(), job))
	assert.Equal(t, booking.TemplateInvoice, m.template)
	assert.Equal(t, "client@example.com", m.to)
	assert.Equal(t, "INV-0001", m.data["invoiceNumber"])
}

func TestSendEmailHandlerErrors(t *testing.T) {
	m := &fakeMailer{}
	w := registered(t, &fakeFinalizer{}, m)
	h, _ := w.handler(booking.JobTypeSendEmail)

	err := h(context.Background(), &models.Job{Payload: models.JSONB{"template": "invoice"}})
	assert.True(t, IsPermanent(err))

	m.err = fmt.Errorf("render: %w", notify.ErrUnknownTemplate)
	err = h(context.Background(), booking.NewEmailJob("k", "nope", "a@b.c", nil, nil))
	assert.True(t, IsPermanent(err))

	m.err = errors.New("postmark 503")
	err = h(context.Background(), booking.NewEmailJob("k", booking.TemplateInvoice, "a@b.c", nil, nil))
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}
