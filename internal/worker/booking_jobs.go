package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/PortNumber53/apelier/backend/internal/booking"
	"github.com/PortNumber53/apelier/backend/internal/models"
	"github.com/PortNumber53/apelier/backend/internal/notify"
)

// BookingFinalizer creates the records that follow a booking.
type BookingFinalizer interface {
	Finalize(ctx context.Context, leadID string) (*models.ClientJob, error)
}

// TemplateMailer delivers a templated email.
type TemplateMailer interface {
	SendTemplate(ctx context.Context, template, to string, data map[string]string) error
}

// RegisterBookingJobs registers the handlers for booking follow-ups.
func RegisterBookingJobs(w *Worker, finalizer BookingFinalizer, mailer TemplateMailer) {
	w.RegisterHandler(booking.JobTypeFinalize, finalizeHandler(finalizer))
	w.RegisterHandler(booking.JobTypeSendEmail, sendEmailHandler(mailer))

	w.log.WithField("job_types", []string{booking.JobTypeFinalize, booking.JobTypeSendEmail}).
		Info("registered booking job handlers")
}

func finalizeHandler(finalizer BookingFinalizer) Handler {
	return func(ctx context.Context, job *models.Job) error {
		leadID := job.Payload.String("lead_id")
		if leadID == "" {
			return Permanent(errors.New("missing lead_id in payload"))
		}
		if _, err := finalizer.Finalize(ctx, leadID); err != nil {
			return fmt.Errorf("finalize booking %s: %w", leadID, err)
		}
		return nil
	}
}

func sendEmailHandler(mailer TemplateMailer) Handler {
	return func(ctx context.Context, job *models.Job) error {
		template := job.Payload.String("template")
		to := job.Payload.String("to")
		if template == "" || to == "" {
			return Permanent(errors.New("missing template or recipient in payload"))
		}

		data := map[string]string{}
		if raw, ok := job.Payload["data"].(map[string]interface{}); ok {
			for k, v := range raw {
				if s, ok := v.(string); ok {
					data[k] = s
				}
			}
		}

		err := mailer.SendTemplate(ctx, template, to, data)
		if errors.Is(err, notify.ErrUnknownTemplate) || errors.Is(err, notify.ErrInvalidMessage) {
			return Permanent(err)
		}
		return err
	}
}
