package notify

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v3"

	"github.com/kuitang/webprobe/internal/errs"
)

// ResendNotifier emails summaries through the Resend API.
type ResendNotifier struct {
	client      *resend.Client
	fromAddress string
	to          []string
}

// NewResendNotifier creates a notifier. fromAddress must be verified in
// Resend.
func NewResendNotifier(apiKey, fromAddress string, to []string) *ResendNotifier {
	return &ResendNotifier{
		client:      resend.NewClient(apiKey),
		fromAddress: fromAddress,
		to:          to,
	}
}

func (r *ResendNotifier) Send(ctx context.Context, s Summary) error {
	if len(r.to) == 0 {
		return errs.New(errs.InvalidArgument, "notify: no recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	subject, html, text, err := render(s)
	if err != nil {
		return err
	}

	params := &resend.SendEmailRequest{
		From:    r.fromAddress,
		To:      r.to,
		Subject: subject,
		Html:    html,
		Text:    text,
	}
	if _, err := r.client.Emails.Send(params); err != nil {
		return errs.Wrap(errs.Unavailable, fmt.Sprintf("resend: failed to send summary for run %s", s.RunID), err)
	}
	return nil
}
