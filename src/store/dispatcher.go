package store

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/square-key-labs/switchboard/src/session"
	"github.com/square-key-labs/switchboard/src/telephony"
)

// retryDelay is the backoff after the notification connection drops.
const retryDelay = 5 * time.Second

// Dispatcher places outbound appointment calls when the database signals a
// pending appointment. The appointment id rides the answer URL so it lands
// on the media stream's start frame as a custom parameter.
type Dispatcher struct {
	store     *Store
	control   *telephony.Client
	publicURL string
	log       *zap.Logger
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(store *Store, control *telephony.Client, publicURL string, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		control:   control,
		publicURL: publicURL,
		log:       log.Named("dispatcher"),
	}
}

// Run subscribes to appointment changes and dials until ctx is cancelled.
// The subscription is re-established after transient failures.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		err := d.store.SubscribeAppointmentChanges(ctx, d.dispatch)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.log.Warn("appointment subscription lost, retrying", zap.Error(err))

		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatch places the outbound call for one notified appointment.
func (d *Dispatcher) dispatch(appointmentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	appointment, err := d.store.FetchAppointment(ctx, appointmentID)
	if err != nil {
		d.log.Error("cannot dispatch appointment", zap.String("appointment_id", appointmentID), zap.Error(err))
		return
	}
	if appointment.Status != "PENDING" {
		d.log.Debug("skipping non-pending appointment",
			zap.String("appointment_id", appointmentID),
			zap.String("status", appointment.Status))
		return
	}

	answerURL := fmt.Sprintf("%s/answer?%s", d.publicURL, url.Values{
		"appointmentId": {appointmentID},
	}.Encode())

	callSid, err := d.control.PlaceCall(ctx, appointment.BusinessPhone, answerURL)
	if err != nil {
		d.log.Error("failed to place appointment call",
			zap.String("appointment_id", appointmentID), zap.Error(err))
		return
	}

	patch := session.Outcome{Status: "IN_PROGRESS", Notes: appointment.Notes}
	if err := d.store.UpdateAppointment(ctx, appointmentID, patch); err != nil {
		d.log.Warn("failed to mark appointment in progress",
			zap.String("appointment_id", appointmentID), zap.Error(err))
	}

	d.log.Info("appointment call placed",
		zap.String("appointment_id", appointmentID),
		zap.String("call_sid", callSid))
}
