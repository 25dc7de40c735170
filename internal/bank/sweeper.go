package bank

import (
	"context"
	"errors"
	"time"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/audit"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/obs"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/stream"
)

// SweepReport summarises one maintenance pass.
type SweepReport struct {
	ReservationsReleased int `json:"reservations_released"`
	DonationsExpired     int `json:"donations_expired"`
	RequestsMatched      int `json:"requests_matched"`
}

// RunSweep releases timed-out holds, expires donations past shelf-life and
// retries pending requests in urgency order.
func (s *Service) RunSweep(ctx context.Context) (SweepReport, error) {
	var (
		rep  SweepReport
		errs []error
	)
	now := s.now()
	rep.ReservationsReleased = s.inv.ReleaseExpired(now)

	expired, err := s.ledger.ExpireStale(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	for _, d := range expired {
		s.events.Publish(stream.Event{
			Type:        stream.DonationExpired,
			SubjectType: audit.SubjectDonation,
			SubjectID:   d.ID,
			HospitalID:  d.HospitalID,
			BloodType:   d.BloodType,
			QuantityML:  d.QuantityML,
			Status:      string(d.Status),
		})
	}
	rep.DonationsExpired = len(expired)

	matched, err := s.matcher.RetryPending(ctx, "")
	if err != nil {
		errs = append(errs, err)
	}
	for _, res := range matched {
		s.publishMatch(res)
	}
	rep.RequestsMatched = len(matched)
	return rep, errors.Join(errs...)
}

// StartSweeper runs RunSweep at the provided interval until the returned stop
// function is called.
func (s *Service) StartSweeper(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rep, err := s.RunSweep(ctx)
				ev := obs.Logger().Debug()
				if err != nil {
					ev = obs.Logger().Warn().Err(err)
				}
				ev.Int("released", rep.ReservationsReleased).
					Int("expired", rep.DonationsExpired).
					Int("matched", rep.RequestsMatched).
					Msg("sweep complete")
			}
		}
	}()
	return cancel
}
