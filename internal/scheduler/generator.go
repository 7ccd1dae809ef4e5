package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/logging"
	"fleet-tracker/internal/store"
)

// GenerationReport summarizes one generation pass.
type GenerationReport struct {
	Day      time.Time    `json:"day"`
	Created  []fleet.Trip `json:"created"`
	Existing int          `json:"existing"`
	Skipped  int          `json:"skipped"`
	Past     int          `json:"past"`
}

// Generate creates the trips of every schedule running on day. Timepoints
// that already have a trip, that lie in the past, or for which no driver
// and vehicle are free are skipped. Running it again for the same day only
// fills the gaps.
func (s *Scheduler) Generate(ctx context.Context, day time.Time) (GenerationReport, error) {
	rep := GenerationReport{Day: fleet.Midnight(day)}
	schedules, err := s.store.Schedules(ctx)
	if err != nil {
		return rep, fmt.Errorf("load schedules: %w", err)
	}
	now := s.clock.Now()

	for _, sch := range schedules {
		if !sch.RunsOn(day) {
			continue
		}
		route, err := s.store.Route(ctx, sch.RouteID)
		if err != nil {
			logging.LogError(s.logger, "schedule route lookup", err, slog.String("schedule", sch.ID))
			continue
		}
		duration := sch.TripDuration
		if duration <= 0 {
			duration = route.TotalTravelTime()
		}

		for _, departure := range sch.Timepoints(day) {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			if departure.Before(now) {
				rep.Past++
				continue
			}
			var (
				trip    fleet.Trip
				existed bool
			)
			err := s.store.Allocate(ctx, func(tx store.AllocationTx) error {
				exists, err := tx.ScheduledTripExists(ctx, sch.ID, departure)
				if err != nil {
					return err
				}
				if exists {
					existed = true
					return nil
				}
				trip, err = s.createTrip(ctx, tx, route, sch.ID, departure, duration)
				return err
			})
			switch {
			case err == nil && existed:
				rep.Existing++
			case err == nil:
				rep.Created = append(rep.Created, trip)
			case IsNoResources(err):
				rep.Skipped++
				s.logger.Warn("timepoint skipped, no resources", "schedule", sch.ID, "departure", departure)
			default:
				return rep, fmt.Errorf("generate schedule %s at %s: %w", sch.ID, departure.Format(time.RFC3339), err)
			}
		}
	}
	logging.LogOperation(s.logger, "trip generation",
		slog.Time("day", rep.Day),
		slog.Int("created", len(rep.Created)),
		slog.Int("existing", rep.Existing),
		slog.Int("skipped", rep.Skipped))
	return rep, nil
}
