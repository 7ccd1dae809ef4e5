// Package seed loads reference data (routes, drivers, vehicles and
// schedules) from a YAML file.
package seed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/store"
)

// Data is the decoded reference data.
type Data struct {
	Routes    []fleet.Route
	Drivers   []fleet.Driver
	Vehicles  []fleet.Vehicle
	Schedules []fleet.Schedule
}

type file struct {
	Routes    []routeDoc     `yaml:"routes"`
	Drivers   []fleet.Driver `yaml:"drivers"`
	Vehicles  []vehicleDoc   `yaml:"vehicles"`
	Schedules []scheduleDoc  `yaml:"schedules"`
}

type routeDoc struct {
	ID    string    `yaml:"id"`
	Name  string    `yaml:"name"`
	Stops []stopDoc `yaml:"stops"`
}

type stopDoc struct {
	fleet.Stop `yaml:",inline"`
	// TravelMin is the running time from the previous stop in minutes.
	TravelMin float64 `yaml:"travel_min"`
	// DistanceM overrides the great-circle distance from the previous stop.
	DistanceM float64 `yaml:"distance_m"`
}

type vehicleDoc struct {
	fleet.Vehicle `yaml:",inline"`
}

type scheduleDoc struct {
	ID              string   `yaml:"id"`
	RouteID         string   `yaml:"route_id"`
	Days            []string `yaml:"days"`
	Start           string   `yaml:"start"`
	End             string   `yaml:"end"`
	FrequencyMin    int      `yaml:"frequency_min"`
	TripDurationMin int      `yaml:"trip_duration_min"`
	ValidFrom       string   `yaml:"valid_from"`
	ValidUntil      string   `yaml:"valid_until"`
	Active          *bool    `yaml:"active"`
}

// Load reads and decodes path. Dates in the file are interpreted in loc.
func Load(path string, loc *time.Location) (Data, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Data{}, err
	}
	d, err := Parse(bytes.NewReader(b), loc)
	if err != nil {
		return Data{}, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

func Parse(r io.Reader, loc *time.Location) (Data, error) {
	if loc == nil {
		loc = time.Local
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f file
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return Data{}, fmt.Errorf("decode seed: %w", err)
	}

	var d Data
	routes := make(map[string]bool)
	for _, rd := range f.Routes {
		r, err := rd.route()
		if err != nil {
			return Data{}, err
		}
		routes[r.ID] = true
		d.Routes = append(d.Routes, r)
	}
	for _, drv := range f.Drivers {
		if drv.ID == "" {
			return Data{}, fmt.Errorf("driver without id")
		}
		if drv.EmploymentStatus == "" {
			drv.EmploymentStatus = fleet.EmploymentActive
		}
		if drv.AvailabilityStatus == "" {
			drv.AvailabilityStatus = fleet.AvailabilityAvailable
		}
		d.Drivers = append(d.Drivers, drv)
	}
	for _, vd := range f.Vehicles {
		v := vd.Vehicle
		if v.ID == "" {
			return Data{}, fmt.Errorf("vehicle without id")
		}
		if v.Status == "" {
			v.Status = fleet.VehicleActive
		}
		d.Vehicles = append(d.Vehicles, v)
	}
	for _, sd := range f.Schedules {
		s, err := sd.schedule(loc)
		if err != nil {
			return Data{}, err
		}
		if !routes[s.RouteID] {
			return Data{}, fmt.Errorf("schedule %s: route %s: %w", s.ID, s.RouteID, fleet.ErrUnknownRoute)
		}
		d.Schedules = append(d.Schedules, s)
	}
	return d, nil
}

func (rd routeDoc) route() (fleet.Route, error) {
	if rd.ID == "" {
		return fleet.Route{}, fmt.Errorf("route without id")
	}
	if len(rd.Stops) < 2 {
		return fleet.Route{}, fmt.Errorf("route %s: %w", rd.ID, fleet.ErrInvalidRoute)
	}
	r := fleet.Route{ID: rd.ID, Name: rd.Name}
	for i, sd := range rd.Stops {
		if err := geo.ValidateCoordinate(sd.Lat, sd.Lon); err != nil {
			return fleet.Route{}, fmt.Errorf("route %s stop %s: %w", rd.ID, sd.ID, err)
		}
		rs := fleet.RouteStop{Stop: sd.Stop, Sequence: i + 1}
		if i > 0 {
			prev := rd.Stops[i-1]
			rs.DistanceFromPrevM = sd.DistanceM
			if rs.DistanceFromPrevM == 0 {
				rs.DistanceFromPrevM = geo.Distance(prev.Lat, prev.Lon, sd.Lat, sd.Lon)
			}
			rs.TravelTimeFromPrev = time.Duration(sd.TravelMin * float64(time.Minute))
		}
		r.Stops = append(r.Stops, rs)
	}
	return r, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseDays(days []string) ([]time.Weekday, error) {
	seen := make(map[time.Weekday]bool)
	for _, raw := range days {
		s := strings.ToLower(strings.TrimSpace(raw))
		switch s {
		case "daily":
			for _, d := range weekdays {
				seen[d] = true
			}
			continue
		case "weekdays":
			for d := time.Monday; d <= time.Friday; d++ {
				seen[d] = true
			}
			continue
		}
		if len(s) > 3 {
			s = s[:3]
		}
		d, ok := weekdays[s]
		if !ok {
			return nil, fmt.Errorf("unknown day %q", raw)
		}
		seen[d] = true
	}
	out := make([]time.Weekday, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// parseClock turns "HH:MM" into minutes since midnight. "24:00" is allowed.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	if h < 0 || m < 0 || m > 59 || h*60+m > 24*60 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return h*60 + m, nil
}

func parseDate(s string, loc *time.Location) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t, nil
}

func (sd scheduleDoc) schedule(loc *time.Location) (fleet.Schedule, error) {
	fail := func(err error) (fleet.Schedule, error) {
		return fleet.Schedule{}, fmt.Errorf("schedule %s: %w", sd.ID, err)
	}
	if sd.ID == "" {
		return fleet.Schedule{}, fmt.Errorf("schedule without id")
	}
	days, err := parseDays(sd.Days)
	if err != nil {
		return fail(err)
	}
	start, err := parseClock(sd.Start)
	if err != nil {
		return fail(err)
	}
	end, err := parseClock(sd.End)
	if err != nil {
		return fail(err)
	}
	if end < start {
		return fail(fleet.ErrInvalidWindow)
	}
	from, err := parseDate(sd.ValidFrom, loc)
	if err != nil {
		return fail(err)
	}
	until, err := parseDate(sd.ValidUntil, loc)
	if err != nil {
		return fail(err)
	}
	if sd.FrequencyMin < 0 || sd.TripDurationMin < 0 {
		return fail(fmt.Errorf("negative frequency or duration"))
	}
	active := true
	if sd.Active != nil {
		active = *sd.Active
	}
	return fleet.Schedule{
		ID:           sd.ID,
		RouteID:      sd.RouteID,
		Days:         days,
		StartMinute:  start,
		EndMinute:    end,
		Frequency:    time.Duration(sd.FrequencyMin) * time.Minute,
		TripDuration: time.Duration(sd.TripDurationMin) * time.Minute,
		ValidFrom:    from,
		ValidUntil:   until,
		Active:       active,
	}, nil
}

// ApplyMemory stores d in m.
func (d Data) ApplyMemory(m *store.Memory) {
	for _, r := range d.Routes {
		m.PutRoute(r)
	}
	for _, drv := range d.Drivers {
		m.PutDriver(drv)
	}
	for _, v := range d.Vehicles {
		m.PutVehicle(v)
	}
	for _, s := range d.Schedules {
		m.PutSchedule(s)
	}
}

// Upserter writes reference data in bulk.
type Upserter interface {
	UpsertReference(ctx context.Context, routes []fleet.Route, drivers []fleet.Driver, vehicles []fleet.Vehicle, schedules []fleet.Schedule) error
}

// Apply writes d through u.
func (d Data) Apply(ctx context.Context, u Upserter) error {
	return u.UpsertReference(ctx, d.Routes, d.Drivers, d.Vehicles, d.Schedules)
}
