package fleet

import "time"

type EventKind string

const (
	EventLifecycle    EventKind = "lifecycle"
	EventIncident     EventKind = "incident"
	EventNotification EventKind = "notification"
	EventAllocation   EventKind = "allocation"
	EventAudit        EventKind = "audit"
)

// Event is a structured record returned by a component. The orchestrator
// is the only place that forwards events to external sinks.
type Event struct {
	Kind      EventKind      `json:"kind"`
	TripID    string         `json:"tripId,omitempty"`
	Severity  Severity       `json:"severity,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// LifecycleEvent builds the event emitted for a trip status transition.
func LifecycleEvent(h HistoryEntry) Event {
	return Event{
		Kind:    EventLifecycle,
		TripID:  h.TripID,
		Message: h.Action,
		Data: map[string]any{
			"from":   string(h.From),
			"to":     string(h.To),
			"actor":  h.Actor,
			"reason": h.Reason,
		},
		Timestamp: h.Timestamp,
	}
}

// IncidentEvent builds the event emitted when an incident is opened.
func IncidentEvent(in Incident) Event {
	return Event{
		Kind:     EventIncident,
		TripID:   in.TripID,
		Severity: in.Severity,
		Message:  in.Description,
		Data: map[string]any{
			"incidentId": in.ID,
			"type":       string(in.Type),
			"lat":        in.Lat,
			"lon":        in.Lon,
		},
		Timestamp: in.Timestamp,
	}
}

// NotificationEvent builds the operator notification for a severe incident.
func NotificationEvent(in Incident) Event {
	ev := IncidentEvent(in)
	ev.Kind = EventNotification
	return ev
}
