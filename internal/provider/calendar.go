package provider

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// economicEventWire is the economic_calendar.json sidecar shape, an input
// file that nothing in this module writes (spec §4.5: "uses pre-loaded
// economic_calendar.json"). Dates are plain YYYY-MM-DD strings.
type economicEventWire struct {
	Date        string `json:"date"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

type economicCalendarWire struct {
	StartDate string               `json:"start_date"`
	EndDate   string               `json:"end_date"`
	Events    []economicEventWire `json:"events"`
}

// loadEconomicCalendar reads and parses the calendar sidecar. A missing
// file disables blackout checking rather than erroring (spec §4.5's
// absence semantics): the caller gets a nil calendar and logs a warning.
func loadEconomicCalendar(path string) (*EconomicCalendar, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read economic calendar %s: %w", path, err)
	}

	var wire economicCalendarWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("parse economic calendar %s: %w", path, err)
	}

	start, err := time.Parse(dateLayout, wire.StartDate)
	if err != nil {
		return nil, fmt.Errorf("parse economic calendar start_date: %w", err)
	}
	end, err := time.Parse(dateLayout, wire.EndDate)
	if err != nil {
		return nil, fmt.Errorf("parse economic calendar end_date: %w", err)
	}

	events := make([]EconomicEvent, 0, len(wire.Events))
	for _, e := range wire.Events {
		d, err := time.Parse(dateLayout, e.Date)
		if err != nil {
			continue
		}
		events = append(events, EconomicEvent{Date: d, Type: e.Type, Description: e.Description})
	}

	return &EconomicCalendar{StartDate: start, EndDate: end, Events: events}, nil
}

// filterByType returns only the events whose Type is in types. An empty
// types list matches everything.
func filterByType(events []EconomicEvent, types []string) []EconomicEvent {
	if len(types) == 0 {
		return events
	}
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	out := make([]EconomicEvent, 0, len(events))
	for _, e := range events {
		if want[e.Type] {
			out = append(out, e)
		}
	}
	return out
}
