package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Slot is one bookable window.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CalendarEvent is one existing booking.
type CalendarEvent struct {
	ID    string    `json:"id"`
	Title string    `json:"title"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Calendar answers availability and event queries for the business being
// called.
type Calendar interface {
	Availability(ctx context.Context, from, to time.Time) ([]Slot, error)
	Events(ctx context.Context, from, to time.Time) ([]CalendarEvent, error)
}

// HTTPCalendar talks to the scheduling backend over JSON.
type HTTPCalendar struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *zap.Logger
}

// NewHTTPCalendar creates a calendar client.
func NewHTTPCalendar(baseURL, apiKey string, log *zap.Logger) *HTTPCalendar {
	return &HTTPCalendar{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.Named("calendar"),
	}
}

func (c *HTTPCalendar) get(ctx context.Context, path string, from, to time.Time, out any) error {
	query := url.Values{
		"from": {from.Format(time.RFC3339)},
		"to":   {to.Format(time.RFC3339)},
	}
	endpoint := fmt.Sprintf("%s%s?%s", c.baseURL, path, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("calendar error (%d): %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Availability returns open slots in the window.
func (c *HTTPCalendar) Availability(ctx context.Context, from, to time.Time) ([]Slot, error) {
	var slots []Slot
	if err := c.get(ctx, "/availability", from, to, &slots); err != nil {
		return nil, fmt.Errorf("failed to fetch availability: %w", err)
	}
	return slots, nil
}

// Events returns existing bookings in the window.
func (c *HTTPCalendar) Events(ctx context.Context, from, to time.Time) ([]CalendarEvent, error) {
	var events []CalendarEvent
	if err := c.get(ctx, "/events", from, to, &events); err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	return events, nil
}
