package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/square-key-labs/switchboard/src/conversation"
	"github.com/square-key-labs/switchboard/src/llm"
	"github.com/square-key-labs/switchboard/src/session"
)

// Valid appointment outcome statuses.
const (
	StatusPending       = "PENDING"
	StatusInProgress    = "IN_PROGRESS"
	StatusSuccess       = "SUCCESS"
	StatusFailedTech    = "FAILED:TECH ERROR"
	StatusFailedClosed  = "FAILED:BUSINESS CLOSED"
	StatusFailedHuman   = "FAILED:HUMAN ERROR"
	StatusFailedNoSlots = "FAILED:NO AVAILABLE SLOTS"
)

var validStatuses = map[string]bool{
	StatusPending:       true,
	StatusInProgress:    true,
	StatusSuccess:       true,
	StatusFailedTech:    true,
	StatusFailedClosed:  true,
	StatusFailedHuman:   true,
	StatusFailedNoSlots: true,
}

// toolTimeout bounds calendar lookups from inside a generation.
const toolTimeout = 10 * time.Second

// Executor is the per-session tool surface. It holds a stream id rather
// than a session pointer and resolves through the registry on every call,
// so a call racing teardown fails cleanly instead of touching a dead
// session.
type Executor struct {
	streamSid string
	registry  *session.Registry
	calendar  Calendar
	log       *zap.Logger
}

// NewExecutor builds the tool surface for one stream.
func NewExecutor(streamSid string, registry *session.Registry, calendar Calendar, log *zap.Logger) *Executor {
	return &Executor{
		streamSid: streamSid,
		registry:  registry,
		calendar:  calendar,
		log:       log.Named("tools").With(zap.String("stream_sid", streamSid)),
	}
}

// Schemas lists the tools offered to the model.
func (e *Executor) Schemas() []llm.ToolSchema {
	return []llm.ToolSchema{
		{
			Name:        "getCalendarAvailability",
			Description: "Get open appointment slots between two times. Times are RFC3339.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"startDate":          map[string]any{"type": "string", "description": "window start, RFC3339"},
					"endDate":            map[string]any{"type": "string", "description": "window end, RFC3339"},
					"minDurationMinutes": map[string]any{"type": "integer", "description": "only return slots at least this long"},
				},
				"required": []string{"startDate", "endDate"},
			},
		},
		{
			Name:        "getCalendarEvents",
			Description: "List existing appointments between two times. Times are RFC3339.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"startDate": map[string]any{"type": "string", "description": "window start, RFC3339"},
					"endDate":   map[string]any{"type": "string", "description": "window end, RFC3339"},
				},
				"required": []string{"startDate", "endDate"},
			},
		},
		{
			Name:        "transferToHuman",
			Description: "Bring the business owner into the call as a third participant. Use when the caller asks for a human or the conversation is beyond your remit.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{"type": "string", "description": "why the handoff is needed"},
				},
				"required": []string{"reason"},
			},
		},
		{
			Name:        "sendDTMF",
			Description: "Send touch-tone digits into the call, e.g. to navigate a phone menu. Digits 0-9, * and # only.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"digits": map[string]any{"type": "string", "description": "digit sequence to send"},
				},
				"required": []string{"digits"},
			},
		},
		{
			Name:        "updateAppointmentStatus",
			Description: "Record the current outcome of the appointment call without hanging up.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status": map[string]any{
						"type": "string",
						"enum": []string{StatusPending, StatusInProgress, StatusSuccess, StatusFailedTech, StatusFailedClosed, StatusFailedHuman, StatusFailedNoSlots},
					},
					"notes": map[string]any{"type": "string", "description": "short free-text summary"},
				},
				"required": []string{"status"},
			},
		},
		{
			Name:        "hangUpCall",
			Description: "Record the final call outcome and end the call. Say goodbye before calling this.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status": map[string]any{
						"type": "string",
						"enum": []string{StatusPending, StatusInProgress, StatusSuccess, StatusFailedTech, StatusFailedClosed, StatusFailedHuman, StatusFailedNoSlots},
					},
					"notes": map[string]any{"type": "string", "description": "short free-text summary"},
				},
				"required": []string{"status"},
			},
		},
	}
}

// Execute dispatches one tool call. The returned string is the JSON payload
// handed back to the model.
func (e *Executor) Execute(call conversation.ToolCall) (string, error) {
	s, ok := e.registry.Get(e.streamSid)
	if !ok {
		return "", fmt.Errorf("tools: session %s gone", e.streamSid)
	}

	e.log.Info("tool call", zap.String("tool", call.Name), zap.String("args", call.Arguments))

	switch call.Name {
	case "getCalendarAvailability":
		return e.calendarAvailability(call.Arguments)
	case "getCalendarEvents":
		return e.calendarEvents(call.Arguments)
	case "transferToHuman":
		return e.transferToHuman(s, call.Arguments)
	case "sendDTMF":
		return e.sendDTMF(s, call.Arguments)
	case "updateAppointmentStatus":
		return e.updateStatus(s, call.Arguments)
	case "hangUpCall":
		return e.hangUp(s, call.Arguments)
	default:
		return "", fmt.Errorf("tools: unknown tool %q", call.Name)
	}
}

type windowArgs struct {
	StartDate          string `json:"startDate"`
	EndDate            string `json:"endDate"`
	MinDurationMinutes int    `json:"minDurationMinutes"`
}

func parseWindow(raw string) (windowArgs, time.Time, time.Time, error) {
	var args windowArgs
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return args, time.Time{}, time.Time{}, fmt.Errorf("invalid arguments: %w", err)
	}
	from, err := time.Parse(time.RFC3339, args.StartDate)
	if err != nil {
		return args, time.Time{}, time.Time{}, fmt.Errorf("invalid startDate: %w", err)
	}
	to, err := time.Parse(time.RFC3339, args.EndDate)
	if err != nil {
		return args, time.Time{}, time.Time{}, fmt.Errorf("invalid endDate: %w", err)
	}
	return args, from, to, nil
}

func (e *Executor) calendarAvailability(raw string) (string, error) {
	if e.calendar == nil {
		return "", fmt.Errorf("tools: calendar not configured")
	}
	args, from, to, err := parseWindow(raw)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), toolTimeout)
	defer cancel()
	slots, err := e.calendar.Availability(ctx, from, to)
	if err != nil {
		return "", err
	}
	if args.MinDurationMinutes > 0 {
		min := time.Duration(args.MinDurationMinutes) * time.Minute
		kept := slots[:0]
		for _, slot := range slots {
			if slot.End.Sub(slot.Start) >= min {
				kept = append(kept, slot)
			}
		}
		slots = kept
	}
	return marshalPayload(map[string]any{"slots": slots})
}

func (e *Executor) calendarEvents(raw string) (string, error) {
	if e.calendar == nil {
		return "", fmt.Errorf("tools: calendar not configured")
	}
	_, from, to, err := parseWindow(raw)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), toolTimeout)
	defer cancel()
	events, err := e.calendar.Events(ctx, from, to)
	if err != nil {
		return "", err
	}
	return marshalPayload(map[string]any{"events": events})
}

func (e *Executor) transferToHuman(s *session.Session, raw string) (string, error) {
	var args struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if err := s.TransferToHuman(args.Reason); err != nil {
		return "", err
	}
	return marshalPayload(map[string]any{"status": "transferring"})
}

func (e *Executor) sendDTMF(s *session.Session, raw string) (string, error) {
	var args struct {
		Digits string `json:"digits"`
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if err := s.SendDTMF(args.Digits); err != nil {
		return "", err
	}
	return marshalPayload(map[string]any{"sent": args.Digits})
}

type outcomeArgs struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

func parseOutcome(raw string) (outcomeArgs, error) {
	var args outcomeArgs
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return args, fmt.Errorf("invalid arguments: %w", err)
	}
	if !validStatuses[args.Status] {
		return args, fmt.Errorf("invalid status %q", args.Status)
	}
	return args, nil
}

func (e *Executor) updateStatus(s *session.Session, raw string) (string, error) {
	args, err := parseOutcome(raw)
	if err != nil {
		return "", err
	}
	s.SetOutcome(args.Status, args.Notes)
	ctx, cancel := context.WithTimeout(context.Background(), toolTimeout)
	defer cancel()
	if err := s.PersistOutcome(ctx); err != nil {
		e.log.Warn("outcome persist deferred", zap.Error(err))
	}
	return marshalPayload(map[string]any{"status": args.Status})
}

func (e *Executor) hangUp(s *session.Session, raw string) (string, error) {
	args, err := parseOutcome(raw)
	if err != nil {
		return "", err
	}
	s.SetOutcome(args.Status, args.Notes)
	if err := s.HangUp(); err != nil {
		return "", err
	}
	return marshalPayload(map[string]any{"status": "call ended"})
}

func marshalPayload(v any) (string, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
