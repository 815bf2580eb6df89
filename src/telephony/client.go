package telephony

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ErrStreamClosed is returned when writing to a media stream whose
// connection has gone away.
var ErrStreamClosed = errors.New("telephony: media stream closed")

const defaultAPIBaseURL = "https://api.telephony.example.com/2010-04-01"

// Client is the telephony control plane: outbound call placement, live call
// updates and conference creation over the provider REST API.
type Client struct {
	accountSid string
	authToken  string
	fromNumber string
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

// ClientConfig holds control plane credentials.
type ClientConfig struct {
	AccountSid string
	AuthToken  string
	FromNumber string
	BaseURL    string // defaults to the provider API
}

// NewClient creates a control plane client.
func NewClient(config ClientConfig, log *zap.Logger) *Client {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}
	return &Client{
		accountSid: config.AccountSid,
		authToken:  config.AuthToken,
		fromNumber: config.FromNumber,
		baseURL:    baseURL,
		httpClient: &http.Client{},
		log:        log.Named("telephony"),
	}
}

// FromNumber returns the configured outbound caller id.
func (c *Client) FromNumber() string {
	return c.fromNumber
}

type callResource struct {
	Sid    string `json:"sid"`
	Status string `json:"status"`
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) (*callResource, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s%s", c.baseURL, c.accountSid, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.accountSid, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("control plane error (%d): %s", resp.StatusCode, string(body))
	}

	var res callResource
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode call resource: %w", err)
	}
	return &res, nil
}

// PlaceCall dials an outbound call. The answer webhook receives the query
// string baked into answerURL, which is how appointment context reaches the
// media stream start frame.
func (c *Client) PlaceCall(ctx context.Context, to, answerURL string) (string, error) {
	form := url.Values{}
	form.Set("From", c.fromNumber)
	form.Set("To", to)
	form.Set("Url", answerURL)

	res, err := c.postForm(ctx, "/Calls.json", form)
	if err != nil {
		return "", fmt.Errorf("failed to place call: %w", err)
	}
	c.log.Info("placed outbound call", zap.String("call_sid", res.Sid), zap.String("to", to))
	return res.Sid, nil
}

// UpdateCall replaces the TwiML of a live call, e.g. to move it into a
// conference.
func (c *Client) UpdateCall(ctx context.Context, callSid, twiml string) error {
	form := url.Values{}
	form.Set("Twiml", twiml)

	if _, err := c.postForm(ctx, fmt.Sprintf("/Calls/%s.json", callSid), form); err != nil {
		return fmt.Errorf("failed to update call %s: %w", callSid, err)
	}
	c.log.Info("updated live call", zap.String("call_sid", callSid))
	return nil
}

// CreateConference moves callSid into the named conference and dials dialTo
// as the second participant. Status callbacks land on statusCallback as
// form-encoded event posts.
func (c *Client) CreateConference(ctx context.Context, callSid, conferenceName, dialTo, answerURL, statusCallback string) (string, error) {
	twiml := ConferenceTwiML(conferenceName, statusCallback)

	if err := c.UpdateCall(ctx, callSid, twiml); err != nil {
		return "", err
	}

	ownerCallSid, err := c.PlaceCall(ctx, dialTo, answerURL)
	if err != nil {
		return "", fmt.Errorf("failed to dial conference participant: %w", err)
	}
	c.log.Info("conference created",
		zap.String("conference", conferenceName),
		zap.String("owner_call_sid", ownerCallSid))
	return ownerCallSid, nil
}

// HangUp terminates a live call.
func (c *Client) HangUp(ctx context.Context, callSid string) error {
	form := url.Values{}
	form.Set("Status", "completed")

	if _, err := c.postForm(ctx, fmt.Sprintf("/Calls/%s.json", callSid), form); err != nil {
		return fmt.Errorf("failed to hang up call %s: %w", callSid, err)
	}
	return nil
}

// TwiML builders. Kept as simple structs so the documents stay well-formed.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Connect *twimlConnect
	Dial    *twimlDial
}

type twimlConnect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  twimlStream
}

type twimlStream struct {
	XMLName    xml.Name         `xml:"Stream"`
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type twimlDial struct {
	XMLName    xml.Name        `xml:"Dial"`
	Conference twimlConference `xml:"Conference"`
}

type twimlConference struct {
	Name                   string `xml:",chardata"`
	StatusCallback         string `xml:"statusCallback,attr,omitempty"`
	StatusCallbackEvent    string `xml:"statusCallbackEvent,attr,omitempty"`
	EndConferenceOnExit    bool   `xml:"endConferenceOnExit,attr"`
	StartConferenceOnEnter bool   `xml:"startConferenceOnEnter,attr"`
}

func renderTwiML(doc twimlResponse) string {
	out, err := xml.Marshal(doc)
	if err != nil {
		// struct marshalling of these fixed shapes cannot fail
		return ""
	}
	return xml.Header + string(out)
}

// StreamTwiML answers a call by connecting its media to the given WebSocket
// URL, forwarding the custom parameters on the start frame.
func StreamTwiML(wsURL string, params map[string]string) string {
	stream := twimlStream{URL: wsURL}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		stream.Parameters = append(stream.Parameters, twimlParameter{Name: name, Value: params[name]})
	}
	return renderTwiML(twimlResponse{Connect: &twimlConnect{Stream: stream}})
}

// ConferenceTwiML joins a call into the named conference.
func ConferenceTwiML(name, statusCallback string) string {
	return renderTwiML(twimlResponse{Dial: &twimlDial{Conference: twimlConference{
		Name:                   name,
		StatusCallback:         statusCallback,
		StatusCallbackEvent:    "join leave end",
		EndConferenceOnExit:    true,
		StartConferenceOnEnter: true,
	}}})
}
