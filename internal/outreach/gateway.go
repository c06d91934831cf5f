package outreach

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxErrorBody = 4 << 10

// Gateway is a JSON-over-HTTP client for the outreach gateway, which fronts the
// calendar, mail, drive, telephony, speech and avatar providers and holds each
// user's provider credentials.
type Gateway struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewGateway builds a gateway client. A zero timeout defaults to 30s.
func NewGateway(baseURL, token string, timeout time.Duration) *Gateway {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type credentialsResponse struct {
	Calendar bool `json:"calendar"`
	Mail     bool `json:"mail"`
	Drive    bool `json:"drive"`
	SMS      bool `json:"sms"`
	Voice    bool `json:"voice"`
	Speech   bool `json:"speech"`
	Avatar   bool `json:"avatar"`
}

// Resolve asks the gateway which providers the user has connected and returns
// capabilities bound to that user. Unconnected providers are left nil.
func (g *Gateway) Resolve(ctx context.Context, userID, orgID string) (Capabilities, error) {
	var creds credentialsResponse
	c := &gatewayCaller{g: g, userID: userID, orgID: orgID}
	if err := c.call(ctx, http.MethodGet, "/v1/credentials", nil, &creds); err != nil {
		return Capabilities{}, err
	}
	var caps Capabilities
	if creds.Calendar {
		caps.Calendar = c
	}
	if creds.Mail {
		caps.Mail = c
	}
	if creds.Drive {
		caps.Drive = c
	}
	if creds.SMS {
		caps.SMS = c
	}
	if creds.Voice {
		caps.Voice = c
	}
	if creds.Speech {
		caps.Speech = c
	}
	if creds.Avatar {
		caps.Avatar = c
	}
	return caps, nil
}

// gatewayCaller implements every capability on behalf of one user.
type gatewayCaller struct {
	g      *Gateway
	userID string
	orgID  string
}

func (c *gatewayCaller) CheckAvailability(ctx context.Context, req AvailabilityRequest) ([]Slot, error) {
	var out struct {
		Slots []Slot `json:"slots"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/calendar/availability", req, &out); err != nil {
		return nil, err
	}
	if len(out.Slots) == 0 {
		return nil, ErrNoSlot
	}
	return out.Slots, nil
}

func (c *gatewayCaller) CreateEvent(ctx context.Context, req EventRequest) (Event, error) {
	var out Event
	err := c.call(ctx, http.MethodPost, "/v1/calendar/events", req, &out)
	return out, err
}

func (c *gatewayCaller) SendEmail(ctx context.Context, msg Email) (MailResult, error) {
	var out MailResult
	err := c.call(ctx, http.MethodPost, "/v1/mail/send", msg, &out)
	return out, err
}

func (c *gatewayCaller) CreateDraft(ctx context.Context, msg Email) (MailResult, error) {
	var out MailResult
	err := c.call(ctx, http.MethodPost, "/v1/mail/drafts", msg, &out)
	return out, err
}

func (c *gatewayCaller) CreateFolder(ctx context.Context, req FolderRequest) (Folder, error) {
	var out Folder
	err := c.call(ctx, http.MethodPost, "/v1/drive/folders", req, &out)
	return out, err
}

func (c *gatewayCaller) SendSMS(ctx context.Context, msg SMSMessage) (Delivery, error) {
	var out Delivery
	err := c.call(ctx, http.MethodPost, "/v1/sms", msg, &out)
	return out, err
}

func (c *gatewayCaller) PlaceCall(ctx context.Context, req CallRequest) (Delivery, error) {
	var out Delivery
	err := c.call(ctx, http.MethodPost, "/v1/calls", req, &out)
	return out, err
}

func (c *gatewayCaller) Synthesize(ctx context.Context, req SpeechRequest) (Audio, error) {
	var out Audio
	err := c.call(ctx, http.MethodPost, "/v1/speech", req, &out)
	return out, err
}

func (c *gatewayCaller) GenerateVideo(ctx context.Context, req VideoRequest) (Delivery, error) {
	var out Delivery
	err := c.call(ctx, http.MethodPost, "/v1/avatar/videos", req, &out)
	return out, err
}

func (c *gatewayCaller) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.g.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", c.userID)
	if c.orgID != "" {
		req.Header.Set("X-Org-ID", c.orgID)
	}
	if c.g.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.g.token)
	}

	resp, err := c.g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &ProviderError{Capability: path, Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
