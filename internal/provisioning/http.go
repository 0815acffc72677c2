package provisioning

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/nerrad567/tag-gateway/internal/credential"
)

// Registration operation states reported by the authority.
const (
	statusAssigning  = "assigning"
	statusAssigned   = "assigned"
	statusFailed     = "failed"
	statusDisabled   = "disabled"
	statusUnassigned = "unassigned"
)

const (
	defaultAPIVersion   = "2021-06-01"
	defaultPollInterval = 2 * time.Second
	defaultMaxPolls     = 10
	defaultTokenTTL     = time.Hour

	// registrationKeyName is the policy name the authority expects on
	// registration signatures.
	registrationKeyName = "registration"

	sessionHeader = "X-Session-Id"
)

// HTTPConfig configures HTTPAuthority.
type HTTPConfig struct {
	// Host is the authority's base URL, e.g. https://global.azure-devices-provisioning.net.
	Host    string
	IDScope string

	// HubScheme is the scheme used for the assigned hub. Default "https".
	HubScheme  string
	APIVersion string

	PollInterval time.Duration
	MaxPolls     int

	// TokenTTL is how long each shared access signature stays valid.
	TokenTTL time.Duration

	// HTTPClient overrides the transport; nil uses resty's default.
	HTTPClient *http.Client
}

// HTTPAuthority implements Authority over the authority's REST profile.
type HTTPAuthority struct {
	cfg    HTTPConfig
	client *resty.Client
	now    func() time.Time
}

// NewHTTPAuthority creates a REST authority client.
func NewHTTPAuthority(cfg HTTPConfig) *HTTPAuthority {
	if cfg.HubScheme == "" {
		cfg.HubScheme = "https"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = defaultMaxPolls
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	cfg.Host = strings.TrimRight(cfg.Host, "/")

	var client *resty.Client
	if cfg.HTTPClient != nil {
		client = resty.NewWithClient(cfg.HTTPClient)
	} else {
		client = resty.New()
	}
	client.
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &HTTPAuthority{cfg: cfg, client: client, now: time.Now}
}

// registrationRequest is the body of a register call.
type registrationRequest struct {
	RegistrationID string `json:"registrationId"`
}

// registrationOperation is the authority's view of an in-progress registration.
type registrationOperation struct {
	OperationID       string             `json:"operationId"`
	Status            string             `json:"status"`
	RegistrationState *registrationState `json:"registrationState,omitempty"`
}

type registrationState struct {
	RegistrationID string `json:"registrationId"`
	AssignedHub    string `json:"assignedHub"`
	DeviceID       string `json:"deviceId"`
	Status         string `json:"status"`
	ErrorCode      int    `json:"errorCode,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

// RequestRegistration registers the device and polls until the authority
// has assigned it or the poll budget runs out.
func (a *HTTPAuthority) RequestRegistration(ctx context.Context, deviceID string, key []byte) (AssignedIdentity, error) {
	resource := a.cfg.IDScope + "/registrations/" + deviceID
	token := credential.SASToken(key, resource, registrationKeyName, a.now().Add(a.cfg.TokenTTL))
	base := a.cfg.Host + "/" + url.PathEscape(a.cfg.IDScope) + "/registrations/" + url.PathEscape(deviceID)

	var op registrationOperation
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Authorization", token).
		SetQueryParam("api-version", a.cfg.APIVersion).
		SetBody(registrationRequest{RegistrationID: deviceID}).
		SetResult(&op).
		Put(base + "/register")
	if err := classifyRegistration(resp, err); err != nil {
		return AssignedIdentity{}, err
	}

	for polls := 0; op.Status == statusAssigning; polls++ {
		if polls >= a.cfg.MaxPolls {
			return AssignedIdentity{}, fmt.Errorf("%w: still assigning after %d polls", ErrAuthorityUnreachable, polls)
		}
		if err := sleepCtx(ctx, a.cfg.PollInterval); err != nil {
			return AssignedIdentity{}, fmt.Errorf("%w: %w", ErrAuthorityUnreachable, err)
		}

		opID := op.OperationID
		op = registrationOperation{}
		resp, err = a.client.R().
			SetContext(ctx).
			SetHeader("Authorization", token).
			SetQueryParam("api-version", a.cfg.APIVersion).
			SetResult(&op).
			Get(base + "/operations/" + url.PathEscape(opID))
		if err := classifyRegistration(resp, err); err != nil {
			return AssignedIdentity{}, err
		}
	}

	switch op.Status {
	case statusAssigned:
		if op.RegistrationState == nil || op.RegistrationState.AssignedHub == "" {
			return AssignedIdentity{}, fmt.Errorf("%w: assigned without a hub", ErrProvisioningRejected)
		}
		id := op.RegistrationState.DeviceID
		if id == "" {
			id = deviceID
		}
		return AssignedIdentity{DeviceID: id, AssignedHub: op.RegistrationState.AssignedHub}, nil
	case statusFailed, statusDisabled, statusUnassigned:
		msg := ""
		if op.RegistrationState != nil {
			msg = op.RegistrationState.ErrorMessage
		}
		return AssignedIdentity{}, fmt.Errorf("%w: status %s %s", ErrProvisioningRejected, op.Status, msg)
	default:
		return AssignedIdentity{}, fmt.Errorf("%w: unexpected status %q", ErrAuthorityUnreachable, op.Status)
	}
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
}

// Connect opens a device session on the assigned hub.
func (a *HTTPAuthority) Connect(ctx context.Context, identity AssignedIdentity, key []byte) (Session, error) {
	resource := identity.AssignedHub + "/devices/" + identity.DeviceID
	token := credential.SASToken(key, resource, "", a.now().Add(a.cfg.TokenTTL))
	base := a.cfg.HubScheme + "://" + identity.AssignedHub + "/devices/" + url.PathEscape(identity.DeviceID)

	var out sessionResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Authorization", token).
		SetQueryParam("api-version", a.cfg.APIVersion).
		SetResult(&out).
		Post(base + "/sessions")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionRejected, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: hub returned %d", ErrConnectionRejected, resp.StatusCode())
	}
	if out.SessionID == "" {
		return nil, fmt.Errorf("%w: no session id", ErrConnectionRejected)
	}

	return &httpSession{authority: a, base: base, token: token, id: out.SessionID}, nil
}

// httpSession is a hub session opened by HTTPAuthority.Connect.
type httpSession struct {
	authority *HTTPAuthority
	base      string
	token     string
	id        string
}

type twinResponse struct {
	Properties struct {
		Desired DesiredProperties `json:"desired"`
	} `json:"properties"`
}

// FetchDesiredState reads the device twin's desired properties.
func (s *httpSession) FetchDesiredState(ctx context.Context) (DesiredProperties, error) {
	var twin twinResponse
	resp, err := s.authority.client.R().
		SetContext(ctx).
		SetHeader("Authorization", s.token).
		SetHeader(sessionHeader, s.id).
		SetQueryParam("api-version", s.authority.cfg.APIVersion).
		SetResult(&twin).
		Get(s.base + "/twin")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStateUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: hub returned %d", ErrStateUnavailable, resp.StatusCode())
	}
	return twin.Properties.Desired, nil
}

// Release deletes the session on the hub.
func (s *httpSession) Release(ctx context.Context) error {
	resp, err := s.authority.client.R().
		SetContext(ctx).
		SetHeader("Authorization", s.token).
		SetQueryParam("api-version", s.authority.cfg.APIVersion).
		Delete(s.base + "/sessions/" + url.PathEscape(s.id))
	if err != nil {
		return fmt.Errorf("releasing session: %w", err)
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("releasing session: hub returned %d", resp.StatusCode())
	}
	return nil
}

// classifyRegistration maps a registration call result onto a failure kind.
// 4xx other than 429 is a rejection; everything else that failed means the
// authority could not be reached.
func classifyRegistration(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthorityUnreachable, err)
	}
	code := resp.StatusCode()
	switch {
	case code >= http.StatusOK && code < http.StatusMultipleChoices:
		return nil
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return fmt.Errorf("%w: authority returned %d", ErrAuthorityUnreachable, code)
	case code >= http.StatusBadRequest:
		return fmt.Errorf("%w: authority returned %d", ErrProvisioningRejected, code)
	default:
		return fmt.Errorf("%w: unexpected status %d", ErrAuthorityUnreachable, code)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Authority = (*HTTPAuthority)(nil)
