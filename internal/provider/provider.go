// Package provider executes exactly one upstream call per pipeline pass:
// binds credentials, builds the provider request, invokes the transport, and
// normalizes failures into structured error events.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/routecodex/internal/config"
	"github.com/router-for-me/routecodex/internal/logging"
	"github.com/router-for-me/routecodex/internal/oauth"
	"github.com/router-for-me/routecodex/internal/pipeline"
	"github.com/router-for-me/routecodex/internal/transport"
)

// Structured error event codes emitted to the event log.
const (
	CodeCompatibility   = "ERR_COMPATIBILITY"
	CodeProviderFailure = "ERR_PROVIDER_FAILURE"
	CodePipelineFailure = "ERR_PIPELINE_FAILURE"
)

// errorEvent is the structured record written on provider failure.
type errorEvent struct {
	Code        string `json:"code"`
	Stage       string `json:"stage"`
	Runtime     string `json:"runtime"`
	Status      int    `json:"status,omitempty"`
	Recoverable bool   `json:"recoverable"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
}

// Handle is the runtime view of one configured provider: its profile plus a
// transport client carrying the provider's timeout and retry settings.
type Handle struct {
	ProviderID string
	Profile    *config.ProviderProfile
	Client     *transport.Client
}

// Registry owns one Handle per configured provider. Rebuilt whole on config
// reload; the pipeline holds it only through the Invoker interface.
type Registry struct {
	handles map[string]*Handle
	oauth   *oauth.Manager
	events  *logging.EventLogger
}

// NewRegistry builds handles for every configured provider.
func NewRegistry(cfg *config.Config, oauthManager *oauth.Manager, events *logging.EventLogger) *Registry {
	handles := make(map[string]*Handle, len(cfg.Providers))
	for id, profile := range cfg.Providers {
		timeout := time.Duration(profile.Transport.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = config.RequestTimeout()
		}
		handles[id] = &Handle{
			ProviderID: id,
			Profile:    profile,
			Client: transport.NewClient(transport.Options{
				Timeout:    timeout,
				MaxRetries: profile.Transport.MaxRetries,
				ProxyURL:   cfg.ProxyURL,
			}),
		}
	}
	return &Registry{handles: handles, oauth: oauthManager, events: events}
}

// Handle returns the runtime handle for a provider id.
func (r *Registry) Handle(providerID string) (*Handle, bool) {
	h, ok := r.handles[providerID]
	return h, ok
}

// defaultEndpoint maps a provider protocol to its conventional path.
func defaultEndpoint(protocol string) string {
	switch protocol {
	case "anthropic":
		return "/v1/messages"
	case "responses":
		return "/v1/responses"
	default:
		return "/v1/chat/completions"
	}
}

// requestURL builds the upstream URL: an absolute endpoint wins, then the
// profile's endpoint, then the request's own path override, then the protocol
// default, appended to the base URL.
func requestURL(t config.TransportConfig, protocol, override string) string {
	if strings.HasPrefix(t.Endpoint, "http") {
		return t.Endpoint
	}
	endpoint := t.Endpoint
	if endpoint == "" {
		endpoint = override
	}
	if endpoint == "" {
		endpoint = defaultEndpoint(protocol)
	}
	return strings.TrimSuffix(t.BaseURL, "/") + "/" + strings.TrimPrefix(endpoint, "/")
}

// iflowHeaders are the client-identity headers iFlow expects.
var iflowHeaders = map[string]string{
	"User-Agent":       "iflow-cli/2.0",
	"X-Requested-With": "XMLHttpRequest",
	"Origin":           "https://iflow.cn",
	"Referer":          "https://iflow.cn/oauth",
}

// buildHeaders assembles the outgoing header set: profile headers, provider
// quirks, then the credential.
func (r *Registry) buildHeaders(ctx context.Context, h *Handle) (map[string]string, error) {
	headers := make(map[string]string, len(h.Profile.Transport.Headers)+5)
	for k, v := range h.Profile.Transport.Headers {
		headers[k] = v
	}
	if strings.HasPrefix(strings.ToLower(h.ProviderID), "iflow") {
		for k, v := range iflowHeaders {
			if _, set := headers[k]; !set {
				headers[k] = v
			}
		}
	}

	switch h.Profile.Auth.Kind {
	case "apikey":
		key := h.Profile.Auth.APIKey.ResolveAPIKey()
		if key == "" {
			return nil, &transport.ProviderError{
				Type:    transport.ErrorTypeAuthentication,
				Message: fmt.Sprintf("provider %s: api key not resolvable", h.ProviderID),
			}
		}
		if h.Profile.Protocol == "anthropic" {
			headers["x-api-key"] = key
		} else {
			headers["Authorization"] = "Bearer " + key
		}
	case "oauth":
		rec, err := r.oauth.EnsureValid(ctx, h.ProviderID, &h.Profile.Auth.OAuth, oauth.Options{})
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", h.ProviderID, err)
		}
		headers["Authorization"] = "Bearer " + rec.BearerValue(h.ProviderID)
	}
	return headers, nil
}

// Invoke implements the pipeline's provider step: one upstream call, with a
// single same-target replay when an invalid-token error is repaired.
func (r *Registry) Invoke(ctx context.Context, d *pipeline.DTO) error {
	h, ok := r.handles[d.Route.ProviderID]
	if !ok {
		return fmt.Errorf("provider %q not configured", d.Route.ProviderID)
	}

	// The route's model wins over whatever the client sent.
	if d.Route.ModelID != "" {
		if out, err := sjson.SetBytes(d.Data, "model", d.Route.ModelID); err == nil {
			d.Data = out
		}
	}

	err := r.call(ctx, h, d)
	if err != nil && h.Profile.Auth.Kind == "oauth" {
		if r.oauth.HandleUpstreamInvalid(ctx, h.ProviderID, &h.Profile.Auth.OAuth, err) {
			log.Infof("provider %s: credentials repaired, replaying call", h.ProviderID)
			err = r.call(ctx, h, d)
		}
	}
	if err != nil {
		r.emitError(d, h, err)
		return err
	}
	return nil
}

func (r *Registry) call(ctx context.Context, h *Handle, d *pipeline.DTO) error {
	headers, err := r.buildHeaders(ctx, h)
	if err != nil {
		return err
	}
	url := requestURL(h.Profile.Transport, h.Profile.Protocol, d.MetaString(pipeline.MetaUpstreamEndpoint))

	if d.MetaBool(pipeline.MetaStream) {
		stream, err := h.Client.DoStream(ctx, url, d.Data, headers)
		if err != nil {
			return err
		}
		d.Stream = stream
		d.Data = nil
		return nil
	}

	resp, err := h.Client.Do(ctx, http.MethodPost, url, d.Data, headers)
	if err != nil {
		return err
	}
	d.Data = resp.Body
	d.Stream = nil
	return nil
}

// Reauthorize runs the forced interactive OAuth path for a provider. Called
// by the retry engine on a reauth classification before rotating.
func (r *Registry) Reauthorize(ctx context.Context, providerID string) error {
	h, ok := r.handles[providerID]
	if !ok || h.Profile.Auth.Kind != "oauth" {
		return nil
	}
	_, err := r.oauth.EnsureValid(ctx, providerID, &h.Profile.Auth.OAuth, oauth.Options{
		ForceReacquireIfRefreshFails: true,
		BypassThrottle:               true,
	})
	return err
}

func (r *Registry) emitError(d *pipeline.DTO, h *Handle, err error) {
	event := errorEvent{
		Code:        CodeProviderFailure,
		Stage:       "provider",
		Runtime:     d.Route.ProviderKey,
		Recoverable: true,
		Severity:    "error",
		Message:     err.Error(),
	}
	var perr *transport.ProviderError
	if errors.As(err, &perr) {
		event.Status = perr.StatusCode
		event.Recoverable = perr.Retryable || perr.StatusCode == 429
	}
	payload, merr := json.Marshal(event)
	if merr != nil {
		return
	}
	r.events.Record(d.Route.RequestID, "provider-error", string(payload))
}
