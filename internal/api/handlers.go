package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/routecodex/internal/config"
	"github.com/router-for-me/routecodex/internal/pipeline"
)

// blueprint assembles the per-request node chain. Response-phase nodes are
// listed conversion-first so the orchestrator's reverse walk shapes the
// provider payload before converting it to the client protocol.
func (s *Server) blueprint() []pipeline.Node {
	return []pipeline.Node{
		pipeline.NewConversionNode(s.facade, pipeline.PhaseRequest),
		pipeline.NewPassthroughNode(pipeline.StageWorkflow, pipeline.PhaseRequest),
		pipeline.NewCompatibilityNode(s.shaper, pipeline.PhaseRequest),
		pipeline.NewProviderNode(s.providers),
		pipeline.NewConversionNode(s.facade, pipeline.PhaseResponse),
		pipeline.NewCompatibilityNode(s.shaper, pipeline.PhaseResponse),
	}
}

// buildDTO reads the request body and assembles the pipeline envelope with
// the metadata the downstream stages key on.
func (s *Server) buildDTO(c *gin.Context, entryEndpoint string) (*pipeline.DTO, []byte, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, nil, err
	}
	d := pipeline.NewDTO(body)
	d.SetMeta(pipeline.MetaEntryEndpoint, entryEndpoint)
	d.SetMeta(pipeline.MetaStream, gjson.GetBytes(body, "stream").Bool())
	if ua := c.GetHeader("User-Agent"); ua != "" {
		d.SetMeta(pipeline.MetaUserAgent, ua)
	}
	if sid := c.GetHeader("X-Session-Id"); sid != "" {
		d.SetMeta(pipeline.MetaSessionID, sid)
	}
	if tmux := c.GetHeader("X-Tmux-Session-Id"); tmux != "" {
		d.SetMeta(pipeline.MetaTmuxSessionID, tmux)
	}
	if wd := c.GetHeader("X-Workdir"); wd != "" {
		d.SetMeta(pipeline.MetaWorkdir, wd)
	}
	d.Debug = pipeline.Debug{Enabled: s.cfg.Snapshots.Enabled || s.cfg.Debug, Stages: stageSet(s.cfg.Snapshots.Stages)}
	return d, body, nil
}

func stageSet(stages []string) map[string]bool {
	if len(stages) == 0 {
		return nil
	}
	set := make(map[string]bool, len(stages))
	for _, stage := range stages {
		set[stage] = true
	}
	return set
}

// routeHint extracts the explicit route name: X-Route header first, then a
// top-level "route" field, which is stripped before the payload goes upstream.
func routeHint(c *gin.Context, d *pipeline.DTO) string {
	if h := c.GetHeader("X-Route"); h != "" {
		return h
	}
	if r := gjson.GetBytes(d.Data, "route"); r.Type == gjson.String {
		if out, err := sjson.DeleteBytes(d.Data, "route"); err == nil {
			d.Data = out
		}
		return r.String()
	}
	return ""
}

// handleEntry is the shared handler for the three conversational endpoints.
func (s *Server) handleEntry(entryEndpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, body, err := s.buildDTO(c, entryEndpoint)
		if err != nil {
			writeError(c, d, err)
			return
		}
		if !gjson.ValidBytes(body) {
			writeValidationError(c, d, "request body is not valid JSON")
			return
		}
		s.run(c, d, routeHint(c, d), gjson.GetBytes(body, "model").String())
	}
}

// handleSubmitToolOutputs always streams; the response id from the path is
// carried in metadata for the codec.
func (s *Server) handleSubmitToolOutputs(c *gin.Context) {
	d, body, err := s.buildDTO(c, "/v1/responses")
	if err != nil {
		writeError(c, d, err)
		return
	}
	if !gjson.ValidBytes(body) {
		writeValidationError(c, d, "request body is not valid JSON")
		return
	}
	d.SetMeta(pipeline.MetaStream, true)
	d.SetMeta(pipeline.MetaResponseIDFromPath, c.Param("id"))
	s.run(c, d, routeHint(c, d), gjson.GetBytes(body, "model").String())
}

// handleEmbeddings forwards the payload without protocol conversion or
// synthesis: embeddings are OpenAI-shaped end to end. The upstream endpoint
// meta steers the provider away from its protocol-default chat path.
func (s *Server) handleEmbeddings(c *gin.Context) {
	d, body, err := s.buildDTO(c, "/v1/chat/completions")
	if err != nil {
		writeError(c, d, err)
		return
	}
	if !gjson.ValidBytes(body) {
		writeValidationError(c, d, "request body is not valid JSON")
		return
	}
	d.SetMeta(pipeline.MetaStream, false)
	d.SetMeta(pipeline.MetaUpstreamEndpoint, "/v1/embeddings")
	s.run(c, d, routeHint(c, d), gjson.GetBytes(body, "model").String())
}

// run drives the retry engine and writes the response in the client protocol.
func (s *Server) run(c *gin.Context, d *pipeline.DTO, hint, model string) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), config.PipelineMaxWait())
	defer cancel()

	err := s.router.Execute(ctx, d, s.blueprint(), hint, model)
	if err != nil {
		writeError(c, d, err)
		return
	}

	if d.MetaBool(pipeline.MetaStream) {
		s.writeStream(c, d)
		return
	}

	s.recordUsage(d)
	c.Header("x-request-id", d.Route.RequestID)
	c.Data(http.StatusOK, "application/json", d.Data)
}

func (s *Server) recordUsage(d *pipeline.DTO) {
	if d.HasStream() {
		return
	}
	parsed := gjson.ParseBytes(d.Data)
	finish := parsed.Get("choices.0.finish_reason").String()
	if finish == "" {
		finish = parsed.Get("stop_reason").String()
	}
	prompt := parsed.Get("usage.prompt_tokens").Int() + parsed.Get("usage.input_tokens").Int()
	completion := parsed.Get("usage.completion_tokens").Int() + parsed.Get("usage.output_tokens").Int()
	s.usage.RecordRequest(d.Route.ProviderKey, finish, prompt, completion)
}

// handleModels aggregates the supported model lists of all providers into an
// OpenAI-style model listing.
func (s *Server) handleModels(c *gin.Context) {
	type model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	var models []model
	seen := make(map[string]bool)
	for id, p := range s.cfg.Providers {
		names := p.Metadata.SupportedModels
		if len(names) == 0 && p.Metadata.DefaultModel != "" {
			names = []string{p.Metadata.DefaultModel}
		}
		for _, name := range names {
			if seen[name] {
				continue
			}
			seen[name] = true
			models = append(models, model{ID: name, Object: "model", OwnedBy: id})
		}
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": models})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleConfig exposes the running configuration with secrets redacted.
func (s *Server) handleConfig(c *gin.Context) {
	redacted := gin.H{
		"host":      s.cfg.Host,
		"port":      s.cfg.Port,
		"debug":     s.cfg.Debug,
		"routes":    s.cfg.Routes,
		"providers": redactProviders(s.cfg.Providers),
	}
	c.JSON(http.StatusOK, redacted)
}

func redactProviders(providers map[string]*config.ProviderProfile) map[string]gin.H {
	out := make(map[string]gin.H, len(providers))
	for id, p := range providers {
		out[id] = gin.H{
			"protocol":              p.Protocol,
			"base-url":              p.Transport.BaseURL,
			"auth-kind":             p.Auth.Kind,
			"compatibility-profile": p.CompatibilityProfile,
			"default-model":         p.Metadata.DefaultModel,
			"supported-models":      p.Metadata.SupportedModels,
		}
	}
	return out
}

// stopIntent is the marker written by POST /shutdown and consumed at startup.
type stopIntent struct {
	Port          int    `json:"port"`
	RequestedAtMs int64  `json:"requestedAtMs"`
	Source        string `json:"source"`
	PID           int    `json:"pid,omitempty"`
}

// StopMarkerPath returns the stop-intent marker location for a port.
func StopMarkerPath(port int) string {
	return config.ExpandPath(filepath.Join("~/.routecodex", "daemon-stop-"+strconv.Itoa(port)+".json"))
}

// handleShutdown accepts only loopback callers, writes the stop-intent
// marker, and exits shortly after the response is flushed.
func (s *Server) handleShutdown(c *gin.Context) {
	if !isLocalhost(c.Request.RemoteAddr) {
		c.JSON(http.StatusForbidden, gin.H{
			"error": gin.H{"message": "shutdown is localhost-only", "type": "permission_error", "code": "forbidden"},
		})
		return
	}

	marker := stopIntent{
		Port:          s.cfg.Port,
		RequestedAtMs: time.Now().UnixMilli(),
		Source:        "http",
		PID:           os.Getpid(),
	}
	if data, err := json.Marshal(marker); err == nil {
		path := StopMarkerPath(s.cfg.Port)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
			_ = os.WriteFile(path, data, 0o644)
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "stopping"})
	go func() {
		time.Sleep(50 * time.Millisecond)
		log.Info("shutdown requested, exiting")
		os.Exit(0)
	}()
}

// ConsumeStopMarker deletes a stop-intent marker younger than 60s and reports
// whether one was consumed. Called at startup so a stale daemon-stop request
// does not outlive the process it targeted.
func ConsumeStopMarker(port int) bool {
	path := StopMarkerPath(port)
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var marker stopIntent
	if err := json.Unmarshal(data, &marker); err != nil {
		_ = os.Remove(path)
		return false
	}
	age := time.Since(time.UnixMilli(marker.RequestedAtMs))
	_ = os.Remove(path)
	return age >= 0 && age < 60*time.Second
}
