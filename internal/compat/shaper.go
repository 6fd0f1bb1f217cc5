package compat

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/routecodex/internal/config"
	"github.com/router-for-me/routecodex/internal/pipeline"
)

// metaCommandSchemas is the DTO metadata key carrying the declared command
// schemas from request shaping to response shaping.
const metaCommandSchemas = "commandSchemas"

// builtinBundles are the shape-filter bundles shipped with the gateway,
// keyed by compatibility profile name.
var builtinBundles = map[string]*Bundle{
	"iflow": {
		Request: []FilterRule{
			{Op: "supply-defaults", Defaults: map[string]any{"stream": false}},
		},
		RequestHooks:  []string{"iflow-request"},
		ResponseHooks: []string{"glm-response"},
	},
	"glm": {
		ResponseHooks: []string{"glm-response"},
	},
}

// Shaper resolves and applies the compatibility bundle for the routed
// provider. It implements the pipeline's shaping contract.
type Shaper struct {
	providers map[string]*config.ProviderProfile
	bundles   map[string]*Bundle
}

// NewShaper builds a Shaper for the given provider set, loading file-based
// bundles eagerly so bad paths fail at startup.
func NewShaper(providers map[string]*config.ProviderProfile) (*Shaper, error) {
	s := &Shaper{
		providers: providers,
		bundles:   make(map[string]*Bundle),
	}
	for id, p := range providers {
		profile := p.CompatibilityProfile
		if profile == "" {
			continue
		}
		bundle, err := resolveBundle(profile)
		if err != nil {
			return nil, fmt.Errorf("compat: provider %s: %w", id, err)
		}
		s.bundles[id] = bundle
	}
	return s, nil
}

// resolveBundle treats a profile value ending in .json as a file path and
// anything else as a builtin bundle name.
func resolveBundle(profile string) (*Bundle, error) {
	if strings.HasSuffix(profile, ".json") {
		return LoadBundle(filepath.Clean(config.ExpandPath(profile)))
	}
	bundle, ok := builtinBundles[profile]
	if !ok {
		return nil, fmt.Errorf("unknown compatibility profile %q", profile)
	}
	return bundle, nil
}

func (s *Shaper) bundleFor(d *pipeline.DTO) *Bundle {
	bundle, ok := s.bundles[d.Route.ProviderID]
	if !ok {
		return nil
	}
	if !bundle.Matches(d.Route.ProviderID, d.MetaString(pipeline.MetaProviderProtocol)) {
		return nil
	}
	return bundle
}

// ShapeRequest applies the request filter chain and hooks, and records the
// declared command schemas for the response pass.
func (s *Shaper) ShapeRequest(_ context.Context, d *pipeline.DTO) error {
	if schemas := CollectCommandSchemas(d.Data); len(schemas) > 0 {
		d.SetMeta(metaCommandSchemas, schemas)
	}

	bundle := s.bundleFor(d)
	if bundle == nil {
		return nil
	}
	out, err := Apply(d.Data, bundle.Request)
	if err != nil {
		return err
	}
	for _, name := range bundle.RequestHooks {
		hook, ok := builtinHooks[name]
		if !ok {
			log.Warnf("compat: unknown request hook %q for provider %s", name, d.Route.ProviderID)
			continue
		}
		out, err = hook(out)
		if err != nil {
			return err
		}
	}
	d.Data = out
	return nil
}

// ShapeResponse applies the response filter chain and hooks, then coerces
// tool-call arguments back to the declared command schemas.
func (s *Shaper) ShapeResponse(_ context.Context, d *pipeline.DTO) error {
	out := d.Data

	if bundle := s.bundleFor(d); bundle != nil {
		var err error
		out, err = Apply(out, bundle.Response)
		if err != nil {
			return err
		}
		for _, name := range bundle.ResponseHooks {
			hook, ok := builtinHooks[name]
			if !ok {
				log.Warnf("compat: unknown response hook %q for provider %s", name, d.Route.ProviderID)
				continue
			}
			out, err = hook(out)
			if err != nil {
				return err
			}
		}
	}

	if schemas, ok := d.Metadata[metaCommandSchemas].(map[string]CommandSchema); ok {
		var err error
		out, err = CoerceToolArguments(out, schemas)
		if err != nil {
			return err
		}
	}
	d.Data = out
	return nil
}
