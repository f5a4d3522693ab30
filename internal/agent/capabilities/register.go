package capabilities

import (
	"github.com/querypilot/querypilot/config"
	"github.com/querypilot/querypilot/internal/agent/core"
	"github.com/querypilot/querypilot/internal/capability"
	"github.com/querypilot/querypilot/internal/events"
	"github.com/querypilot/querypilot/internal/queryengine"
)

// RegisterAll wires every built-in capability into the registry.
func RegisterAll(reg *capability.Registry, cfg *config.Config, llm core.LLMProvider, engine *queryengine.Engine, sink events.Sink) error {
	analytics := NewAnalytics(cfg, llm, engine, sink)
	if err := reg.Register(analytics.Descriptor(), analytics); err != nil {
		return err
	}
	search := NewTextSearch(cfg, llm, engine, sink)
	if err := reg.Register(search.Descriptor(), search); err != nil {
		return err
	}
	segmentation := NewSegmentation(cfg, llm, engine, sink)
	if err := reg.Register(segmentation.Descriptor(), segmentation); err != nil {
		return err
	}
	discovery := NewDiscovery(cfg, llm, sink)
	if err := reg.Register(discovery.Descriptor(), discovery); err != nil {
		return err
	}
	return nil
}
