package main

import (
	"spatialserver/internal/capability"
	"spatialserver/internal/config"
	"spatialserver/internal/mlbackend"
	"spatialserver/internal/procrunner"
)

// defaultQuality is the self-reported quality score for the single
// registered backend of each capability kind; multiple competing
// backends would differentiate here so Registry.Select can rank them.
const defaultQuality = 1.0

func newLocalFeatureBackend(cfg *config.Config, tools *procrunner.Manager) capability.LocalFeatureExtractor {
	return mlbackend.NewLocalFeatureBackend(tools, cfg.Tools.LocalFeatures, defaultQuality)
}

func newGlobalDescriptorBackend(cfg *config.Config, tools *procrunner.Manager) capability.GlobalDescriptorExtractor {
	return mlbackend.NewGlobalDescriptorBackend(tools, cfg.Tools.GlobalDescriptor, defaultQuality)
}

func newMatcherBackend(cfg *config.Config, tools *procrunner.Manager) capability.Matcher {
	return mlbackend.NewMatcherBackend(tools, cfg.Tools.Matcher, defaultQuality)
}

func newPnPBackend(cfg *config.Config, tools *procrunner.Manager) capability.PnPSolver {
	return mlbackend.NewPnPBackend(tools, cfg.Tools.PnPSolver, defaultQuality)
}
