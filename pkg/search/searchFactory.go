package search

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/boostcampwm2025/web06-locus-sub000/pkg/config"
)

func NewEngine(cfg config.SearchSettings, logger *zap.Logger) (Engine, error) {
	switch cfg.Type {
	case "elasticsearch":
		return newElasticEngine(cfg, nil, logger)
	case "memory":
		return NewMemoryEngine(), nil
	default:
		return nil, fmt.Errorf("unsupported search engine: %s", cfg.Type)
	}
}
