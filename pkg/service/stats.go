package service

import (
	"sort"

	"github.com/openfroyo/linkval/pkg/cache"
	"github.com/openfroyo/linkval/pkg/engine"
	"github.com/openfroyo/linkval/pkg/guard"
	"github.com/openfroyo/linkval/pkg/warmer"
)

// ValidationStats counts Validate calls by outcome.
type ValidationStats struct {
	Total   uint64 `json:"total"`
	Valid   uint64 `json:"valid"`
	Invalid uint64 `json:"invalid"`
	Failed  uint64 `json:"failed"`
}

// SchemaInfo describes one loaded schema.
type SchemaInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Hash    string `json:"hash"`
	Classes int    `json:"classes"`
}

// Statistics is a point-in-time snapshot of the service.
type Statistics struct {
	Panics      guard.PanicStats `json:"panics"`
	Errors      guard.ErrorStats `json:"errors"`
	Cache       cache.Stats      `json:"cache"`
	Warmer      warmer.Stats     `json:"warmer"`
	Validations ValidationStats  `json:"validations"`
	Schemas     []SchemaInfo     `json:"schemas"`
	Persistent  bool             `json:"persistent"`
}

// Statistics returns panic, error, cache, warmer and validation counters.
func (s *Service) Statistics() Statistics {
	return Statistics{
		Panics: s.wrapper.Stats(),
		Errors: s.guard.Stats(),
		Cache:  s.cache.Stats(),
		Warmer: s.warmer.Stats(),
		Validations: ValidationStats{
			Total:   s.validations.Load(),
			Valid:   s.valid.Load(),
			Invalid: s.invalid.Load(),
			Failed:  s.failed.Load(),
		},
		Schemas:    s.Schemas(),
		Persistent: s.store != nil,
	}
}

// Schemas lists the loaded schemas ordered by ID.
func (s *Service) Schemas() []SchemaInfo {
	var out []SchemaInfo
	s.resolvers.Range(func(_, v any) bool {
		r := v.(*engine.Resolver)
		schema := r.Schema()
		out = append(out, SchemaInfo{
			ID:      schema.ID,
			Name:    schema.Name,
			Version: schema.Version,
			Hash:    r.SchemaHash(),
			Classes: len(schema.Classes),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
