package region

import (
	"fmt"
	"sort"

	"github.com/example/driver-dispatch/internal/models"
)

// Registry is a static, read-only lookup of valid service regions. It is the
// leaf dependency for everything that scopes work by region.
type Registry struct {
	byID map[string]models.Region
}

type UnknownRegionError struct{ ID string }

func (e *UnknownRegionError) Error() string { return fmt.Sprintf("unknown region %q", e.ID) }

func NewRegistry(regions []models.Region) *Registry {
	byID := make(map[string]models.Region, len(regions))
	for _, r := range regions {
		byID[r.ID] = r
	}
	return &Registry{byID: byID}
}

func (r *Registry) Lookup(id string) (models.Region, error) {
	reg, ok := r.byID[id]
	if !ok {
		return models.Region{}, &UnknownRegionError{ID: id}
	}
	return reg, nil
}

// All returns every region sorted by id for stable listings.
func (r *Registry) All() []models.Region {
	out := make([]models.Region, 0, len(r.byID))
	for _, reg := range r.byID {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
