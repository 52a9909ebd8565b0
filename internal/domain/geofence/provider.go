package geofence

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/okian/iuuwatch/internal/domain/model"
	"github.com/okian/iuuwatch/pkg/logger"
	"github.com/okian/iuuwatch/pkg/metrics"
	"github.com/paulmach/orb"
)

// Fetcher retrieves the geometry of one region from a feature service.
type Fetcher interface {
	FetchRegion(ctx context.Context, regionID string) (orb.Geometry, error)
}

// Provider fetches the region once and serves it for the life of the
// process. Concurrent first calls share a single fetch; a failed fetch is
// not cached.
type Provider struct {
	fetcher  Fetcher
	regionID string
	logger   logger.Logger

	mu     sync.Mutex
	region atomic.Pointer[Region]
}

// NewProvider creates a provider for regionID.
func NewProvider(fetcher Fetcher, regionID string) *Provider {
	return &Provider{
		fetcher:  fetcher,
		regionID: regionID,
		logger:   logger.Get().Named("geofence"),
	}
}

// Region returns the cached region, fetching it on first use. Failures are
// *model.FetchError.
func (p *Provider) Region(ctx context.Context) (*Region, error) {
	if r := p.region.Load(); r != nil {
		return r, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if r := p.region.Load(); r != nil {
		return r, nil
	}

	geom, err := p.fetcher.FetchRegion(ctx, p.regionID)
	if err != nil {
		metrics.RecordGeofenceFetch("error")
		return nil, &model.FetchError{RegionID: p.regionID, Err: err}
	}
	r, err := NewRegion(p.regionID, geom)
	if err != nil {
		metrics.RecordGeofenceFetch("error")
		return nil, &model.FetchError{RegionID: p.regionID, Err: err}
	}

	p.region.Store(r)
	metrics.RecordGeofenceFetch("ok")
	b := r.Bound()
	p.logger.Info(ctx, "geofence region loaded",
		logger.String("region_id", p.regionID),
		logger.Float64("min_lat", b.Min.Lat()),
		logger.Float64("max_lat", b.Max.Lat()),
		logger.Float64("min_lon", b.Min.Lon()),
		logger.Float64("max_lon", b.Max.Lon()),
	)
	return r, nil
}

// Loaded reports whether a region is cached.
func (p *Provider) Loaded() bool { return p.region.Load() != nil }

// Invalidate drops the cached region; the next Region call refetches.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.region.Store(nil)
	p.mu.Unlock()
}
