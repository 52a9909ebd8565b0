// Package wfs fetches region geometries from an OGC Web Feature Service.
package wfs

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"

	"github.com/okian/iuuwatch/internal/domain/model"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

const (
	defaultTypeName   = "MarineRegions:eez"
	defaultIDProperty = "mrgid_eez"
)

// Getter fetches a URL. *upstream.Client implements it.
type Getter interface {
	Get(ctx context.Context, rawURL string, query url.Values) ([]byte, error)
}

// Client requests a single feature by id property and returns its geometry.
type Client struct {
	getter     Getter
	baseURL    string
	typeName   string
	idProperty string
}

// Option configures a Client.
type Option func(*Client)

// WithTypeName sets the feature type, e.g. "MarineRegions:eez".
func WithTypeName(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.typeName = name
		}
	}
}

// WithIDProperty sets the property the region id is matched against.
func WithIDProperty(prop string) Option {
	return func(c *Client) {
		if prop != "" {
			c.idProperty = prop
		}
	}
}

// New creates a client for the service at baseURL.
func New(getter Getter, baseURL string, opts ...Option) *Client {
	c := &Client{
		getter:     getter,
		baseURL:    baseURL,
		typeName:   defaultTypeName,
		idProperty: defaultIDProperty,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchRegion returns the geometry of the first feature matching regionID.
// It wraps model.ErrNoRegion when the service returns no usable feature.
func (c *Client) FetchRegion(ctx context.Context, regionID string) (orb.Geometry, error) {
	body, err := c.getter.Get(ctx, c.baseURL, c.query(regionID))
	if err != nil {
		return nil, err
	}

	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return nil, &model.UpstreamError{Source: "wfs", Status: 200, Err: fmt.Errorf("decode feature collection: %w", err)}
	}
	if len(fc.Features) == 0 || fc.Features[0].Geometry == nil {
		return nil, fmt.Errorf("%w: %s=%s", model.ErrNoRegion, c.idProperty, regionID)
	}
	return fc.Features[0].Geometry, nil
}

func (c *Client) query(regionID string) url.Values {
	q := url.Values{}
	q.Set("request", "GetFeature")
	q.Set("service", "WFS")
	q.Set("version", "1.1.0")
	q.Set("typename", c.typeName)
	q.Set("outputFormat", "application/json")
	q.Set("filter", fmt.Sprintf(
		"<Filter><PropertyIsEqualTo><PropertyName>%s</PropertyName><Literal>%s</Literal></PropertyIsEqualTo></Filter>",
		xmlText(c.idProperty), xmlText(regionID),
	))
	return q
}

// xmlText escapes s for use as XML character data.
func xmlText(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
