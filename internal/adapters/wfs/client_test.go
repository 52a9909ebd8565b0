package wfs_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/okian/iuuwatch/internal/adapters/upstream"
	"github.com/okian/iuuwatch/internal/adapters/wfs"
	"github.com/okian/iuuwatch/internal/domain/geofence"
	"github.com/okian/iuuwatch/internal/domain/model"
	"github.com/okian/iuuwatch/pkg/logger"
	"github.com/paulmach/orb"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

const eezFeature = `{
  "type": "FeatureCollection",
  "features": [{
    "type": "Feature",
    "properties": {"mrgid_eez": 8371, "geoname": "Test EEZ"},
    "geometry": {
      "type": "MultiPolygon",
      "coordinates": [[[[10,0],[30,0],[30,20],[10,20],[10,0]]]]
    }
  }]
}`

func TestFetchRegion(t *testing.T) {
	ctx := context.Background()

	Convey("Given a feature service holding one EEZ", t, func() {
		queries := make(chan url.Values, 1)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case queries <- r.URL.Query():
			default:
			}
			if r.URL.Query().Get("filter") == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			if r.URL.Query().Get("typename") == "Empty:layer" {
				_, _ = w.Write([]byte(`{"type":"FeatureCollection","features":[]}`))
				return
			}
			_, _ = w.Write([]byte(eezFeature))
		}))
		defer srv.Close()

		Convey("When the region is fetched", func() {
			c := wfs.New(upstream.New("wfs"), srv.URL)
			geom, err := c.FetchRegion(ctx, "8371")

			Convey("Then the first feature geometry is returned", func() {
				So(err, ShouldBeNil)
				_, ok := geom.(orb.MultiPolygon)
				So(ok, ShouldBeTrue)
			})

			Convey("Then the request follows the WFS GetFeature shape", func() {
				q := <-queries
				So(q.Get("request"), ShouldEqual, "GetFeature")
				So(q.Get("service"), ShouldEqual, "WFS")
				So(q.Get("version"), ShouldEqual, "1.1.0")
				So(q.Get("typename"), ShouldEqual, "MarineRegions:eez")
				So(q.Get("outputFormat"), ShouldEqual, "application/json")
				So(q.Get("filter"), ShouldEqual,
					"<Filter><PropertyIsEqualTo><PropertyName>mrgid_eez</PropertyName><Literal>8371</Literal></PropertyIsEqualTo></Filter>")
			})

			Convey("Then the geometry backs a geofence provider", func() {
				p := geofence.NewProvider(c, "8371")
				r, err := p.Region(ctx)
				So(err, ShouldBeNil)
				So(r.Contains(10, 20), ShouldBeTrue)
				So(r.Contains(25, 20), ShouldBeFalse)
			})
		})

		Convey("When the property name and id contain XML markup", func() {
			c := wfs.New(upstream.New("wfs"), srv.URL, wfs.WithIDProperty("a<b"))
			_, _ = c.FetchRegion(ctx, "1</Literal><Or>&")

			Convey("Then both are escaped inside the filter", func() {
				q := <-queries
				So(q.Get("filter"), ShouldEqual,
					"<Filter><PropertyIsEqualTo><PropertyName>a&lt;b</PropertyName><Literal>1&lt;/Literal&gt;&lt;Or&gt;&amp;</Literal></PropertyIsEqualTo></Filter>")
			})
		})

		Convey("When no feature matches", func() {
			c := wfs.New(upstream.New("wfs"), srv.URL, wfs.WithTypeName("Empty:layer"))
			_, err := c.FetchRegion(ctx, "1")

			Convey("Then it reports no region", func() {
				So(errors.Is(err, model.ErrNoRegion), ShouldBeTrue)
			})
		})
	})

	Convey("Given an unreachable feature service", t, func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		p := geofence.NewProvider(wfs.New(upstream.New("wfs"), srv.URL), "8371")
		_, err := p.Region(ctx)

		Convey("Then the provider fails with a fetch error wrapping the upstream error", func() {
			var fetchErr *model.FetchError
			So(errors.As(err, &fetchErr), ShouldBeTrue)
			var upErr *model.UpstreamError
			So(errors.As(err, &upErr), ShouldBeTrue)
			So(upErr.Status, ShouldEqual, http.StatusServiceUnavailable)
		})
	})
}
