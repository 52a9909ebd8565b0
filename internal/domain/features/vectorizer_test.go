package features_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/okian/iuuwatch/internal/domain/features"
	"github.com/okian/iuuwatch/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestVectorize(t *testing.T) {
	Convey("Given a vectorizer with the default grid", t, func() {
		vz := features.NewVectorizer()
		ev := model.RawEvent{
			EventID:   "e-1",
			VesselID:  "V1",
			Timestamp: time.Date(2024, 1, 1, 6, 59, 0, 0, time.UTC),
			Lat:       model.Float(10.3),
			Lon:       model.Float(-20.1),
			Speed:     model.Float(3.5),
			Course:    model.Float(270),
		}

		Convey("When vectorizing a well-formed event", func() {
			v, err := vz.Vectorize(ev)

			Convey("Then the vector follows the v1 schema", func() {
				So(err, ShouldBeNil)
				So(v.Schema, ShouldEqual, features.SchemaV1)
				So(len(v.Values), ShouldEqual, features.V1().Len())
			})

			Convey("Then kinematics are copied and distances default far", func() {
				So(v.Values[0], ShouldEqual, 3.5)
				So(v.Values[1], ShouldEqual, 270)
				So(v.Values[2], ShouldEqual, features.FarDistance)
				So(v.Values[3], ShouldEqual, features.FarDistance)
			})

			Convey("Then hour 6 encodes as sin 1, cos 0", func() {
				So(v.Values[4], ShouldAlmostEqual, 1, 1e-9)
				So(v.Values[5], ShouldAlmostEqual, 0, 1e-9)
			})

			Convey("Then coordinates are floored to the grid", func() {
				lat, _ := v.Get(features.LatBin)
				lon, _ := v.Get(features.LonBin)
				So(lat, ShouldEqual, 10.25)
				So(lon, ShouldEqual, -20.25)
			})

			Convey("Then the gear slot is unknown", func() {
				g, ok := v.Get(features.Gear)
				So(ok, ShouldBeTrue)
				So(features.GearType(g), ShouldEqual, features.GearUnknown)
			})

			Convey("Then repeated calls give the same vector", func() {
				again, err := vz.Vectorize(ev)
				So(err, ShouldBeNil)
				So(again, ShouldResemble, v)
			})
		})

		Convey("When the timestamp carries a non-UTC zone", func() {
			local := ev
			local.Timestamp = ev.Timestamp.In(time.FixedZone("X", 5*3600))
			a, _ := vz.Vectorize(ev)
			b, _ := vz.Vectorize(local)

			Convey("Then the hour is taken in UTC", func() {
				So(b, ShouldResemble, a)
			})
		})

		Convey("When hours are adjacent across midnight", func() {
			late := ev
			late.Timestamp = time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)
			early := ev
			early.Timestamp = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
			a, _ := vz.Vectorize(late)
			b, _ := vz.Vectorize(early)

			Convey("Then their encodings are close", func() {
				d := math.Hypot(a.Values[4]-b.Values[4], a.Values[5]-b.Values[5])
				So(d, ShouldBeLessThan, 0.3)
			})
		})

		Convey("When a gear label is supplied", func() {
			ev.GearType = "Trawlers"
			v, err := vz.Vectorize(ev)
			So(err, ShouldBeNil)
			g, _ := v.Get(features.Gear)
			So(features.GearType(g), ShouldEqual, features.GearTrawler)
		})

		Convey("When the position is missing", func() {
			ev.Lat = nil
			_, err := vz.Vectorize(ev)

			Convey("Then it fails with a malformed event error", func() {
				var malformed *model.MalformedEventError
				So(errors.As(err, &malformed), ShouldBeTrue)
			})
		})
	})

	Convey("Given a coarser grid", t, func() {
		vz := features.NewVectorizer(features.WithResolution(1))
		v, err := vz.Vectorize(model.RawEvent{
			VesselID: "V2", Timestamp: time.Unix(0, 0), Lat: model.Float(-0.5), Lon: model.Float(179.9),
		})
		So(err, ShouldBeNil)
		So(v.Values[6], ShouldEqual, -1)
		So(v.Values[7], ShouldEqual, 179)
	})
}

func TestGearType(t *testing.T) {
	Convey("Given gear labels", t, func() {
		So(features.ParseGearType(""), ShouldEqual, features.GearUnknown)
		So(features.ParseGearType("bottom_dredge"), ShouldEqual, features.GearUnknown)
		So(features.ParseGearType("purse_seiner"), ShouldEqual, features.GearPurseSeine)
		So(features.GearLongline.String(), ShouldEqual, "drifting_longlines")
		So(features.GearType(99).String(), ShouldEqual, "unknown")
	})
}

func TestSchema(t *testing.T) {
	Convey("Given the v1 schema", t, func() {
		s := features.V1()
		So(s.Index(features.Speed), ShouldEqual, 0)
		So(s.Index(features.Gear), ShouldEqual, 8)
		So(s.Index("wind"), ShouldEqual, -1)
		So(s.IsCategorical(features.Gear), ShouldBeTrue)
		So(s.Equal(features.V1()), ShouldBeTrue)

		other := features.V1()
		other.Names = append([]string{}, other.Names...)
		other.Names[0], other.Names[1] = other.Names[1], other.Names[0]
		So(s.Equal(other), ShouldBeFalse)
	})
}
