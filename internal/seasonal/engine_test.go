package seasonal_test

import (
	"errors"
	"math"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/kjstillabower/seasonal-anomaly-service/internal/models"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/seasonal"
)

var day0 = time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)

func series(city string, season models.Season, temps ...float64) []models.TemperatureRecord {
	out := make([]models.TemperatureRecord, len(temps))
	for i, t := range temps {
		out[i] = models.TemperatureRecord{
			City:        city,
			Timestamp:   day0.AddDate(0, 0, i),
			Temperature: t,
			Season:      season,
		}
	}
	return out
}

// osloSeries builds 100 daily records, 25 per season. Each season block has
// 24 readings alternating base±1 and one reading at base + 5·std.
func osloSeries() ([]models.TemperatureRecord, []int) {
	bases := map[models.Season]float64{
		models.Winter: -6, models.Spring: 5, models.Summer: 17, models.Autumn: 6,
	}
	spread := math.Sqrt(24.0 / 23.0)
	var records []models.TemperatureRecord
	var outliers []int
	for _, season := range models.Seasons() {
		base := bases[season]
		for i := 0; i < 25; i++ {
			temp := base + 1
			if i%2 == 1 {
				temp = base - 1
			}
			if i == 12 {
				temp = base + 5*spread
				outliers = append(outliers, len(records))
			}
			records = append(records, models.TemperatureRecord{
				City:        "Oslo",
				Timestamp:   day0.AddDate(0, 0, len(records)),
				Temperature: temp,
				Season:      season,
			})
		}
	}
	return records, outliers
}

func TestEngine_Analyze(t *testing.T) {
	Convey("Given an engine with the default window and threshold", t, func() {
		engine := seasonal.NewEngine(0, 0)
		So(engine.Window(), ShouldEqual, 30)
		So(engine.Threshold(), ShouldEqual, 2.0)

		Convey("When analysing Oslo with one extreme reading per season", func() {
			records, outliers := osloSeries()
			analysis, err := engine.Analyze(records)
			So(err, ShouldBeNil)

			Convey("Then exactly one anomaly per season is flagged", func() {
				So(analysis.City, ShouldEqual, "Oslo")
				So(analysis.AnomaliesCount, ShouldEqual, 4)
				for _, idx := range outliers {
					So(analysis.Records[idx].IsAnomaly, ShouldBeTrue)
				}
				flagged := 0
				for _, r := range analysis.Records {
					if r.IsAnomaly {
						flagged++
					}
				}
				So(flagged, ShouldEqual, analysis.AnomaliesCount)
			})

			Convey("And every season has rounded statistics over its 25 records", func() {
				So(analysis.SeasonalStats, ShouldHaveLength, 4)
				for _, season := range models.Seasons() {
					st := analysis.SeasonalStats[season]
					So(st.Count, ShouldEqual, 25)
					So(st.Mean, ShouldEqual, seasonal.Round2(st.Mean))
					So(st.Std, ShouldEqual, seasonal.Round2(st.Std))
					So(st.Std, ShouldBeGreaterThan, 0)
				}
			})

			Convey("And the anomaly count matches |t - mean| > k·std per season", func() {
				want := 0
				for _, r := range analysis.Records {
					st := analysis.SeasonalStats[r.Season]
					if math.Abs(r.Temperature-st.Mean) > 2*st.Std {
						want++
					}
				}
				So(analysis.AnomaliesCount, ShouldEqual, want)
			})

			Convey("And the caller's records are left untouched", func() {
				for _, r := range records {
					So(r.RollingMean, ShouldBeNil)
					So(r.IsAnomaly, ShouldBeFalse)
				}
			})
		})

		Convey("When analysing the same series twice", func() {
			records, _ := osloSeries()
			first, err1 := engine.Analyze(records)
			second, err2 := engine.Analyze(records)

			Convey("Then both results are identical", func() {
				So(err1, ShouldBeNil)
				So(err2, ShouldBeNil)
				So(second, ShouldResemble, first)
			})
		})

		Convey("When a season has a single record", func() {
			records := append(series("Rome", models.Winter, 8, 9, 10, 11, 12), series("Rome", models.Summer, 27.5)...)
			analysis, err := engine.Analyze(records)
			So(err, ShouldBeNil)

			Convey("Then its std is zero and the record equals its own mean", func() {
				st := analysis.SeasonalStats[models.Summer]
				So(st, ShouldResemble, models.SeasonStats{Mean: 27.5, Std: 0, Count: 1})
				So(analysis.Records[5].IsAnomaly, ShouldBeFalse)
				So(analysis.AnomaliesCount, ShouldEqual, 0)
			})
		})

		Convey("When every reading in a season is identical", func() {
			analysis, err := engine.Analyze(series("Lima", models.Autumn, 18, 18, 18, 18))
			So(err, ShouldBeNil)

			Convey("Then nothing is flagged", func() {
				So(analysis.SeasonalStats[models.Autumn].Std, ShouldEqual, 0)
				So(analysis.AnomaliesCount, ShouldEqual, 0)
			})
		})

		Convey("When the input violates a precondition", func() {
			_, errEmpty := engine.Analyze(nil)
			mixed := append(series("A", models.Winter, 1), series("B", models.Winter, 2)...)
			_, errMixed := engine.Analyze(mixed)
			_, errSeason := engine.Analyze(series("A", models.Season("monsoon"), 1))
			_, errNaN := engine.Analyze(series("A", models.Winter, 1, math.NaN()))

			Convey("Then the engine reports it instead of coercing", func() {
				So(errors.Is(errEmpty, seasonal.ErrNoRecords), ShouldBeTrue)
				So(errors.Is(errMixed, seasonal.ErrMixedCities), ShouldBeTrue)
				So(errors.Is(errSeason, seasonal.ErrUnknownSeason), ShouldBeTrue)
				So(errors.Is(errNaN, seasonal.ErrNonFiniteTemperature), ShouldBeTrue)
			})
		})
	})
}

func TestRollingMean(t *testing.T) {
	Convey("Given a series of 31 samples", t, func() {
		values := make([]float64, 31)
		for i := range values {
			values[i] = float64(i*i) / 7
		}
		rolling := seasonal.RollingMean(values, 30)

		Convey("Then the first and last 14 positions are undefined", func() {
			for i := 0; i < 14; i++ {
				So(rolling[i], ShouldBeNil)
				So(rolling[len(rolling)-1-i], ShouldBeNil)
			}
		})

		Convey("And the midpoint is the mean of the 30 centered samples", func() {
			var sum float64
			for i := 1; i <= 30; i++ {
				sum += values[i]
			}
			So(rolling[15], ShouldNotBeNil)
			So(*rolling[15], ShouldAlmostEqual, sum/30, 1e-9)
		})
	})

	Convey("Given a series shorter than the window", t, func() {
		rolling := seasonal.RollingMean([]float64{1, 2, 3}, 30)

		Convey("Then no position has a rolling mean", func() {
			So(rolling, ShouldHaveLength, 3)
			for _, v := range rolling {
				So(v, ShouldBeNil)
			}
		})
	})

	Convey("Given an odd window", t, func() {
		rolling := seasonal.RollingMean([]float64{1, 2, 3, 4, 5}, 3)

		Convey("Then the window is symmetric around each position", func() {
			So(rolling[0], ShouldBeNil)
			So(*rolling[1], ShouldAlmostEqual, 2.0, 1e-12)
			So(*rolling[3], ShouldAlmostEqual, 4.0, 1e-12)
			So(rolling[4], ShouldBeNil)
		})
	})
}

func TestIsAnomaly(t *testing.T) {
	Convey("Given a season with spread", t, func() {
		st := models.SeasonStats{Mean: 10, Std: 2}

		Convey("Then only readings beyond mean ± 2·std are anomalous", func() {
			So(seasonal.IsAnomaly(14, st, 2), ShouldBeFalse)
			So(seasonal.IsAnomaly(14.01, st, 2), ShouldBeTrue)
			So(seasonal.IsAnomaly(6, st, 2), ShouldBeFalse)
			So(seasonal.IsAnomaly(5.99, st, 2), ShouldBeTrue)
		})
	})

	Convey("Given a zero-variance season", t, func() {
		st := models.SeasonStats{Mean: 20, Std: 0, Count: 1}

		Convey("Then any reading different from the mean is anomalous", func() {
			So(seasonal.IsAnomaly(20, st, 2), ShouldBeFalse)
			So(seasonal.IsAnomaly(20.004, st, 2), ShouldBeFalse)
			So(seasonal.IsAnomaly(20.5, st, 2), ShouldBeTrue)
			So(seasonal.IsAnomaly(19.5, st, 2), ShouldBeTrue)
		})
	})
}
