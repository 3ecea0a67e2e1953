package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/richinex/mtcollect/mtconnect"
	"github.com/richinex/mtcollect/processor"
)

// DefaultMeasurement is the InfluxDB measurement observations are written to.
const DefaultMeasurement = "mtconnect"

// PointWriter is the subset of api.WriteAPIBlocking the Influx sink uses.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Influx writes the observations in each slice as InfluxDB points.
type Influx struct {
	writer      PointWriter
	measurement string
	now         func() time.Time
	logger      *slog.Logger
}

// NewInflux creates an Influx sink writing through w.
func NewInflux(w PointWriter, logger *slog.Logger) *Influx {
	if logger == nil {
		logger = slog.Default()
	}
	return &Influx{
		writer:      w,
		measurement: DefaultMeasurement,
		now:         time.Now,
		logger:      logger,
	}
}

// Persist extracts observations from doc and writes them in one call.
// Slices without observations are skipped.
func (s *Influx) Persist(ctx context.Context, seq uint64, doc *mtconnect.Document) error {
	obs := processor.Observations(doc)
	if len(obs) == 0 {
		return nil
	}

	points := make([]*write.Point, 0, len(obs))
	for _, o := range obs {
		points = append(points, s.point(seq, o))
	}

	if err := s.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influx sink: sequence %d: %w", seq, err)
	}
	s.logger.Debug("wrote observations", "sequence", seq, "points", len(points))
	return nil
}

func (s *Influx) point(seq uint64, o processor.Observation) *write.Point {
	tags := make(map[string]string, 6)
	for k, v := range map[string]string{
		"device":       o.DeviceName,
		"component_id": o.ComponentID,
		"data_item_id": o.DataItemID,
		"name":         o.Name,
		"category":     string(o.Category),
		"type":         o.Type,
	} {
		// Empty tag values are not valid line protocol.
		if v != "" {
			tags[k] = v
		}
	}

	fields := map[string]interface{}{
		"sequence":   int64(o.Sequence),
		"slice_from": int64(seq),
	}
	if v, ok := o.Numeric(); ok {
		fields["value"] = v
	} else {
		fields["text"] = o.Value
	}

	ts := o.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	return influxdb2.NewPoint(s.measurement, tags, fields, ts)
}
