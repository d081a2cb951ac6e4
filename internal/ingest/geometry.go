package ingest

import (
	"math"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/market-atlas/internal/census"
)

const kmPerDegLat = 111.19

// Geometry is the derived spatial summary of one boundary polygon.
type Geometry struct {
	Code     string
	Centroid census.Point
	AreaKM2  float64
}

// ReadGeometries parses a boundary shapefile and derives a centroid and area
// for each record. codeField names the attribute carrying the area code
// (case-insensitive). Records with missing codes or degenerate geometry are
// skipped with a warning count, not treated as fatal: boundary files routinely
// contain slivers.
func ReadGeometries(shpPath, codeField string) (map[string]Geometry, error) {
	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	codeIdx := -1
	for i, f := range fields {
		name := strings.TrimRight(f.String(), "\x00")
		if strings.EqualFold(name, codeField) {
			codeIdx = i
			break
		}
	}
	if codeIdx < 0 {
		return nil, eris.Errorf("ingest: shapefile has no %q attribute", codeField)
	}

	out := make(map[string]Geometry)
	var skipped int
	for reader.Next() {
		_, shape := reader.Shape()

		code := strings.TrimSpace(strings.TrimRight(reader.Attribute(codeIdx), "\x00"))
		if code == "" {
			skipped++
			continue
		}

		poly, ok := shape.(*shp.Polygon)
		if !ok {
			skipped++
			continue
		}
		mp := polygonToMultiPolygon(poly)
		if mp == nil {
			skipped++
			continue
		}

		centroid, areaDeg2 := planarCentroidArea(mp)
		if areaDeg2 == 0 {
			skipped++
			continue
		}

		g := Geometry{
			Code:     code,
			Centroid: census.Point{Lat: centroid[1], Lon: centroid[0]},
		}
		// Scale square degrees to km2 at the polygon's own latitude.
		kmPerDegLon := kmPerDegLat * math.Cos(centroid[1]*math.Pi/180)
		g.AreaKM2 = areaDeg2 * kmPerDegLat * kmPerDegLon

		if prev, dup := out[code]; dup {
			// Multi-part areas split across records: merge by area-weighted
			// centroid and summed area.
			total := prev.AreaKM2 + g.AreaKM2
			g.Centroid = census.Point{
				Lat: (prev.Centroid.Lat*prev.AreaKM2 + g.Centroid.Lat*g.AreaKM2) / total,
				Lon: (prev.Centroid.Lon*prev.AreaKM2 + g.Centroid.Lon*g.AreaKM2) / total,
			}
			g.AreaKM2 = total
		}
		out[code] = g
	}

	if skipped > 0 {
		zap.L().Warn("skipped shapefile records",
			zap.String("path", shpPath),
			zap.Int("skipped", skipped),
		)
	}
	zap.L().Info("parsed boundary shapefile",
		zap.String("path", shpPath),
		zap.Int("areas", len(out)),
	)
	return out, nil
}

// polygonToMultiPolygon converts a shapefile polygon to a geom.MultiPolygon,
// one single-ring polygon per part. Shapefile ring orientation already
// distinguishes shells from holes and the signed shoelace sum below honors it.
func polygonToMultiPolygon(p *shp.Polygon) *geom.MultiPolygon {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	mp := geom.NewMultiPolygon(geom.XY).SetSRID(4326)
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}

		flat := make([]float64, 0, (end-start)*2)
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}

		poly := geom.NewPolygon(geom.XY)
		if err := poly.Push(geom.NewLinearRingFlat(geom.XY, flat)); err != nil {
			zap.L().Debug("skipping malformed polygon ring", zap.Int32("part", i), zap.Error(err))
			continue
		}
		if err := mp.Push(poly); err != nil {
			zap.L().Debug("skipping malformed polygon part", zap.Int32("part", i), zap.Error(err))
			continue
		}
	}
	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}

// planarCentroidArea computes the area-weighted centroid (lon, lat) and
// absolute area in square degrees of a multipolygon by the shoelace formula.
// Holes carry opposite winding and subtract themselves.
func planarCentroidArea(mp *geom.MultiPolygon) ([2]float64, float64) {
	var sumA, sumCx, sumCy float64

	for i := 0; i < mp.NumPolygons(); i++ {
		poly := mp.Polygon(i)
		for r := 0; r < poly.NumLinearRings(); r++ {
			flat := poly.LinearRing(r).FlatCoords()
			n := len(flat) / 2
			if n < 3 {
				continue
			}
			var a, cx, cy float64
			for k := 0; k < n; k++ {
				x1, y1 := flat[2*k], flat[2*k+1]
				x2, y2 := flat[2*((k+1)%n)], flat[2*((k+1)%n)+1]
				cross := x1*y2 - x2*y1
				a += cross
				cx += (x1 + x2) * cross
				cy += (y1 + y2) * cross
			}
			sumA += a / 2
			sumCx += cx / 6
			sumCy += cy / 6
		}
	}

	if sumA == 0 {
		return [2]float64{}, 0
	}
	return [2]float64{sumCx / sumA, sumCy / sumA}, math.Abs(sumA)
}

// ApplyGeometries attaches centroids and areas to a table's areas in place.
// Areas without a matching geometry keep a nil centroid; codes in the
// geometry set but not in the table are reported back for quality logging.
func ApplyGeometries(t *census.Table, geoms map[string]Geometry) (matched int, unmatched []string) {
	for code, area := range t.Areas {
		g, ok := geoms[code]
		if !ok {
			continue
		}
		c := g.Centroid
		area.Centroid = &c
		area.AreaKM2 = g.AreaKM2
		t.Areas[code] = area
		matched++
	}
	for code := range geoms {
		if _, ok := t.Areas[code]; !ok {
			unmatched = append(unmatched, code)
		}
	}
	return matched, unmatched
}
