package region

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Code is a stable wire identifier for a data-shard region.
type Code string

const (
	WNAM Code = "wnam"
	ENAM Code = "enam"
	SAM  Code = "sam"
	WEUR Code = "weur"
	EEUR Code = "eeur"
	APAC Code = "apac"
	OC   Code = "oc"
	AFR  Code = "afr"
	ME   Code = "me"
)

// TieTolerance is the distance, in km, within which two anchors are
// considered equally near. Ties resolve by enumeration order.
const TieTolerance = 0.5

const earthRadiusKM = 6371.0

var ErrUnknownCode = errors.New("region: unknown code")

// Point is a latitude/longitude pair in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Anchor is the reference location of one region.
type Anchor struct {
	Code       Code
	City       string
	Point      Point
	Continents []string
}

// anchors is in enumeration order; order is the tie-break.
var anchors = []Anchor{
	{Code: WNAM, City: "Portland", Point: Point{45.52, -122.68}, Continents: []string{"NA"}},
	{Code: ENAM, City: "Ashburn", Point: Point{39.04, -77.49}, Continents: []string{"NA"}},
	{Code: SAM, City: "São Paulo", Point: Point{-23.55, -46.63}, Continents: []string{"SA"}},
	{Code: WEUR, City: "London", Point: Point{51.51, -0.13}, Continents: []string{"EU"}},
	{Code: EEUR, City: "Warsaw", Point: Point{52.23, 21.01}, Continents: []string{"EU"}},
	{Code: APAC, City: "Singapore", Point: Point{1.35, 103.82}, Continents: []string{"AS"}},
	{Code: OC, City: "Sydney", Point: Point{-33.87, 151.21}, Continents: []string{"OC"}},
	{Code: AFR, City: "Johannesburg", Point: Point{-26.20, 28.05}, Continents: []string{"AF"}},
	{Code: ME, City: "Dubai", Point: Point{25.20, 55.27}, Continents: []string{"AS", "ME"}},
}

// Anchors returns a copy of the anchor table in enumeration order.
func Anchors() []Anchor {
	out := make([]Anchor, len(anchors))
	copy(out, anchors)
	return out
}

// Codes returns every region code in enumeration order.
func Codes() []Code {
	out := make([]Code, len(anchors))
	for i, a := range anchors {
		out[i] = a.Code
	}
	return out
}

// Lookup returns the anchor for code.
func Lookup(code Code) (Anchor, bool) {
	for _, a := range anchors {
		if a.Code == code {
			return a, true
		}
	}
	return Anchor{}, false
}

func ParseCode(raw string) (Code, error) {
	code := Code(strings.ToLower(strings.TrimSpace(raw)))
	for _, a := range anchors {
		if a.Code == code {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCode, raw)
}

// Distance is the haversine great-circle distance in km.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(math.Min(1, h)))
}

// Select returns the nearest region to p. A known continent hint filters
// the candidates before any distance is compared; an empty or unknown hint
// considers every anchor.
func Select(continent string, p Point) Code {
	return selectFrom(anchors, continent, p)
}

func selectFrom(table []Anchor, continent string, p Point) Code {
	candidates := filterContinent(table, continent)
	dists := make([]float64, len(candidates))
	nearest := math.Inf(1)
	for i, a := range candidates {
		dists[i] = Distance(p, a.Point)
		nearest = math.Min(nearest, dists[i])
	}
	// First anchor in enumeration order within tolerance of the nearest.
	for i, d := range dists {
		if d <= nearest+TieTolerance {
			return candidates[i].Code
		}
	}
	return candidates[0].Code
}

func filterContinent(table []Anchor, continent string) []Anchor {
	hint := strings.ToUpper(strings.TrimSpace(continent))
	if hint == "" {
		return table
	}
	var out []Anchor
	for _, a := range table {
		for _, c := range a.Continents {
			if c == hint {
				out = append(out, a)
				break
			}
		}
	}
	if len(out) == 0 {
		return table
	}
	return out
}
