package region

import (
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/danmuck/edgepub/internal/testutil/testlog"
)

func TestSelectPinnedFixtures(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name      string
		continent string
		point     Point
		want      Code
	}{
		{name: "origin south america", continent: "SA", point: Point{0, 0}, want: SAM},
		{name: "origin north america", continent: "NA", point: Point{0, 0}, want: ENAM},
		{name: "origin no hint", continent: "", point: Point{0, 0}, want: AFR},
		{name: "origin europe", continent: "EU", point: Point{0, 0}, want: WEUR},
		{name: "origin asia", continent: "AS", point: Point{0, 0}, want: ME},
		{name: "origin middle east", continent: "ME", point: Point{0, 0}, want: ME},
		{name: "berlin", continent: "EU", point: Point{52.52, 13.40}, want: EEUR},
		{name: "paris", continent: "EU", point: Point{48.86, 2.35}, want: WEUR},
		{name: "tokyo", continent: "AS", point: Point{35.68, 139.69}, want: APAC},
		{name: "seattle", continent: "NA", point: Point{47.61, -122.33}, want: WNAM},
		{name: "new york", continent: "NA", point: Point{40.71, -74.00}, want: ENAM},
		{name: "sydney", continent: "OC", point: Point{-33.87, 151.21}, want: OC},
		{name: "hint beats geometry", continent: "NA", point: Point{51.51, -0.13}, want: ENAM},
		{name: "lowercase hint", continent: "eu", point: Point{52.52, 13.40}, want: EEUR},
		{name: "unknown hint ignored", continent: "XX", point: Point{48.86, 2.35}, want: WEUR},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Select(tc.continent, tc.point); got != tc.want {
				t.Fatalf("Select(%q, %v) = %s, want %s", tc.continent, tc.point, got, tc.want)
			}
		})
	}
}

func TestSelectDeterministic(t *testing.T) {
	first := Select("NA", Point{0, 0})
	for i := 0; i < 100; i++ {
		if got := Select("NA", Point{0, 0}); got != first {
			t.Fatalf("iteration %d: got %s, want %s", i, got, first)
		}
	}
}

func TestSelectTieUsesEnumerationOrder(t *testing.T) {
	table := []Anchor{
		{Code: WEUR, Point: Point{0, 10}, Continents: []string{"EU"}},
		{Code: EEUR, Point: Point{0, -10}, Continents: []string{"EU"}},
	}
	if got := selectFrom(table, "EU", Point{0, 0}); got != WEUR {
		t.Fatalf("tie: got %s, want %s", got, WEUR)
	}

	reversed := []Anchor{table[1], table[0]}
	if got := selectFrom(reversed, "EU", Point{0, 0}); got != EEUR {
		t.Fatalf("reversed tie: got %s, want %s", got, EEUR)
	}

	// Beyond tolerance the nearer anchor wins regardless of order.
	if got := selectFrom(table, "EU", Point{0, -0.1}); got != EEUR {
		t.Fatalf("outside tolerance: got %s, want %s", got, EEUR)
	}
}

func TestDistance(t *testing.T) {
	tests := []struct {
		name  string
		a, b  Point
		want  float64
		delta float64
	}{
		{name: "same point", a: Point{10, 10}, b: Point{10, 10}, want: 0, delta: 1e-9},
		{name: "one degree at equator", a: Point{0, 0}, b: Point{0, 1}, want: 111.19, delta: 0.01},
		{name: "london to warsaw", a: anchors[3].Point, b: anchors[4].Point, want: 1447, delta: 10},
	}
	for _, tc := range tests {
		if got := Distance(tc.a, tc.b); math.Abs(got-tc.want) > tc.delta {
			t.Fatalf("%s: distance = %.3f, want %.3f±%g", tc.name, got, tc.want, tc.delta)
		}
	}
}

func TestParseCode(t *testing.T) {
	code, err := ParseCode(" APAC ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if code != APAC {
		t.Fatalf("code = %s, want %s", code, APAC)
	}

	if _, err := ParseCode("mars"); !errors.Is(err, ErrUnknownCode) {
		t.Fatalf("expected ErrUnknownCode, got %v", err)
	}
	want := []Code{WNAM, ENAM, SAM, WEUR, EEUR, APAC, OC, AFR, ME}
	if got := Codes(); !slices.Equal(got, want) {
		t.Fatalf("codes = %v, want %v", got, want)
	}
}

func TestLookup(t *testing.T) {
	a, ok := Lookup(WEUR)
	if !ok || a.City != "London" {
		t.Fatalf("lookup weur = %+v, %v", a, ok)
	}
	if _, ok := Lookup(Code("mars")); ok {
		t.Fatalf("expected unknown code to miss")
	}
}

func TestAnchorsReturnsCopy(t *testing.T) {
	list := Anchors()
	if len(list) != len(Codes()) {
		t.Fatalf("anchors = %d, want %d", len(list), len(Codes()))
	}
	for i, code := range Codes() {
		if list[i].Code != code {
			t.Fatalf("anchor %d = %s, want %s", i, list[i].Code, code)
		}
	}
	list[0].City = "Nowhere"
	if a, _ := Lookup(WNAM); a.City != "Portland" {
		t.Fatalf("mutating the copy changed the table: %q", a.City)
	}
}

func TestRouterResolve(t *testing.T) {
	testlog.Start(t)
	r := Router{Endpoints: map[Code]string{
		ENAM: "wss://enam.edge.test/ws",
		WEUR: "wss://weur.edge.test/ws",
	}}

	tests := []struct {
		name      string
		router    Router
		continent string
		point     Point
		wantCode  Code
		wantEP    string
	}{
		{name: "seattle routes east", router: r, continent: "NA", point: Point{47.61, -122.33}, wantCode: ENAM, wantEP: "wss://enam.edge.test/ws"},
		{name: "berlin routes west", router: r, continent: "EU", point: Point{52.52, 13.40}, wantCode: WEUR, wantEP: "wss://weur.edge.test/ws"},
		{name: "single endpoint", router: Single("ws://localhost:8080/ws"), continent: "OC", point: Point{-33.87, 151.21}, wantCode: OC, wantEP: "ws://localhost:8080/ws"},
	}
	for _, tc := range tests {
		code, ep, err := tc.router.Resolve(tc.continent, tc.point)
		if err != nil {
			t.Fatalf("%s: resolve: %v", tc.name, err)
		}
		if code != tc.wantCode || ep != tc.wantEP {
			t.Fatalf("%s: got %s %s, want %s %s", tc.name, code, ep, tc.wantCode, tc.wantEP)
		}
	}

	code, _, err := r.Resolve("", Point{-33.87, 151.21})
	if err != nil {
		t.Fatalf("resolve sydney: %v", err)
	}
	if code != ENAM && code != WEUR {
		t.Fatalf("sydney resolved to %s, want a configured region", code)
	}

	if _, _, err := (Router{}).Resolve("", Point{}); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("expected ErrNoEndpoint, got %v", err)
	}
}
