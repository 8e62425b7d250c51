package proj

import (
	"math"
	"testing"
)

func TestToNative_Identity(t *testing.T) {
	x, y, err := ToNative(4326, -37.8, 144.9)
	if err != nil {
		t.Fatalf("ToNative failed: %v", err)
	}
	if x != 144.9 || y != -37.8 {
		t.Errorf("EPSG:4326 should be identity (lon, lat), got (%g, %g)", x, y)
	}
}

func TestToNative_WebMercator(t *testing.T) {
	x, y, err := ToNative(3857, 0, 0)
	if err != nil {
		t.Fatalf("ToNative failed: %v", err)
	}
	if math.Abs(x) > 1e-6 || math.Abs(y) > 1e-6 {
		t.Errorf("Origin should map to (0, 0), got (%g, %g)", x, y)
	}

	// Quarter turn east on the equator is a quarter of the circumference.
	x, _, err = ToNative(3857, 0, 90)
	if err != nil {
		t.Fatalf("ToNative failed: %v", err)
	}
	want := earthRadius * math.Pi / 2
	if math.Abs(x-want) > 1e-3 {
		t.Errorf("lon 90 x = %f, want %f", x, want)
	}

	if _, _, err := ToNative(3857, 89, 0); err == nil {
		t.Error("Expected error near the pole")
	}
}

func TestToNative_TransverseMercatorInvariants(t *testing.T) {
	// A point on the central meridian sits exactly on the false easting.
	tests := []struct {
		name       string
		epsg       int
		cmLon      float64
		fe         float64
		southernFN bool
	}{
		{"UTM 55N", 32655, 147, 500000, false},
		{"UTM 55S", 32755, 147, 500000, true},
		{"MGA94 zone 55", 28355, 147, 500000, true},
		{"MGA2020 zone 55", 7855, 147, 500000, true},
		{"NZTM", 2193, 173, 1600000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lat := -37.0
			if !tt.southernFN {
				lat = 37.0
			}
			x, _, err := ToNative(tt.epsg, lat, tt.cmLon)
			if err != nil {
				t.Fatalf("ToNative failed: %v", err)
			}
			if math.Abs(x-tt.fe) > 1e-6 {
				t.Errorf("Central meridian x = %f, want false easting %f", x, tt.fe)
			}

			// On the equator, northing equals the false northing.
			_, y, err := ToNative(tt.epsg, 0, tt.cmLon)
			if err != nil {
				t.Fatalf("ToNative failed: %v", err)
			}
			wantFN := 0.0
			if tt.southernFN {
				wantFN = 1e7
			}
			if math.Abs(y-wantFN) > 1e-6 {
				t.Errorf("Equator y = %f, want false northing %f", y, wantFN)
			}
		})
	}
}

func TestToNative_TransverseMercatorMonotone(t *testing.T) {
	// Eastward longitudes increase x, northward latitudes increase y.
	x1, y1, err := ToNative(28355, -37.8, 144.9)
	if err != nil {
		t.Fatalf("ToNative failed: %v", err)
	}
	x2, _, _ := ToNative(28355, -37.8, 145.0)
	if x2 <= x1 {
		t.Errorf("Expected x to grow eastward, %f then %f", x1, x2)
	}
	_, y2, _ := ToNative(28355, -37.7, 144.9)
	if y2 <= y1 {
		t.Errorf("Expected y to grow northward, %f then %f", y1, y2)
	}

	// Melbourne is west of zone 55's central meridian, in the southern
	// hemisphere: easting under 500 km, northing under 10,000 km.
	if x1 >= 500000 || x1 < 100000 {
		t.Errorf("Melbourne easting %f outside plausible zone range", x1)
	}
	if y1 >= 1e7 || y1 < 5e6 {
		t.Errorf("Melbourne northing %f outside plausible range", y1)
	}
}

func TestToNative_Albers(t *testing.T) {
	// The projection origin (0 latitude on the 132E meridian) maps to the
	// false origin.
	x, y, err := ToNative(3577, 0, 132)
	if err != nil {
		t.Fatalf("ToNative failed: %v", err)
	}
	if math.Abs(x) > 1e-6 || math.Abs(y) > 1e-6 {
		t.Errorf("Projection origin = (%f, %f), want (0, 0)", x, y)
	}

	// Points east of the meridian have positive x; southern points have
	// negative y.
	x, y, err = ToNative(3577, -25, 140)
	if err != nil {
		t.Fatalf("ToNative failed: %v", err)
	}
	if x <= 0 {
		t.Errorf("Expected positive x east of 132E, got %f", x)
	}
	if y >= 0 {
		t.Errorf("Expected negative y south of the equator, got %f", y)
	}
}

func TestToNative_Unsupported(t *testing.T) {
	if _, _, err := ToNative(27700, 51.5, 0); err == nil {
		t.Error("Expected error for an unsupported CRS")
	}
}

func TestSupported(t *testing.T) {
	for _, epsg := range []int{4326, 3857, 32755, 28355, 7855, 2193, 3577} {
		if !Supported(epsg) {
			t.Errorf("Expected EPSG:%d to be supported", epsg)
		}
	}
	if Supported(27700) {
		t.Error("Expected EPSG:27700 to be unsupported")
	}
}
