// Package proj converts WGS84 geographic coordinates into the projected
// native CRS of a raster file. All functions are stateless and safe for
// concurrent use.
//
// Supported EPSG codes cover the catalog's LiDAR holdings: spherical
// mercator, UTM (WGS84), MGA (GDA94 and GDA2020), NZTM2000 and the
// GDA94 Australian Albers mosaic projection.
package proj

import (
	"fmt"
	"math"
)

const (
	// GRS80 ellipsoid. GDA94/GDA2020/NZGD2000 use GRS80; WGS84 differs in
	// flattening by under a tenth of a millimetre, far below pixel size.
	semiMajor  = 6378137.0
	flattening = 1.0 / 298.257222101

	earthRadius = 6378137.0 // spherical mercator radius

	deg = math.Pi / 180
)

// ToNative projects a WGS84 (lat, lon) into the given EPSG CRS, returning
// projected (x, y) in the CRS's native units.
func ToNative(epsg int, lat, lon float64) (x, y float64, err error) {
	switch {
	case epsg == 4326:
		return lon, lat, nil

	case epsg == 3857:
		return webMercator(lat, lon)

	case epsg >= 32601 && epsg <= 32660: // UTM north, WGS84
		zone := epsg - 32600
		x, y = transverseMercator(lat, lon, 0, utmCentralMeridian(zone), 0.9996, 500000, 0)
		return x, y, nil

	case epsg >= 32701 && epsg <= 32760: // UTM south, WGS84
		zone := epsg - 32700
		x, y = transverseMercator(lat, lon, 0, utmCentralMeridian(zone), 0.9996, 500000, 1e7)
		return x, y, nil

	case epsg >= 28348 && epsg <= 28358: // MGA (GDA94), zones 48-58
		zone := epsg - 28300
		x, y = transverseMercator(lat, lon, 0, utmCentralMeridian(zone), 0.9996, 500000, 1e7)
		return x, y, nil

	case epsg >= 7846 && epsg <= 7859: // MGA (GDA2020), zones 46-59
		zone := epsg - 7800
		x, y = transverseMercator(lat, lon, 0, utmCentralMeridian(zone), 0.9996, 500000, 1e7)
		return x, y, nil

	case epsg == 2193: // NZTM2000
		x, y = transverseMercator(lat, lon, 0, 173, 0.9996, 1600000, 1e7)
		return x, y, nil

	case epsg == 3577: // GDA94 / Australian Albers
		x, y = albers(lat, lon, 132, -18, -36, 0, 0, 0)
		return x, y, nil

	default:
		return 0, 0, fmt.Errorf("unsupported CRS EPSG:%d", epsg)
	}
}

// Supported reports whether ToNative can handle the EPSG code.
func Supported(epsg int) bool {
	_, _, err := ToNative(epsg, 0, 0)
	return err == nil
}

func utmCentralMeridian(zone int) float64 {
	return float64(zone)*6 - 183
}

func webMercator(lat, lon float64) (x, y float64, err error) {
	if lat <= -85.06 || lat >= 85.06 {
		return 0, 0, fmt.Errorf("latitude %.4f outside web mercator domain", lat)
	}
	x = earthRadius * lon * deg
	y = earthRadius * math.Log(math.Tan(math.Pi/4+lat*deg/2))
	return x, y, nil
}

// transverseMercator is the standard series expansion (Snyder 8-9..8-15),
// accurate to well under a millimetre inside a UTM-width zone.
func transverseMercator(lat, lon, lat0, lon0, k0, falseE, falseN float64) (x, y float64) {
	e2 := flattening * (2 - flattening)
	ep2 := e2 / (1 - e2)

	phi := lat * deg
	dLam := (lon - lon0) * deg

	sinP, cosP := math.Sin(phi), math.Cos(phi)
	tanP := sinP / cosP

	n := semiMajor / math.Sqrt(1-e2*sinP*sinP)
	t := tanP * tanP
	c := ep2 * cosP * cosP
	a := dLam * cosP

	m := meridianArc(phi, e2)
	m0 := meridianArc(lat0*deg, e2)

	a2 := a * a
	a3 := a2 * a
	a4 := a3 * a
	a5 := a4 * a
	a6 := a5 * a

	x = falseE + k0*n*(a+(1-t+c)*a3/6+(5-18*t+t*t+72*c-58*ep2)*a5/120)
	y = falseN + k0*(m-m0+n*tanP*(a2/2+(5-t+9*c+4*c*c)*a4/24+
		(61-58*t+t*t+600*c-330*ep2)*a6/720))
	return x, y
}

// meridianArc returns the meridional arc length from the equator to phi.
func meridianArc(phi, e2 float64) float64 {
	e4 := e2 * e2
	e6 := e4 * e2
	return semiMajor * ((1-e2/4-3*e4/64-5*e6/256)*phi -
		(3*e2/8+3*e4/32+45*e6/1024)*math.Sin(2*phi) +
		(15*e4/256+45*e6/1024)*math.Sin(4*phi) -
		(35*e6/3072)*math.Sin(6*phi))
}

// albers is the ellipsoidal Albers equal-area conic (Snyder 14-1..14-6).
func albers(lat, lon, lon0, sp1, sp2, lat0, falseE, falseN float64) (x, y float64) {
	e2 := flattening * (2 - flattening)
	e := math.Sqrt(e2)

	q := func(phi float64) float64 {
		s := math.Sin(phi)
		return (1 - e2) * (s/(1-e2*s*s) - (1/(2*e))*math.Log((1-e*s)/(1+e*s)))
	}
	m := func(phi float64) float64 {
		s := math.Sin(phi)
		return math.Cos(phi) / math.Sqrt(1-e2*s*s)
	}

	phi1, phi2 := sp1*deg, sp2*deg
	m1, m2 := m(phi1), m(phi2)
	q0, q1, q2 := q(lat0*deg), q(phi1), q(phi2)

	nc := (m1*m1 - m2*m2) / (q2 - q1)
	cc := m1*m1 + nc*q1
	rho0 := semiMajor * math.Sqrt(cc-nc*q0) / nc

	rho := semiMajor * math.Sqrt(cc-nc*q(lat*deg)) / nc
	theta := nc * (lon - lon0) * deg

	x = falseE + rho*math.Sin(theta)
	y = falseN + rho0 - rho*math.Cos(theta)
	return x, y
}
