// Package geo decides whether a reported position is plausibly inside a
// classroom geofence. It is a plausibility filter against GPS noise, not a
// proof of presence: coordinates are client-reported and can be spoofed.
package geo

import (
	"fmt"
	"math"
	"strings"
)

const (
	earthRadiusMeters = 6371e3
	feetPerMeter      = 3.28084

	// DefaultRadiusMeters applies when a class sets a center but no radius (30 ft).
	DefaultRadiusMeters = 9.144
)

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64
	Lng float64
}

// PointFrom builds a point from optional request coordinates.
func PointFrom(lat, lng *float64) Point {
	var p Point
	if lat != nil {
		p.Lat = *lat
	}
	if lng != nil {
		p.Lng = *lng
	}
	return p
}

// Missing reports absent or zero-like coordinates.
func (p Point) Missing() bool {
	return p.Lat == 0 || p.Lng == 0 || math.IsNaN(p.Lat) || math.IsNaN(p.Lng)
}

// DeviceHint classifies the device for GPS tolerance purposes.
type DeviceHint int

const (
	DeviceUnknown DeviceHint = iota
	DeviceAndroid
)

// HintFromUserAgent reports Android when any descriptor mentions it.
func HintFromUserAgent(fields ...string) DeviceHint {
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), "android") {
			return DeviceAndroid
		}
	}
	return DeviceUnknown
}

// Distance returns the haversine great-circle distance in meters.
func Distance(a, b Point) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	dPhi := (b.Lat - a.Lat) * math.Pi / 180
	dLambda := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMeters * c
}

// Tolerance returns the extra meters granted on top of a nominal radius.
type Tolerance interface {
	Allowance(radiusMeters float64, hint DeviceHint) float64
}

// StrictTolerance grants nothing: distance must be within the radius.
type StrictTolerance struct{}

// Allowance implements Tolerance.
func (StrictTolerance) Allowance(float64, DeviceHint) float64 { return 0 }

// AdditiveTolerance grants a base distance plus a share of the radius.
// Android devices get their own, larger, pair of values.
type AdditiveTolerance struct {
	BaseMeters        float64 `yaml:"base_meters"`
	Percent           float64 `yaml:"percent"`
	AndroidBaseMeters float64 `yaml:"android_base_meters"`
	AndroidPercent    float64 `yaml:"android_percent"`
}

// DefaultTolerance is 20m + 10% of radius, or 50m + 25% on Android.
func DefaultTolerance() AdditiveTolerance {
	return AdditiveTolerance{
		BaseMeters:        20,
		Percent:           0.10,
		AndroidBaseMeters: 50,
		AndroidPercent:    0.25,
	}
}

// Allowance implements Tolerance. The Android allowance never drops below
// the generic one for the same radius.
func (t AdditiveTolerance) Allowance(radiusMeters float64, hint DeviceHint) float64 {
	base := math.Max(t.BaseMeters, 0) + math.Max(t.Percent, 0)*radiusMeters
	if hint != DeviceAndroid {
		return base
	}
	android := math.Max(t.AndroidBaseMeters, 0) + math.Max(t.AndroidPercent, 0)*radiusMeters
	return math.Max(base, android)
}

// Verifier applies a tolerance strategy to geofence checks.
type Verifier struct {
	tolerance Tolerance
}

// NewVerifier creates a verifier. A nil tolerance means strict.
func NewVerifier(t Tolerance) *Verifier {
	if t == nil {
		t = StrictTolerance{}
	}
	return &Verifier{tolerance: t}
}

// WithinRadius reports whether student is close enough to center.
// Missing coordinates on either side always fail.
func (v *Verifier) WithinRadius(student, center Point, radiusMeters float64, hint DeviceHint) bool {
	if student.Missing() || center.Missing() {
		return false
	}
	return Distance(student, center) <= v.EffectiveRadius(radiusMeters, hint)
}

// EffectiveRadius is the nominal radius plus tolerance.
func (v *Verifier) EffectiveRadius(radiusMeters float64, hint DeviceHint) float64 {
	if radiusMeters < 0 {
		radiusMeters = 0
	}
	return radiusMeters + v.tolerance.Allowance(radiusMeters, hint)
}

// DescribeDistance renders a feet-based message for students.
func DescribeDistance(distanceMeters, radiusMeters float64) string {
	distanceFeet := math.Round(distanceMeters * feetPerMeter)
	radiusFeet := math.Round(radiusMeters * feetPerMeter)
	if distanceMeters <= radiusMeters {
		return fmt.Sprintf("Location verified (%.0fft from class, within %.0fft radius)", distanceFeet, radiusFeet)
	}
	return fmt.Sprintf("Too far from class. You are %.0fft away, but must be within %.0fft radius to clock in/out", distanceFeet, radiusFeet)
}
