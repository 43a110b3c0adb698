package antiproxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func sampleAttributes() DeviceAttributes {
	return DeviceAttributes{
		DeviceModel:      "Pixel 8",
		OSVersion:        "Android 14",
		UserAgent:        "Mozilla/5.0 (Linux; Android 14; Pixel 8)",
		ScreenResolution: "1080x2400",
		Timezone:         "America/Detroit",
		Language:         "en-US",
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint(sampleAttributes())
	b := Fingerprint(sampleAttributes())
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprint_EachIdentityFieldMatters(t *testing.T) {
	base := Fingerprint(sampleAttributes())
	mutations := map[string]func(*DeviceAttributes){
		"deviceModel":      func(d *DeviceAttributes) { d.DeviceModel = "Pixel 7" },
		"osVersion":        func(d *DeviceAttributes) { d.OSVersion = "Android 13" },
		"userAgent":        func(d *DeviceAttributes) { d.UserAgent = "curl/8.0" },
		"screenResolution": func(d *DeviceAttributes) { d.ScreenResolution = "720x1600" },
		"timezone":         func(d *DeviceAttributes) { d.Timezone = "UTC" },
		"language":         func(d *DeviceAttributes) { d.Language = "fr-FR" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			attrs := sampleAttributes()
			mutate(&attrs)
			assert.NotEqual(t, base, Fingerprint(attrs))
		})
	}
}

func TestFingerprint_SignalsNotHashed(t *testing.T) {
	base := Fingerprint(sampleAttributes())

	attrs := sampleAttributes()
	battery := 42.0
	charging := true
	attrs.BatteryLevel = &battery
	attrs.IsCharging = &charging
	attrs.NetworkSSID = "campus-wifi"

	assert.Equal(t, base, Fingerprint(attrs))
}

func TestFingerprint_EmptyIsUnknown(t *testing.T) {
	explicit := DeviceAttributes{
		DeviceModel:      "unknown",
		OSVersion:        "unknown",
		UserAgent:        "unknown",
		ScreenResolution: "unknown",
		Timezone:         "unknown",
		Language:         "unknown",
	}
	assert.Equal(t, Fingerprint(explicit), Fingerprint(DeviceAttributes{}))
}
