package antiproxy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

const unknownAttribute = "unknown"

// DeviceAttributes are the device signals submitted with a clock-in.
// Battery, charging and SSID are signals only; they are not hashed.
type DeviceAttributes struct {
	DeviceModel      string
	OSVersion        string
	UserAgent        string
	ScreenResolution string
	Timezone         string
	Language         string
	BatteryLevel     *float64
	IsCharging       *bool
	NetworkSSID      string
}

// identity fixes the field order of the hashed form.
type identity struct {
	DeviceModel      string `json:"deviceModel"`
	OSVersion        string `json:"osVersion"`
	UserAgent        string `json:"userAgent"`
	ScreenResolution string `json:"screenResolution"`
	Timezone         string `json:"timezone"`
	Language         string `json:"language"`
}

// Fingerprint returns the hex SHA-256 of the canonical identity fields.
func Fingerprint(attrs DeviceAttributes) string {
	id := identity{
		DeviceModel:      orUnknown(attrs.DeviceModel),
		OSVersion:        orUnknown(attrs.OSVersion),
		UserAgent:        orUnknown(attrs.UserAgent),
		ScreenResolution: orUnknown(attrs.ScreenResolution),
		Timezone:         orUnknown(attrs.Timezone),
		Language:         orUnknown(attrs.Language),
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a struct of strings cannot fail.
	_ = enc.Encode(id)

	sum := sha256.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return hex.EncodeToString(sum[:])
}

func orUnknown(v string) string {
	if v == "" {
		return unknownAttribute
	}
	return v
}
