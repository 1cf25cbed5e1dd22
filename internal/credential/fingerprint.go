package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"runtime"
	"time"
)

// DeviceAttributes are the stable, non-secret properties a fingerprint is
// derived from.
type DeviceAttributes struct {
	Timezone        string `json:"timezone"`
	Locale          string `json:"locale"`
	Platform        string `json:"platform"`
	RenderSignature string `json:"renderSignature"`
}

// Fingerprint returns the first 16 hex chars of SHA-256 over the
// attributes' JSON encoding.
func Fingerprint(attrs DeviceAttributes) string {
	raw, _ := json.Marshal(attrs)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

// HostAttributes derives device attributes from the running host.
func HostAttributes() DeviceAttributes {
	locale := os.Getenv("LC_ALL")
	if locale == "" {
		locale = os.Getenv("LANG")
	}
	host, _ := os.Hostname()
	return DeviceAttributes{
		Timezone:        time.Local.String(),
		Locale:          locale,
		Platform:        runtime.GOOS + "/" + runtime.GOARCH,
		RenderSignature: host,
	}
}
