package device

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"hash/fnv"
	"math"
)

// FeatureCount is the length of the vector produced by Extract.
const FeatureCount = 10

// FeatureNames lists the vector positions in order.
var FeatureNames = [FeatureCount]string{
	"screen_width",
	"screen_height",
	"color_depth",
	"cookie_enabled",
	"hardware_concurrency",
	"plugin_count",
	"timezone_offset",
	"language_count",
	"canvas_hash",
	"webgl_hash",
}

// ErrFingerprint is returned for payloads that are not a JSON object.
var ErrFingerprint = errors.New("invalid device fingerprint")

// Fingerprint is the browser-collected payload. Unknown fields are ignored and
// missing ones read as zero.
type Fingerprint struct {
	Screen struct {
		Width      float64 `json:"width"`
		Height     float64 `json:"height"`
		ColorDepth float64 `json:"colorDepth"`
	} `json:"screen"`
	ColorDepth          float64           `json:"colorDepth"`
	CookieEnabled       bool              `json:"cookieEnabled"`
	HardwareConcurrency float64           `json:"hardwareConcurrency"`
	Plugins             []json.RawMessage `json:"plugins"`
	TimezoneOffset      float64           `json:"timezoneOffset"`
	Languages           []string          `json:"languages"`
	Canvas              string            `json:"canvas"`
	WebGL               string            `json:"webgl"`
}

// Parse decodes a fingerprint payload.
func Parse(payload []byte) (*Fingerprint, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return nil, ErrFingerprint
	}
	var fp Fingerprint
	if err := json.Unmarshal(payload, &fp); err != nil {
		return nil, errors.Join(ErrFingerprint, err)
	}
	return &fp, nil
}

// Vector returns the raw feature vector in FeatureNames order.
func (fp *Fingerprint) Vector() []float64 {
	colorDepth := fp.Screen.ColorDepth
	if colorDepth == 0 {
		colorDepth = fp.ColorDepth
	}
	cookies := 0.0
	if fp.CookieEnabled {
		cookies = 1
	}
	return []float64{
		fp.Screen.Width,
		fp.Screen.Height,
		colorDepth,
		cookies,
		fp.HardwareConcurrency,
		float64(len(fp.Plugins)),
		fp.TimezoneOffset,
		float64(len(fp.Languages)),
		unitHash(fp.Canvas),
		unitHash(fp.WebGL),
	}
}

// Extract parses payload and returns its feature vector.
func Extract(payload []byte) ([]float64, error) {
	fp, err := Parse(payload)
	if err != nil {
		return nil, err
	}
	return fp.Vector(), nil
}

// unitHash maps s onto [0,1) with FNV-1a. The empty string maps to 0.
func unitHash(s string) float64 {
	if s == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return float64(h.Sum32()) / (math.MaxUint32 + 1.0)
}

// Hash returns the stable device identifier: hex(sha256(salt || canonical
// payload)) truncated to 16 characters. Payloads that are valid JSON are
// re-encoded with sorted keys first so field order does not matter.
func Hash(salt string, payload []byte) string {
	canonical := bytes.TrimSpace(payload)
	var generic any
	if err := json.Unmarshal(canonical, &generic); err == nil {
		if encoded, err := json.Marshal(generic); err == nil {
			canonical = encoded
		}
	}

	h := sha256.New()
	h.Write([]byte(salt))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))[:16]
}
