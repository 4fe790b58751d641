package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// RiskLevel orders outbreak risk from low to emergency.
type RiskLevel string

const (
	RiskLow       RiskLevel = "low"
	RiskMedium    RiskLevel = "medium"
	RiskHigh      RiskLevel = "high"
	RiskCritical  RiskLevel = "critical"
	RiskEmergency RiskLevel = "emergency"
)

var riskRank = map[RiskLevel]int{
	RiskLow:       0,
	RiskMedium:    1,
	RiskHigh:      2,
	RiskCritical:  3,
	RiskEmergency: 4,
}

// RiskLevels lists all levels in ascending order.
func RiskLevels() []RiskLevel {
	return []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical, RiskEmergency}
}

// LevelsAtOrAbove returns the levels at or above the threshold. An empty or
// unknown threshold returns all levels.
func LevelsAtOrAbove(threshold RiskLevel) []RiskLevel {
	all := RiskLevels()
	if _, ok := riskRank[threshold]; !ok {
		return all
	}
	var levels []RiskLevel
	for _, l := range all {
		if l.AtLeast(threshold) {
			levels = append(levels, l)
		}
	}
	return levels
}

// Valid reports whether the level is one of the known risk levels.
func (r RiskLevel) Valid() bool {
	_, ok := riskRank[r]
	return ok
}

// AtLeast reports whether r is at or above the given threshold.
// Unknown levels never satisfy a threshold.
func (r RiskLevel) AtLeast(threshold RiskLevel) bool {
	a, ok := riskRank[r]
	if !ok {
		return false
	}
	b, ok := riskRank[threshold]
	if !ok {
		return false
	}
	return a >= b
}

// GeoBounds is a lat/lon bounding box. Zero value means "everywhere".
type GeoBounds struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
}

// IsZero reports whether no bounds are set.
func (g GeoBounds) IsZero() bool {
	return g == GeoBounds{}
}

// Intersects reports whether two boxes overlap. A zero box overlaps everything.
func (g GeoBounds) Intersects(other GeoBounds) bool {
	if g.IsZero() || other.IsZero() {
		return true
	}
	return g.MinLat <= other.MaxLat && g.MaxLat >= other.MinLat &&
		g.MinLon <= other.MaxLon && g.MaxLon >= other.MinLon
}

// Tiles returns the 1-degree grid tile keys covered by the bounds.
// Tiles are the coarse buckets of the subscription index; exact bounds
// are re-checked per connection at resolve time.
func (g GeoBounds) Tiles() []string {
	if g.IsZero() {
		return nil
	}
	var tiles []string
	for lat := int(math.Floor(g.MinLat)); lat <= int(math.Floor(g.MaxLat)); lat++ {
		for lon := int(math.Floor(g.MinLon)); lon <= int(math.Floor(g.MaxLon)); lon++ {
			tiles = append(tiles, GeoTileKey(lat, lon))
		}
	}
	return tiles
}

// GeoTileKey formats a grid tile group key, e.g. "geo:12:-3".
func GeoTileKey(lat, lon int) string {
	return fmt.Sprintf("geo:%d:%d", lat, lon)
}

// RiskGroupKey formats a risk-level group key, e.g. "risk:high".
func RiskGroupKey(level RiskLevel) string {
	return "risk:" + string(level)
}

// TypeGroupKey formats an alert-type group key, e.g. "type:malaria_outbreak".
func TypeGroupKey(alertType string) string {
	return "type:" + alertType
}

// AlertMessage is an immutable outbreak-risk alert produced by the external
// Alert Engine. It is never mutated after creation; delivery attempts fan it
// out by value.
type AlertMessage struct {
	ID        uuid.UUID  `json:"id"`
	Level     RiskLevel  `json:"level"`
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Priority  int        `json:"priority"`
	Bounds    *GeoBounds `json:"bounds,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Expired reports whether the alert's expiry has passed at the given time.
func (a AlertMessage) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// GroupKeys computes the coarse group keys an alert is published under.
func (a AlertMessage) GroupKeys() []string {
	keys := []string{RiskGroupKey(a.Level), TypeGroupKey(a.Type)}
	if a.Bounds != nil {
		keys = append(keys, a.Bounds.Tiles()...)
	}
	return keys
}
