package models

import (
	"time"

	"github.com/google/uuid"
)

// WebhookSource is the registration record for one upstream provider
// (payment processor, course platform, ticketing system). The shared secret
// is used by the receiver to verify payload signatures; the optional limit
// overrides replace the service-wide rate-limit defaults for this source.
type WebhookSource struct {
	ID              uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	Name            string    `gorm:"not null;uniqueIndex" json:"name"`
	Secret          string    `json:"-"`
	Active          bool      `gorm:"not null;default:true" json:"active"`
	BurstCapacity   *float64  `json:"burst_capacity,omitempty"`
	SustainedPerMin *float64  `json:"sustained_per_min,omitempty"`
	CreatedAt       time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time `gorm:"not null" json:"updated_at"`
}

func (WebhookSource) TableName() string {
	return "webhook_sources"
}
