package models

import "time"

// RateLimitBucket holds token-bucket state for one source. Tokens refill
// lazily on checkout; there is no background refill. A missing row is
// equivalent to a full bucket, so stale rows can be deleted freely.
type RateLimitBucket struct {
	BucketKey       string    `gorm:"primary_key" json:"bucket_key"`
	Tokens          float64   `gorm:"not null" json:"tokens"`
	BurstCapacity   float64   `gorm:"not null" json:"burst_capacity"`
	SustainedPerSec float64   `gorm:"not null" json:"sustained_per_sec"`
	LastRefill      time.Time `gorm:"not null" json:"last_refill"`
	UpdatedAt       time.Time `gorm:"not null;index" json:"updated_at"`
}

func (RateLimitBucket) TableName() string {
	return "rate_limit_buckets"
}
