package models

import "time"

// WebhookNonce is a single-use token recorded per source. A nonce seen twice
// within the retention window is a replay attempt, not an ordinary duplicate.
// Rows are removed only by the retention sweep; a nonce reused after the sweep
// is no longer detectable, which is an accepted limit of the replay window.
type WebhookNonce struct {
	ID     int64     `gorm:"primary_key;autoIncrement" json:"id"`
	Source string    `gorm:"not null;uniqueIndex:uq_webhook_nonces_source_nonce" json:"source"`
	Nonce  string    `gorm:"not null;uniqueIndex:uq_webhook_nonces_source_nonce" json:"nonce"`
	UsedAt time.Time `gorm:"not null;index" json:"used_at"`
}

func (WebhookNonce) TableName() string {
	return "webhook_nonces"
}
