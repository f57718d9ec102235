package models

import "gorm.io/gorm"

// Credential authorizes trading on one exchange on behalf of one account.
type Credential struct {
	gorm.Model
	AccountID     uint   `gorm:"not null;uniqueIndex:idx_account_exchange" json:"account_id"`
	Exchange      string `gorm:"size:30;not null;uniqueIndex:idx_account_exchange" json:"exchange"`
	AccountHolder string `gorm:"size:100" json:"account_holder"`
	APIKey        string `gorm:"column:api_key;not null" json:"-"`
	APISecret     string `gorm:"column:api_secret;not null;uniqueIndex" json:"-"`
	Passphrase    string `gorm:"column:api_passphrase" json:"-"`
}
