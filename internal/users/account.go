package users

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/diffsync/internal/schema"
)

// Account binds a user to a tenant and a profile.
type Account struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	CustomerID  int64     `gorm:"column:customer_id;not null;index"`
	Profile     string    `gorm:"column:profile;size:32;not null"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "accounts"
}

// SchemaProfile parses the stored profile. Unknown values degrade to None,
// which no access rule matches.
func (a Account) SchemaProfile() schema.Profile {
	profile, err := schema.ParseProfile(a.Profile)
	if err != nil {
		return schema.ProfileNone
	}
	return profile
}

// Subject builds the access subject of the account in an area.
func (a Account) Subject(area string) schema.Subject {
	return schema.Subject{CustomerID: a.CustomerID, UserID: a.UserID, Profile: a.SchemaProfile(), Area: area}
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
