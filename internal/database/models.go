package database

import "time"

// Device is a remote host reachable over SSH or Telnet. The password is
// stored fernet-encrypted; see crypto.Encrypt.
type Device struct {
	ID                uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name              string    `gorm:"uniqueIndex;not null" json:"name"`
	Protocol          string    `gorm:"not null;default:ssh" json:"protocol"`
	Host              string    `gorm:"not null" json:"host"`
	Port              int       `gorm:"not null;default:0" json:"port"`
	Username          string    `json:"username"`
	EncryptedPassword string    `json:"-"`
	Description       string    `json:"description"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
