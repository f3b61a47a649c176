package identity

import (
	"strings"
	"time"
)

// User is a registered account.
type User struct {
	ID       string `gorm:"primaryKey;type:text"`
	Username string `gorm:"not null;type:text"`
	// UsernameKey is the lowercased username; usernames compare
	// case-insensitively.
	UsernameKey  string `gorm:"uniqueIndex;not null;type:text"`
	PasswordHash string `gorm:"not null;type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (User) TableName() string {
	return "users"
}

// Identity is the verified {id, username} pair a connection carries.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Account is the public view of a User returned by register and login.
type Account struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is a successful login.
type Session struct {
	User  Account `json:"user"`
	Token string  `json:"token"`
}

func (u *User) identity() Identity {
	return Identity{ID: u.ID, Username: u.Username}
}

func (u *User) account() Account {
	return Account{ID: u.ID, Username: u.Username, CreatedAt: u.CreatedAt.UTC()}
}

func usernameKey(username string) string {
	return strings.ToLower(username)
}
