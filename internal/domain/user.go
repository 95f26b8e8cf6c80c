package domain

import "time"

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleMember || r == RoleAdmin
}

type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	Credits   int64     `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
}

// IsAdmin reports whether the user may call admin operations.
func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// IssuedUser is returned exactly once when an account is provisioned.
// The key is never stored in plain text and cannot be fetched again.
type IssuedUser struct {
	User
	APIKey string `json:"api_key"`
}
