package model

import "time"

const (
	UserTypeAdmin   = "admin"
	UserTypeTeacher = "teacher"
	UserTypeStudent = "student"
	UserTypeParent  = "parent"
)

func ValidUserType(userType string) bool {
	switch userType {
	case UserTypeAdmin, UserTypeTeacher, UserTypeStudent, UserTypeParent:
		return true
	default:
		return false
	}
}

type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	PasswordHash  string    `json:"-"`
	UserType      string    `json:"userType"`
	ProfileID     string    `json:"profileId"`
	Active        bool      `json:"isActive"`
	EmailVerified bool      `json:"isEmailVerified"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Sanitized returns a copy safe to hand outward. The password hash is
// write-only for callers of the auth service.
func (u User) Sanitized() User {
	u.PasswordHash = ""
	return u
}

type Session struct {
	ID        string
	UserID    string
	Token     string
	IPAddress string
	UserAgent string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}
