package auth

import (
	"strconv"
	"time"
)

// User is the canonical identity shape stored in the session token.
type User struct {
	Sub   string `json:"sub"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Image string `json:"image,omitempty"`
}

// Session is the decoded view of a session cookie.
type Session struct {
	User    User
	Expires time.Time
}

// NormalizeProfile maps a raw provider profile to the canonical User shape.
// A missing subject is substituted with a fresh random identifier rather than
// failing the login.
func NormalizeProfile(raw map[string]any) User {
	user := User{
		Sub:   firstString(raw, "id", "sub"),
		Email: firstString(raw, "email"),
		Name:  firstString(raw, "name", "username", "nickname"),
		Image: firstString(raw, "image", "picture"),
	}
	if user.Sub == "" {
		user.Sub = randomToken(16)
	}
	return user
}

func firstString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := raw[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			// Numeric ids (GitHub) arrive as JSON numbers.
			if v == float64(int64(v)) {
				return strconv.FormatInt(int64(v), 10)
			}
		}
	}
	return ""
}
