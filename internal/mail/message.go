package mail

import "time"

type Kind string

const (
	KindLoginCode     Kind = "login_code"
	KindSignupCode    Kind = "signup_code"
	KindPasswordReset Kind = "password_reset"
	KindVerifyLink    Kind = "verify_link"
)

// Message is one transactional email. Exactly one of Code and Link is set.
type Message struct {
	To        string
	Kind      Kind
	Code      string
	Link      string
	ExpiresAt time.Time
}
