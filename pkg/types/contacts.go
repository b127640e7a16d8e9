package types

import "strings"

// =============================================================================
// CONTACTS & SMTP
// =============================================================================

// Contact is one notification recipient.
type Contact struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ContactGroup is a named set of contacts referenced by rules.
type ContactGroup struct {
	ID         int64     `json:"id"`
	CustomerID int64     `json:"customer_id"`
	Name       string    `json:"name"`
	Contacts   []Contact `json:"contacts"`
}

// SMTPSecurity is the transport security mode of the mail relay.
type SMTPSecurity string

const (
	SMTPSecurityNone SMTPSecurity = "None"
	SMTPSecurityTLS  SMTPSecurity = "TLS" // STARTTLS
	SMTPSecuritySSL  SMTPSecurity = "SSL" // implicit TLS
)

// ParseSMTPSecurity normalizes a stored security value.
func ParseSMTPSecurity(s string) SMTPSecurity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TLS", "STARTTLS":
		return SMTPSecurityTLS
	case "SSL":
		return SMTPSecuritySSL
	default:
		return SMTPSecurityNone
	}
}

// SMTPConfig is the outbound mail relay configuration.
type SMTPConfig struct {
	Host     string       `json:"host"`
	Port     int          `json:"port"`
	Security SMTPSecurity `json:"security"`
	Sender   string       `json:"sender"`
	Username string       `json:"username,omitempty"`
	Password string       `json:"-"`

	// PasswordRef names a secret to resolve instead of Password.
	PasswordRef string `json:"password_ref,omitempty"`
}
