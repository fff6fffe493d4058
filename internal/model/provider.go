package model

import "time"

// Provider types stored in email_providers.type
const (
	ProviderTypeSMTP         = "smtp"
	ProviderTypeMailcow      = "mailcow"
	ProviderTypeSMTPCom      = "smtpcom"
	ProviderTypeElasticEmail = "elasticemail"
	ProviderTypeGmail        = "gmail"
	ProviderTypeMock         = "mock"
)

// EmailProvider is a persisted provider row
type EmailProvider struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Type      string                 `json:"type"`
	Config    map[string]interface{} `json:"config,omitempty"`
	IsActive  bool                   `json:"isActive"`
	Priority  int                    `json:"priority"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// ProviderIP is a sending IP address owned by a provider
type ProviderIP struct {
	ID            string     `json:"id"`
	ProviderID    string     `json:"providerId"`
	IPAddress     string     `json:"ipAddress"`
	IsActive      bool       `json:"isActive"`
	EmailCount    int        `json:"emailCount"`
	FailureCount  int        `json:"failureCount"`
	LastUsedAt    *time.Time `json:"lastUsedAt,omitempty"`
	DeactivatedAt *time.Time `json:"deactivatedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// InCooldown reports whether the IP was used less than cooldown ago
func (ip *ProviderIP) InCooldown(now time.Time, cooldown time.Duration) bool {
	if cooldown <= 0 || ip.LastUsedAt == nil {
		return false
	}
	return !ip.LastUsedAt.Before(now.Add(-cooldown))
}

// IPUsage is one row of the IP stats report
type IPUsage struct {
	IP       string     `json:"ip"`
	Provider string     `json:"provider"`
	Usage    int        `json:"usage"`
	Status   string     `json:"status"`
	LastUsed *time.Time `json:"lastUsed,omitempty"`
	Failures int        `json:"failures"`
}

// IPStats summarises the IP pool
type IPStats struct {
	TotalIPs  int       `json:"totalIPs"`
	ActiveIPs int       `json:"activeIPs"`
	IPUsage   []IPUsage `json:"ipUsage"`
}
