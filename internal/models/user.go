package models

import "time"

type Role string

const (
	RoleMerchant Role = "merchant"
	RoleTeam     Role = "team"
	RoleAgent    Role = "agent"
	RoleSupport  Role = "support"
)

// User is any account owning a balance.
type User struct {
	ID            string        `json:"id" example:"5f1c2d9e-8a41-4c55-9f0e-2a7b1d3c4e5f"`
	Name          string        `json:"name" example:"team-alpha"`
	Role          Role          `json:"role" example:"team"`
	BalanceID     string        `json:"balance_id"`
	EconomicModel EconomicModel `json:"economic_model"`
	CreditFactor  int64         `json:"credit_factor"`
	IsBlocked     bool          `json:"is_blocked"`
	PasswordHash  string        `json:"-"`
	CreatedAt     time.Time     `json:"created_at"`
}
