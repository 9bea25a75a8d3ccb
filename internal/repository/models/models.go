// Package models contains data structures used by the repository layer.
package models

// WorkerTypeCost aggregates the billed cost of one worker type across
// provisioners, plus the hours a branch spent on it.
type WorkerTypeCost struct {
	Provisioners []string `json:"provisioner"`
	TotalHours   float64  `json:"total_hours"`
	Cost         float64  `json:"cost"`
	BranchHours  float64  `json:"branch_hours"`
}

type PlatformDuration struct {
	WorkerType string `json:"worker_type"`
	Platform   string `json:"platform"`
	DurationMs int64  `json:"duration_ms"`
}

// MonthlyCost is one row of worker_type_monthly_costs.
type MonthlyCost struct {
	Year        int     `json:"year"`
	Month       int     `json:"month"`
	Provider    string  `json:"provider"`
	Provisioner string  `json:"provisioner"`
	WorkerType  string  `json:"worker_type"`
	UsageHours  float64 `json:"usage_hours"`
	Cost        float64 `json:"cost"`
}

const (
	ProviderAWS     = "aws"
	NoPlatform      = "None"
	NoProvisioner   = "none"
	TotalWorkerType = "Total"
)
