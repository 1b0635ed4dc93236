package access

import "strings"

// Compliance annotates responses with the regulatory posture of a tenant's
// region. It is informational and never an access decision.
type Compliance struct {
	GDPRRequired        bool     `json:"gdpr_required"`
	DataResidencyRules  []string `json:"data_residency_rules"`
	RetentionPeriodDays int      `json:"retention_period_days"`
}

// retentionDays is ~7 years, the common clinical-record retention floor.
const retentionDays = 2555

var complianceByRegion = map[string]Compliance{
	"uk": {
		GDPRRequired:        true,
		DataResidencyRules:  []string{"UK GDPR", "Data Protection Act 2018"},
		RetentionPeriodDays: retentionDays,
	},
	"eu": {
		GDPRRequired:        true,
		DataResidencyRules:  []string{"GDPR"},
		RetentionPeriodDays: retentionDays,
	},
	"us": {
		GDPRRequired:        false,
		DataResidencyRules:  []string{"HIPAA"},
		RetentionPeriodDays: retentionDays,
	},
	"au": {
		GDPRRequired:        false,
		DataResidencyRules:  []string{"Privacy Act 1988", "My Health Records Act"},
		RetentionPeriodDays: retentionDays,
	},
}

// ComplianceForRegion returns the fixed compliance profile for a region
// code. An unlisted region gets the conservative GDPR-required default.
func ComplianceForRegion(region string) Compliance {
	region = strings.TrimSpace(strings.ToLower(region))
	if c, ok := complianceByRegion[region]; ok {
		return c
	}
	return Compliance{
		GDPRRequired:        true,
		DataResidencyRules:  []string{"GDPR"},
		RetentionPeriodDays: retentionDays,
	}
}
