package access

import (
	"slices"
	"testing"
)

func TestComplianceForRegion(t *testing.T) {
	uk := ComplianceForRegion("UK")
	if !uk.GDPRRequired {
		t.Fatal("uk must require gdpr")
	}
	if uk.RetentionPeriodDays != 2555 {
		t.Fatalf("unexpected retention: %d", uk.RetentionPeriodDays)
	}

	us := ComplianceForRegion("us")
	if us.GDPRRequired {
		t.Fatal("us must not require gdpr")
	}
	if !slices.Contains(us.DataResidencyRules, "HIPAA") {
		t.Fatalf("us rules missing HIPAA: %v", us.DataResidencyRules)
	}
	if us.RetentionPeriodDays != uk.RetentionPeriodDays {
		t.Fatal("us and uk retention must match")
	}
}

func TestComplianceUnknownRegionIsConservative(t *testing.T) {
	c := ComplianceForRegion("atlantis")
	if !c.GDPRRequired {
		t.Fatal("unknown region must default to gdpr-required")
	}
	if c.RetentionPeriodDays != 2555 {
		t.Fatalf("unexpected retention: %d", c.RetentionPeriodDays)
	}
}
