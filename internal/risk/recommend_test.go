package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/device-posture-go/internal/domain"
)

func TestRecommendCoversCriticalAndHigh(t *testing.T) {
	findings := []domain.Finding{
		finding(domain.PhaseIntegrity, domain.KindRooted, "", domain.SeverityCritical, 40),
		finding(domain.PhaseIntegrity, domain.KindBootloaderUnlocked, "", domain.SeverityHigh, 25),
		finding(domain.PhaseIntegrity, domain.KindSELinuxPermissive, "", domain.SeverityHigh, 25),
		finding(domain.PhaseAppThreatMatch, domain.KindThreatMatch, "com.bad", domain.SeverityHigh, 25),
		finding(domain.PhaseFileSystem, domain.KindMaliciousFile, "/sdcard/x.apk", domain.SeverityCritical, 40),
		finding(domain.PhaseNetworkPosture, domain.KindADBOverNetwork, "5555", domain.SeverityCritical, 35),
		finding(domain.PhaseNetworkPosture, domain.KindInsecureWiFi, "cafe", domain.SeverityHigh, 25),
		finding(domain.PhasePrivacyAudit, domain.KindSpywarePattern, "com.spy", domain.SeverityHigh, 10),
		// 没有专门规则的 HIGH 发现项
		{ID: "custom:thing", Phase: domain.PhasePrivacyAudit, Kind: "custom", Severity: domain.SeverityHigh, Weight: 10},
	}

	recs := Recommend(findings)

	referenced := map[string]bool{}
	for _, r := range recs {
		for _, id := range r.FindingIDs {
			referenced[id] = true
		}
	}
	for _, f := range findings {
		if f.Severity.AtLeast(domain.SeverityHigh) {
			assert.True(t, referenced[f.ID], "finding %s has no recommendation", f.ID)
		}
	}

	// 固件相关发现项合并为一条
	firmware := 0
	for _, r := range recs {
		if r.ActionKind == domain.ActionRestoreFirmware {
			firmware++
			assert.Len(t, r.FindingIDs, 2)
		}
	}
	assert.Equal(t, 1, firmware)

	last := recs[len(recs)-1]
	assert.Equal(t, domain.ActionReview, last.ActionKind)
	assert.Equal(t, "custom:thing", last.Subject)
}

func TestRecommendSortedStableByPriority(t *testing.T) {
	findings := []domain.Finding{
		finding(domain.PhaseIntegrity, domain.KindUSBDebugging, "", domain.SeverityLow, 5),
		finding(domain.PhaseIntegrity, domain.KindRooted, "", domain.SeverityCritical, 40),
		finding(domain.PhaseAppThreatMatch, domain.KindThreatMatch, "com.a", domain.SeverityMedium, 10),
		finding(domain.PhaseNetworkPosture, domain.KindDangerousPort, "23", domain.SeverityCritical, 30),
		finding(domain.PhasePrivacyAudit, domain.KindAccessibilityGrant, "com.b", domain.SeverityMedium, 15),
	}

	recs := Recommend(findings)
	require.Len(t, recs, 5)

	subjects := make([]string, 0, len(recs))
	for _, r := range recs {
		subjects = append(subjects, r.Subject)
	}
	assert.Equal(t, []string{"root", "port:23", "com.a", "com.b", "usb_debugging"}, subjects)

	for i := 1; i < len(recs); i++ {
		assert.GreaterOrEqual(t, recs[i-1].Priority, recs[i].Priority)
	}
	assert.Equal(t, domain.ActionInvestigate, recs[2].ActionKind, "medium threat matches are investigated, not uninstalled")
}

func TestRecommendMergeRaisesPriority(t *testing.T) {
	findings := []domain.Finding{
		finding(domain.PhaseAppThreatMatch, domain.KindThreatMatch, "com.x", domain.SeverityHigh, 25),
		finding(domain.PhasePrivacyAudit, domain.KindStalkerwarePattern, "com.x", domain.SeverityCritical, 10),
	}
	recs := Recommend(findings)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.SeverityCritical, recs[0].Priority)
	assert.Equal(t, "UNINSTALL_APP:com.x", recs[0].ID)
}
