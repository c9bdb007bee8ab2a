package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filesentry/internal/rules"
)

func defaultThresholds(t *testing.T) rules.Thresholds {
	t.Helper()
	rs, err := rules.Default()
	require.NoError(t, err)
	return rs.Thresholds
}

func TestStatusForScore(t *testing.T) {
	th := defaultThresholds(t)

	cases := []struct {
		score int
		want  Status
	}{
		{0, StatusClean},
		{19, StatusClean},
		{20, StatusPotentiallyUnwanted},
		{39, StatusPotentiallyUnwanted},
		{40, StatusSuspicious},
		{59, StatusSuspicious},
		{60, StatusHighlySuspicious},
		{79, StatusHighlySuspicious},
		{80, StatusMalicious},
		{150, StatusMalicious},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusForScore(th, tc.score), "score %d", tc.score)
	}
}

func TestScoreAtOrAbove80IsMalicious(t *testing.T) {
	th := defaultThresholds(t)
	for score := 80; score <= 300; score += 7 {
		assert.Equal(t, StatusMalicious, StatusForScore(th, score))
	}
	for score := 0; score < 80; score++ {
		assert.NotEqual(t, StatusMalicious, StatusForScore(th, score))
	}
}

func TestRecommendationsCoverAllStatuses(t *testing.T) {
	for _, status := range []Status{
		StatusClean, StatusPotentiallyUnwanted, StatusSuspicious,
		StatusHighlySuspicious, StatusMalicious, StatusError,
	} {
		assert.NotEmpty(t, RecommendationsFor(status), "status %s", status)
	}
}

func TestRecommendationsReturnsCopy(t *testing.T) {
	a := RecommendationsFor(StatusMalicious)
	a[0] = "mutated"
	b := RecommendationsFor(StatusMalicious)
	assert.NotEqual(t, "mutated", b[0])
}

func TestDisplayScoreClamps(t *testing.T) {
	r := Result{RiskScore: 135}
	assert.Equal(t, 100, r.DisplayScore())

	r.RiskScore = 55
	assert.Equal(t, 55, r.DisplayScore())
}
