package alertbridge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	taxonomy "github.com/swarmguard/deepresearch/pkg/errors"
)

func TestToWireAlertFlattensLastError(t *testing.T) {
	firedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cause := taxonomy.New(taxonomy.KindRateLimit, "backend rate limited")
	a := taxonomy.Alert{
		RuleName:  "search-rate-limit-storm",
		Kind:      taxonomy.KindRateLimit,
		Count:     7,
		Window:    time.Minute,
		FiredAt:   firedAt,
		LastError: cause,
	}

	wa := toWireAlert(a)
	assert.Equal(t, "search-rate-limit-storm", wa.RuleName)
	assert.Equal(t, string(taxonomy.KindRateLimit), wa.Kind)
	assert.Equal(t, 7, wa.Count)
	assert.Equal(t, 60.0, wa.WindowSecs)
	assert.Equal(t, "backend rate limited", wa.LastErrorMsg)

	data, err := json.Marshal(wa)
	require.NoError(t, err)
	assert.Contains(t, string(data), "backend rate limited")
}

func TestToWireAlertToleratesNilLastError(t *testing.T) {
	a := taxonomy.Alert{RuleName: "r", Kind: taxonomy.KindTransformation, Count: 1, FiredAt: time.Now()}
	wa := toWireAlert(a)
	assert.Empty(t, wa.LastErrorMsg)
}
