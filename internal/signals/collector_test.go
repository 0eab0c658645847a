package signals

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClock(start time.Time) (*time.Time, func() time.Time) {
	now := start
	return &now, func() time.Time { return now }
}

func TestAttachAndVerify(t *testing.T) {
	c := NewCollector()
	require.NoError(t, c.Attach("t1", "r1", TypeCTOSignature, "sig-bytes", 5*time.Minute, nil))

	ok, missing := c.Verify("t1", "r1", []Type{TypeCTOSignature})
	assert.True(t, ok)
	assert.Empty(t, missing)
}

func TestVerifyReportsMissingSorted(t *testing.T) {
	c := NewCollector()
	require.NoError(t, c.Attach("t1", "r1", TypeTwoFactor, "otp", time.Minute, nil))

	ok, missing := c.Verify("t1", "r1", []Type{TypeHumanApproval, TypeCTOSignature, TypeTwoFactor})
	assert.False(t, ok)
	assert.Equal(t, []Type{TypeCTOSignature, TypeHumanApproval}, missing)
}

func TestVerifyNoRequirements(t *testing.T) {
	c := NewCollector()
	ok, missing := c.Verify("t1", "unseen", nil)
	assert.True(t, ok)
	assert.Nil(t, missing)
}

func TestSignalsAreRequestScoped(t *testing.T) {
	c := NewCollector()
	require.NoError(t, c.Attach("t1", "r1", TypeCTOSignature, "sig", time.Minute, nil))

	ok, _ := c.Verify("t1", "r2", []Type{TypeCTOSignature})
	assert.False(t, ok, "signal for r1 must not satisfy r2")

	ok, _ = c.Verify("t2", "r1", []Type{TypeCTOSignature})
	assert.False(t, ok, "signal for tenant t1 must not satisfy t2")
}

func TestExpiredSignalDoesNotVerify(t *testing.T) {
	now, clock := testClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	c := NewCollector(WithClock(clock))
	require.NoError(t, c.Attach("t1", "r1", TypeHumanApproval, "ok", 30*time.Second, nil))

	*now = now.Add(time.Minute)
	ok, missing := c.Verify("t1", "r1", []Type{TypeHumanApproval})
	assert.False(t, ok)
	assert.Equal(t, []Type{TypeHumanApproval}, missing)
}

func TestAttachRejectsUnknownType(t *testing.T) {
	c := NewCollector()
	err := c.Attach("t1", "r1", Type("PINKY_SWEAR"), nil, time.Minute, nil)
	assert.Error(t, err)
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("CTO_SIGNATURE")
	require.NoError(t, err)
	assert.Equal(t, TypeCTOSignature, typ)

	_, err = ParseType("cto_signature")
	assert.Error(t, err)
}

func TestSweepRemovesExpiredSignals(t *testing.T) {
	now, clock := testClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	c := NewCollector(WithClock(clock))
	require.NoError(t, c.Attach("t1", "r1", TypeCTOSignature, "sig", 30*time.Second, nil))
	require.NoError(t, c.Attach("t1", "r1", TypeTwoFactor, "otp", time.Hour, nil))
	c.MarkRequest("t1", "r1")

	*now = now.Add(time.Minute)
	removed := c.Sweep()
	assert.Equal(t, 1, removed)

	ok, _ := c.Verify("t1", "r1", []Type{TypeTwoFactor})
	assert.True(t, ok, "long-lived signal survives the sweep")
}

func TestSweepEvictsOrphans(t *testing.T) {
	now, clock := testClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	c := NewCollector(WithClock(clock), WithOrphanTTL(5*time.Minute))
	require.NoError(t, c.Attach("t1", "never-arrives", TypeCTOSignature, "sig", time.Hour, nil))

	*now = now.Add(6 * time.Minute)
	removed := c.Sweep()
	assert.Equal(t, 1, removed)

	ok, _ := c.Verify("t1", "never-arrives", []Type{TypeCTOSignature})
	assert.False(t, ok)
}

func TestMarkRequestAdoptsOrphan(t *testing.T) {
	now, clock := testClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	c := NewCollector(WithClock(clock), WithOrphanTTL(5*time.Minute))
	require.NoError(t, c.Attach("t1", "r1", TypeCTOSignature, "sig", time.Hour, nil))
	c.MarkRequest("t1", "r1")

	*now = now.Add(10 * time.Minute)
	c.Sweep()

	ok, _ := c.Verify("t1", "r1", []Type{TypeCTOSignature})
	assert.True(t, ok, "marked requests are exempt from orphan eviction")
}

func TestDropClearsRequest(t *testing.T) {
	c := NewCollector()
	require.NoError(t, c.Attach("t1", "r1", TypeCTOSignature, "sig", time.Hour, nil))
	assert.True(t, c.Pending("t1", "r1"))

	c.Drop("t1", "r1")

	ok, _ := c.Verify("t1", "r1", []Type{TypeCTOSignature})
	assert.False(t, ok)
	assert.False(t, c.Pending("t1", "r1"))
}
