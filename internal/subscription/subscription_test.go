package subscription

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/stbridge/internal/device"
	"github.com/dokzlo13/stbridge/internal/smartthings"
)

func countsOf(pairs ...any) *Counts {
	c := NewCounts()
	for i := 0; i < len(pairs); i += 2 {
		c.Add(pairs[i].(string), pairs[i+1].(int))
	}
	return c
}

func TestPrioritize(t *testing.T) {
	tests := []struct {
		name   string
		counts *Counts
		want   []string
	}{
		{"by count with stable ties", countsOf("A", 5, "B", 3, "C", 3, "D", 1), []string{"A", "B", "C", "D"}},
		{"ties keep observed order", countsOf("D", 1, "C", 3, "B", 3, "A", 5), []string{"A", "C", "B", "D"}},
		{"empty", NewCounts(), []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Prioritize(tt.counts))
		})
	}
}

func TestPlan_SplitsAtCeiling(t *testing.T) {
	b := Plan(countsOf("A", 5, "B", 3, "C", 3, "D", 1), 2)
	assert.Equal(t, []string{"A", "B"}, b.Subscribed)
	assert.Equal(t, []string{"C", "D"}, b.Overflow)

	b = Plan(countsOf("A", 1), 20)
	assert.Equal(t, []string{"A"}, b.Subscribed)
	assert.Empty(t, b.Overflow)
}

func TestPlan_Partition(t *testing.T) {
	c := NewCounts()
	for i := 0; i < 30; i++ {
		c.Add(string(rune('a'+i%26))+strings.Repeat("x", i/26), i%7)
	}
	b := Plan(c, MaxSubscriptions)

	require.Len(t, b.Subscribed, MaxSubscriptions)
	seen := make(map[string]bool)
	for _, s := range append(append([]string{}, b.Subscribed...), b.Overflow...) {
		assert.False(t, seen[s], "duplicate %s", s)
		seen[s] = true
	}
	assert.Len(t, seen, c.Len())
}

func TestCountDevices(t *testing.T) {
	devices := []device.Info{
		{ID: "tv", Components: []device.Component{{ID: "main", Capabilities: []string{"switch", "audioVolume"}}}},
		{ID: "plug", Components: []device.Component{
			{ID: "main", Capabilities: []string{"switch"}},
			{ID: "outlet2", Capabilities: []string{"switch", "powerMeter"}},
		}},
	}
	c := CountDevices(devices)
	assert.Equal(t, 2, c.Count("switch"))
	assert.Equal(t, 1, c.Count("powerMeter"))
	assert.Equal(t, []string{"switch", "audioVolume", "powerMeter"}, Prioritize(c))
}

func TestName(t *testing.T) {
	assert.Equal(t, "hb_switch", Name("switch"))
	long := Name("samsungvd.ambientContentAndSomethingVeryLong")
	assert.Len(t, long, NameMaxLength)
	assert.Equal(t, long, Name("samsungvd.ambientContentAndSomethingVeryLong"))

	// "hb_" + 32 ASCII bytes leaves one byte for a two byte rune.
	multi := Name(strings.Repeat("a", 32) + "éé")
	assert.True(t, utf8.ValidString(multi))
	assert.Equal(t, "hb_"+strings.Repeat("a", 32), multi)
	assert.LessOrEqual(t, len(multi), NameMaxLength)
}

func TestValidate(t *testing.T) {
	known := []string{"switch", "audioVolume"}
	assert.NoError(t, Validate([]string{"switch"}, known, 20))
	assert.ErrorIs(t, Validate(nil, known, 20), ErrInvalidCapability)
	assert.ErrorIs(t, Validate([]string{"switch", "audioVolume"}, known, 1), ErrInvalidCapability)

	err := Validate([]string{"switch", "bogus"}, known, 20)
	require.ErrorIs(t, err, ErrInvalidCapability)
	assert.Contains(t, err.Error(), "bogus")

	assert.NoError(t, Validate([]string{"anything"}, nil, 20))
}

type fakeAPI struct {
	mu        sync.Mutex
	deleteErr error
	createErr map[string]error
	created   []smartthings.CapabilitySubscription
	deletes   int
}

func (f *fakeAPI) DeleteSubscriptions(ctx context.Context, installedAppID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return f.deleteErr
}

func (f *fakeAPI) CreateSubscription(ctx context.Context, installedAppID string, sub smartthings.CapabilitySubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, sub)
	return f.createErr[sub.Capability]
}

func forbidden() error {
	return &smartthings.APIError{StatusCode: http.StatusForbidden}
}

func TestManager_Initialize(t *testing.T) {
	api := &fakeAPI{createErr: map[string]error{"b": errors.New("boom")}}
	m := NewManager(api, "app", "loc", 2, 1000)

	res, err := m.Initialize(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)

	assert.Equal(t, 1, api.deletes)
	require.Len(t, api.created, 2)
	assert.Equal(t, "loc", api.created[0].LocationID)
	assert.Equal(t, "*", api.created[0].Attribute)
	assert.True(t, api.created[0].StateChangeOnly)
	assert.Equal(t, "hb_a", api.created[0].SubscriptionName)

	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, []string{"b"}, res.Failed)
	assert.Equal(t, []string{"c"}, res.Overflow)
	assert.False(t, res.Aborted)
}

func TestManager_FlushForbiddenIsFatal(t *testing.T) {
	api := &fakeAPI{deleteErr: forbidden()}
	m := NewManager(api, "app", "loc", 20, 1000)

	_, err := m.Initialize(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermission)

	var perr *PermissionError
	require.ErrorAs(t, err, &perr)
	assert.True(t, smartthings.IsForbidden(perr))
	assert.Empty(t, api.created)
}

func TestManager_FlushOtherErrorPropagates(t *testing.T) {
	api := &fakeAPI{deleteErr: errors.New("network down")}
	m := NewManager(api, "app", "loc", 20, 1000)

	_, err := m.Initialize(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPermission)
	assert.Empty(t, api.created)
}

func TestManager_CreateForbiddenAborts(t *testing.T) {
	api := &fakeAPI{createErr: map[string]error{"b": forbidden()}}
	m := NewManager(api, "app", "loc", 20, 1000)

	res, err := m.Initialize(context.Background(), []string{"a", "b", "c", "d"})
	require.NoError(t, err)

	assert.Len(t, api.created, 2)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, []string{"b"}, res.Failed)
	assert.True(t, res.Aborted)
}
