// Package subscription decides which capabilities get push subscriptions under the
// platform's per-integration ceiling and registers them.
package subscription

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/dokzlo13/stbridge/internal/device"
)

// MaxSubscriptions is the platform's hard limit of push subscriptions per installed app.
const MaxSubscriptions = 20

// ErrInvalidCapability is returned when a requested capability set cannot be subscribed.
var ErrInvalidCapability = errors.New("invalid capability selection")

// Counts maps capability names to the number of devices exposing them and
// remembers the order in which each name was first observed.
type Counts struct {
	order  []string
	counts map[string]int
}

// NewCounts creates an empty Counts.
func NewCounts() *Counts {
	return &Counts{counts: make(map[string]int)}
}

// Add increments the device count of capability by n.
func (c *Counts) Add(capability string, n int) {
	if _, ok := c.counts[capability]; !ok {
		c.order = append(c.order, capability)
	}
	c.counts[capability] += n
}

// Observe counts each distinct capability of one device once.
func (c *Counts) Observe(info device.Info) {
	for _, capability := range info.Capabilities() {
		c.Add(capability, 1)
	}
}

// Count returns the device count of capability.
func (c *Counts) Count(capability string) int {
	return c.counts[capability]
}

// Names returns capability names in first-observed order.
func (c *Counts) Names() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the number of distinct capabilities.
func (c *Counts) Len() int {
	return len(c.order)
}

// CountDevices builds Counts from a device inventory.
func CountDevices(devices []device.Info) *Counts {
	c := NewCounts()
	for _, d := range devices {
		c.Observe(d)
	}
	return c
}

// Prioritize returns every capability sorted by descending device count.
// Equal counts keep their first-observed order.
func Prioritize(c *Counts) []string {
	sorted := c.Names()
	sort.SliceStable(sorted, func(i, j int) bool {
		return c.counts[sorted[i]] > c.counts[sorted[j]]
	})
	return sorted
}

// Budget is the split of prioritized capabilities into push and polling-only sets.
type Budget struct {
	Subscribed []string
	Overflow   []string
}

// Split divides a prioritized sequence at ceiling.
func Split(sorted []string, ceiling int) Budget {
	if ceiling < 0 {
		ceiling = 0
	}
	if len(sorted) <= ceiling {
		return Budget{Subscribed: append([]string(nil), sorted...)}
	}
	return Budget{
		Subscribed: append([]string(nil), sorted[:ceiling]...),
		Overflow:   append([]string(nil), sorted[ceiling:]...),
	}
}

// Plan prioritizes c and splits it at ceiling.
func Plan(c *Counts, ceiling int) Budget {
	return Split(Prioritize(c), ceiling)
}

// Validate checks a manual selection: 1..ceiling names, each one known.
// A nil known list skips the membership check.
func Validate(selection, known []string, ceiling int) error {
	if len(selection) == 0 {
		return fmt.Errorf("%w: no capabilities given", ErrInvalidCapability)
	}
	if len(selection) > ceiling {
		return fmt.Errorf("%w: %d capabilities exceed the limit of %d", ErrInvalidCapability, len(selection), ceiling)
	}
	if known == nil {
		return nil
	}

	set := make(map[string]bool, len(known))
	for _, k := range known {
		set[k] = true
	}
	var unknown []string
	for _, s := range selection {
		if !set[s] {
			unknown = append(unknown, s)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: unknown capabilities: %s", ErrInvalidCapability, strings.Join(unknown, ", "))
	}
	return nil
}

// NameMaxLength is the platform's limit on subscription names.
const NameMaxLength = 36

// Name returns the subscription name for capability, cut to at most
// NameMaxLength bytes without splitting a rune.
func Name(capability string) string {
	name := "hb_" + capability
	if len(name) <= NameMaxLength {
		return name
	}
	cut := NameMaxLength
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut]
}
