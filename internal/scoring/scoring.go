// Package scoring computes applicant scores from submitted answers using
// versioned, declarative weight tables. Keeping old table versions addressable
// makes historical scores reproducible for audits.
package scoring

import "errors"

var ErrUnknownVersion = errors.New("unknown policy version")

// CurrentVersion is the table new submissions are scored with.
const CurrentVersion = 2

// Policy maps answer key/value pairs to weighted points.
type Policy struct {
	version int
	weights map[string]map[string]int
}

// weight tables by version. Entries are append-only: published versions are
// never edited in place.
var tables = map[int]map[string]map[string]int{
	1: {
		"role": {
			"professional": 30,
			"enthusiast":   20,
			"curious":      5,
		},
		"usage_frequency": {
			"daily":   25,
			"weekly":  15,
			"monthly": 5,
		},
		"spending_bracket": {
			"high": 20,
			"mid":  10,
			"low":  0,
		},
		"sharing_intent": {
			"yes":   15,
			"maybe": 5,
			"no":    0,
		},
	},
	2: {
		"role": {
			"professional": 30,
			"enthusiast":   20,
			"curious":      5,
		},
		"usage_frequency": {
			"daily":   25,
			"weekly":  15,
			"monthly": 5,
		},
		"spending_bracket": {
			"high": 20,
			"mid":  10,
			"low":  0,
		},
		"sharing_intent": {
			"yes":   15,
			"maybe": 5,
			"no":    0,
		},
		"referral_source": {
			"friend":    10,
			"community": 5,
		},
	},
}

// Current returns the policy new submissions are scored with.
func Current() Policy {
	p, _ := ForVersion(CurrentVersion)
	return p
}

// ForVersion returns the policy for a previously published table version.
func ForVersion(version int) (Policy, error) {
	weights, ok := tables[version]
	if !ok {
		return Policy{}, ErrUnknownVersion
	}
	return Policy{version: version, weights: weights}, nil
}

func (p Policy) Version() int {
	return p.version
}

// Score sums the weighted points for the given answers. Unknown keys and
// unknown values contribute zero so old submissions survive schema changes.
func (p Policy) Score(answers map[string]string) int {
	total := 0
	for key, value := range answers {
		values, ok := p.weights[key]
		if !ok {
			continue
		}
		total += values[value]
	}
	return total
}
