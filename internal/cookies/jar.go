// internal/cookies/jar.go
package cookies

import (
	"sort"
	"strings"
)

// Record is a single persisted browser cookie. Its identity is (Domain, Name).
// Field order follows the alphabetical order of the JSON keys so the encoded
// form is stable.
type Record struct {
	Domain   string `json:"domain"`
	Expiry   *int64 `json:"expiry,omitempty"`
	HTTPOnly bool   `json:"httpOnly"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	SameSite string `json:"sameSite,omitempty"`
	Secure   bool   `json:"secure"`
	Value    string `json:"value"`
}

// CanonicalDomain strips every leading dot from a cookie domain.
func CanonicalDomain(domain string) string {
	return strings.TrimLeft(domain, ".")
}

// Less orders records by (Domain, Name).
func Less(a, b Record) bool {
	if a.Domain != b.Domain {
		return a.Domain < b.Domain
	}
	return a.Name < b.Name
}

// Sort orders records in place by (Domain, Name). The sort is stable so
// duplicates keep their relative order.
func Sort(records []Record) {
	sort.SliceStable(records, func(i, j int) bool { return Less(records[i], records[j]) })
}

// WithDomain returns the records that carry a domain, preserving order.
func WithDomain(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Domain == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// DomainGroup holds the records sharing one canonical domain.
type DomainGroup struct {
	Domain  string
	Records []Record
}

// GroupByCanonicalDomain drops records without a domain and groups the rest by
// canonical domain. Groups are sorted by domain; records keep input order.
func GroupByCanonicalDomain(records []Record) []DomainGroup {
	index := make(map[string]int)
	var groups []DomainGroup
	for _, r := range WithDomain(records) {
		d := CanonicalDomain(r.Domain)
		if d == "" {
			// A domain made only of dots has nothing to probe.
			continue
		}
		i, ok := index[d]
		if !ok {
			i = len(groups)
			index[d] = i
			groups = append(groups, DomainGroup{Domain: d})
		}
		groups[i].Records = append(groups[i].Records, r)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Domain < groups[j].Domain })
	return groups
}

// Jar is the ordered cookie set owned by a site. The zero value is an empty jar.
// A Jar is not safe for concurrent use; its owner serializes access.
type Jar struct {
	records []Record
}

// NewJar returns a jar holding a copy of records.
func NewJar(records ...Record) Jar {
	var j Jar
	j.Replace(records)
	return j
}

// Len reports the number of records.
func (j *Jar) Len() int { return len(j.records) }

// Records returns a copy of the jar contents.
func (j *Jar) Records() []Record {
	if len(j.records) == 0 {
		return nil
	}
	out := make([]Record, len(j.records))
	copy(out, j.records)
	return out
}

// Replace swaps the whole contents of the jar for a copy of records.
func (j *Jar) Replace(records []Record) {
	if len(records) == 0 {
		j.records = nil
		return
	}
	j.records = make([]Record, len(records))
	copy(j.records, records)
}

// Clear empties the jar.
func (j *Jar) Clear() { j.records = nil }

// Sort orders the jar by (Domain, Name).
func (j *Jar) Sort() { Sort(j.records) }
