// Package naming derives topic and subscription names and the filter
// expressions that isolate one instance's replies.
package naming

import (
	"strconv"
	"strings"

	"github.com/drblury/flowrpc/internal/runtime/metadata"
)

// Descriptor identifies a broker resource before scoping.
type Descriptor struct {
	Base           string
	ScopePrefix    string
	InstanceSuffix string
}

// Resolve returns ScopePrefix + Base, followed by "-" + InstanceSuffix when a
// suffix is set.
func (d Descriptor) Resolve() string {
	name := d.ScopePrefix + d.Base
	if d.InstanceSuffix != "" {
		name += "-" + d.InstanceSuffix
	}
	return name
}

// Scoped is shorthand for a descriptor without instance suffix.
func Scoped(scopePrefix, base string) string {
	return Descriptor{Base: base, ScopePrefix: scopePrefix}.Resolve()
}

// Isolated returns the scoped name, suffixed with instanceID when isolate is set.
func Isolated(scopePrefix, base, instanceID string, isolate bool) string {
	d := Descriptor{Base: base, ScopePrefix: scopePrefix}
	if isolate {
		d.InstanceSuffix = instanceID
	}
	return d.Resolve()
}

// InstanceFilter matches messages tagged with instanceID.
func InstanceFilter(instanceID string) string {
	return "attributes." + metadata.KeyInstanceID + " == " + strconv.Quote(instanceID)
}

// Conjoin joins filter expressions with a logical and, skipping empty ones.
func Conjoin(filters ...string) string {
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		f = strings.TrimSpace(f)
		if f != "" {
			parts = append(parts, f)
		}
	}
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	for i, p := range parts {
		parts[i] = "(" + p + ")"
	}
	return strings.Join(parts, " and ")
}

// ReplyFilter builds the delivery predicate of a reply subscription.
func ReplyFilter(instanceID string, filterByInstance bool, userFilter string) string {
	if !filterByInstance {
		return strings.TrimSpace(userFilter)
	}
	return Conjoin(InstanceFilter(instanceID), userFilter)
}
