// Package cidrlist parses and normalizes lists of networks such as the
// trusted proxies allowed to append to a forwarded-address header.
package cidrlist

import (
	"fmt"
	"net/netip"
	"strings"
)

// CIDR represents a network entry optionally annotated with a comment.
type CIDR struct {
	Value   netip.Prefix
	Comment string
}

// SynthesisResult carries the outcome of removing redundant CIDRs from a list.
type SynthesisResult struct {
	NewList        []CIDR
	RemovedEntries []CIDR
}

// Parse converts a textual list into structured entries. A "# comment" line
// annotates the entries that follow it until the next blank line. Invalid
// lines are ignored.
func Parse(text string) []CIDR {
	var result []CIDR
	var currentComment string

	for rawLine := range strings.SplitSeq(text, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			currentComment = ""
			continue
		}
		if after, ok := strings.CutPrefix(line, "#"); ok {
			currentComment = strings.TrimSpace(after)
			continue
		}
		if prefix, err := parsePrefix(line); err == nil {
			result = append(result, CIDR{Value: prefix, Comment: currentComment})
		}
	}

	return result
}

// Format renders list in the layout Parse reads: entries sharing a comment are
// grouped under a single "# comment" line and groups are separated by a blank line.
func Format(list []CIDR) string {
	var b strings.Builder
	group := ""
	for i, entry := range list {
		comment := strings.TrimSpace(entry.Comment)
		if i > 0 && comment != group {
			b.WriteString("\n")
		}
		if comment != "" && (i == 0 || comment != group) {
			b.WriteString("# " + comment + "\n")
		}
		group = comment
		b.WriteString(entry.Value.String() + "\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// ParseEntries parses configuration entries (bare addresses or CIDRs) and
// fails on the first invalid one.
func ParseEntries(entries []string) ([]CIDR, error) {
	result := make([]CIDR, 0, len(entries))
	for _, entry := range entries {
		prefix, err := parsePrefix(strings.TrimSpace(entry))
		if err != nil {
			return nil, err
		}
		result = append(result, CIDR{Value: prefix})
	}
	return result, nil
}

// Synthesize removes redundant CIDRs (those already covered by another entry).
func Synthesize(list []CIDR) SynthesisResult {
	keep := make([]bool, len(list))
	for i := range keep {
		keep[i] = true
	}

	for i := range list {
		for j := range list {
			if i == j || !keep[j] {
				continue
			}
			a, b := list[i].Value, list[j].Value
			// of two identical entries the first one wins
			if a == b && j > i {
				continue
			}
			if covers(b, a) {
				keep[i] = false
				break
			}
		}
	}

	var newList, removed []CIDR
	for i, entry := range list {
		if keep[i] {
			newList = append(newList, entry)
		} else {
			removed = append(removed, entry)
		}
	}

	return SynthesisResult{NewList: newList, RemovedEntries: removed}
}

// Contains reports whether addr falls inside any entry of list. IPv4-mapped
// IPv6 addresses match IPv4 entries.
func Contains(list []CIDR, addr netip.Addr) bool {
	addr = addr.Unmap()
	for i := range list {
		if list[i].Value.Contains(addr) {
			return true
		}
	}
	return false
}

// parsePrefix normalizes an address or CIDR string into a masked prefix.
func parsePrefix(input string) (netip.Prefix, error) {
	if input == "" {
		return netip.Prefix{}, fmt.Errorf("empty network entry")
	}
	if strings.Contains(input, "/") {
		prefix, err := netip.ParsePrefix(input)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid network '%s': %w", input, err)
		}
		if prefix.Addr().Is4In6() {
			return netip.Prefix{}, fmt.Errorf("invalid network '%s': IPv4-mapped prefixes are not supported", input)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(input)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address '%s': %w", input, err)
	}
	addr = addr.Unmap().WithZone("")
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// covers reports whether the container prefix fully encompasses the target
// prefix. Prefixes of different address families never cover each other.
func covers(container, target netip.Prefix) bool {
	if container.Addr().Is4() != target.Addr().Is4() {
		return false
	}
	if container.Bits() > target.Bits() {
		return false
	}
	return container.Contains(target.Addr())
}
