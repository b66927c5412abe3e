// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package arbitration

import (
	"slices"

	"github.com/absmach/fluxrpc/discovery"
)

// KeywordParameter is the custom provider qos parameter matched by Keyword.
const KeywordParameter = "keyword"

// Strategy orders or filters the candidates of an arbitration. The first
// entry of the result wins. Strategies must not modify their input.
type Strategy func(entries []discovery.EntryWithMetaInfo) []discovery.EntryWithMetaInfo

// Nothing keeps the discovery order.
func Nothing(entries []discovery.EntryWithMetaInfo) []discovery.EntryWithMetaInfo {
	return slices.Clone(entries)
}

// HighestPriority orders by descending provider priority.
func HighestPriority(entries []discovery.EntryWithMetaInfo) []discovery.EntryWithMetaInfo {
	out := slices.Clone(entries)
	slices.SortStableFunc(out, func(a, b discovery.EntryWithMetaInfo) int {
		return cmpDesc(a.Qos.Priority, b.Qos.Priority)
	})
	return out
}

// LastSeen orders by the most recently seen provider first.
func LastSeen(entries []discovery.EntryWithMetaInfo) []discovery.EntryWithMetaInfo {
	out := slices.Clone(entries)
	slices.SortStableFunc(out, func(a, b discovery.EntryWithMetaInfo) int {
		return cmpDesc(a.LastSeenDateMs, b.LastSeenDateMs)
	})
	return out
}

// Keyword keeps the providers whose keyword parameter equals keyword.
func Keyword(keyword string) Strategy {
	return func(entries []discovery.EntryWithMetaInfo) []discovery.EntryWithMetaInfo {
		var out []discovery.EntryWithMetaInfo
		for _, e := range entries {
			if hasKeyword(e.Qos.CustomParameters, keyword) {
				out = append(out, e)
			}
		}
		return out
	}
}

func hasKeyword(params []discovery.CustomParameter, keyword string) bool {
	for _, p := range params {
		if p.Name == KeywordParameter && p.Value == keyword {
			return true
		}
	}
	return false
}

func cmpDesc(a, b int64) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	}
	return 0
}
