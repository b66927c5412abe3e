// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package multicast builds and matches multicast ids.
//
// A multicast id has the form providerParticipantId/broadcastName[/partition...].
// Subscribers may use '+' to match exactly one partition and '*' as the last
// partition to match any number of remaining partitions, including none.
package multicast

import (
	"errors"
	"fmt"
	"strings"
)

const (
	Separator      = "/"
	SingleLevel    = "+"
	MultiLevel     = "*"
	mqttMultiLevel = "#"
)

var ErrInvalidPartition = errors.New("invalid multicast partition")

// CreateID joins the provider participant id, the broadcast name and the
// partitions into a multicast id.
func CreateID(providerParticipantID, broadcastName string, partitions ...string) string {
	var b strings.Builder
	b.WriteString(providerParticipantID)
	b.WriteString(Separator)
	b.WriteString(broadcastName)
	for _, p := range partitions {
		b.WriteString(Separator)
		b.WriteString(p)
	}
	return b.String()
}

// ValidatePartitions checks that every partition is alphanumeric or a
// wildcard, and that '*' only appears last.
func ValidatePartitions(partitions []string) error {
	for i, p := range partitions {
		switch {
		case p == SingleLevel:
		case p == MultiLevel:
			if i != len(partitions)-1 {
				return fmt.Errorf("%w: %q must be the last partition", ErrInvalidPartition, MultiLevel)
			}
		case p == "":
			return fmt.Errorf("%w: empty partition at %d", ErrInvalidPartition, i)
		default:
			for _, r := range p {
				if !isAlnum(r) {
					return fmt.Errorf("%w: %q", ErrInvalidPartition, p)
				}
			}
		}
	}
	return nil
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// HasWildcard reports whether a multicast id contains a wildcard partition.
func HasWildcard(id string) bool {
	for _, level := range strings.Split(id, Separator) {
		if level == SingleLevel || level == MultiLevel {
			return true
		}
	}
	return false
}

// Match reports whether the multicast id matches the pattern.
func Match(pattern, id string) bool {
	if pattern == "" || id == "" {
		return false
	}
	if pattern == id {
		return true
	}

	patternLevels := strings.Split(pattern, Separator)
	idLevels := strings.Split(id, Separator)

	for i, p := range patternLevels {
		if p == MultiLevel {
			return true
		}
		if i >= len(idLevels) {
			return false
		}
		if p == SingleLevel {
			continue
		}
		if p != idLevels[i] {
			return false
		}
	}

	return len(patternLevels) == len(idLevels)
}

// ToMQTTTopic translates a multicast id to an MQTT topic filter.
//
//	'+' -> '+'
//	'*' -> '#'
func ToMQTTTopic(id string) string {
	if !strings.Contains(id, MultiLevel) {
		return id
	}
	levels := strings.Split(id, Separator)
	if levels[len(levels)-1] == MultiLevel {
		levels[len(levels)-1] = mqttMultiLevel
	}
	return strings.Join(levels, Separator)
}
