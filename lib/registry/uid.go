// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"
	"regexp"
)

const (
	letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits  = "0123456789"
)

var uidPattern = regexp.MustCompile(`^[a-zA-Z][0-9][a-zA-Z][0-9][a-zA-Z][0-9]$`)

// ValidUID reports whether uid has the letter-digit pattern the
// registry mints.
func ValidUID(uid string) bool {
	return uidPattern.MatchString(uid)
}

// counter is the state behind minted UIDs. Even positions index
// letters, odd positions digits.
type counter [6]int

func radix(position int) int {
	if position%2 == 1 {
		return len(digits)
	}
	return len(letters)
}

// next returns the successor of c, or false when every UID is used.
func (c counter) next() (counter, bool) {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]++
		if c[i] < radix(i) {
			return c, true
		}
		c[i] = 0
	}
	return c, false
}

func (c counter) String() string {
	var uid [6]byte
	for i, value := range c {
		if i%2 == 1 {
			uid[i] = digits[value]
		} else {
			uid[i] = letters[value]
		}
	}
	return string(uid[:])
}

func (c counter) valid() error {
	for i, value := range c {
		if value < 0 || value >= radix(i) {
			return fmt.Errorf("registry: corrupt uid counter %v", [6]int(c))
		}
	}
	return nil
}
