package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// StepMatcher selects script steps by index.
type StepMatcher func(step uint64) bool

// StepMatcherFlag is a cli.Generic value: "never", "always", "=N" for one
// step, or "%N" for every N-th step.
type StepMatcherFlag struct {
	repr    string
	matcher StepMatcher
}

func MustStepMatcherFlag(pattern string) *StepMatcherFlag {
	out := new(StepMatcherFlag)
	if err := out.Set(pattern); err != nil {
		panic(err)
	}
	return out
}

func (m *StepMatcherFlag) Set(value string) error {
	m.repr = value
	switch {
	case value == "" || value == "never":
		m.matcher = func(uint64) bool { return false }
	case value == "always":
		m.matcher = func(uint64) bool { return true }
	case strings.HasPrefix(value, "="):
		when, err := strconv.ParseUint(value[1:], 0, 64)
		if err != nil {
			return fmt.Errorf("failed to parse step number: %w", err)
		}
		m.matcher = func(step uint64) bool { return step == when }
	case strings.HasPrefix(value, "%"):
		every, err := strconv.ParseUint(value[1:], 0, 64)
		if err != nil {
			return fmt.Errorf("failed to parse step interval: %w", err)
		}
		if every == 0 {
			return errors.New("step interval must be positive")
		}
		m.matcher = func(step uint64) bool { return step%every == 0 }
	default:
		return fmt.Errorf("unrecognized step matcher: %q", value)
	}
	return nil
}

func (m *StepMatcherFlag) String() string {
	return m.repr
}

func (m *StepMatcherFlag) Matcher() StepMatcher {
	if m.matcher == nil {
		return func(uint64) bool { return false }
	}
	return m.matcher
}
