package buildmgr

import (
	"errors"
	"sort"
	"time"
)

// BuildState represents the lifecycle state of a build.
type BuildState string

const (
	StatePending BuildState = "PENDING"
	StateRunning BuildState = "RUNNING"
	StateSuccess BuildState = "SUCCESS"
	StateFailure BuildState = "FAILURE"
)

var (
	ErrBuildNotFound     = errors.New("build not found")
	ErrInvalidTransition = errors.New("invalid build state transition")
)

// Terminal reports whether no further transitions are allowed from s.
func (s BuildState) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// CanTransitionTo reports whether s -> next is one of the allowed edges
// PENDING->RUNNING and RUNNING->{SUCCESS,FAILURE}.
func (s BuildState) CanTransitionTo(next BuildState) bool {
	switch s {
	case StatePending:
		return next == StateRunning
	case StateRunning:
		return next == StateSuccess || next == StateFailure
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s BuildState) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateSuccess, StateFailure:
		return true
	}
	return false
}

// RemoteInfo identifies a whitelisted upstream git remote.
type RemoteInfo struct {
	Name string `json:"name" mapstructure:"name"`
	URL  string `json:"url" mapstructure:"url"`
}

// BuildProgress is the only mutable part of a build record.
type BuildProgress struct {
	State   BuildState `json:"state"`
	Percent int        `json:"percent"`
}

// BuildInfo describes a firmware build request tracked by the manager.
type BuildInfo struct {
	Vehicle          string        `json:"vehicle"`
	Board            string        `json:"board"`
	Remote           RemoteInfo    `json:"remote_info"`
	GitHash          string        `json:"git_hash"`
	SelectedFeatures []string      `json:"selected_features"`
	Progress         BuildProgress `json:"progress"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// FeatureSet returns the selected features as a set.
func (b BuildInfo) FeatureSet() map[string]struct{} {
	set := make(map[string]struct{}, len(b.SelectedFeatures))
	for _, f := range b.SelectedFeatures {
		set[f] = struct{}{}
	}
	return set
}

// normalizeFeatures deduplicates and sorts the selected features so stored
// records compare equal regardless of submission order.
func normalizeFeatures(features []string) []string {
	if len(features) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(features))
	out := make([]string, 0, len(features))
	for _, f := range features {
		if f == "" {
			continue
		}
		if _, ok := set[f]; ok {
			continue
		}
		set[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
