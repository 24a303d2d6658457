// Package pkgmgr models mutating package operations and delegates
// their execution to the system package manager.
package pkgmgr

import (
	version "github.com/knqyf263/go-deb-version"
)

// Action is the user-level operation being performed.
type Action string

const (
	ActionInstall Action = "install"
	ActionRemove  Action = "remove"
	ActionUpgrade Action = "upgrade"
)

// Op is the effect one delta has on one package.
type Op string

const (
	OpInstall   Op = "install"
	OpRemove    Op = "remove"
	OpUpgrade   Op = "upgrade"
	OpDowngrade Op = "downgrade"
)

// Delta records the change applied to a single package.
type Delta struct {
	Name    string `json:"name"`
	Op      Op     `json:"op"`
	Version string `json:"version,omitempty"`
	// OldVersion is set for upgrades and downgrades.
	OldVersion string `json:"old_version,omitempty"`
	Size       uint64 `json:"size,omitempty"`
}

// Inverse returns the delta that undoes d.
func (d Delta) Inverse() Delta {
	inv := d
	switch d.Op {
	case OpInstall:
		inv.Op = OpRemove
	case OpRemove:
		inv.Op = OpInstall
	case OpUpgrade:
		inv.Op = OpDowngrade
		inv.Version, inv.OldVersion = d.OldVersion, d.Version
	case OpDowngrade:
		inv.Op = OpUpgrade
		inv.Version, inv.OldVersion = d.OldVersion, d.Version
	}
	return inv
}

// InverseAll returns the inverses of deltas in reverse order, the
// order in which they must be applied to roll the set back.
func InverseAll(deltas []Delta) []Delta {
	inverses := make([]Delta, len(deltas))
	for i, d := range deltas {
		inverses[len(deltas)-1-i] = d.Inverse()
	}
	return inverses
}

// ClassifyChange decides whether moving a package from oldV to newV is
// an upgrade or a downgrade, using Debian version comparison semantics.
// Unparseable versions fall back to string comparison.
func ClassifyChange(oldV, newV string) Op {
	v1, err1 := version.NewVersion(oldV)
	v2, err2 := version.NewVersion(newV)
	if err1 != nil || err2 != nil {
		if newV >= oldV {
			return OpUpgrade
		}
		return OpDowngrade
	}
	if v2.GreaterThan(v1) {
		return OpUpgrade
	}
	return OpDowngrade
}
