package linker

import (
	"strings"

	"github.com/coreos/go-semver/semver"

	"github.com/wippyai/canonlink/itype"
)

// splitVersion splits an export name into its base and optional
// @major.minor.patch suffix.
func splitVersion(name string) (base string, version *semver.Version) {
	at := strings.LastIndex(name, "@")
	if at < 0 {
		return name, nil
	}
	v, err := semver.NewVersion(name[at+1:])
	if err != nil {
		return name, nil
	}
	return name[:at], v
}

// compatibleVersion reports whether have satisfies want: same major
// version and have not older than want.
func compatibleVersion(want, have *semver.Version) bool {
	if want.Major != have.Major {
		return false
	}
	return !have.LessThan(*want)
}

// findExport resolves an export name in a contract. With semver
// matching enabled, a versioned name that misses exact lookup matches
// any compatible exported version; among several, the newest wins.
func findExport(contract *itype.Contract, name string, semverMatch bool) (string, itype.Signature, bool) {
	if sig, ok := contract.Signature(name); ok {
		return name, sig, true
	}
	if !semverMatch {
		return "", itype.Signature{}, false
	}

	wantBase, wantVer := splitVersion(name)
	if wantVer == nil {
		return "", itype.Signature{}, false
	}

	var (
		bestName string
		bestVer  *semver.Version
		bestSig  itype.Signature
	)
	for _, exported := range contract.Order {
		base, ver := splitVersion(exported)
		if base != wantBase || ver == nil || !compatibleVersion(wantVer, ver) {
			continue
		}
		if bestVer == nil || bestVer.LessThan(*ver) {
			bestName, bestVer = exported, ver
			bestSig, _ = contract.Signature(exported)
		}
	}
	if bestVer == nil {
		return "", itype.Signature{}, false
	}
	return bestName, bestSig, true
}
