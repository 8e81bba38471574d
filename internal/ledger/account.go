package ledger

import (
	"fmt"
	"strings"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeSystem AccountScope = iota
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// System sub-types
	SubTypeCurveReserve AccountSubType = iota
	SubTypePresaleEscrow
	SubTypeStakingCustody
	SubTypeRewardPool
	SubTypeIssuance

	// External sub-types
	SubTypeWallets
)

var subTypeNames = map[AccountSubType]string{
	SubTypeCurveReserve:   "curve_reserve",
	SubTypePresaleEscrow:  "presale_escrow",
	SubTypeStakingCustody: "staking_custody",
	SubTypeRewardPool:     "reward_pool",
	SubTypeIssuance:       "issuance",
	SubTypeWallets:        "wallets",
}

// AccountKey identifies one balance. Asset is the reserve asset id, a curve
// asset id (a0, a1, ...) or a reward asset name.
type AccountKey struct {
	Scope   AccountScope
	SubType AccountSubType
	Asset   string
}

func NewSystemAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: subType, Asset: asset}
}

// NewExternalAccountKey is the boundary account all user transfers cross.
func NewExternalAccountKey(asset string) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: SubTypeWallets, Asset: asset}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	scope := "system"
	if k.Scope == AccountScopeExternal {
		scope = "external"
	}
	return fmt.Sprintf("%s:%s:%s", scope, k.subTypeName(), k.Asset)
}

func (k AccountKey) subTypeName() string {
	if name, ok := subTypeNames[k.SubType]; ok {
		return name
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.SplitN(path, ":", 3)
	if len(parts) != 3 || parts[2] == "" {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}
	var k AccountKey
	switch parts[0] {
	case "system":
		k.Scope = AccountScopeSystem
	case "external":
		k.Scope = AccountScopeExternal
	default:
		return AccountKey{}, fmt.Errorf("unknown account scope in %q", path)
	}
	found := false
	for st, name := range subTypeNames {
		if name == parts[1] {
			k.SubType, found = st, true
			break
		}
	}
	if !found {
		return AccountKey{}, fmt.Errorf("unknown account type in %q", path)
	}
	k.Asset = parts[2]
	return k, nil
}
