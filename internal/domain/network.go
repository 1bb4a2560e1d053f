/**
 * @description
 * Canonical network identity. Every layer speaks in terms of Network; the only
 * place that knows the upstream reseller's spelling is UpstreamCode.
 */
package domain

import (
	"fmt"
	"strings"
)

// Network identifies a product line that can be purchased.
type Network string

const (
	NetworkMTN     Network = "mtn"
	NetworkAT      Network = "at"
	NetworkTelecel Network = "telecel"
	NetworkAFA     Network = "afa"
)

// DataNetworks lists networks that are fulfilled by the upstream reseller.
var DataNetworks = []Network{NetworkMTN, NetworkAT, NetworkTelecel}

// upstreamCodes is the single translation table to the reseller vocabulary.
var upstreamCodes = map[Network]string{
	NetworkMTN:     "YELLO",
	NetworkAT:      "AT_PREMIUM",
	NetworkTelecel: "TELECEL",
}

// networkAliases accepts the spellings clients have historically sent.
var networkAliases = map[string]Network{
	"mtn":              NetworkMTN,
	"yello":            NetworkMTN,
	"at":               NetworkAT,
	"airteltigo":       NetworkAT,
	"airtel-tigo":      NetworkAT,
	"at_premium":       NetworkAT,
	"at-premium":       NetworkAT,
	"telecel":          NetworkTelecel,
	"vodafone":         NetworkTelecel,
	"afa":              NetworkAFA,
	"afa-registration": NetworkAFA,
	"afa_registration": NetworkAFA,
}

// ParseNetwork normalizes a client supplied network name.
func ParseNetwork(raw string) (Network, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if n, ok := networkAliases[key]; ok {
		return n, nil
	}
	return "", fmt.Errorf("unsupported network %q", raw)
}

// UpstreamCode returns the reseller's code for n.
func (n Network) UpstreamCode() (string, bool) {
	code, ok := upstreamCodes[n]
	return code, ok
}

// IsData reports whether n is fulfilled upstream.
func (n Network) IsData() bool {
	_, ok := upstreamCodes[n]
	return ok
}

func (n Network) String() string { return string(n) }
