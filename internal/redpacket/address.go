package redpacket

import (
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var addressPattern = regexp.MustCompile(`0x[a-fA-F0-9]{40}`)

// ExtractAddress finds the first 0x-prefixed 40-hex-digit address in free-form
// input. Mixed-case candidates must carry a valid EIP-55 checksum.
func ExtractAddress(input string) (common.Address, bool) {
	candidate := addressPattern.FindString(input)
	if candidate == "" || !common.IsHexAddress(candidate) {
		return common.Address{}, false
	}

	addr := common.HexToAddress(candidate)
	digits := candidate[2:]
	if digits != strings.ToLower(digits) && digits != strings.ToUpper(digits) {
		if addr.Hex() != candidate {
			return common.Address{}, false
		}
	}
	return addr, true
}
