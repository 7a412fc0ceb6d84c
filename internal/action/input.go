package action

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/params"

	"redPacketSync/internal/model"
)

// ValidateCreate checks a create request locally: a positive amount, a
// positive count and at least one wei per share.
func ValidateCreate(amountWei, count *big.Int) error {
	if amountWei == nil || amountWei.Sign() <= 0 {
		return model.NewValidationError("amount", "must be greater than 0")
	}
	if count == nil || count.Sign() <= 0 {
		return model.NewValidationError("count", "must be greater than 0")
	}
	if amountWei.Cmp(count) < 0 {
		return model.NewValidationError("amount", "must be at least 1 wei per share")
	}
	return nil
}

// ParseEther converts a decimal ether amount such as "0.5" into wei.
func ParseEther(input string) (*big.Int, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, model.NewValidationError("amount", "amount and count are required")
	}
	if _, frac, ok := strings.Cut(input, "."); ok && len(frac) > 18 {
		return nil, model.NewValidationError("amount", "too many decimal places")
	}
	rat, ok := new(big.Rat).SetString(input)
	if !ok {
		return nil, model.NewValidationError("amount", "not a number")
	}
	wei := rat.Mul(rat, new(big.Rat).SetInt(big.NewInt(params.Ether)))
	if !wei.IsInt() {
		return nil, model.NewValidationError("amount", "too many decimal places")
	}
	return new(big.Int).Set(wei.Num()), nil
}

// ParseCount converts a share count.
func ParseCount(input string) (*big.Int, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, model.NewValidationError("count", "amount and count are required")
	}
	count, ok := new(big.Int).SetString(input, 10)
	if !ok {
		return nil, model.NewValidationError("count", "not an integer")
	}
	return count, nil
}
