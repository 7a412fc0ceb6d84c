package eventlog

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"

	"redPacketSync/internal/model"
)

// FormatEther renders a wei amount in ether with at least one decimal, e.g. "1.5" or "2.0".
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0.0"
	}
	sign := wei.Sign()
	abs := new(big.Int).Abs(wei)
	rat := new(big.Rat).SetFrac(abs, big.NewInt(params.Ether))
	text := strings.TrimRight(rat.FloatString(18), "0")
	if strings.HasSuffix(text, ".") {
		text += "0"
	}
	if sign < 0 {
		return "-" + text
	}
	return text
}

// Format renders an event as a display line. The sender of a claim is shown
// as "you" when it matches account.
func Format(ev model.DistributionEvent, account *common.Address) string {
	amount := FormatEther(ev.AmountWei) + " ETH"
	switch ev.Kind {
	case model.EventCreated:
		mode := "Random"
		if ev.IsEqual {
			mode = "Equal"
		}
		return fmt.Sprintf("%s / %s shares / %s", amount, bigString(ev.Count), mode)
	case model.EventGrabbed:
		who := ev.Sender.Hex()
		if account != nil && strings.EqualFold(ev.Sender.Hex(), account.Hex()) {
			who = "you"
		}
		return fmt.Sprintf("%s claimed %s (round %s)", who, amount, bigString(ev.RoundID))
	default:
		return ""
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
