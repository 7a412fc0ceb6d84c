package eventlog

import (
	"math/big"
	"reflect"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"redPacketSync/internal/model"
)

func TestFormatEther(t *testing.T) {
	cases := map[string]*big.Int{
		"0.0":                  nil,
		"1.0":                  big.NewInt(1_000_000_000_000_000_000),
		"1.5":                  big.NewInt(1_500_000_000_000_000_000),
		"0.000000000000000001": big.NewInt(1),
		"-0.25":                big.NewInt(-250_000_000_000_000_000),
	}
	for want, wei := range cases {
		if got := FormatEther(wei); got != want {
			t.Fatalf("format %v: got %q want %q", wei, got, want)
		}
	}
}

func TestFormatCreated(t *testing.T) {
	ev := model.DistributionEvent{
		Kind:      model.EventCreated,
		AmountWei: big.NewInt(1_500_000_000_000_000_000),
		Count:     big.NewInt(3),
		IsEqual:   true,
	}
	if got := Format(ev, nil); got != "1.5 ETH / 3 shares / Equal" {
		t.Fatalf("equal line mismatch: %q", got)
	}

	ev.IsEqual = false
	if got := Format(ev, nil); got != "1.5 ETH / 3 shares / Random" {
		t.Fatalf("random line mismatch: %q", got)
	}
}

func TestFormatGrabbedRendersYou(t *testing.T) {
	ev := model.DistributionEvent{
		Kind:      model.EventGrabbed,
		Sender:    sender,
		AmountWei: big.NewInt(500_000_000_000_000_000),
		RoundID:   big.NewInt(4),
	}
	want := sender.Hex() + " claimed 0.5 ETH (round 4)"
	if got := Format(ev, nil); got != want {
		t.Fatalf("read-only line mismatch: %q", got)
	}

	other := common.HexToAddress("0x9999999999999999999999999999999999999999")
	if got := Format(ev, &other); got != want {
		t.Fatalf("other account line mismatch: %q", got)
	}

	self := common.HexToAddress(strings.ToLower(sender.Hex()))
	if got := Format(ev, &self); got != "you claimed 0.5 ETH (round 4)" {
		t.Fatalf("own claim line mismatch: %q", got)
	}
}

func TestLinesOldestFirst(t *testing.T) {
	log := New(15, nil)
	log.Append(grabbed(2, 0, 1_000_000_000_000_000_000))
	log.Append(grabbed(1, 0, 2_000_000_000_000_000_000))

	want := []string{
		"you claimed 2.0 ETH (round 1)",
		"you claimed 1.0 ETH (round 1)",
	}
	if got := log.Lines(&sender); !reflect.DeepEqual(got, want) {
		t.Fatalf("lines mismatch: %q", got)
	}
}
