package redpacket

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract method and event names.
const (
	MethodCount        = "count"
	MethodGetBalance   = "getBalance"
	MethodIsEqual      = "isEqual"
	MethodRoundID      = "roundId"
	MethodGrabbedRound = "grabbedRound"
	MethodCreate       = "createRedPacket"
	MethodGrab         = "grabRedPacket"

	EventPacketCreated = "PacketCreated"
	EventPacketGrabbed = "PacketGrabbed"
)

const redPacketABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "sender", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "count", "type": "uint256"},
      {"indexed": false, "internalType": "bool", "name": "isEqual", "type": "bool"},
      {"indexed": false, "internalType": "uint256", "name": "roundId", "type": "uint256"}
    ],
    "name": "PacketCreated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "sender", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "roundId", "type": "uint256"}
    ],
    "name": "PacketGrabbed",
    "type": "event"
  },
  {
    "inputs": [],
    "name": "count",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "getBalance",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "isEqual",
    "outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "roundId",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "address", "name": "", "type": "address"}],
    "name": "grabbedRound",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "uint256", "name": "_count", "type": "uint256"},
      {"internalType": "bool", "name": "_isEqual", "type": "bool"}
    ],
    "name": "createRedPacket",
    "outputs": [],
    "stateMutability": "payable",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "grabRedPacket",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  }
]`

var (
	redPacketABI     abi.ABI
	redPacketABIOnce sync.Once
	redPacketABIErr  error
)

// ABI returns the parsed red packet contract ABI.
func ABI() (abi.ABI, error) {
	redPacketABIOnce.Do(func() {
		redPacketABI, redPacketABIErr = abi.JSON(strings.NewReader(redPacketABIJSON))
	})
	return redPacketABI, redPacketABIErr
}
