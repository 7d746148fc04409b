// Package contract binds the counter program's fixed interface to one
// on-chain address and one signer.
package contract

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Address is the deployed counter program. It is not configurable.
const Address = "0x8614D2c6eF95396BF5e0602B86235694D08473f8"

// ABI is the counter program's interface descriptor.
const ABI = `[
	{"inputs":[],"stateMutability":"nonpayable","type":"constructor"},
	{"inputs":[],"name":"counter","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"decrementCounter","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"getCounter","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"incrementCounter","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"owner","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"resetCounter","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const (
	MethodCounter    = "counter"
	MethodGetCounter = "getCounter"
	MethodIncrement  = "incrementCounter"
	MethodDecrement  = "decrementCounter"
	MethodReset      = "resetCounter"
	MethodOwner      = "owner"
)

var counterABI = mustParseABI(ABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("contract: parse ABI: %v", err))
	}
	return parsed
}

// ParsedABI returns a copy of the parsed interface descriptor.
func ParsedABI() abi.ABI {
	return counterABI
}

// TargetAddress returns Address as a typed value.
func TargetAddress() common.Address {
	return common.HexToAddress(Address)
}

// Entry describes one callable entry of the interface.
type Entry struct {
	Name        string   `json:"name"`
	Inputs      []string `json:"inputs"`
	Outputs     []string `json:"outputs"`
	ReadOnly    bool     `json:"read_only"`
	Constructor bool     `json:"constructor,omitempty"`
}

// Entries lists the interface, constructor first, methods by name.
func Entries() []Entry {
	entries := []Entry{{
		Name:        "constructor",
		Inputs:      argTypes(counterABI.Constructor.Inputs),
		Outputs:     []string{},
		Constructor: true,
	}}

	names := make([]string, 0, len(counterABI.Methods))
	for name := range counterABI.Methods {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		m := counterABI.Methods[name]
		entries = append(entries, Entry{
			Name:     m.Name,
			Inputs:   argTypes(m.Inputs),
			Outputs:  argTypes(m.Outputs),
			ReadOnly: m.IsConstant(),
		})
	}
	return entries
}

func argTypes(args abi.Arguments) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = a.Type.String()
	}
	return out
}

// Op is a state-changing operation on the counter.
type Op string

const (
	OpIncrement Op = "increment"
	OpDecrement Op = "decrement"
	OpReset     Op = "reset"
)

// Method returns the interface entry op is dispatched to.
func (o Op) Method() (string, error) {
	switch o {
	case OpIncrement:
		return MethodIncrement, nil
	case OpDecrement:
		return MethodDecrement, nil
	case OpReset:
		return MethodReset, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOp, string(o))
	}
}

// ParseOp accepts either the operation name or its interface entry name.
func ParseOp(s string) (Op, error) {
	switch s {
	case string(OpIncrement), MethodIncrement:
		return OpIncrement, nil
	case string(OpDecrement), MethodDecrement:
		return OpDecrement, nil
	case string(OpReset), MethodReset:
		return OpReset, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOp, s)
	}
}
