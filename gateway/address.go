package gateway

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NormalizeAccount 统一账户标识格式：20 字节地址输出 EIP-55 校验格式，32 字节标识输出小写 0x 前缀。
func NormalizeAccount(s string) (string, error) {
	s = strings.TrimSpace(s)
	hex := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	switch {
	case len(hex) == 2*common.AddressLength && common.IsHexAddress(s):
		return common.HexToAddress(s).Hex(), nil
	case len(hex) == 2*common.HashLength && isHex(hex):
		return common.HexToHash(s).Hex(), nil
	}
	return "", fmt.Errorf("invalid account %q", s)
}

// ParseAddress 合约调用只接受 20 字节地址。
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
