package ethledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	gifterrors "giftdrop/internal/errors"
)

// erc20JSON 只包含用到的三个条目
const erc20JSON = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"Transfer","anonymous":false,
	 "inputs":[{"name":"from","type":"address","indexed":true},
	           {"name":"to","type":"address","indexed":true},
	           {"name":"value","type":"uint256","indexed":false}]}
]`

// ERC20 解析后的ABI
var ERC20 = mustParseABI(erc20JSON)

// TransferTopic Transfer(address,address,uint256) 事件签名
var TransferTopic = ERC20.Events["Transfer"].ID

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("解析ERC20 ABI失败: %v", err))
	}
	return parsed
}

// PackTransfer 编码 transfer(to, amount) 调用数据
func PackTransfer(to common.Address, amount uint64) ([]byte, error) {
	return ERC20.Pack("transfer", to, new(big.Int).SetUint64(amount))
}

// UnpackTransfer 解码 transfer 调用数据
func UnpackTransfer(data []byte) (common.Address, uint64, error) {
	method, ok := ERC20.Methods["transfer"]
	if !ok || len(data) < 4 || string(data[:4]) != string(method.ID) {
		return common.Address{}, 0, gifterrors.Validationf("BAD_CALLDATA", "不是transfer调用")
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return common.Address{}, 0, fmt.Errorf("解码transfer参数失败: %w", err)
	}
	to, _ := values[0].(common.Address)
	amount, err := ToUint64(values[1].(*big.Int))
	if err != nil {
		return common.Address{}, 0, err
	}
	return to, amount, nil
}

// packBalanceOf 编码 balanceOf(owner)
func packBalanceOf(owner common.Address) ([]byte, error) {
	return ERC20.Pack("balanceOf", owner)
}

// unpackBalance 解码 balanceOf 返回值
func unpackBalance(data []byte) (uint64, error) {
	values, err := ERC20.Unpack("balanceOf", data)
	if err != nil {
		return 0, fmt.Errorf("解码balanceOf返回值失败: %w", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("balanceOf返回值类型错误: %T", values[0])
	}
	return ToUint64(balance)
}

// transferLog 解析后的Transfer事件
type transferLog struct {
	From  common.Address
	To    common.Address
	Value uint64
}

// decodeTransferLog 解析Transfer事件日志
func decodeTransferLog(l types.Log) (*transferLog, error) {
	if len(l.Topics) != 3 || l.Topics[0] != TransferTopic {
		return nil, fmt.Errorf("日志 %s:%d 不是Transfer事件", l.TxHash.Hex(), l.Index)
	}
	values, err := ERC20.Unpack("Transfer", l.Data)
	if err != nil {
		return nil, fmt.Errorf("解码Transfer数据失败: %w", err)
	}
	value, err := ToUint64(values[0].(*big.Int))
	if err != nil {
		return nil, err
	}
	return &transferLog{
		From:  common.BytesToAddress(l.Topics[1].Bytes()),
		To:    common.BytesToAddress(l.Topics[2].Bytes()),
		Value: value,
	}, nil
}

// ToUint64 big.Int转uint64，超过64位时返回溢出错误
func ToUint64(v *big.Int) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	if v.Sign() < 0 {
		return 0, gifterrors.Validationf("NEGATIVE_AMOUNT", "金额为负: %s", v.String())
	}
	u, overflow := uint256.FromBig(v)
	if overflow || !u.IsUint64() {
		return 0, gifterrors.ErrAmountOverflow.Clone(fmt.Errorf("%s 超过uint64", v.String()))
	}
	return u.Uint64(), nil
}
