// Package validation 链上账本数据的入库前校验
package validation

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"giftdrop/internal/errors"
	"giftdrop/pkg/models"
)

var hashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Validator 账本数据验证器
type Validator struct {
	logger       *logrus.Logger
	strictMode   bool // 严格模式：警告也视为失败
	errorHandler *errors.ErrorHandler
	rules        map[string]ValidationRule
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data any) error
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                `json:"valid"`
	Errors   []*errors.GiftError `json:"errors,omitempty"`
	Warnings []string            `json:"warnings,omitempty"`
	DataType string              `json:"data_type"`
}

// Window 时间窗口[Start, End)
type Window struct {
	Start time.Time
	End   time.Time
}

// Option 验证器选项
type Option func(*Validator)

// WithErrorHandler 与其他组件共用错误处理器
func WithErrorHandler(h *errors.ErrorHandler) Option {
	return func(v *Validator) {
		if h != nil {
			v.errorHandler = h
		}
	}
}

// NewValidator 创建数据验证器
func NewValidator(logger *logrus.Logger, strictMode bool, opts ...Option) *Validator {
	v := &Validator{
		logger:       logger,
		strictMode:   strictMode,
		errorHandler: errors.NewErrorHandler(logger),
		rules:        make(map[string]ValidationRule),
	}
	for _, opt := range opts {
		opt(v)
	}

	// 注册默认验证规则
	v.registerDefaultRules()

	return v
}

// registerDefaultRules 注册默认验证规则
func (v *Validator) registerDefaultRules() {
	v.AddRule(NewTransferValidationRule())
	v.AddRule(NewHolderValidationRule())
	v.AddRule(NewAddressValidationRule())
	v.AddRule(NewTransferIDValidationRule())
}

// AddRule 添加验证规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// ValidateTransfers 校验窗口内的转账列表
func (v *Validator) ValidateTransfers(txs []models.LedgerTransfer, window Window) *ValidationResult {
	result := newResult("transfers")
	seen := make(map[string]struct{}, len(txs))
	var prev *models.LedgerTransfer

	for i := range txs {
		tx := &txs[i]
		if err := v.applyRule("transfer", tx); err != nil {
			result.fail(err, "id", tx.ID)
			continue
		}
		if _, dup := seen[tx.ID]; dup {
			result.fail(errors.Validationf("DUPLICATE_TRANSFER", "重复的转账记录: %s", tx.ID), "id", tx.ID)
			continue
		}
		seen[tx.ID] = struct{}{}

		if !window.Start.IsZero() && (tx.Timestamp.Before(window.Start) || !tx.Timestamp.Before(window.End)) {
			result.fail(errors.Validationf("OUTSIDE_WINDOW", "转账 %s 时间 %s 不在窗口内", tx.ID, tx.Timestamp.Format(time.RFC3339)), "id", tx.ID)
			continue
		}
		if prev != nil && tx.BlockNumber < prev.BlockNumber {
			result.fail(errors.Validationf("UNORDERED_TRANSFERS", "转账 %s 区块号小于前一条", tx.ID), "id", tx.ID)
		}
		if tx.Amount == 0 {
			result.Warnings = append(result.Warnings, fmt.Sprintf("零金额转账: %s", tx.ID))
		}
		prev = tx
	}
	return v.finish(result)
}

// ValidateHolders 校验持仓快照
func (v *Validator) ValidateHolders(holders []models.HolderBalance) *ValidationResult {
	result := newResult("holders")
	seen := make(map[string]struct{}, len(holders))
	for i := range holders {
		h := &holders[i]
		if err := v.applyRule("holder", h); err != nil {
			result.fail(err, "wallet", h.Wallet)
			continue
		}
		key := strings.ToLower(h.Wallet)
		if _, dup := seen[key]; dup {
			result.fail(errors.Validationf("DUPLICATE_HOLDER", "重复的持仓地址: %s", h.Wallet), "wallet", h.Wallet)
			continue
		}
		seen[key] = struct{}{}
	}
	return v.finish(result)
}

// Check 把验证结果转换为错误：失败时返回完整性错误
func (v *Validator) Check(ctx context.Context, result *ValidationResult) error {
	if result.Valid {
		for _, w := range result.Warnings {
			v.logger.WithField("component", "validation").Warn(w)
		}
		return nil
	}
	first := "未知原因"
	if len(result.Errors) > 0 {
		first = result.Errors[0].Error()
	} else if len(result.Warnings) > 0 {
		first = result.Warnings[0]
	}
	err := errors.Integrityf("LEDGER_DATA_INVALID", "%s校验失败(%d个错误, %d个警告): %s",
		result.DataType, len(result.Errors), len(result.Warnings), first).WithComponent("validation")
	return v.errorHandler.HandleError(ctx, err)
}

func (v *Validator) applyRule(name string, data any) error {
	rule, exists := v.rules[name]
	if !exists {
		return nil
	}
	return rule.Validate(data)
}

func (v *Validator) finish(result *ValidationResult) *ValidationResult {
	if v.strictMode && len(result.Warnings) > 0 {
		result.Valid = false
	}
	return result
}

func newResult(dataType string) *ValidationResult {
	return &ValidationResult{
		Valid:    true,
		DataType: dataType,
		Errors:   make([]*errors.GiftError, 0),
		Warnings: make([]string, 0),
	}
}

func (r *ValidationResult) fail(err error, key, value string) {
	r.Valid = false
	if ge, ok := errors.As(err); ok {
		r.Errors = append(r.Errors, ge.WithContext(key, value))
		return
	}
	r.Errors = append(r.Errors, errors.Wrap(err, errors.KindValidation, "RULE_FAILED", "规则验证失败").WithContext(key, value))
}

// isValidAddress 验证地址格式
func isValidAddress(addr string) bool {
	return common.IsHexAddress(addr)
}

// TransferValidationRule 转账记录验证规则
type TransferValidationRule struct {
	id *TransferIDValidationRule
}

func NewTransferValidationRule() *TransferValidationRule {
	return &TransferValidationRule{id: NewTransferIDValidationRule()}
}

func (r *TransferValidationRule) Name() string {
	return "transfer"
}

func (r *TransferValidationRule) Description() string {
	return "标准化转账记录验证规则"
}

func (r *TransferValidationRule) Validate(data any) error {
	tx, ok := data.(*models.LedgerTransfer)
	if !ok {
		return fmt.Errorf("数据类型不是转账记录")
	}
	if err := r.id.Validate(tx.ID); err != nil {
		return err
	}
	if !isValidAddress(tx.From) || !isValidAddress(tx.To) {
		return errors.Validationf("INVALID_ADDRESS_FORMAT", "转账 %s 地址格式无效", tx.ID)
	}
	if tx.Kind != models.TxKindCredit && tx.Kind != models.TxKindDebit {
		return errors.Validationf("UNKNOWN_TX_KIND", "未知的转账方向: %q", tx.Kind)
	}
	if tx.Timestamp.IsZero() {
		return errors.Validationf("INVALID_TIMESTAMP", "转账 %s 时间戳无效", tx.ID)
	}
	return nil
}

// HolderValidationRule 持仓条目验证规则
type HolderValidationRule struct{}

func NewHolderValidationRule() *HolderValidationRule {
	return &HolderValidationRule{}
}

func (r *HolderValidationRule) Name() string {
	return "holder"
}

func (r *HolderValidationRule) Description() string {
	return "持仓快照条目验证规则"
}

func (r *HolderValidationRule) Validate(data any) error {
	h, ok := data.(*models.HolderBalance)
	if !ok {
		return fmt.Errorf("数据类型不是持仓条目")
	}
	if !isValidAddress(h.Wallet) {
		return errors.Validationf("INVALID_ADDRESS_FORMAT", "持仓地址格式无效: %q", h.Wallet)
	}
	if h.Balance == 0 {
		return errors.Validationf("ZERO_BALANCE", "快照不应包含零余额: %s", h.Wallet)
	}
	return nil
}

// AddressValidationRule 地址验证规则
type AddressValidationRule struct{}

func NewAddressValidationRule() *AddressValidationRule {
	return &AddressValidationRule{}
}

func (r *AddressValidationRule) Name() string {
	return "address"
}

func (r *AddressValidationRule) Description() string {
	return "以太坊地址验证规则"
}

func (r *AddressValidationRule) Validate(data any) error {
	addr, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}

	if !isValidAddress(addr) {
		return errors.Validationf("INVALID_ADDRESS_FORMAT", "地址格式无效: %q", addr)
	}

	return nil
}

// TransferIDValidationRule 转账ID验证规则，格式为 交易哈希:日志序号
type TransferIDValidationRule struct{}

func NewTransferIDValidationRule() *TransferIDValidationRule {
	return &TransferIDValidationRule{}
}

func (r *TransferIDValidationRule) Name() string {
	return "transfer_id"
}

func (r *TransferIDValidationRule) Description() string {
	return "转账ID格式验证规则"
}

func (r *TransferIDValidationRule) Validate(data any) error {
	id, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}
	hash, index, found := strings.Cut(id, ":")
	if !found || !hashPattern.MatchString(hash) {
		return errors.Validationf("INVALID_TRANSFER_ID", "转账ID格式无效: %q", id)
	}
	if _, err := strconv.ParseUint(index, 10, 32); err != nil {
		return errors.Validationf("INVALID_TRANSFER_ID", "转账ID日志序号无效: %q", id)
	}
	return nil
}

// GetValidationStats 获取验证统计信息
func (v *Validator) GetValidationStats() map[string]any {
	return map[string]any{
		"strict_mode":      v.strictMode,
		"registered_rules": len(v.rules),
		"error_stats":      v.errorHandler.GetStats(),
	}
}
