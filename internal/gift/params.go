package gift

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	gifterrors "giftdrop/internal/errors"
	"giftdrop/pkg/models"
)

// Comparison 最低持仓的比较方式
type Comparison string

const (
	ComparisonGTE Comparison = "gte" // 大于等于（默认）
	ComparisonGT  Comparison = "gt"  // 严格大于
)

// Meets 判断余额是否满足最低持仓
func (c Comparison) Meets(balance, min uint64) bool {
	if c == ComparisonGT {
		return balance > min
	}
	return balance >= min
}

// HourlyConfig 每日规则中的小时空投子配置 params.hourly
type HourlyConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	AmountPerWinner uint64 `mapstructure:"amountPerWinner"`
}

// ProportionalParams proportional_balance 参数
type ProportionalParams struct {
	AllocationPercent    uint64     `mapstructure:"allocationPercent"`
	MinBalance           uint64     `mapstructure:"minBalance"`
	MinBalanceComparison Comparison `mapstructure:"minBalanceComparison"`
}

// TopVolumeParams top_volume 参数
type TopVolumeParams struct {
	AllocationPercent uint64 `mapstructure:"allocationPercent"`
	TopN              int    `mapstructure:"topN"`
}

// RandomSplitParams random_equal_split 参数，SeedSalt为空时使用承诺盐
type RandomSplitParams struct {
	AllocationPercent    uint64     `mapstructure:"allocationPercent"`
	MinBalance           uint64     `mapstructure:"minBalance"`
	MinBalanceComparison Comparison `mapstructure:"minBalanceComparison"`
	WinnerCount          int        `mapstructure:"winnerCount"`
	SeedSalt             string     `mapstructure:"seedSalt"`
}

// SingleRecipientParams single_recipient 参数
type SingleRecipientParams struct {
	AllocationPercent *uint64 `mapstructure:"allocationPercent"`
	Recipient         string  `mapstructure:"recipient"`
}

// ClosestParams closest_to_cutoff 参数，时间可为RFC3339或unix秒
type ClosestParams struct {
	AllocationPercent uint64 `mapstructure:"allocationPercent"`
	WindowStart       any    `mapstructure:"windowStart"`
	WindowEnd         any    `mapstructure:"windowEnd"`
	Cutoff            any    `mapstructure:"cutoff"`
	WinnerCount       int    `mapstructure:"winnerCount"`
}

// MostActiveParams most_active 参数
type MostActiveParams struct {
	AllocationPercent uint64 `mapstructure:"allocationPercent"`
	MinTransactions   int    `mapstructure:"minTransactions"`
}

func decode(params map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return decoder.Decode(params)
}

func invalidParams(day int, variant models.Variant, err error) error {
	return gifterrors.Validationf("INVALID_PARAMS", "第%d天%s参数错误: %v", day, variant, err).WithDay(day)
}

func checkPercent(pct uint64) error {
	if pct > 100 {
		return fmt.Errorf("allocationPercent必须在0..100之间: %d", pct)
	}
	return nil
}

func checkComparison(c *Comparison) error {
	switch *c {
	case "":
		*c = ComparisonGTE
	case ComparisonGTE, ComparisonGT:
	default:
		return fmt.Errorf("未知的minBalanceComparison: %s", *c)
	}
	return nil
}

// DecodeProportional 解析并校验参数
func DecodeProportional(spec *models.GiftSpecification) (*ProportionalParams, error) {
	var p ProportionalParams
	if err := decode(spec.Params, &p); err != nil {
		return nil, invalidParams(spec.Day, spec.Variant, err)
	}
	if err := checkPercent(p.AllocationPercent); err != nil {
		return nil, invalidParams(spec.Day, spec.Variant, err)
	}
	if err := checkComparison(&p.MinBalanceComparison); err != nil {
		return nil, invalidParams(spec.Day, spec.Variant, err)
	}
	return &p, nil
}

// DecodeTopVolume 解析并校验参数
func DecodeTopVolume(spec *models.GiftSpecification) (*TopVolumeParams, error) {
	var p TopVolumeParams
	if err := decode(spec.Params, &p); err != nil {
		return nil, invalidParams(spec.Day, spec.Variant, err)
	}
	if err := checkPercent(p.AllocationPercent); err != nil {
		return nil, invalidParams(spec.Day, spec.Variant, err)
	}
	if p.TopN <= 0 {
		return nil, invalidParams(spec.Day, spec.Variant, fmt.Errorf("topN必须大于0"))
	}
	return &p, nil
}

// DecodeRandomSplit 解析并校验参数
func DecodeRandomSplit(spec *models.GiftSpecification) (*RandomSplitParams, error) {
	var p RandomSplitParams
	if err := decode(spec.Params, &p); err != nil {
		return nil, invalidParams(spec.Day, spec.Variant, err)
	}
	if err := checkPercent(p.AllocationPercent); err != nil {
		return nil, invalidParams(spec.Day, spec.Variant, err)
	}
	if err := checkComparison(&p.MinBalanceComparison); err != nil {
		return nil, invalidParams(spec.Day, spec.Variant, err)
	}
	if p.WinnerCount <= 0 {
		return nil, invalidParams(spec.Day, spec.Variant, fmt.Errorf("winnerCount必须大于0"))
	}
	if p.SeedSalt == "" {
		p.SeedSalt = spec.Salt
	}
	return &p, nil
}

// DecodeSingleRecipient 解析并校验参数，allocationPercent默认100
func DecodeSingleRecipient(spec *models.GiftSpecification) (*SingleRecipientParams, error) {
	var p SingleRecipientParams
	if err := decode(spec.Params, &p); err != nil {
		return nil, invalidParams(spec.Day, spec.Variant, err)
	}
	if p.AllocationPercent == nil {
		full := uint64(100)
		p.AllocationPercent = &full
	}
	if err := checkPercent(*p.AllocationPercent); err != nil {
		return nil, invalidParams(spec.Day, spec.Variant, err)
	}
	if strings.TrimSpace(p.Recipient) == "" {
		return nil, invalidParams(spec.Day, spec.Variant, fmt.Errorf("recipient不能为空"))
	}
	return &p, nil
}

// closestWindow 解析后的时间窗口
type closestWindow struct {
	start, end, cutoff time.Time
}

// DecodeClosest 解析并校验参数
func DecodeClosest(spec *models.GiftSpecification) (*ClosestParams, *closestWindow, error) {
	var p ClosestParams
	if err := decode(spec.Params, &p); err != nil {
		return nil, nil, invalidParams(spec.Day, spec.Variant, err)
	}
	if err := checkPercent(p.AllocationPercent); err != nil {
		return nil, nil, invalidParams(spec.Day, spec.Variant, err)
	}
	if p.WinnerCount <= 0 {
		return nil, nil, invalidParams(spec.Day, spec.Variant, fmt.Errorf("winnerCount必须大于0"))
	}
	var w closestWindow
	var err error
	if w.start, err = ParseInstant(p.WindowStart); err != nil {
		return nil, nil, invalidParams(spec.Day, spec.Variant, fmt.Errorf("windowStart: %w", err))
	}
	if w.end, err = ParseInstant(p.WindowEnd); err != nil {
		return nil, nil, invalidParams(spec.Day, spec.Variant, fmt.Errorf("windowEnd: %w", err))
	}
	if w.cutoff, err = ParseInstant(p.Cutoff); err != nil {
		return nil, nil, invalidParams(spec.Day, spec.Variant, fmt.Errorf("cutoff: %w", err))
	}
	if w.end.Before(w.start) {
		return nil, nil, invalidParams(spec.Day, spec.Variant, fmt.Errorf("windowEnd早于windowStart"))
	}
	return &p, &w, nil
}

// DecodeMostActive 解析并校验参数
func DecodeMostActive(spec *models.GiftSpecification) (*MostActiveParams, error) {
	var p MostActiveParams
	if err := decode(spec.Params, &p); err != nil {
		return nil, invalidParams(spec.Day, spec.Variant, err)
	}
	if err := checkPercent(p.AllocationPercent); err != nil {
		return nil, invalidParams(spec.Day, spec.Variant, err)
	}
	if p.MinTransactions < 0 {
		return nil, invalidParams(spec.Day, spec.Variant, fmt.Errorf("minTransactions不能为负"))
	}
	return &p, nil
}

// DecodeHourly 读取params.hourly，缺省时为未启用
func DecodeHourly(spec *models.GiftSpecification) (*HourlyConfig, error) {
	raw, ok := spec.Params["hourly"]
	if !ok || raw == nil {
		return &HourlyConfig{}, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, invalidParams(spec.Day, spec.Variant, fmt.Errorf("hourly必须是对象"))
	}
	var cfg HourlyConfig
	if err := decode(m, &cfg); err != nil {
		return nil, invalidParams(spec.Day, spec.Variant, fmt.Errorf("hourly: %w", err))
	}
	return &cfg, nil
}

// ValidateSpec 按算法解析参数，用于提交承诺前的规则文件检查
func ValidateSpec(spec *models.GiftSpecification) error {
	var err error
	switch spec.Variant {
	case models.VariantProportionalBalance:
		_, err = DecodeProportional(spec)
	case models.VariantTopVolume:
		_, err = DecodeTopVolume(spec)
	case models.VariantRandomEqualSplit:
		_, err = DecodeRandomSplit(spec)
	case models.VariantSingleRecipient:
		_, err = DecodeSingleRecipient(spec)
	case models.VariantClosestToCutoff:
		_, _, err = DecodeClosest(spec)
	case models.VariantMostActive:
		_, err = DecodeMostActive(spec)
	default:
		return gifterrors.ErrUnknownVariant.Clone(fmt.Errorf("%s", spec.Variant)).WithDay(spec.Day)
	}
	if err != nil {
		return err
	}
	_, err = DecodeHourly(spec)
	return err
}

// ParseInstant 解析RFC3339字符串或unix秒
func ParseInstant(v any) (time.Time, error) {
	switch val := v.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("缺少时间")
	case time.Time:
		return val.UTC(), nil
	case string:
		if secs, err := strconv.ParseInt(val, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC(), nil
		}
		t, err := time.Parse(time.RFC3339, val)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	case int:
		return time.Unix(int64(val), 0).UTC(), nil
	case int64:
		return time.Unix(val, 0).UTC(), nil
	case uint64:
		return time.Unix(int64(val), 0).UTC(), nil
	case float64:
		return time.Unix(int64(val), 0).UTC(), nil
	case json.Number:
		secs, err := val.Int64()
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(secs, 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("不支持的时间类型: %T", v)
	}
}
