package models

import "fmt"

// AdventDays 礼物规则总数（第1天到第24天）
const AdventDays = 24

// Variant 礼物分发算法类型
type Variant string

const (
	VariantProportionalBalance Variant = "proportional_balance" // 按持仓比例
	VariantTopVolume           Variant = "top_volume"           // 按当日流入量取前N
	VariantRandomEqualSplit    Variant = "random_equal_split"   // 随机抽取后平分
	VariantSingleRecipient     Variant = "single_recipient"     // 固定单一接收者
	VariantClosestToCutoff     Variant = "closest_to_cutoff"    // 最接近截止时间
	VariantMostActive          Variant = "most_active"          // 最活跃钱包
)

// Variants 返回全部已知算法（顺序固定）
func Variants() []Variant {
	return []Variant{
		VariantProportionalBalance,
		VariantTopVolume,
		VariantRandomEqualSplit,
		VariantSingleRecipient,
		VariantClosestToCutoff,
		VariantMostActive,
	}
}

// Valid 判断算法类型是否已知
func (v Variant) Valid() bool {
	switch v {
	case VariantProportionalBalance, VariantTopVolume, VariantRandomEqualSplit,
		VariantSingleRecipient, VariantClosestToCutoff, VariantMostActive:
		return true
	default:
		return false
	}
}

// RequiresEntropy 该算法是否需要链上熵
func (v Variant) RequiresEntropy() bool {
	switch v {
	case VariantRandomEqualSplit:
		return true
	case VariantProportionalBalance, VariantTopVolume, VariantSingleRecipient,
		VariantClosestToCutoff, VariantMostActive:
		return false
	default:
		return false
	}
}

// RequiresLedger 该算法是否需要链上数据
func (v Variant) RequiresLedger() bool {
	return v != VariantSingleRecipient
}

// GiftEntry 承诺叶子的原始内容（不含哈希相关字段）
type GiftEntry struct {
	Day     int            `json:"day" yaml:"day"`
	Variant Variant        `json:"variant" yaml:"variant"`
	Params  map[string]any `json:"params" yaml:"params"`
}

// GiftSpecification 某一天的礼物规则
type GiftSpecification struct {
	Day            int            `json:"day"`
	Variant        Variant        `json:"variant"`
	Params         map[string]any `json:"params"`
	CommitmentHash string         `json:"commitment_hash"`
	Salt           string         `json:"salt"`
	Leaf           string         `json:"leaf"`
	Proof          []string       `json:"proof"`
}

// Entry 提取用于计算叶子的内容
func (s *GiftSpecification) Entry() GiftEntry {
	return GiftEntry{Day: s.Day, Variant: s.Variant, Params: s.Params}
}

// Index 在承诺树中的叶子下标
func (s *GiftSpecification) Index() int {
	return s.Day - 1
}

// ValidDay 判断天数是否合法
func ValidDay(day int) bool {
	return day >= 1 && day <= AdventDays
}

// ValidHour 判断小时是否合法
func ValidHour(hour int) bool {
	return hour >= 0 && hour <= 23
}

// DayKey 按天的存储键
func DayKey(day int) string {
	return fmt.Sprintf("%02d", day)
}

// HourKey 按小时的存储键
func HourKey(day, hour int) string {
	return fmt.Sprintf("%02d:%02d", day, hour)
}
