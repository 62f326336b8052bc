package commitment

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	gifterrors "giftdrop/internal/errors"
	"giftdrop/pkg/models"
)

// SpecFile 礼物规则YAML文件
type SpecFile struct {
	Gifts []models.GiftEntry `yaml:"gifts"`
}

// LoadSpecFile 读取并校验礼物规则文件，返回按天排序的规则
func LoadSpecFile(path string) ([]models.GiftEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取规则文件失败: %w", err)
	}
	var file SpecFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, gifterrors.Validationf("SPEC_FILE_MALFORMED", "规则文件格式错误: %v", err)
	}
	entries := file.Gifts
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Day < entries[j].Day })
	if err := ValidateEntries(entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ValidateEntries 恰好24条、天数唯一且连续、算法已知
func ValidateEntries(entries []models.GiftEntry) error {
	if len(entries) != models.AdventDays {
		return gifterrors.Validationf("SPEC_COUNT", "需要%d条规则，实际%d条", models.AdventDays, len(entries))
	}
	seen := make(map[int]bool, len(entries))
	for i, entry := range entries {
		if !models.ValidDay(entry.Day) {
			return gifterrors.Validationf("SPEC_DAY", "非法天数: %d", entry.Day)
		}
		if seen[entry.Day] {
			return gifterrors.Validationf("SPEC_DUPLICATE_DAY", "第%d天重复", entry.Day)
		}
		seen[entry.Day] = true
		if entry.Day != i+1 {
			return gifterrors.Validationf("SPEC_ORDER", "规则必须按天排序，第%d条是第%d天", i+1, entry.Day)
		}
		if !entry.Variant.Valid() {
			return gifterrors.ErrUnknownVariant.Clone(fmt.Errorf("%s", entry.Variant)).WithDay(entry.Day)
		}
	}
	return nil
}
