package commitment

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	gifterrors "giftdrop/internal/errors"
	"giftdrop/pkg/models"
)

// HashAlgorithm 承诺使用的摘要算法，写入公开承诺文件
const HashAlgorithm = "sha256"

// Tree 默克尔承诺树，Levels[0]为叶子，最后一层只有根
type Tree struct {
	Leaves []string   `json:"leaves"`
	Levels [][]string `json:"levels"`
	Root   string     `json:"root"`
}

// HashHex 对UTF-8字符串做sha256并返回小写十六进制
func HashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashPair 父节点 = sha256hex(left‖right)，拼接的是十六进制字符串
func HashPair(left, right string) string {
	return HashHex(left + right)
}

// LeafHash leaf = sha256hex(canonical({day,variant,params}) + salt)
func LeafHash(entry models.GiftEntry, salt string) (string, error) {
	params := entry.Params
	if params == nil {
		params = map[string]any{}
	}
	canonical, err := MarshalCanonical(map[string]any{
		"day":     entry.Day,
		"variant": string(entry.Variant),
		"params":  params,
	})
	if err != nil {
		return "", gifterrors.Validationf("CANONICAL_FAILED", "第%d天规则无法规范化: %v", entry.Day, err)
	}
	return HashHex(string(canonical) + salt), nil
}

// Build 构建承诺树，entries与salts按下标一一对应
func Build(entries []models.GiftEntry, salts []string) (*Tree, error) {
	if len(entries) == 0 {
		return nil, gifterrors.Validationf("EMPTY_TREE", "承诺树至少需要一个叶子")
	}
	if len(entries) != len(salts) {
		return nil, gifterrors.Validationf("SALT_MISMATCH", "规则数(%d)与盐数(%d)不一致", len(entries), len(salts))
	}

	leaves := make([]string, len(entries))
	for i, entry := range entries {
		leaf, err := LeafHash(entry, salts[i])
		if err != nil {
			return nil, err
		}
		leaves[i] = leaf
	}
	return BuildFromLeaves(leaves), nil
}

// BuildFromLeaves 从已计算的叶子构建各层，奇数个节点时最后一个与自身配对
func BuildFromLeaves(leaves []string) *Tree {
	levels := [][]string{append([]string(nil), leaves...)}
	level := levels[0]
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, HashPair(level[i], right))
		}
		levels = append(levels, next)
		level = next
	}
	return &Tree{
		Leaves: levels[0],
		Levels: levels,
		Root:   level[0],
	}
}

// Proof 返回自底向上的兄弟节点哈希
func (t *Tree) Proof(index int) ([]string, error) {
	if index < 0 || index >= len(t.Leaves) {
		return nil, fmt.Errorf("叶子下标越界: %d", index)
	}
	proof := make([]string, 0, len(t.Levels)-1)
	idx := index
	for _, level := range t.Levels[:len(t.Levels)-1] {
		sibling := idx ^ 1
		if sibling >= len(level) {
			sibling = idx
		}
		proof = append(proof, level[sibling])
		idx >>= 1
	}
	return proof, nil
}

// Verify 按下标的比特位决定左右顺序（偶数在左）重新计算根
func Verify(leaf string, proof []string, root string, index int) bool {
	if index < 0 {
		return false
	}
	hash := leaf
	idx := index
	for _, sibling := range proof {
		if idx%2 == 0 {
			hash = HashPair(hash, sibling)
		} else {
			hash = HashPair(sibling, hash)
		}
		idx >>= 1
	}
	return idx == 0 && hash == root
}
