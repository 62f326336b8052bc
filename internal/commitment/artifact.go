package commitment

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gifterrors "giftdrop/internal/errors"
	"giftdrop/pkg/models"
)

// saltBytes 每个盐的随机字节数
const saltBytes = 16

// PublicCommitment 提前公布的承诺
type PublicCommitment struct {
	Root          string    `json:"root"`
	HashAlgorithm string    `json:"hashAlgorithm"`
	NumEntries    int       `json:"numEntries"`
	CreatedAt     time.Time `json:"createdAt"`
}

// PrivateArtifact 运营方私有的揭示材料，揭示前不得公开
type PrivateArtifact struct {
	Entries       []models.GiftEntry `json:"entries"`
	Salts         []string           `json:"salts"`
	Leaves        []string           `json:"leaves"`
	Root          string             `json:"root"`
	HashAlgorithm string             `json:"hashAlgorithm,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
}

// Reveal 单日揭示对象，第三方据此独立校验
type Reveal struct {
	Day   int              `json:"day"`
	Entry models.GiftEntry `json:"entry"`
	Salt  string           `json:"salt"`
	Leaf  string           `json:"leaf"`
	Proof []string         `json:"proof"`
	Root  string           `json:"root"`
}

// GenerateSalts 生成n个随机盐
func GenerateSalts(n int) ([]string, error) {
	salts := make([]string, n)
	for i := range salts {
		buf := make([]byte, saltBytes)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("生成随机盐失败: %w", err)
		}
		salts[i] = hex.EncodeToString(buf)
	}
	return salts, nil
}

// Commit 对按天排序的规则生成承诺，salts为空时自动生成
func Commit(entries []models.GiftEntry, salts []string, now time.Time) (*PublicCommitment, *PrivateArtifact, error) {
	if err := ValidateEntries(entries); err != nil {
		return nil, nil, err
	}
	if salts == nil {
		var err error
		if salts, err = GenerateSalts(len(entries)); err != nil {
			return nil, nil, err
		}
	}
	tree, err := Build(entries, salts)
	if err != nil {
		return nil, nil, err
	}

	created := now.UTC()
	public := &PublicCommitment{
		Root:          tree.Root,
		HashAlgorithm: HashAlgorithm,
		NumEntries:    len(entries),
		CreatedAt:     created,
	}
	private := &PrivateArtifact{
		Entries:       entries,
		Salts:         salts,
		Leaves:        tree.Leaves,
		Root:          tree.Root,
		HashAlgorithm: HashAlgorithm,
		CreatedAt:     created,
	}
	return public, private, nil
}

// Tree 从私有材料重建承诺树，并确认叶子与根未被篡改
func (p *PrivateArtifact) Tree() (*Tree, error) {
	if err := checkAlgorithm(p.HashAlgorithm); err != nil {
		return nil, err
	}
	tree, err := Build(p.Entries, p.Salts)
	if err != nil {
		return nil, err
	}
	if tree.Root != p.Root {
		return nil, gifterrors.Integrityf("ROOT_MISMATCH", "私有材料重建的根 %s 与记录的根 %s 不一致", tree.Root, p.Root)
	}
	for i, leaf := range tree.Leaves {
		if i < len(p.Leaves) && p.Leaves[i] != leaf {
			return nil, gifterrors.Integrityf("LEAF_MISMATCH", "第%d个叶子与记录不一致", i+1)
		}
	}
	return tree, nil
}

// Reveal 生成某一天的揭示对象
func (p *PrivateArtifact) Reveal(day int) (*Reveal, error) {
	tree, err := p.Tree()
	if err != nil {
		return nil, err
	}
	for i, entry := range p.Entries {
		if entry.Day != day {
			continue
		}
		proof, err := tree.Proof(i)
		if err != nil {
			return nil, err
		}
		return &Reveal{
			Day:   day,
			Entry: entry,
			Salt:  p.Salts[i],
			Leaf:  tree.Leaves[i],
			Proof: proof,
			Root:  tree.Root,
		}, nil
	}
	return nil, gifterrors.ErrSpecNotFound.Clone(fmt.Errorf("第%d天", day)).WithDay(day)
}

// Specification 把揭示对象转换为礼物规则
func (r *Reveal) Specification() *models.GiftSpecification {
	return &models.GiftSpecification{
		Day:            r.Day,
		Variant:        r.Entry.Variant,
		Params:         r.Entry.Params,
		CommitmentHash: r.Root,
		Salt:           r.Salt,
		Leaf:           r.Leaf,
		Proof:          append([]string(nil), r.Proof...),
	}
}

// VerifyReveal 校验揭示对象与已发布的根一致，失败为完整性错误
func VerifyReveal(r *Reveal, root string) error {
	if r.Entry.Day != r.Day {
		return gifterrors.Validationf("REVEAL_DAY_MISMATCH", "揭示天数%d与规则天数%d不一致", r.Day, r.Entry.Day)
	}
	if r.Root != root {
		return gifterrors.Integrityf("ROOT_MISMATCH", "第%d天揭示的根与已发布根不一致", r.Day).WithDay(r.Day)
	}
	return VerifySpecification(&models.GiftSpecification{
		Day:     r.Day,
		Variant: r.Entry.Variant,
		Params:  r.Entry.Params,
		Salt:    r.Salt,
		Leaf:    r.Leaf,
		Proof:   r.Proof,
	}, root)
}

// VerifySpecification 重新计算叶子并沿证明校验到根
func VerifySpecification(spec *models.GiftSpecification, root string) error {
	leaf, err := LeafHash(spec.Entry(), spec.Salt)
	if err != nil {
		return err
	}
	if spec.Leaf != "" && leaf != spec.Leaf {
		return gifterrors.Integrityf("LEAF_MISMATCH", "第%d天规则内容与叶子不一致", spec.Day).WithDay(spec.Day)
	}
	if !Verify(leaf, spec.Proof, root, spec.Index()) {
		return gifterrors.ErrProofMismatch.Clone(fmt.Errorf("第%d天", spec.Day)).WithDay(spec.Day)
	}
	return nil
}

// VerifyAgainstPublic 校验公开承诺的算法后再校验揭示
func VerifyAgainstPublic(r *Reveal, public *PublicCommitment) error {
	if err := checkAlgorithm(public.HashAlgorithm); err != nil {
		return err
	}
	return VerifyReveal(r, public.Root)
}

func checkAlgorithm(alg string) error {
	if alg != "" && alg != HashAlgorithm {
		return gifterrors.Validationf("UNSUPPORTED_HASH", "不支持的哈希算法: %s", alg)
	}
	return nil
}

// WriteJSON 以缩进格式写入工件文件
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化工件失败: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	// 先写临时文件再改名，中途失败不会留下半个工件
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("写入工件失败: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("设置工件权限失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("写入工件失败: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("保存工件失败: %w", err)
	}
	return nil
}

// ReadJSON 读取工件文件，数字保留为json.Number以免精度丢失
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取工件失败: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return gifterrors.Validationf("ARTIFACT_MALFORMED", "工件格式错误 %s: %v", path, err)
	}
	return nil
}

// LoadPublic 读取公开承诺
func LoadPublic(path string) (*PublicCommitment, error) {
	var public PublicCommitment
	if err := ReadJSON(path, &public); err != nil {
		return nil, err
	}
	if err := checkAlgorithm(public.HashAlgorithm); err != nil {
		return nil, err
	}
	return &public, nil
}

// LoadPrivate 读取私有材料
func LoadPrivate(path string) (*PrivateArtifact, error) {
	var private PrivateArtifact
	if err := ReadJSON(path, &private); err != nil {
		return nil, err
	}
	return &private, nil
}

// LoadReveal 读取揭示对象
func LoadReveal(path string) (*Reveal, error) {
	var reveal Reveal
	if err := ReadJSON(path, &reveal); err != nil {
		return nil, err
	}
	return &reveal, nil
}
