package store

import (
	"context"
	"errors"
	"fmt"

	"giftdrop/internal/commitment"
	gifterrors "giftdrop/internal/errors"
	"giftdrop/pkg/models"
)

// LoadVerifiedSpec 读取某天规则，并用已发布的承诺根校验默克尔证明
func LoadVerifiedSpec(ctx context.Context, repo SpecRepository, day int) (*models.GiftSpecification, error) {
	spec, err := repo.GetSpec(ctx, day)
	if errors.Is(err, ErrNotFound) {
		return nil, gifterrors.ErrSpecNotFound.Clone(fmt.Errorf("第%d天", day)).WithDay(day)
	}
	if err != nil {
		return nil, fmt.Errorf("读取规则失败: %w", err)
	}
	public, err := repo.GetCommitment(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil, gifterrors.Validationf("COMMITMENT_NOT_FOUND", "尚未发布承诺根").WithDay(day)
	}
	if err != nil {
		return nil, fmt.Errorf("读取承诺根失败: %w", err)
	}
	if spec.CommitmentHash != "" && spec.CommitmentHash != public.Root {
		return nil, gifterrors.Integrityf("ROOT_MISMATCH", "第%d天规则绑定的根 %s 与已发布根 %s 不一致",
			day, spec.CommitmentHash, public.Root).WithDay(day)
	}
	if err := commitment.VerifySpecification(spec, public.Root); err != nil {
		return nil, err
	}
	return spec, nil
}
