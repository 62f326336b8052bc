package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"giftdrop/internal/api"
	"giftdrop/internal/commitment"
	gifterrors "giftdrop/internal/errors"
	"giftdrop/internal/gift"
	"giftdrop/internal/shutdown"
	"giftdrop/internal/store"
	"giftdrop/pkg/models"
)

// runDaemon 常驻运行：每日调度、小时分发与管理接口
func runDaemon(cmd *cobra.Command, _ []string) error {
	return daemon(true)
}

// runServe 只运行管理接口，用于人工补跑和查询
func runServe(cmd *cobra.Command, _ []string) error {
	return daemon(false)
}

func daemon(loops bool) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	gs := shutdown.NewGracefulShutdown(shutdownTimeout, logger)
	a, err := newApp(gs.Context(), cfg, logger)
	if err != nil {
		return err
	}
	a.registerShutdown(gs)

	server, err := a.newServer()
	if err != nil {
		_ = a.Close()
		return err
	}
	gs.RegisterShutdownFunc("管理接口", server.Stop, shutdown.OrderStopAdminAPI)

	if loops {
		gs.Go("每日调度", a.scheduler.Run)
		gs.Go("小时分发", a.hourly.Run)
	}
	gs.Go("管理接口", func(context.Context) error { return server.Start() })

	gs.Start()
	return gs.Wait()
}

// runCommit 生成承诺：私有文件包含盐，公开文件只包含根
func runCommit(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	path := specFile
	if path == "" {
		path = cfg.Gifts.SpecFile
	}

	entries, err := commitment.LoadSpecFile(path)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := gift.ValidateSpec(&models.GiftSpecification{Day: entry.Day, Variant: entry.Variant, Params: entry.Params}); err != nil {
			return err
		}
	}

	repo, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	public, err := commitEntries(cmd.Context(), repo, entries, cfg.Gifts.PrivateArtifact, cfg.Gifts.PublicArtifact,
		overwrite, time.Now().UTC())
	if err != nil {
		return err
	}

	logger.WithField("component", "main").Infof("承诺已生成，根: %s", public.Root)
	return printJSON(public)
}

// commitEntries 生成盐与承诺。已发布承诺根后拒绝重新生成；私有文件在根落库成功后才替换
func commitEntries(ctx context.Context, repo store.SpecRepository, entries []models.GiftEntry,
	privatePath, publicPath string, overwrite bool, now time.Time) (*commitment.PublicCommitment, error) {
	existing, err := repo.GetCommitment(ctx)
	switch {
	case err == nil:
		return nil, gifterrors.Validationf("COMMITMENT_PUBLISHED", "承诺根已发布: %s，不能重新生成", existing.Root)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("读取承诺根失败: %w", err)
	}
	if _, err := os.Stat(privatePath); err == nil && !overwrite {
		return nil, fmt.Errorf("私有承诺文件已存在: %s（使用 --overwrite 覆盖）", privatePath)
	}

	salts, err := commitment.GenerateSalts(len(entries))
	if err != nil {
		return nil, err
	}
	public, private, err := commitment.Commit(entries, salts, now)
	if err != nil {
		return nil, err
	}

	pending := privatePath + ".pending"
	if err := commitment.WriteJSON(pending, private); err != nil {
		return nil, err
	}
	if err := repo.SaveCommitment(ctx, public); err != nil {
		_ = os.Remove(pending)
		return nil, fmt.Errorf("保存承诺根失败: %w", err)
	}
	if err := os.Rename(pending, privatePath); err != nil {
		return nil, fmt.Errorf("承诺根已保存，但私有文件仍在 %s: %w", pending, err)
	}
	if err := commitment.WriteJSON(publicPath, public); err != nil {
		return nil, err
	}
	return public, nil
}

// runReveal 揭示某一天的规则：校验证明、写出揭示文件、写入存储供执行使用
func runReveal(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if !models.ValidDay(day) {
		return fmt.Errorf("天数必须在1-24之间: %d", day)
	}

	private, err := commitment.LoadPrivate(cfg.Gifts.PrivateArtifact)
	if err != nil {
		return err
	}
	reveal, err := private.Reveal(day)
	if err != nil {
		return err
	}

	repo, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx := cmd.Context()
	public, err := repo.GetCommitment(ctx)
	if errors.Is(err, store.ErrNotFound) {
		if public, err = commitment.LoadPublic(cfg.Gifts.PublicArtifact); err != nil {
			return err
		}
		if err := repo.SaveCommitment(ctx, public); err != nil {
			return fmt.Errorf("保存承诺根失败: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("读取承诺根失败: %w", err)
	}
	if err := commitment.VerifyAgainstPublic(reveal, public); err != nil {
		return err
	}

	out := outFile
	if out == "" {
		out = filepath.Join(filepath.Dir(cfg.Gifts.PublicArtifact), fmt.Sprintf("reveal-day-%s.json", models.DayKey(day)))
	}
	if err := commitment.WriteJSON(out, reveal); err != nil {
		return err
	}
	if err := repo.SaveSpec(ctx, reveal.Specification()); err != nil {
		return fmt.Errorf("保存第%d天规则失败: %w", day, err)
	}

	logger.WithFields(logrus.Fields{"component": "main", "day": day, "file": out}).Info("规则已揭示")
	return printJSON(reveal)
}

// runVerify 离线校验揭示文件
func runVerify(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	reveal, err := commitment.LoadReveal(revealFile)
	if err != nil {
		return err
	}
	public, err := commitment.LoadPublic(cfg.Gifts.PublicArtifact)
	if err != nil {
		return err
	}
	if err := commitment.VerifyAgainstPublic(reveal, public); err != nil {
		return err
	}
	fmt.Printf("第%d天揭示校验通过，根: %s\n", reveal.Day, public.Root)
	return nil
}

// runExecute 立即执行某一天
func runExecute(cmd *cobra.Command, _ []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		status, err := a.scheduler.Execute(ctx, day, force)
		if status != nil {
			if perr := printJSON(status); perr != nil {
				return perr
			}
		}
		return err
	})
}

// runDryRun 演练某一天
func runDryRun(cmd *cobra.Command, _ []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		report, err := a.scheduler.DryRun(ctx, day)
		if err != nil {
			return err
		}
		return printJSON(report)
	})
}

// runHour 执行或演练某一小时
func runHour(cmd *cobra.Command, _ []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		run := a.hourly.ExecuteHour
		if dryRun {
			run = a.hourly.DryRunHour
		}
		result, err := run(ctx, day, hour, override)
		if result != nil {
			if perr := printJSON(result); perr != nil {
				return perr
			}
		}
		return err
	})
}

// runStatus 查看状态；只需要存储
func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx := cmd.Context()
	if day == 0 {
		statuses, err := repo.ListStatuses(ctx)
		if err != nil {
			return err
		}
		return printJSON(statuses)
	}

	status, err := repo.GetStatus(ctx, day)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Printf("第%d天尚未执行\n", day)
		return nil
	}
	if err != nil {
		return err
	}
	history, err := repo.StatusHistory(ctx, day)
	if err != nil {
		return err
	}
	executions, err := repo.ListExecutions(ctx, day)
	if err != nil {
		return err
	}
	hourlyRows, err := repo.ListHourly(ctx, day)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"status":     status,
		"history":    history,
		"executions": executions,
		"hourly":     hourlyRows,
	})
}

// runToken 签发管理接口令牌
func runToken(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	token, err := api.NewAuth(cfg.Admin.JWTSecret, cfg.Admin.Issuer).Issue(subject, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// withApp 一次性命令：组装组件，执行后释放
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
