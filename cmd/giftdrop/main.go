package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// 通用参数
	configFile string
	verbose    bool

	// 按天/小时操作
	day      int
	hour     int
	force    bool
	dryRun   bool
	override []string

	// 承诺与揭示
	specFile   string
	revealFile string
	outFile    string
	overwrite  bool

	// 令牌
	subject  string
	tokenTTL time.Duration

	shutdownTimeout time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "giftdrop",
		Short:         "承诺-揭示的降临节礼物分发服务",
		Long:          `提前公布24天礼物规则的默克尔根，每天揭示当天规则并按链上数据计算获奖者，生成待多签审批的转账提案`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "启动每日调度、小时分发与管理接口",
		RunE:  runDaemon,
	}
	runCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", time.Minute, "停机等待时间")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "只启动管理接口，不运行定时循环",
		RunE:  runServe,
	}
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", time.Minute, "停机等待时间")

	commitCmd := &cobra.Command{
		Use:   "commit",
		Short: "为24条礼物规则生成盐与默克尔根，写出公开/私有承诺文件",
		RunE:  runCommit,
	}
	commitCmd.Flags().StringVar(&specFile, "spec", "", "规则文件，默认使用gifts.spec_file")
	commitCmd.Flags().BoolVar(&overwrite, "overwrite", false, "覆盖已存在的私有承诺文件")

	revealCmd := &cobra.Command{
		Use:   "reveal",
		Short: "揭示某一天的规则，校验后写入存储",
		RunE:  runReveal,
	}
	revealCmd.Flags().IntVar(&day, "day", 0, "天数(1-24)")
	revealCmd.Flags().StringVar(&outFile, "out", "", "揭示文件输出路径")
	_ = revealCmd.MarkFlagRequired("day")

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "用公开承诺校验揭示文件",
		RunE:  runVerify,
	}
	verifyCmd.Flags().StringVar(&revealFile, "reveal", "", "揭示文件")
	_ = verifyCmd.MarkFlagRequired("reveal")

	executeCmd := &cobra.Command{
		Use:   "execute",
		Short: "立即执行某一天的礼物分发",
		RunE:  runExecute,
	}
	executeCmd.Flags().IntVar(&day, "day", 0, "天数(1-24)")
	executeCmd.Flags().BoolVar(&force, "force", false, "忽略已完成状态重新执行")
	_ = executeCmd.MarkFlagRequired("day")

	dryRunCmd := &cobra.Command{
		Use:   "dry-run",
		Short: "演练某一天的分发，不写入任何状态",
		RunE:  runDryRun,
	}
	dryRunCmd.Flags().IntVar(&day, "day", 0, "天数(1-24)")
	_ = dryRunCmd.MarkFlagRequired("day")

	hourCmd := &cobra.Command{
		Use:   "hour",
		Short: "执行或演练某一小时的分发",
		RunE:  runHour,
	}
	hourCmd.Flags().IntVar(&day, "day", 0, "天数(1-24)")
	hourCmd.Flags().IntVar(&hour, "hour", 0, "小时(0-23)")
	hourCmd.Flags().StringSliceVar(&override, "override", nil, "手动指定候选钱包")
	hourCmd.Flags().BoolVar(&dryRun, "dry-run", false, "只演练不写入")
	_ = hourCmd.MarkFlagRequired("day")
	_ = hourCmd.MarkFlagRequired("hour")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "查看执行状态、历史与执行记录",
		RunE:  runStatus,
	}
	statusCmd.Flags().IntVar(&day, "day", 0, "天数(1-24)，为0时列出全部")

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "签发管理接口令牌",
		RunE:  runToken,
	}
	tokenCmd.Flags().StringVar(&subject, "subject", "operator", "令牌subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "有效期")

	rootCmd.AddCommand(runCmd, serveCmd, commitCmd, revealCmd, verifyCmd, executeCmd, dryRunCmd, hourCmd, statusCmd, tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}
