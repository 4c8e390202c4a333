package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"neuroview/internal/assess"
	"neuroview/internal/config"
	"neuroview/internal/dataset"
	"neuroview/internal/domain"
	"neuroview/internal/gateway"
	"neuroview/internal/infra/httpx"
	"neuroview/internal/listing"
	"neuroview/internal/listing/bucket"
	"neuroview/internal/listing/httpindex"
	"neuroview/internal/listing/local"
	"neuroview/internal/modality"
	"neuroview/internal/nifti"
)

func main() {
	// .env 是可选的本地开发便利（对象存储凭证等）；不存在不算错误。
	_ = godotenv.Load()

	args := os.Args[1:]
	if len(args) == 0 || isHelp(args[0]) {
		printUsage()
		return
	}

	switch args[0] {
	case "serve":
		if code := serveCmd(args[1:]); code != 0 {
			os.Exit(code)
		}
	case "check":
		if code := checkCmd(args[1:]); code != 0 {
			os.Exit(code)
		}
	default:
		fmt.Fprintf(os.Stderr, "未知命令：%q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

// ---- serve ----

func serveCmd(args []string) int {
	for _, a := range args {
		if isHelp(a) {
			printServeUsage()
			return 0
		}
	}

	ca, _, err := parseCommonArgs(args, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printServeUsage()
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}

	eff, err := config.LoadEffective(cwd, ca)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	lister, err := buildLister(eff)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化 listing 后端失败：%v\n", err)
		return 1
	}
	cached, err := listing.NewCached(lister, eff.CacheSize, eff.CacheTTL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化 listing 缓存失败：%v\n", err)
		return 1
	}

	rules, err := loadRules(eff)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载模态词表失败：%v\n", err)
		return 1
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	// 复查记录落在 cache_dir；未配置时存在归档根旁边，非本地归档时落在 cwd。
	assessRoot := eff.CacheDir
	if assessRoot == "" {
		assessRoot = eff.Root
	}
	if assessRoot == "" {
		assessRoot = cwd
	}
	store := assess.New(assessRoot, eff.ReadOnly)

	gw, err := gateway.New(gateway.Options{
		// gateway 看到的是缓存后的 lister；Folders 等枚举直接打底层。
		Lister:      cachedOrBase(cached, lister),
		Rules:       rules,
		MaskOpacity: eff.MaskOpacity,
		SliceType:   eff.SliceType,
		Assess:      &store,
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化 gateway 失败：%v\n", err)
		return 1
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if eff.Lister == "local" {
		// 本地归档由本进程直接做静态文件服务；其他后端的 URL 自带可达性。
		prefix := strings.TrimRight(eff.DataURL, "/")
		mux.Handle(prefix+"/", http.StripPrefix(prefix+"/", http.FileServer(http.Dir(eff.Root))))
	}

	srv := &http.Server{
		Addr:              eff.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Printf("neuroview serve 监听 %s（lister=%s）", eff.Listen, eff.Lister)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "服务异常退出：%v\n", err)
			return 1
		}
	case <-ctx.Done():
		logger.Printf("收到退出信号，开始优雅关闭")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "优雅关闭失败：%v\n", err)
			return 1
		}
	}
	return 0
}

// ---- check ----

func checkCmd(args []string) int {
	for _, a := range args {
		if isHelp(a) {
			printCheckUsage()
			return 0
		}
	}

	ca, folder, err := parseCommonArgs(args, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printCheckUsage()
		return 2
	}
	if folder == "" {
		fmt.Fprintf(os.Stderr, "参数错误：check 需要一个病例文件夹名\n\n")
		printCheckUsage()
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}

	eff, err := config.LoadEffective(cwd, ca)
	if err != nil {
		emitReport(reportForConfigError(folder, err))
		return 1
	}

	lister, err := buildLister(eff)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化 listing 后端失败：%v\n", err)
		return 1
	}
	rules, err := loadRules(eff)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载模态词表失败：%v\n", err)
		return 1
	}

	report := runCheck(context.Background(), lister, rules, eff, folder)
	emitReport(report)

	if report.Summary.ProbeFailed == 0 && hasLoadableBase(report) {
		return 0
	}
	return 1
}

func runCheck(ctx context.Context, lister listing.Lister, rules modality.Rules, eff config.EffectiveConfig, folder string) domain.DatasetReport {
	report := domain.DatasetReport{
		Folder:    folder,
		Lister:    lister.Name(),
		StartedAt: time.Now(),
	}

	files, err := lister.List(ctx, folder)
	if err != nil {
		report.Entries = []domain.EntryResult{{
			Name:        folder,
			Role:        string(domain.RoleUnknown),
			Disposition: domain.DispositionIgnored,
			ErrorCode:   domain.ErrCodeListingFailed,
			ErrorMsg:    err.Error(),
		}}
		report.FinishedAt = time.Now()
		report.Finalize()
		return report
	}

	plan, err := dataset.Build(files, rules)
	if err != nil {
		report.Entries = []domain.EntryResult{{
			Name:        folder,
			Role:        string(domain.RoleUnknown),
			Disposition: domain.DispositionIgnored,
			ErrorCode:   domain.ErrCodeListingFailed,
			ErrorMsg:    err.Error(),
		}}
		report.FinishedAt = time.Now()
		report.Finalize()
		return report
	}

	report.Presence = plan.Presence
	report.Entries = dataset.Describe(plan)

	// 头部探测只对本地归档做：远端后端读 348 字节不值得引入下载路径。
	if eff.Lister == "local" {
		for i := range report.Entries {
			e := &report.Entries[i]
			if e.Disposition == domain.DispositionIgnored {
				continue
			}
			probe, err := probeFile(filepath.Join(eff.Root, folder, e.Name))
			if err != nil {
				e.ErrorCode = domain.ErrCodeProbeFailed
				e.ErrorMsg = err.Error()
				continue
			}
			e.Probe = probe
		}
	}

	report.FinishedAt = time.Now()
	report.Finalize()
	return report
}

func probeFile(path string) (*domain.ProbeInfo, error) {
	h, samples, err := nifti.SampleVoxels(path, 0)
	if err != nil {
		return nil, err
	}
	lo, hi := nifti.DisplayRange(h, samples)
	return &domain.ProbeInfo{
		Dim:      h.Dim,
		Datatype: h.Datatype,
		CalMin:   lo,
		CalMax:   hi,
	}, nil
}

func hasLoadableBase(report domain.DatasetReport) bool {
	for _, e := range report.Entries {
		if e.Disposition == domain.DispositionBase {
			return true
		}
	}
	return false
}

// ---- 装配 ----

func buildLister(eff config.EffectiveConfig) (listing.Lister, error) {
	available := make([]listing.Lister, 0, 3)
	if eff.Root != "" {
		available = append(available, local.New(eff.Root, eff.DataURL))
	}
	if eff.IndexURL != "" {
		client, err := httpx.NewClient(eff.ProxyURL)
		if err != nil {
			return nil, err
		}
		l, err := httpindex.New(client, eff.IndexURL)
		if err != nil {
			return nil, err
		}
		available = append(available, l)
	}
	if eff.Bucket.Endpoint != "" {
		l, err := bucket.New(bucket.Config{
			Endpoint:   eff.Bucket.Endpoint,
			AccessKey:  eff.Bucket.AccessKey,
			SecretKey:  eff.Bucket.SecretKey,
			UseSSL:     eff.Bucket.UseSSL,
			Bucket:     eff.Bucket.Bucket,
			PresignTTL: eff.Bucket.PresignTTL,
		})
		if err != nil {
			return nil, err
		}
		available = append(available, l)
	}

	reg, err := listing.NewRegistry(available...)
	if err != nil {
		return nil, err
	}
	l, ok := reg.Get(listerName(eff.Lister))
	if !ok {
		return nil, fmt.Errorf("lister %q 未配置（缺少 root/index_url/bucket）", eff.Lister)
	}
	return l, nil
}

// listerName 把配置名映射到 lister 注册名。
func listerName(cfg string) string {
	// 目前一一对应；保留映射点是因为配置名是对外契约，注册名不是。
	return cfg
}

func loadRules(eff config.EffectiveConfig) (modality.Rules, error) {
	if eff.RulesPath == "" {
		return modality.Default(), nil
	}
	return modality.Load(eff.RulesPath)
}

// cachedOrBase 让 gateway 拿到缓存的 List，同时保住 Folders 枚举能力。
func cachedOrBase(cached *listing.Cached, base listing.Lister) listing.Lister {
	if _, ok := base.(listing.FolderLister); ok {
		return folderCached{Cached: cached, folders: base.(listing.FolderLister)}
	}
	return cached
}

type folderCached struct {
	*listing.Cached
	folders listing.FolderLister
}

func (f folderCached) Folders(ctx context.Context) ([]string, error) {
	return f.folders.Folders(ctx)
}

// ---- CLI ----

// parseCommonArgs 解析 serve/check 共享的参数。wantFolder=true 时
// 允许一个位置参数（病例文件夹名）。
func parseCommonArgs(args []string, wantFolder bool) (config.CLIArgs, string, error) {
	ca := config.CLIArgs{}
	folder := ""

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--config":
			if i+1 >= len(args) {
				return config.CLIArgs{}, "", fmt.Errorf("--config 需要一个值")
			}
			i++
			ca.ConfigPath = args[i]
		case strings.HasPrefix(a, "--config="):
			ca.ConfigPath = strings.TrimPrefix(a, "--config=")
		case a == "--listen":
			if i+1 >= len(args) {
				return config.CLIArgs{}, "", fmt.Errorf("--listen 需要一个值")
			}
			i++
			ca.Listen = args[i]
			ca.ListenSet = true
		case strings.HasPrefix(a, "--listen="):
			ca.Listen = strings.TrimPrefix(a, "--listen=")
			ca.ListenSet = true
		case a == "--lister":
			if i+1 >= len(args) {
				return config.CLIArgs{}, "", fmt.Errorf("--lister 需要一个值")
			}
			i++
			ca.Lister = args[i]
			ca.ListerSet = true
		case strings.HasPrefix(a, "--lister="):
			ca.Lister = strings.TrimPrefix(a, "--lister=")
			ca.ListerSet = true
		case a == "--root":
			if i+1 >= len(args) {
				return config.CLIArgs{}, "", fmt.Errorf("--root 需要一个值")
			}
			i++
			ca.Root = args[i]
			ca.RootSet = true
		case strings.HasPrefix(a, "--root="):
			ca.Root = strings.TrimPrefix(a, "--root=")
			ca.RootSet = true
		case strings.HasPrefix(a, "-"):
			return config.CLIArgs{}, "", fmt.Errorf("未知参数 %q", a)
		default:
			if !wantFolder {
				return config.CLIArgs{}, "", fmt.Errorf("多余的位置参数 %q", a)
			}
			if folder != "" {
				return config.CLIArgs{}, "", fmt.Errorf("重复的文件夹名：%q 与 %q", folder, a)
			}
			folder = a
		}
	}

	if ca.ListerSet {
		switch ca.Lister {
		case "local", "httpindex", "bucket":
		case "":
			return config.CLIArgs{}, "", fmt.Errorf("--lister 不能为空")
		default:
			return config.CLIArgs{}, "", fmt.Errorf("--lister 只能是 local/httpindex/bucket，实际是 %q", ca.Lister)
		}
	}

	return ca, folder, nil
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage() {
	fmt.Fprint(os.Stdout, `用法：
  neuroview serve [--config 文件] [--listen 地址] [--lister local|httpindex|bucket] [--root 目录]
  neuroview check 文件夹 [--config 文件] [--lister local|httpindex|bucket] [--root 目录]

命令：
  serve   启动 viewer gateway（websocket + 本地归档静态文件）
  check   对一个病例文件夹做模态识别与头部探测，输出 JSON 报告

使用 "neuroview <命令> --help" 查看详细说明。
`)
}

func printServeUsage() {
	fmt.Fprint(os.Stdout, `用法：
  neuroview serve [--config 文件] [--listen 地址] [--lister local|httpindex|bucket] [--root 目录]

参数：
  --config    配置文件路径（默认 <cwd>/neuroview.json，可缺省）
  --listen    监听地址（默认 127.0.0.1:8080）
  --lister    listing 后端（默认 local）
  --root      本地归档根目录（lister=local 必填，可由配置提供）
  -h, --help  显示帮助
`)
}

func printCheckUsage() {
	fmt.Fprint(os.Stdout, `用法：
  neuroview check 文件夹 [--config 文件] [--lister local|httpindex|bucket] [--root 目录]

说明：
  stdout 输出且仅输出一个 DatasetReport JSON；摘要走 stderr。
  退出码：0 = 数据集可加载且探测全部通过；1 = 有问题；2 = 参数错误。
`)
}

// ---- 输出 ----

func emitReport(report domain.DatasetReport) {
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(report)
	fmt.Fprintf(os.Stderr, "完成：files=%d recognized=%d ignored=%d probe_failed=%d\n",
		report.Summary.Files, report.Summary.Recognized, report.Summary.Ignored, report.Summary.ProbeFailed,
	)
	for _, e := range report.Entries {
		if e.ErrorCode == "" {
			continue
		}
		fmt.Fprintf(os.Stderr, "%s %s: %s\n", e.Name, e.ErrorCode, e.ErrorMsg)
	}
}

func reportForConfigError(folder string, err error) domain.DatasetReport {
	now := time.Now().UTC()
	report := domain.DatasetReport{
		Folder:     folder,
		StartedAt:  now,
		FinishedAt: now,
		Entries: []domain.EntryResult{{
			Name:        folder,
			Role:        string(domain.RoleUnknown),
			Disposition: domain.DispositionIgnored,
			ErrorCode:   config.Code(err),
			ErrorMsg:    err.Error(),
		}},
	}
	report.Finalize()
	return report
}
