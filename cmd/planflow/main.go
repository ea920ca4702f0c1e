// =============================================================================
// PlanFlow 命令行入口
// =============================================================================
// 面向补全层的调试与运维入口
//
// 使用方法:
//
//	planflow complete --prompt "..."            # 单次补全（流式输出）
//	planflow complete --config planflow.yaml \
//	    --client openai --no-stream             # 指定配置与客户端
//	planflow health                             # 对默认客户端做探活
//	planflow version                            # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/BaSui01/planflow/config"
	"github.com/BaSui01/planflow/llm"
	"github.com/BaSui01/planflow/llm/factory"
	"github.com/BaSui01/planflow/llm/stream"
)

// 版本信息（构建时注入）
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "complete":
		runComplete(os.Args[2:])
	case "health":
		runHealth(os.Args[2:])
	case "version":
		fmt.Printf("planflow %s (%s)\n", Version, GitCommit)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: planflow <command> [flags]

commands:
  complete   run one completion and print the result
  health     probe the configured backend
  version    print version info`)
}

// setup 加载配置并构建客户端。
func setup(configPath, clientName string) (llm.Client, *zap.Logger, error) {
	cfg, err := config.NewLoader().
		WithConfigPath(configPath).
		WithValidator(func(c *config.Config) error { return c.Validate() }).
		Load()
	if err != nil {
		return nil, nil, err
	}

	logger := config.BuildLogger(cfg.Log)

	reg, err := factory.NewRegistryFromConfig(cfg, logger)
	if err != nil {
		return nil, logger, err
	}

	if clientName != "" {
		c, ok := reg.Get(clientName)
		if !ok {
			return nil, logger, fmt.Errorf("client %q not configured", clientName)
		}
		return c, logger, nil
	}
	c, err := reg.Default()
	return c, logger, err
}

// signalContext 返回随 SIGINT/SIGTERM 取消的 context。
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runComplete(args []string) {
	fs := flag.NewFlagSet("complete", flag.ExitOnError)
	configPath := fs.String("config", "planflow.yaml", "config file path")
	clientName := fs.String("client", "", "client name (default: config default)")
	prompt := fs.String("prompt", "", "prompt text (required)")
	system := fs.String("system", "", "system prompt")
	model := fs.String("model", "", "model override")
	outFile := fs.String("out", "", "also write the stream to this file")
	noStream := fs.Bool("no-stream", false, "disable streaming output")
	_ = fs.Parse(args)

	if *prompt == "" {
		fmt.Fprintln(os.Stderr, "error: --prompt is required")
		os.Exit(2)
	}

	client, logger, err := setup(*configPath, *clientName)
	if err != nil {
		fatal(logger, "setup failed", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signalContext()
	defer cancel()

	req := &llm.CompletionRequest{
		Prompt: *prompt,
		System: *system,
		Model:  *model,
	}

	if *noStream {
		result, err := client.Complete(ctx, req)
		if err != nil {
			fatal(logger, "completion failed", err)
		}
		fmt.Println(result.Text)
		printUsageFooter(result)
		return
	}

	var sink *stream.Sink
	if *outFile != "" {
		sink = stream.NewConsoleFileSink(*outFile)
	} else {
		sink = stream.NewConsoleSink()
	}
	defer sink.Close() //nolint:errcheck

	result, err := client.CompleteStreaming(ctx, req, func(ctx context.Context, token string) error {
		return sink.OnToken(token)
	})
	if err != nil {
		fatal(logger, "completion failed", err)
	}
	if err := sink.OnCompletion(); err != nil {
		fatal(logger, "flush failed", err)
	}
	fmt.Println()
	printUsageFooter(result)
}

func printUsageFooter(result *llm.CompletionResult) {
	if result.Usage == nil {
		return
	}
	suffix := ""
	if result.Usage.Estimated {
		suffix = " (estimated)"
	}
	fmt.Fprintf(os.Stderr, "tokens: prompt=%d completion=%d total=%d%s\n",
		result.Usage.PromptTokens, result.Usage.CompletionTokens,
		result.Usage.TotalTokens, suffix)
}

func runHealth(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	configPath := fs.String("config", "planflow.yaml", "config file path")
	clientName := fs.String("client", "", "client name (default: config default)")
	_ = fs.Parse(args)

	client, logger, err := setup(*configPath, *clientName)
	if err != nil {
		fatal(logger, "setup failed", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signalContext()
	defer cancel()

	status, err := client.HealthCheck(ctx)
	if err != nil {
		fmt.Printf("UNHEALTHY %s: %v\n", client.Name(), err)
		os.Exit(1)
	}
	fmt.Printf("OK %s latency=%s\n", client.Name(), status.Latency)
}

func fatal(logger *zap.Logger, msg string, err error) {
	if logger != nil {
		logger.Error(msg, zap.Error(err))
	}
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
