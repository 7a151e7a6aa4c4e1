package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ReliefChain/sdk/go/relief"
)

const usage = `用法: reliefctl [-addr URL] <命令> [参数]

命令:
  status                 查看代理健康、余额与累计结果
  stats                  查看交易统计
  tx <decision_id>       查看资助决策与交易
  detect <image_ref>     仅运行检测
  full-test <image_ref>  运行完整流水线
  stop [reason]          紧急停止
  resume                 解除紧急停止
  health                 检查全部代理是否在线
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "reliefctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reliefctl", flag.ContinueOnError)
	addr := fs.String("addr", envOr("RELIEF_URL", "http://127.0.0.1:8080"), "reliefd 地址")
	width := fs.Int("width", 0, "图片宽度（像素）")
	height := fs.Int("height", 0, "图片高度（像素）")
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("缺少命令")
	}

	client, err := relief.NewClient(*addr, nil)
	if err != nil {
		return err
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]
	arg := func() (string, error) {
		if len(rest) == 0 {
			return "", fmt.Errorf("%s 需要一个参数", cmd)
		}
		return rest[0], nil
	}

	var out any
	switch cmd {
	case "status":
		out, err = client.Status(ctx)
	case "stats":
		out, err = client.FundingStats(ctx)
	case "tx":
		var id string
		if id, err = arg(); err == nil {
			out, err = client.Transaction(ctx, id)
		}
	case "detect", "full-test":
		var ref string
		if ref, err = arg(); err == nil {
			req := relief.ImageRequest{ImageRef: ref, Width: *width, Height: *height}
			if cmd == "detect" {
				out, err = client.Detect(ctx, req)
			} else {
				out, err = client.FullTest(ctx, req)
			}
		}
	case "stop":
		reason := ""
		if len(rest) > 0 {
			reason = rest[0]
		}
		out, err = client.EmergencyStop(ctx, reason)
	case "resume":
		err = client.Resume(ctx)
		out = map[string]bool{"stopped": false}
	case "health":
		var ok bool
		if ok, err = client.Healthy(ctx); err == nil {
			out = map[string]bool{"healthy": ok}
		}
	default:
		fs.Usage()
		return fmt.Errorf("未知命令: %s", cmd)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
