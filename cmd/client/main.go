// Package main 是上传客户端的命令行入口。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"resumable-upload-go/internal/config"
	"resumable-upload-go/pkg/log"
	"resumable-upload-go/pkg/uploader"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, uploader.ErrCancelled) {
			// 130 与 shell 对 SIGINT 的约定一致，再次执行同样的命令即可续传
			os.Exit(130)
		}
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flagSet := pflag.NewFlagSet("upload-client", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to config.yaml (optional)")
	flagSet.String("server", "", "server base URL (default from client.server_url)")
	flagSet.Int64("chunk-size", 0, "chunk size in bytes, must match the server")
	flagSet.Int("max-attempts", 0, "attempts before giving up")
	flagSet.BoolP("verbose", "v", false, "log every request")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	args := flagSet.Args()
	if len(args) != 1 {
		printHelp(flagSet)
		return fmt.Errorf("%w: expected exactly one file argument", uploader.ErrValidation)
	}

	v := viper.New()
	for key, flag := range map[string]string{
		"client.server_url":   "server",
		"client.chunk_size":   "chunk-size",
		"client.max_attempts": "max-attempts",
	} {
		if f := flagSet.Lookup(flag); f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return err
	}

	level := "warn"
	if verbose, _ := flagSet.GetBool("verbose"); verbose {
		level = "info"
	}
	log.Init(level, "console", "")
	defer log.Sync()

	f, err := uploader.OpenFile(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	u := uploader.New(
		uploader.NewHTTPTransport(cfg.Client.ServerURL, &http.Client{}),
		uploader.WithChunkSize(cfg.Client.ChunkSize),
		uploader.WithMaxAttempts(cfg.Client.MaxAttempts),
		uploader.WithMaxFileSize(cfg.Client.MaxFileSize),
	)
	u.Subscribe(newProgressPrinter())

	// 第一次 Ctrl-C 暂停上传，已发送的字节保留在服务端
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		for range sigs {
			if u.Pause() {
				fmt.Fprintln(os.Stderr, "\npausing...")
			}
		}
	}()

	if err := u.Start(context.Background(), f); err != nil {
		if errors.Is(err, uploader.ErrCancelled) {
			fmt.Fprintf(os.Stderr, "paused at %.1f%%, run the same command again to resume\n", u.OverallProgress())
		}
		return err
	}

	snap := u.Snapshot()
	if snap.Deduplicated {
		fmt.Printf("\n%s already on server\n", snap.ContentID)
	} else {
		fmt.Printf("\nuploaded %s\n", snap.ContentID)
	}
	fmt.Printf("%s/public/%s\n", cfg.Client.ServerURL, snap.ContentID)
	return nil
}

// newProgressPrinter 在整体进度变化超过 1% 或状态变化时刷新一行输出。
func newProgressPrinter() func(uploader.Snapshot) {
	var mu sync.Mutex
	last := -1.0
	lastStatus := uploader.StatusNotStarted
	return func(s uploader.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.Status == lastStatus && s.Overall-last < 1 && s.Overall < 100 {
			return
		}
		last, lastStatus = s.Overall, s.Status

		done := 0
		for _, p := range s.Progress {
			if p >= 100 {
				done++
			}
		}
		fmt.Fprintf(os.Stderr, "\r%-11s %6.2f%%  chunks %d/%d  attempt %d", s.Status, s.Overall, done, len(s.Progress), s.Attempts)
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Resumable upload client.

Uploads one file to the server in fixed-size chunks. Files already on the
server are skipped. Press Ctrl-C to pause; running the same command again
resumes from the bytes the server already holds.

Usage:
  upload-client [flags] FILE

Flags:
`)
	flagSet.PrintDefaults()
}
