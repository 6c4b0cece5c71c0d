package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fzft/go-afdpoll/cmd"
	"github.com/fzft/go-afdpoll/log"
	"go.uber.org/zap"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "cli" {
		cli := cmd.NewEchoCli(os.Stdout)
		if err := cli.Run(os.Args[2:], GitSHA1(), GitDirty()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "", "path to a TOML config file")
	addr := flag.String("addr", "", "listen address, overrides the config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if err := log.InitLogger(cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Logger.Sync()

	log.Logger.Info("starting", zap.String("build", BuildInfo()))
	if err := NewServer(cfg).Run(); err != nil {
		log.Logger.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}
