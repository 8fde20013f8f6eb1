package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/blelink/internal/daemon"
	"github.com/danmuck/blelink/internal/logging"
	"github.com/danmuck/blelink/internal/observability"
)

func main() {
	path := flag.String("config", "", "daemon config file (toml); defaults apply when empty")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg := daemon.DefaultServiceConfig()
	if *path != "" {
		loaded, err := loadServiceConfig(*path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "blelinkd: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	observability.InitLogger(cfg.Name)
	if err := daemon.Run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "blelinkd: %v\n", err)
		os.Exit(1)
	}
}
