package main

import (
	"flag"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/blelink/internal/config"
	"github.com/danmuck/blelink/internal/logging"
)

func main() {
	kind := flag.String("kind", "daemon", "config kind: daemon|peripheral")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	logging.ConfigureRuntime()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		cfg, err := config.LoadDaemonConfig(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("config invalid")
		}
		log.Info().
			Str("kind", *kind).
			Str("path", path).
			Str("scanner", cfg.Scanner).
			Bool("central", cfg.Central.Enabled).
			Bool("peripheral", cfg.Peripheral.Enabled).
			Msg("validated config")
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal().Err(err).Msg("write template")
	}
	log.Info().Str("kind", *kind).Str("path", target).Msg("wrote config template")
}

func defaultPath(kind string) string {
	switch kind {
	case "daemon", "blelinkd":
		return "cmd/blelinkd/config.toml"
	case "peripheral":
		return "cmd/blelinkd/peripheral.toml"
	default:
		log.Fatal().Str("kind", kind).Msg("unknown kind")
		return ""
	}
}
