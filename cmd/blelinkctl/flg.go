package main

import (
	"time"

	"github.com/urfave/cli"
)

var (
	flgAddr        = cli.StringFlag{Name: "addr, a", Value: "http://127.0.0.1:7420", Usage: "blelinkd base URL", EnvVar: "BLELINK_ADDR"}
	flgTimeout     = cli.DurationFlag{Name: "tmo, t", Value: 35 * time.Second, Usage: "Timeout for the request"}
	flgFilter      = cli.StringFlag{Name: "id, i", Usage: "ble id to look for"}
	flgStopIfFound = cli.BoolTFlag{Name: "stop", Usage: "Stop scanning at the first match"}
	flgScanTimeout = cli.DurationFlag{Name: "scan-timeout", Usage: "Scan timeout on the daemon (daemon default when zero)"}
	flgPeer        = cli.StringFlag{Name: "peer, p", Usage: "Peer id returned by scan"}
	flgJSON        = cli.BoolFlag{Name: "json", Usage: "Print raw JSON"}
)
