package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/cmtidx/cmtidx/deps/config"
)

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "Manage the indexer configuration",
	Subcommands: []*cli.Command{
		{
			Name:  "default",
			Usage: "Print the default configuration",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "no-comment",
					Usage: "don't comment default values",
				},
			},
			Action: func(cctx *cli.Context) error {
				text, err := config.Encode(config.DefaultConfig(), !cctx.Bool("no-comment"))
				if err != nil {
					return err
				}
				fmt.Println(string(text))
				return nil
			},
		},
		{
			Name:  "view",
			Usage: "Print the effective configuration, after the file, environment and flags",
			Action: func(cctx *cli.Context) error {
				cfg, err := loadConfig(cctx)
				if err != nil {
					return err
				}
				text, err := config.Encode(cfg, false)
				if err != nil {
					return err
				}
				fmt.Println(string(text))
				return nil
			},
		},
	},
}
