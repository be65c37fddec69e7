package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/mailchat/internal/account"
	"github.com/matheus3301/mailchat/internal/config"
	"github.com/matheus3301/mailchat/internal/daemon"
)

func main() {
	configFlag := flag.String("config", "", "path to config file (default: "+account.ConfigPath()+")")
	initFlag := flag.Bool("init", false, "write a template config file and exit")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		configPath = account.ConfigPath()
	}

	if *initFlag {
		if _, err := os.Stat(configPath); err == nil {
			fmt.Fprintf(os.Stderr, "error: %s already exists\n", configPath)
			os.Exit(1)
		}
		if err := config.Save(configPath, config.Default()); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote template config to %s; fill in account and server settings\n", configPath)
		return
	}

	if _, err := os.Stat(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: no config at %s (run with -init to create one)\n", configPath)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{ConfigPath: configPath}),
	)

	app.Run()
}
