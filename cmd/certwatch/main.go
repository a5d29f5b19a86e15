package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/sentinelpki/certwatch/core"
	"github.com/sentinelpki/certwatch/crl"
	"github.com/sentinelpki/certwatch/log"
	"github.com/sentinelpki/certwatch/loop"
	"github.com/sentinelpki/certwatch/status"
)

var configPath = flag.String("c", "certwatch.yaml", "Configuration file path")
var debugLog = flag.Bool("debug", false, "Enable debug output")
var versionFlag = flag.Bool("v", false, "Show version")

const version = "0.1.0"

func banner() {
	lcyan := color.New(color.FgHiCyan)
	log.Info("%s", lcyan.Sprint("certwatch - certificate lifecycle manager"))
}

func main() {
	flag.Parse()
	log.DebugEnable(*debugLog)

	if *versionFlag {
		log.Info("version: %s", version)
		return
	}

	banner()

	args := flag.Args()
	if len(args) < 1 {
		log.Fatal("usage: certwatch [-c config] [-debug] <init|status|check|daemon|renew|crl> [args]")
		os.Exit(1)
	}

	cmd, rest := args[0], args[1:]
	var err error
	switch cmd {
	case "init":
		err = runInit()
	case "status":
		err = runStatus(rest)
	case "check":
		err = runCheck()
	case "daemon":
		err = runDaemon()
	case "renew":
		err = runRenew(rest)
	case "crl":
		err = runCRL(rest)
	default:
		log.Error("unknown command: %s", cmd)
		os.Exit(1)
	}

	if err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}

func loadConfig() (*core.Config, error) {
	return core.NewConfig(*configPath)
}

func runInit() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	log.Success("initialized configuration and directories under %s", cfg.CertStoragePath)
	return nil
}

func runCheck() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l, err := loop.New(cfg)
	if err != nil {
		return err
	}
	defer l.Close()
	if err := l.Init(); err != nil {
		return err
	}
	l.RunOnce()
	printTable(l.LastStatuses())
	return nil
}

func runDaemon() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l, err := loop.New(cfg)
	if err != nil {
		return err
	}
	defer l.Close()
	if err := l.Init(); err != nil {
		return err
	}

	srv := status.NewServer(":8090", l)
	srv.Start()
	defer srv.Stop()

	l.Run()
	return nil
}

func runRenew(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: certwatch renew <name>")
	}
	name := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l, err := loop.New(cfg)
	if err != nil {
		return err
	}
	defer l.Close()
	if err := l.Init(); err != nil {
		return err
	}

	st, err := l.RenewOne(name)
	if err != nil {
		return err
	}
	printTable([]core.CertStatus{st})
	return nil
}

func runCRL(args []string) error {
	fs := flag.NewFlagSet("crl", flag.ContinueOnError)
	refresh := fs.Bool("refresh", false, "Force-refresh all configured CRL URLs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mgr, err := crl.NewManager(&cfg.StepCA)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if *refresh {
		for _, u := range cfg.StepCA.CRLUrls {
			if err := mgr.ForceRefresh(u); err != nil {
				log.Warning("crl refresh failed for %s: %v", u, err)
				continue
			}
			log.Success("refreshed CRL from %s", u)
		}
		return nil
	}

	log.Info("configured CRL URLs: %v", cfg.StepCA.CRLUrls)
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	format := fs.String("format", "table", "Output format: table|json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l, err := loop.New(cfg)
	if err != nil {
		return err
	}
	defer l.Close()
	if err := l.Init(); err != nil {
		return err
	}
	l.RunOnce()

	switch *format {
	case "json":
		report := status.Build(l)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	default:
		printTable(l.LastStatuses())
		return nil
	}
}

func printTable(statuses []core.CertStatus) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVALID\tEXPIRES\tDAYS\tREASON\tREVOKED")
	for _, s := range statuses {
		expires := "-"
		if s.ExpiresAt != nil {
			expires = s.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%v\t%s\t%d\t%s\t%v\n", s.Name, s.IsValid, expires, s.DaysUntilExpiry, s.RenewalReason, s.IsRevoked)
	}
	w.Flush()
}
