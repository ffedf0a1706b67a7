package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	apiclient "github.com/splax/deployx/pkg/api/client"
)

const (
	defaultAPIBase = "http://localhost:4571"
	defaultDomain  = "localhost:8000"
)

type cliConfig struct {
	APIBaseURL string `json:"api_base_url"`
	WSURL      string `json:"ws_url,omitempty"`
	Domain     string `json:"domain,omitempty"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "deploy":
		err = commandDeploy(args)
	case "logs":
		err = commandLogs(args)
	case "health":
		err = commandHealth(args)
	case "config":
		err = commandConfig(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier (becomes the subdomain)")
	repoURL := fs.String("repo", "", "Public git repository URL")
	apiBase := fs.String("api", "", "API base URL (default "+defaultAPIBase+")")
	wsURL := fs.String("ws", "", "Socket gateway URL (derived from --api when empty)")
	follow := fs.Bool("follow", true, "Stream build logs until the deployment finishes")
	timeout := fs.Duration("timeout", 20*time.Minute, "Maximum time to follow logs")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	if strings.TrimSpace(*repoURL) == "" {
		return errors.New("--repo is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	if strings.TrimSpace(*wsURL) != "" {
		cfg.WSURL = *wsURL
	}

	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// Subscribe before submitting so the first lines are not missed.
	var f *follower
	if *follow {
		gateway, err := gatewayURL(cfg)
		if err != nil {
			return err
		}
		f, err = startFollow(ctx, gateway, *projectID, newPrinter(os.Stdout))
		if err != nil {
			return err
		}
		defer f.Close()
	}

	submitCtx, submitCancel := context.WithTimeout(ctx, 15*time.Second)
	resp, err := client.Deploy(submitCtx, *projectID, *repoURL)
	submitCancel()
	if err != nil {
		return err
	}
	fmt.Printf("%s task=%s\n", resp.Message, resp.TaskArn)

	if f == nil {
		fmt.Printf("site: %s\n", siteURL(cfg, *projectID))
		return nil
	}
	ok, err := f.Wait(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("deployment failed")
	}
	fmt.Printf("site: %s\n", siteURL(cfg, *projectID))
	return nil
}

func commandLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	wsURL := fs.String("ws", "", "Socket gateway URL")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*wsURL) != "" {
		cfg.WSURL = *wsURL
	}
	gateway, err := gatewayURL(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	f, err := startFollow(ctx, gateway, *projectID, newPrinter(os.Stdout))
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func commandHealth(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("status=%s\n", health.Status)
	for name, state := range health.Components {
		fmt.Printf("  %s\t%v\n", name, state)
	}
	return nil
}

func commandConfig(args []string) error {
	if len(args) == 0 || args[0] != "set" {
		return errors.New("usage: deployx config set [--api url] [--ws url] [--domain host]")
	}
	fs := flag.NewFlagSet("config set", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	wsURL := fs.String("ws", "", "Socket gateway URL")
	domain := fs.String("domain", "", "Domain served by the edge router")
	fs.Parse(args[1:])

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if v := strings.TrimSpace(*apiBase); v != "" {
		cfg.APIBaseURL = v
	}
	if v := strings.TrimSpace(*wsURL); v != "" {
		cfg.WSURL = v
	}
	if v := strings.TrimSpace(*domain); v != "" {
		cfg.Domain = v
	}
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("configuration saved")
	return nil
}

// gatewayURL returns the configured socket URL or derives it from the API
// base: http becomes ws, https becomes wss, and the path is /ws.
func gatewayURL(cfg cliConfig) (string, error) {
	if strings.TrimSpace(cfg.WSURL) != "" {
		return cfg.WSURL, nil
	}
	u, err := url.Parse(cfg.APIBaseURL)
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func siteURL(cfg cliConfig, projectID string) string {
	domain := cfg.Domain
	if domain == "" {
		domain = defaultDomain
	}
	scheme := "https"
	if strings.HasPrefix(domain, "localhost") {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s.%s", scheme, projectID, domain)
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "deployx", "config.json"), nil
}

func colorEnabled(f *os.File) bool {
	return os.Getenv("NO_COLOR") == "" && term.IsTerminal(int(f.Fd()))
}

func printUsage() {
	fmt.Printf("deployx CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	deployx deploy --project <id> --repo <git-url> [--api url] [--ws url] [--follow=false]
	deployx logs --project <id> [--ws url]
	deployx health [--api url]
	deployx config set [--api url] [--ws url] [--domain host]
	deployx version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
