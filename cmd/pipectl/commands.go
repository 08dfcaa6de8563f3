package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
	apiclient "github.com/coinkrazygaming/CodeFlow-sub001/pkg/api/client"
	"github.com/coinkrazygaming/CodeFlow-sub001/pkg/jwt"
)

const defaultAPIBase = "http://localhost:4000"

// Globals are flags shared by every command.
type Globals struct {
	API     string        `help:"API base URL" env:"CODEFLOW_API"`
	Token   string        `help:"Access token" env:"CODEFLOW_TOKEN"`
	Timeout time.Duration `help:"Request timeout" default:"15s"`
	JSON    bool          `help:"Print raw JSON"`
}

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

func (g *Globals) writer() io.Writer {
	return os.Stdout
}

// client resolves flags over the saved config file.
func (g *Globals) client() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	base := firstNonEmpty(g.API, cfg.APIBaseURL, defaultAPIBase)
	token := firstNonEmpty(g.Token, cfg.AccessToken)
	if token == "" {
		return nil, errors.New("no access token: run 'pipectl login <token>' or set CODEFLOW_TOKEN")
	}
	return apiclient.New(base, apiclient.WithToken(token))
}

func (g *Globals) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.Timeout)
}

func (g *Globals) printJSON(v any) error {
	enc := json.NewEncoder(g.writer())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (g *Globals) printBuild(b *domain.Build) error {
	if g.JSON {
		return g.printJSON(b)
	}
	w := tabwriter.NewWriter(g.writer(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Build:\t%s\n", b.ID)
	fmt.Fprintf(w, "Site:\t%s\n", b.SiteID)
	fmt.Fprintf(w, "Status:\t%s\n", b.Status)
	fmt.Fprintf(w, "Branch:\t%s\n", b.Branch)
	if b.CommitSHA != "" {
		fmt.Fprintf(w, "Commit:\t%s\n", b.CommitSHA)
	}
	fmt.Fprintf(w, "Triggered by:\t%s\n", b.TriggeredBy)
	if b.Duration != nil {
		fmt.Fprintf(w, "Duration:\t%ds\n", *b.Duration)
	}
	if b.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:\t%s (%s)\n", b.ErrorMessage, b.ErrorCode)
	}
	for _, st := range b.Stages {
		fmt.Fprintf(w, "  %s\t%s\n", st.Name, st.Status)
	}
	return w.Flush()
}

// LoginCmd saves connection settings.
type LoginCmd struct {
	AccessToken string `arg:"" help:"Access token issued by the auth service"`
}

func (c *LoginCmd) Run(g *Globals) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.AccessToken = strings.TrimSpace(c.AccessToken)
	if g.API != "" {
		cfg.APIBaseURL = g.API
	}
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Fprintln(g.writer(), "credentials saved")
	return nil
}

// MintTokenCmd issues a token locally; only useful where the JWT secret is known.
type MintTokenCmd struct {
	User   string        `required:"" help:"User id to embed"`
	Team   string        `help:"Team id to embed"`
	Secret string        `required:"" env:"JWT_SECRET" help:"HMAC secret shared with the API"`
	TTL    time.Duration `default:"24h" help:"Token lifetime"`
}

func (c *MintTokenCmd) Run(g *Globals) error {
	token, err := jwt.GenerateToken(c.User, c.Team, c.Secret, c.TTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(g.writer(), token)
	return nil
}

// TriggerCmd starts a build.
type TriggerCmd struct {
	Site       string `arg:"" help:"Site id"`
	Branch     string `help:"Branch to build (defaults to the site's branch)"`
	Commit     string `help:"Commit SHA"`
	Message    string `help:"Commit message"`
	ClearCache bool   `help:"Discard build caches"`
}

func (c *TriggerCmd) Run(g *Globals) error {
	client, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := g.context()
	defer cancel()
	build, err := client.TriggerBuild(ctx, c.Site, apiclient.TriggerRequest{
		Branch:        c.Branch,
		CommitSHA:     c.Commit,
		CommitMessage: c.Message,
		ClearCache:    c.ClearCache,
		Source:        string(domain.TriggerAPI),
	})
	if err != nil {
		return err
	}
	if g.JSON {
		return g.printJSON(build)
	}
	fmt.Fprintf(g.writer(), "build triggered: %s status=%s\n", build.ID, build.Status)
	return nil
}

// ListCmd pages through builds.
type ListCmd struct {
	Site  string `arg:"" help:"Site id"`
	Page  int    `default:"1" help:"Page number"`
	Limit int    `default:"20" help:"Builds per page"`
}

func (c *ListCmd) Run(g *Globals) error {
	client, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := g.context()
	defer cancel()
	list, err := client.ListBuilds(ctx, c.Site, c.Page, c.Limit)
	if err != nil {
		return err
	}
	if g.JSON {
		return g.printJSON(list)
	}
	w := tabwriter.NewWriter(g.writer(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tBRANCH\tTRIGGER\tCREATED")
	for _, b := range list.Builds {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", b.ID, b.Status, b.Branch, b.TriggeredBy, b.CreatedAt.Local().Format(time.DateTime))
	}
	fmt.Fprintf(w, "page %d/%d (%d builds)\n", list.Pagination.Page, list.Pagination.TotalPages, list.Pagination.Total)
	return w.Flush()
}

// GetCmd shows one build.
type GetCmd struct {
	Build string `arg:"" help:"Build id"`
}

func (c *GetCmd) Run(g *Globals) error {
	client, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := g.context()
	defer cancel()
	build, err := client.GetBuild(ctx, c.Build)
	if err != nil {
		return err
	}
	return g.printBuild(build)
}

// CancelCmd stops a build.
type CancelCmd struct {
	Build string `arg:"" help:"Build id"`
}

func (c *CancelCmd) Run(g *Globals) error {
	client, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := g.context()
	defer cancel()
	build, err := client.CancelBuild(ctx, c.Build)
	if err != nil {
		return err
	}
	return g.printBuild(build)
}

// RetryCmd re-runs a build.
type RetryCmd struct {
	Build string `arg:"" help:"Build id"`
}

func (c *RetryCmd) Run(g *Globals) error {
	client, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := g.context()
	defer cancel()
	build, err := client.RetryBuild(ctx, c.Build)
	if err != nil {
		return err
	}
	if g.JSON {
		return g.printJSON(build)
	}
	fmt.Fprintf(g.writer(), "retry triggered: %s status=%s\n", build.ID, build.Status)
	return nil
}

// LogsCmd prints log lines, polling until the build finishes with --follow.
type LogsCmd struct {
	Build    string        `arg:"" help:"Build id"`
	Follow   bool          `short:"f" help:"Keep polling until the build finishes"`
	Interval time.Duration `default:"2s" help:"Polling interval when following"`
}

func (c *LogsCmd) Run(g *Globals) error {
	client, err := g.client()
	if err != nil {
		return err
	}
	return followLogs(client, g.writer(), g.Timeout, c.Build, c.Follow, c.Interval)
}

type logSource interface {
	Logs(ctx context.Context, buildID string, after int64) ([]domain.LogLine, error)
	GetBuild(ctx context.Context, buildID string) (*domain.Build, error)
}

func followLogs(src logSource, w io.Writer, timeout time.Duration, buildID string, follow bool, interval time.Duration) error {
	var after int64
	for {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		lines, err := src.Logs(ctx, buildID, after)
		cancel()
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Fprintf(w, "%s [%s] %s\n", line.Timestamp.Local().Format(time.TimeOnly), line.Level, line.Message)
			after = line.Seq
		}
		if !follow {
			return nil
		}
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
		build, err := src.GetBuild(ctx, buildID)
		cancel()
		if err != nil {
			return err
		}
		if build.Status.IsTerminal() {
			// a final fetch picks up lines written just before completion
			follow = false
			continue
		}
		time.Sleep(interval)
	}
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, fmt.Errorf("parse %s: %w", path, err)
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
	return filepath.Join(base, "codeflow", "config.json"), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
