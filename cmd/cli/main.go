// Command lsctl is a CLI client for the ledgersync HTTP API.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const defaultAddr = "http://localhost:8000"

// ---- config store ----

type cliConfig struct {
	Addr     string `json:"addr"`
	CACert   string `json:"cacert,omitempty"`
	Insecure bool   `json:"insecure,omitempty"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "ledgersync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "ledgersync")
}

func cfgPath() string { return filepath.Join(cfgDir(), "cli.json") }

func saveConfig(c cliConfig) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(cfgPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}

// loadConfig returns the saved settings, or defaults when none were saved.
func loadConfig() (cliConfig, error) {
	c := cliConfig{Addr: defaultAddr}
	b, err := os.ReadFile(cfgPath())
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", cfgPath(), err)
	}
	if c.Addr == "" {
		c.Addr = defaultAddr
	}
	return c, nil
}

// ---- http client ----

func loadTLS(caPath string, insecure bool) (*tls.Config, error) {
	if insecure {
		return &tls.Config{InsecureSkipVerify: true}, nil //nolint:gosec // dev flag
	}
	if caPath == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// apiError mirrors the server's {"error":{...}} body.
type apiError struct {
	Status         int    `json:"-"`
	Code           string `json:"code"`
	Message        string `json:"message"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
}

func (e *apiError) Error() string {
	s := fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	if e.UpstreamStatus != 0 {
		s += fmt.Sprintf(" (upstream status %d)", e.UpstreamStatus)
	}
	return s
}

type client struct {
	base string
	hc   *http.Client
}

func newClient(c cliConfig, timeout time.Duration) (*client, error) {
	tc, err := loadTLS(c.CACert, c.Insecure)
	if err != nil {
		return nil, err
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = tc
	return &client{
		base: strings.TrimRight(c.Addr, "/"),
		hc: &http.Client{
			Timeout:   timeout,
			Transport: tr,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// do sends a request and decodes a 2xx JSON body into out (when non-nil).
func (c *client) do(ctx context.Context, method, path string, q url.Values, out any) (*http.Response, error) {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var body struct {
			Error apiError `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &body) != nil || body.Error.Code == "" {
			body.Error = apiError{Code: http.StatusText(resp.StatusCode), Message: strings.TrimSpace(string(raw))}
		}
		body.Error.Status = resp.StatusCode
		return resp, &body.Error
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return resp, nil
}

// ---- utils ----

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `lsctl CLI
Usage:
  lsctl [-addr URL] [-cacert file | -insecure] [-timeout d] <cmd> [args]

Commands:
  version
  use        -addr <url> [-cacert file] [-insecure]   (saves defaults)
  login                                          (prints the consent URL)
  status
  health
  accounts   [-prefix p] [-force] [-o table|json|csv]
  account    -id <qbo_id> [-o table|json]
  sync                                           (forced pass)
`)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches subcommands and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	saved, err := loadConfig()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	gfs := flag.NewFlagSet("lsctl", flag.ContinueOnError)
	gfs.SetOutput(stderr)
	addr := gfs.String("addr", saved.Addr, "server base URL")
	caPath := gfs.String("cacert", saved.CACert, "CA cert (PEM)")
	insecure := gfs.Bool("insecure", saved.Insecure, "skip cert verify (dev)")
	timeout := gfs.Duration("timeout", 2*time.Minute, "request timeout")
	gfs.Usage = func() { usage(stderr) }
	if err := gfs.Parse(args); err != nil {
		return 2
	}
	if gfs.NArg() < 1 {
		usage(stderr)
		return 2
	}
	cmd, rest := gfs.Arg(0), gfs.Args()[1:]
	cfg := cliConfig{Addr: *addr, CACert: *caPath, Insecure: *insecure}

	if cmd == "version" {
		fmt.Fprintf(stdout, "lsctl %s (%s)\n", version, buildDate)
		return 0
	}
	if cmd == "use" {
		fs := flag.NewFlagSet("use", flag.ContinueOnError)
		fs.SetOutput(stderr)
		a := fs.String("addr", cfg.Addr, "server base URL")
		ca := fs.String("cacert", cfg.CACert, "CA cert (PEM)")
		ins := fs.Bool("insecure", cfg.Insecure, "skip cert verify (dev)")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		if err := saveConfig(cliConfig{Addr: *a, CACert: *ca, Insecure: *ins}); err != nil {
			return fail(stderr, err)
		}
		fmt.Fprintln(stdout, "ok")
		return 0
	}

	cli, err := newClient(cfg, *timeout)
	if err != nil {
		return fail(stderr, err)
	}
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	switch cmd {
	case "login":
		resp, err := cli.do(ctx, http.MethodGet, "/login", nil, nil)
		if err != nil {
			return fail(stderr, err)
		}
		loc := resp.Header.Get("Location")
		if loc == "" {
			return fail(stderr, errors.New("server did not return an authorization URL"))
		}
		fmt.Fprintln(stdout, "Open this URL in a browser to connect QuickBooks:")
		fmt.Fprintln(stdout, loc)

	case "status":
		var st statusView
		if _, err := cli.do(ctx, http.MethodGet, "/auth/status", nil, &st.Connection); err != nil {
			return fail(stderr, err)
		}
		if _, err := cli.do(ctx, http.MethodGet, "/sync/status", nil, &st.Sync); err != nil {
			return fail(stderr, err)
		}
		printJSON(stdout, st)

	case "health":
		var out map[string]string
		if _, err := cli.do(ctx, http.MethodGet, "/health/ready", nil, &out); err != nil {
			return fail(stderr, err)
		}
		printJSON(stdout, out)

	case "accounts":
		fs := flag.NewFlagSet("accounts", flag.ContinueOnError)
		fs.SetOutput(stderr)
		prefix := fs.String("prefix", "", "case-insensitive name prefix")
		force := fs.Bool("force", false, "sync from QuickBooks first")
		format := fs.String("o", "table", "output: table|json|csv")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		q := url.Values{}
		if *prefix != "" {
			q.Set("name_prefix", *prefix)
		}
		if *force {
			q.Set("force_from_api", "true")
		}
		var as []account
		if _, err := cli.do(ctx, http.MethodGet, "/accounts", q, &as); err != nil {
			return fail(stderr, err)
		}
		if err := renderAccounts(stdout, as, *format); err != nil {
			return fail(stderr, err)
		}

	case "account":
		fs := flag.NewFlagSet("account", flag.ContinueOnError)
		fs.SetOutput(stderr)
		id := fs.String("id", "", "qbo_id")
		format := fs.String("o", "table", "output: table|json")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		if *id == "" {
			fmt.Fprintln(stderr, "need -id")
			return 1
		}
		var d accountDetail
		if _, err := cli.do(ctx, http.MethodGet, "/accounts/"+url.PathEscape(*id), nil, &d); err != nil {
			return fail(stderr, err)
		}
		if err := renderDetail(stdout, d, *format); err != nil {
			return fail(stderr, err)
		}

	case "sync":
		var res map[string]any
		if _, err := cli.do(ctx, http.MethodPost, "/sync", nil, &res); err != nil {
			return fail(stderr, err)
		}
		printJSON(stdout, res)

	default:
		usage(stderr)
		return 2
	}
	return 0
}

func fail(w io.Writer, err error) int {
	var ae *apiError
	if errors.As(err, &ae) {
		fmt.Fprintf(w, "api error: %v\n", ae)
		if ae.Code == "NOT_AUTHENTICATED" {
			fmt.Fprintln(w, "hint: run `lsctl login` first")
		}
		return 1
	}
	fmt.Fprintln(w, err)
	return 1
}
