// Package importer implements the list refresh pipeline: fetch a payload
// from the configured source, decode it, reconcile the schema, and hand the
// rows to storage for an atomic replace.
package importer

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/Maneox/List-IQ/internal/domain"
	"github.com/Maneox/List-IQ/internal/pkg/httpretry"
)

// maxPayloadSize caps a single fetched payload at 100 MB.
const maxPayloadSize = 100 * 1024 * 1024

// TransportPolicy carries the egress knobs shared by every outbound fetch:
// proxy settings, TLS verification, and an optional CA bundle. Shell
// sources receive the same settings through their environment.
type TransportPolicy struct {
	HTTPProxy  string
	HTTPSProxy string
	NoProxy    string
	VerifySSL  bool
	CABundle   string // path to a PEM bundle; empty uses system roots
}

// PolicyFromEnv builds the transport policy from the conventional proxy and
// TLS environment variables, accepting both upper and lower case names.
func PolicyFromEnv() TransportPolicy {
	p := TransportPolicy{
		HTTPProxy:  envAny("HTTP_PROXY", "http_proxy"),
		HTTPSProxy: envAny("HTTPS_PROXY", "https_proxy"),
		NoProxy:    envAny("NO_PROXY", "no_proxy"),
		VerifySSL:  true,
		CABundle:   envAny("REQUESTS_CA_BUNDLE", "SSL_CERT_FILE"),
	}
	switch strings.ToLower(os.Getenv("VERIFY_SSL")) {
	case "false", "0", "no":
		p.VerifySSL = false
	}
	return p
}

func envAny(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

// httpClient builds an HTTP client honoring the policy's proxy and TLS
// settings.
func (p TransportPolicy) httpClient(timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{
		Proxy: p.proxyFunc(),
	}
	tlsCfg := &tls.Config{}
	if !p.VerifySSL {
		tlsCfg.InsecureSkipVerify = true
	}
	if p.CABundle != "" {
		pem, err := os.ReadFile(p.CABundle)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA bundle %s contains no certificates", p.CABundle)
		}
		tlsCfg.RootCAs = pool
	}
	transport.TLSClientConfig = tlsCfg
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

func (p TransportPolicy) proxyFunc() func(*http.Request) (*url.URL, error) {
	if p.HTTPProxy == "" && p.HTTPSProxy == "" {
		return http.ProxyFromEnvironment
	}
	return func(req *http.Request) (*url.URL, error) {
		if p.hostBypassed(req.URL.Hostname()) {
			return nil, nil
		}
		raw := p.HTTPProxy
		if req.URL.Scheme == "https" && p.HTTPSProxy != "" {
			raw = p.HTTPSProxy
		}
		if raw == "" {
			return nil, nil
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", raw, err)
		}
		return u, nil
	}
}

func (p TransportPolicy) hostBypassed(host string) bool {
	for _, entry := range strings.Split(p.NoProxy, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" || host == entry || strings.HasSuffix(host, "."+strings.TrimPrefix(entry, ".")) {
			return true
		}
	}
	return false
}

// Env returns the policy as environment variable assignments for shell
// sources, so a curl inside the command inherits the same egress settings.
func (p TransportPolicy) Env() []string {
	var env []string
	add := func(k, v string) {
		if v != "" {
			env = append(env, k+"="+v, strings.ToLower(k)+"="+v)
		}
	}
	add("HTTP_PROXY", p.HTTPProxy)
	add("HTTPS_PROXY", p.HTTPSProxy)
	add("NO_PROXY", p.NoProxy)
	if p.CABundle != "" {
		env = append(env, "CURL_CA_BUNDLE="+p.CABundle)
	}
	return env
}

// Fetcher retrieves raw payloads from configured sources.
type Fetcher struct {
	policy TransportPolicy
}

// NewFetcher creates a Fetcher with the given transport policy.
func NewFetcher(policy TransportPolicy) *Fetcher {
	return &Fetcher{policy: policy}
}

// FetchURL retrieves a URL source's payload. Transient failures are retried
// with backoff; a final non-2xx answer is an HTTPStatusError. An empty 2xx
// body is a valid payload and imports as zero rows.
func (f *Fetcher) FetchURL(ctx context.Context, cfg domain.UpdateConfig) ([]byte, error) {
	return f.fetch(ctx, cfg.URL, cfg.Headers, time.Duration(cfg.URLTimeout())*time.Second)
}

// fetch performs one retried GET of the given URL.
func (f *Fetcher) fetch(ctx context.Context, rawURL string, headers map[string]string, timeout time.Duration) ([]byte, error) {
	base, err := f.policy.httpClient(timeout)
	if err != nil {
		return nil, err
	}
	client := httpretry.NewRetryClient(base, 2)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &domain.ConfigError{Field: "url", Reason: err.Error()}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "list-iq/1.0")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &domain.HTTPStatusError{StatusCode: resp.StatusCode, URL: rawURL}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadSize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// FetchCommand runs a shell source and returns its stdout. The command runs
// under sh -c with the transport policy exported into its environment. A
// non-zero exit is a CommandError carrying stderr; empty stdout on success
// is an EmptyOutputError.
func (f *Fetcher) FetchCommand(ctx context.Context, cfg domain.UpdateConfig) ([]byte, error) {
	return f.runCommand(ctx, cfg.Command, time.Duration(cfg.CommandTimeout())*time.Second)
}

func (f *Fetcher) runCommand(ctx context.Context, command string, timeout time.Duration) ([]byte, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Env = append(os.Environ(), f.policy.Env()...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cmdCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("command timed out after %s: %w", timeout, cmdCtx.Err())
	}
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return nil, &domain.CommandError{ExitCode: exitCode, Stderr: truncate(stderr.String(), 4096)}
	}
	out := stdout.Bytes()
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, &domain.EmptyOutputError{Source: domain.SourceCommand}
	}
	return out, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
