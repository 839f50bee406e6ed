package launch

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/http/httpproxy"

	"github.com/comflowy/comfyd/internal/config"
)

// Environment builds the backend shell environment: the host environment,
// overlaid with proxy settings, an explicit PATH, the update-prompt
// suppression flag, a fixed text encoding, then the configured extra env.
func Environment(b config.Backend, host []string) map[string]string {
	env := make(map[string]string, len(host)+8)
	for _, kv := range host {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}

	for k, v := range proxyEnv(b.Proxy, env) {
		env[k] = v
	}

	if b.Path != "" {
		env["PATH"] = b.Path
	}
	env["DISABLE_UPDATE_PROMPT"] = "true"
	env["PYTHONIOENCODING"] = "utf-8"
	env["TERM"] = "xterm-color"

	for k, v := range b.Env {
		env[k] = v
	}
	return env
}

// Environ flattens env into sorted KEY=value pairs.
func Environ(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// proxyEnv resolves the proxy for the backend. Configured values win;
// otherwise the host settings are normalised so both the upper and lower
// case spellings are set, since Python tooling reads either.
func proxyEnv(p *config.Proxy, host map[string]string) map[string]string {
	hostCfg := proxyConfig(host)
	if p != nil {
		if p.HTTP != "" {
			hostCfg.HTTPProxy = p.HTTP
		}
		if p.HTTPS != "" {
			hostCfg.HTTPSProxy = p.HTTPS
		}
		if p.NoProxy != "" {
			hostCfg.NoProxy = p.NoProxy
		}
	}

	out := map[string]string{}
	set := func(name, value string) {
		if value == "" {
			return
		}
		out[strings.ToUpper(name)] = value
		out[strings.ToLower(name)] = value
	}
	set("HTTP_PROXY", hostCfg.HTTPProxy)
	set("HTTPS_PROXY", hostCfg.HTTPSProxy)
	set("NO_PROXY", hostCfg.NoProxy)
	return out
}

// PackageIndexURL is the index the dependency install step talks to.
const PackageIndexURL = "https://pypi.org/simple/"

// ResolveProxy reports which proxy the backend will use to reach target,
// given its environment. It returns nil when the request goes direct and an
// error when the configured proxy is not a valid URL.
func ResolveProxy(env map[string]string, target string) (*url.URL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parsing target %q: %w", target, err)
	}
	proxy, err := proxyConfig(env).ProxyFunc()(u)
	if err != nil {
		return nil, fmt.Errorf("resolving proxy for %s: %w", target, err)
	}
	return proxy, nil
}

func proxyConfig(env map[string]string) *httpproxy.Config {
	return &httpproxy.Config{
		HTTPProxy:  firstOf(env, "HTTP_PROXY", "http_proxy"),
		HTTPSProxy: firstOf(env, "HTTPS_PROXY", "https_proxy"),
		NoProxy:    firstOf(env, "NO_PROXY", "no_proxy"),
	}
}

func firstOf(env map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := env[k]; v != "" {
			return v
		}
	}
	return ""
}
